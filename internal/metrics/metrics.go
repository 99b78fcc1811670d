// Package metrics exposes Prometheus collectors for the session worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "pbwturn"
	subsystem = "worker"
)

// Worker reports command throughput, latency and queue depth. A nil *Worker
// is valid and records nothing.
type Worker struct {
	commands     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	queueDepth   prometheus.Gauge
	inFlight     prometheus.Gauge
	turnAdvances *prometheus.CounterVec
}

// New registers the worker collectors with reg. Collectors already registered
// under the same names are reused, so calling New twice with one registry is
// safe.
func New(reg prometheus.Registerer) *Worker {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	commands := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_total",
			Help:      "Commands finished by the worker, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "command_duration_seconds",
			Help:      "Time from dispatch to completion of a command.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		},
		[]string{"kind"},
	)
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queue_depth",
		Help:      "Commands waiting behind the one in flight.",
	})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "in_flight",
		Help:      "1 while a command is executing.",
	})
	turnAdvances := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "turn_advances_total",
			Help:      "Committed turn-number advances, by game.",
		},
		[]string{"game"},
	)

	collectors := []prometheus.Collector{commands, duration, queueDepth, inFlight, turnAdvances}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch c {
			case commands:
				commands = already.ExistingCollector.(*prometheus.CounterVec)
			case duration:
				duration = already.ExistingCollector.(*prometheus.HistogramVec)
			case queueDepth:
				queueDepth = already.ExistingCollector.(prometheus.Gauge)
			case inFlight:
				inFlight = already.ExistingCollector.(prometheus.Gauge)
			case turnAdvances:
				turnAdvances = already.ExistingCollector.(*prometheus.CounterVec)
			}
		}
	}

	return &Worker{
		commands:     commands,
		duration:     duration,
		queueDepth:   queueDepth,
		inFlight:     inFlight,
		turnAdvances: turnAdvances,
	}
}

func (m *Worker) ObserveCommand(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind, outcome).Inc()
	m.duration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Worker) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Worker) SetInFlight(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.inFlight.Set(1)
	} else {
		m.inFlight.Set(0)
	}
}

func (m *Worker) IncTurnAdvanced(game string) {
	if m == nil {
		return
	}
	m.turnAdvances.WithLabelValues(game).Inc()
}

// Handler serves the collectors of g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
