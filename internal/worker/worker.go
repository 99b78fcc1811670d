// Package worker is the command queue actor: one goroutine that takes
// commands in FIFO order and runs each to completion on the protocol.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/pbwturn/internal/events"
	"github.com/msageha/pbwturn/internal/logging"
	"github.com/msageha/pbwturn/internal/metrics"
	"github.com/msageha/pbwturn/internal/model"
	"github.com/msageha/pbwturn/internal/protocol"
)

var (
	ErrNotAccepting   = errors.New("worker is not accepting commands")
	ErrInvalidCommand = errors.New("invalid command")
	ErrAlreadyRunning = errors.New("worker already running")
)

const DefaultPollInterval = 200 * time.Millisecond

// Locker hands out the per-game exclusive section a command runs in.
type Locker interface {
	Acquire(id string) func()
}

type Options struct {
	PollInterval time.Duration
	Metrics      *metrics.Worker
	Bus          *events.Bus
	Logger       zerolog.Logger
}

type Worker struct {
	proto   *protocol.Protocol
	games   Locker
	metrics *metrics.Worker
	bus     *events.Bus
	log     zerolog.Logger
	poll    time.Duration

	mu        sync.Mutex
	queue     []*Command
	current   *Command
	processed int

	notify    chan struct{}
	running   atomic.Bool
	accepting atomic.Bool
	started   atomic.Bool
	done      chan struct{}
}

// New returns a worker that accepts commands immediately; they are dispatched
// once Run is called.
func New(proto *protocol.Protocol, games Locker, opts Options) *Worker {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	w := &Worker{
		proto:   proto,
		games:   games,
		metrics: opts.Metrics,
		bus:     opts.Bus,
		log:     opts.Logger,
		poll:    poll,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	w.running.Store(true)
	w.accepting.Store(true)
	return w
}

// Enqueue appends cmd to the queue and returns its ID. It never blocks.
func (w *Worker) Enqueue(cmd Command) (string, error) {
	if _, ok := ParseKind(string(cmd.Kind)); !ok {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, cmd.Kind)
	}
	if cmd.Kind.NeedsGame() && cmd.Game == "" {
		return "", fmt.Errorf("%w: %s needs a game", ErrInvalidCommand, cmd.Kind)
	}
	if cmd.ID == "" {
		cmd.ID = model.MustGenerateID(model.IDTypeCommand)
	}
	cmd.EnqueuedAt = time.Now().UTC()

	w.mu.Lock()
	if !w.accepting.Load() {
		w.mu.Unlock()
		return "", ErrNotAccepting
	}
	w.queue = append(w.queue, &cmd)
	depth := len(w.queue)
	w.mu.Unlock()

	w.metrics.SetQueueDepth(depth)
	w.log.Debug().Str("command", cmd.ID).Str("kind", string(cmd.Kind)).Str("game", cmd.Game).
		Int("queue_depth", depth).Msg("command enqueued")
	w.wake()
	return cmd.ID, nil
}

func (w *Worker) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Run is the actor loop. It returns after a stop command, Shutdown or the
// end of ctx; commands still queued then finish with model.ErrShutdown.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(w.done)
	defer w.drain()

	if w.bus != nil && w.metrics != nil {
		unsub := w.bus.Subscribe(func(e events.Event) {
			if game, _ := e.Data["game"].(string); game != "" {
				w.metrics.IncTurnAdvanced(game)
			}
		}, events.EventTurnAdvanced)
		defer unsub()
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	w.log.Info().Dur("poll_interval", w.poll).Msg("worker started")
	for {
		if ctx.Err() != nil {
			w.running.Store(false)
		}
		if !w.running.Load() {
			w.log.Info().Msg("worker stopped")
			return nil
		}
		cmd, ok := w.next()
		if !ok {
			select {
			case <-ctx.Done():
			case <-w.notify:
			case <-ticker.C:
			}
			continue
		}
		if cmd.Kind == KindStop {
			w.accepting.Store(false)
			w.running.Store(false)
			w.finish(cmd, Outcome{CommandID: cmd.ID, Kind: cmd.Kind}, time.Now())
			continue
		}
		w.execute(ctx, cmd)
	}
}

func (w *Worker) next() (*Command, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil, false
	}
	cmd := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	w.metrics.SetQueueDepth(len(w.queue))
	return cmd, true
}

// Stop enqueues a stop command: everything queued before it still runs.
func (w *Worker) Stop() (string, error) {
	return w.Enqueue(Command{Kind: KindStop})
}

// Shutdown stops the loop after the command in flight, if any.
func (w *Worker) Shutdown() {
	w.accepting.Store(false)
	w.running.Store(false)
	w.wake()
}

// Done is closed when Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) drain() {
	w.mu.Lock()
	w.accepting.Store(false)
	left := w.queue
	w.queue = nil
	w.mu.Unlock()
	w.metrics.SetQueueDepth(0)

	for _, cmd := range left {
		w.finish(cmd, Outcome{CommandID: cmd.ID, Kind: cmd.Kind, Game: cmd.Game, Err: model.ErrShutdown}, time.Now())
	}
	if len(left) > 0 {
		w.log.Warn().Int("dropped", len(left)).Msg(logging.MarkFailure + " queued commands dropped at shutdown")
	}
}

func (w *Worker) execute(ctx context.Context, cmd *Command) {
	w.setCurrent(cmd)
	defer w.setCurrent(nil)
	w.metrics.SetInFlight(true)
	defer w.metrics.SetInFlight(false)

	w.bus.Publish(events.EventCommandStarted, map[string]interface{}{
		"command_id": cmd.ID,
		"kind":       string(cmd.Kind),
		"game":       cmd.Game,
	})
	w.log.Info().Str("command", cmd.ID).Str("kind", string(cmd.Kind)).Str("game", cmd.Game).
		Dur("waited", time.Since(cmd.EnqueuedAt)).Msg("dispatching command")

	start := time.Now()
	res, err := w.dispatch(ctx, cmd)
	w.finish(cmd, Outcome{
		CommandID: cmd.ID,
		Kind:      cmd.Kind,
		Game:      cmd.Game,
		Result:    res,
		Err:       err,
	}, start)
}

// dispatch runs one command. A panic becomes the command's error.
func (w *Worker) dispatch(ctx context.Context, cmd *Command) (res protocol.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", cmd.Kind, r)
			w.log.Error().Str("command", cmd.ID).Str("stack", string(debug.Stack())).
				Msg(logging.MarkFailure + " command panicked")
		}
	}()

	if cmd.Kind.NeedsGame() && w.games != nil {
		release := w.games.Acquire(cmd.Game)
		defer release()
	}

	switch cmd.Kind {
	case KindLogin:
		return w.proto.Login(ctx, cmd.Credentials)
	case KindRefreshGames:
		return w.proto.RefreshGames(ctx)
	case KindHostDownload:
		return w.proto.HostDownload(ctx, cmd.Game)
	case KindHostUpload:
		return w.proto.HostUpload(ctx, cmd.Game, cmd.TurnHint)
	case KindPlayerDownload:
		return w.proto.PlayerDownload(ctx, cmd.Game)
	case KindPlayerUpload:
		return w.proto.PlayerUpload(ctx, cmd.Game, cmd.TurnHint)
	case KindRunHost:
		return w.proto.RunHostMode(ctx, cmd.Game)
	case KindRunPlayer:
		return w.proto.RunPlayerMode(ctx, cmd.Game)
	default:
		return protocol.Result{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, cmd.Kind)
	}
}

func (w *Worker) finish(cmd *Command, out Outcome, start time.Time) {
	out.Duration = time.Since(start)
	label := out.Label()

	if out.Err != nil {
		w.log.Error().Err(out.Err).Str("command", cmd.ID).Str("kind", string(cmd.Kind)).
			Str("game", cmd.Game).Str("error_kind", model.ErrorKind(out.Err)).
			Msg(logging.MarkFailure + " command failed")
	} else {
		w.log.Info().Str("command", cmd.ID).Str("kind", string(cmd.Kind)).Str("game", cmd.Game).
			Str("outcome", label).Dur("duration", out.Duration).
			Msg(logging.MarkSuccess + " command finished")
	}
	w.metrics.ObserveCommand(string(cmd.Kind), label, out.Duration)

	data := map[string]interface{}{
		"command_id": cmd.ID,
		"kind":       string(cmd.Kind),
		"game":       cmd.Game,
		"outcome":    label,
	}
	if out.Result.Turn != 0 {
		data["turn"] = out.Result.Turn
	}
	if out.Err != nil {
		data["error"] = out.Err.Error()
	}
	w.bus.Publish(events.EventCommandFinished, data)

	w.mu.Lock()
	w.processed++
	w.mu.Unlock()

	if cmd.OnResult != nil {
		w.callback(cmd, out)
	}
}

func (w *Worker) callback(cmd *Command, out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Str("command", cmd.ID).Interface("panic", r).Msg("result callback panicked")
		}
	}()
	cmd.OnResult(out)
}

func (w *Worker) setCurrent(cmd *Command) {
	w.mu.Lock()
	w.current = cmd
	w.mu.Unlock()
}

// Status is a snapshot of the worker for the foreground.
type Status struct {
	Running       bool        `json:"running"`
	Current       *View       `json:"current,omitempty"`
	Queued        []View      `json:"queued"`
	QueueDepth    int         `json:"queue_depth"`
	Processed     int         `json:"processed"`
	State         model.State `json:"state"`
	Authenticated bool        `json:"authenticated"`
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	st := Status{
		Running:    w.running.Load(),
		Queued:     make([]View, 0, len(w.queue)),
		QueueDepth: len(w.queue),
		Processed:  w.processed,
	}
	if w.current != nil {
		v := w.current.View()
		st.Current = &v
	}
	for _, c := range w.queue {
		st.Queued = append(st.Queued, c.View())
	}
	w.mu.Unlock()

	st.State = w.proto.State()
	st.Authenticated = w.proto.Authenticated()
	return st
}
