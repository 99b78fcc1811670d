// Package daemon hosts the worker behind the Unix socket the CLI talks to.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/pbwturn/internal/browser"
	"github.com/msageha/pbwturn/internal/confirm"
	"github.com/msageha/pbwturn/internal/events"
	"github.com/msageha/pbwturn/internal/lock"
	"github.com/msageha/pbwturn/internal/logging"
	"github.com/msageha/pbwturn/internal/metrics"
	"github.com/msageha/pbwturn/internal/model"
	"github.com/msageha/pbwturn/internal/protocol"
	"github.com/msageha/pbwturn/internal/setup"
	"github.com/msageha/pbwturn/internal/store"
	"github.com/msageha/pbwturn/internal/uds"
	"github.com/msageha/pbwturn/internal/worker"
)

const (
	logFileName   = "daemon.log"
	busBufferSize = 256
)

type Options struct {
	// Session replaces the Chrome session, mainly for tests.
	Session browser.Session
	// Registry receives the worker collectors; nil uses a private registry.
	Registry *prometheus.Registry
	// LogWriter replaces <appdir>/logs/daemon.log.
	LogWriter io.Writer
	// HandleSignals makes Run shut down on SIGINT/SIGTERM.
	HandleSignals bool
}

// Daemon is the long-running pbwturn process.
type Daemon struct {
	appDir  string
	cfg     model.Config
	log     zerolog.Logger
	logFile io.Closer
	tail    *logging.Tail

	fileLock *lock.FileLock
	server   *uds.Server
	store    *store.Store
	session  browser.Session
	gate     *confirm.Gate
	worker   *worker.Worker
	bus      *events.Bus
	journal  *events.Journal
	detach   func()
	registry *prometheus.Registry
	results  *results

	handleSignals bool
	startedAt     time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	started  atomic.Bool
	shutdown sync.Once
	done     chan struct{}
	runErr   error

	forceExit atomic.Bool
}

// New prepares a daemon rooted at appDir. Nothing is locked or listening
// until Run.
func New(appDir string, opts Options) (*Daemon, error) {
	if err := setup.EnsureLayout(appDir); err != nil {
		return nil, err
	}

	st, err := store.Open(setup.ConfigPath(appDir),
		store.WithQuarantineDir(filepath.Join(appDir, setup.QuarantineDir)))
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	cfg := st.Settings()

	var closer io.Closer
	w := opts.LogWriter
	if w == nil {
		f, err := logging.OpenFile(filepath.Join(appDir, setup.LogsDir), logFileName)
		if err != nil {
			return nil, err
		}
		w, closer = f, f
	}
	tail := logging.NewTail(cfg.Daemon.LogTailLines)
	log := logging.New(io.MultiWriter(w, tail), cfg.Logging.Level)

	st.SetLogger(log.With().Str("component", "store").Logger())

	journal, err := events.OpenJournal(setup.JournalPath(appDir), events.DefaultMaxJournalSize)
	if err != nil {
		closeQuietly(closer)
		return nil, err
	}

	session := opts.Session
	if session == nil {
		session = browser.NewChrome(cfg, log.With().Str("component", "browser").Logger())
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	bus := events.NewBus(busBufferSize)
	gate := confirm.NewGate(confirm.Deferred, bus)
	proto := protocol.New(session, st, gate, protocol.Options{
		Site:            browser.NewSite(cfg.Site),
		ConfirmDownload: cfg.Worker.ConfirmDownload,
		Bus:             bus,
		Logger:          log.With().Str("component", "protocol").Logger(),
	})
	wk := worker.New(proto, st, worker.Options{
		PollInterval: time.Duration(cfg.Worker.PollIntervalMs) * time.Millisecond,
		Metrics:      metrics.New(registry),
		Bus:          bus,
		Logger:       log.With().Str("component", "worker").Logger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		appDir:        appDir,
		cfg:           cfg,
		log:           log.With().Str("component", "daemon").Logger(),
		logFile:       closer,
		tail:          tail,
		fileLock:      lock.NewFileLock(setup.LockPath(appDir)),
		server:        uds.NewServer(filepath.Join(appDir, uds.DefaultSocketName), log.With().Str("component", "uds").Logger()),
		store:         st,
		session:       session,
		gate:          gate,
		worker:        wk,
		bus:           bus,
		journal:       journal,
		registry:      registry,
		results:       newResults(defaultResultCapacity),
		handleSignals: opts.HandleSignals,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	return d, nil
}

// SocketPath is where the daemon listens once Run has started.
func (d *Daemon) SocketPath() string {
	return d.server.SocketPath()
}

// Done is closed once shutdown has finished.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("daemon already running")
	}

	if err := d.fileLock.TryLock(); err != nil {
		d.shutdown.Do(d.abort)
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now().UTC()
	d.log.Info().Int("pid", os.Getpid()).Msg("daemon starting")

	d.detach = d.journal.Attach(d.bus, func(err error) {
		d.log.Warn().Err(err).Msg("history write failed")
	})

	group, gctx := errgroup.WithContext(d.ctx)
	d.group = group
	group.Go(func() error { return d.worker.Run(gctx) })
	group.Go(func() error {
		return d.store.Watch(gctx, func() {
			d.log.Info().Msg("config reloaded after external edit")
		})
	})
	if addr := d.cfg.Daemon.MetricsAddr; addr != "" {
		group.Go(func() error { return d.serveMetrics(gctx, addr) })
	}

	// A stop command or a failed background loop ends the daemon.
	go func() {
		select {
		case <-d.worker.Done():
			d.log.Info().Msg("worker stopped")
		case <-gctx.Done():
		}
		d.Shutdown()
	}()

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.Shutdown()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log.Info().Str("socket", d.server.SocketPath()).Msg("UDS server listening")

	d.startupLogin()
	d.log.Info().Msg("daemon ready")

	if d.handleSignals {
		go d.waitSignals()
	}
	<-d.done
	return d.runErr
}

// startupLogin queues a login with the stored credentials followed by a
// game-list refresh.
func (d *Daemon) startupLogin() {
	creds := d.store.Credentials()
	if creds.Empty() {
		d.log.Info().Msg("no stored credentials; waiting for a login command")
		return
	}
	d.submit(worker.KindLogin, "", func(cb func(worker.Outcome)) (string, error) {
		return d.worker.Login(creds, cb)
	})
	d.submit(worker.KindRefreshGames, "", d.worker.RefreshGames)
}

func (d *Daemon) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(d.registry))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	d.log.Info().Str("addr", addr).Msg("metrics endpoint listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics endpoint: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// waitSignals blocks until a shutdown signal is received or the daemon is
// shutting down for another reason.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log.Info().Str("signal", sig.String()).Msg("received signal, initiating graceful shutdown")
	case <-d.done:
		return
	}

	// Second signal → force exit
	go func() {
		select {
		case <-sigCh:
			d.log.Warn().Msg("received second signal, forcing exit")
			d.forceExit.Store(true)
			os.Exit(1)
		case <-d.done:
		}
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once). The command
// in flight gets the configured timeout; pending confirmations are declined.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		if !d.started.Load() {
			d.abort()
			return
		}
		d.log.Info().Msg("shutdown started")

		// 1. Stop accepting work and unblock the foreground questions
		d.worker.Shutdown()
		d.gate.SetAsker(nil)
		if n := d.gate.DeclineAll(); n > 0 {
			d.log.Info().Int("declined", n).Msg("pending confirmations declined")
		}

		// 2. Drain the command in flight with timeout
		timeout := time.Duration(d.cfg.Daemon.ShutdownTimeoutSec) * time.Second
		select {
		case <-d.worker.Done():
			d.log.Info().Msg("worker drained")
		case <-time.After(timeout):
			d.log.Warn().Dur("timeout", timeout).Msg("shutdown timeout, cancelling the command in flight")
		}

		// 3. Stop background loops
		d.cancel()
		if d.group != nil {
			if err := d.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				d.log.Error().Err(err).Msg("background loop failed")
				d.runErr = err
			}
		}

		// 4. Cleanup
		d.cleanup()
	})
}

// abort releases what New opened when Run never got going.
func (d *Daemon) abort() {
	d.cancel()
	if err := d.session.Close(); err != nil {
		d.log.Warn().Err(err).Msg("close browser session")
	}
	if err := d.journal.Close(); err != nil {
		d.log.Warn().Err(err).Msg("close history")
	}
	d.bus.Close()
	closeQuietly(d.logFile)
	d.closeDone()
}

func (d *Daemon) cleanup() {
	d.cancel()
	if err := d.server.Stop(); err != nil {
		d.log.Warn().Err(err).Msg("stop UDS server")
	}
	if err := d.session.Close(); err != nil {
		d.log.Warn().Err(err).Msg("close browser session")
	}
	if d.detach != nil {
		d.detach()
	}
	d.bus.Close()
	if err := d.journal.Close(); err != nil {
		d.log.Warn().Err(err).Msg("close history")
	}
	if err := d.fileLock.Unlock(); err != nil {
		d.log.Warn().Err(err).Msg("release daemon lock")
	}
	d.log.Info().Msg("daemon stopped")
	closeQuietly(d.logFile)
	d.closeDone()
}

func (d *Daemon) closeDone() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
