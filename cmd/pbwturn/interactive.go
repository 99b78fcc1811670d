package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/pbwturn/internal/browser"
	"github.com/msageha/pbwturn/internal/confirm"
	"github.com/msageha/pbwturn/internal/events"
	"github.com/msageha/pbwturn/internal/lock"
	"github.com/msageha/pbwturn/internal/logging"
	"github.com/msageha/pbwturn/internal/model"
	"github.com/msageha/pbwturn/internal/protocol"
	"github.com/msageha/pbwturn/internal/setup"
	"github.com/msageha/pbwturn/internal/store"
	"github.com/msageha/pbwturn/internal/worker"
)

// runInteractive drives one run mode in this process. Confirmations are
// answered on the terminal from the main goroutine while the worker runs on
// its own.
func runInteractive(args []string) {
	if len(args) != 2 || (args[0] != "host" && args[0] != "player") {
		fmt.Fprintln(os.Stderr, "usage: pbwturn run <host|player> <game>")
		os.Exit(1)
	}
	mode, gameID := args[0], args[1]
	appDir := appDirOrExit()

	// The daemon lock keeps a daemon and an interactive run from sharing the config.
	fileLock := lock.NewFileLock(setup.LockPath(appDir))
	if err := fileLock.TryLock(); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\nstop the daemon or use 'pbwturn run-%s %s' instead\n", err, mode, gameID)
		os.Exit(1)
	}

	logLevel := "info"
	st, err := store.Open(setup.ConfigPath(appDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open config: %v\n", err)
		os.Exit(1)
	}
	cfg := st.Settings()
	if cfg.Logging.Level != "" {
		logLevel = cfg.Logging.Level
	}
	log := logging.NewConsole(os.Stderr, logLevel)
	st.SetLogger(log.With().Str("component", "store").Logger())

	if _, ok := st.Game(gameID); !ok {
		fmt.Fprintf(os.Stderr, "unknown game %q; run 'pbwturn refresh' or check 'pbwturn games list'\n", gameID)
		os.Exit(1)
	}

	creds := st.Credentials()
	if creds.Empty() {
		creds, err = setup.PromptCredentials(os.Stdin, os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "credentials: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := interactiveSession(ctx, log, st, cfg, creds, mode, gameID)
	stop()
	_ = fileLock.Unlock()
	os.Exit(code)
}

func interactiveSession(ctx context.Context, log zerolog.Logger, st *store.Store, cfg model.Config,
	creds model.Credentials, mode, gameID string) int {
	session := browser.NewChrome(cfg, log.With().Str("component", "browser").Logger())
	defer session.Close()

	requests := make(chan *confirm.Request, 4)
	bus := events.NewBus(64)
	defer bus.Close()
	gate := confirm.NewGate(func(r *confirm.Request) { requests <- r }, bus)

	proto := protocol.New(session, st, gate, protocol.Options{
		Site:            browser.NewSite(cfg.Site),
		ConfirmDownload: cfg.Worker.ConfirmDownload,
		Bus:             bus,
		Logger:          log.With().Str("component", "protocol").Logger(),
	})
	wk := worker.New(proto, st, worker.Options{
		PollInterval: time.Duration(cfg.Worker.PollIntervalMs) * time.Millisecond,
		Bus:          bus,
		Logger:       log.With().Str("component", "worker").Logger(),
	})
	// Signals stop the worker through Shutdown; a step already talking to the
	// site runs to completion.
	go func() { _ = wk.Run(context.Background()) }()

	outcomes := make(chan worker.Outcome, 2)
	report := func(o worker.Outcome) { outcomes <- o }
	if _, err := wk.Login(creds, report); err != nil {
		fmt.Fprintf(os.Stderr, "login: %v\n", err)
		return 1
	}
	var err error
	if mode == "host" {
		_, err = wk.RunHostMode(gameID, report)
	} else {
		_, err = wk.RunPlayerMode(gameID, report)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "run %s: %v\n", mode, err)
		return 1
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	term := &prompter{out: os.Stdout}
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\ninterrupted, finishing the current step")
			wk.Shutdown()
			gate.SetAsker(nil)
			gate.DeclineAll()
			<-wk.Done()
			return 130

		case r := <-requests:
			term.ask(r)

		case line, ok := <-lines:
			if !ok {
				lines = nil
				term.closed()
				continue
			}
			term.line(line)

		case out := <-outcomes:
			printOutcome(out)
			if out.Kind == worker.KindLogin {
				if out.Err != nil {
					wk.Shutdown()
					<-wk.Done()
					return 1
				}
				continue
			}
			wk.Shutdown()
			<-wk.Done()
			if out.Err != nil {
				return 1
			}
			return 0
		}
	}
}

// prompter answers confirmations from terminal lines. Once stdin is closed
// the open question and every later one is declined.
type prompter struct {
	out     io.Writer
	current *confirm.Request
	eof     bool
}

func (p *prompter) ask(r *confirm.Request) {
	if p.eof {
		fmt.Fprintf(p.out, "\n%s\nstdin closed, declining\n", r.Question)
		p.answer(r, false)
		return
	}
	p.current = r
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, r.Question)
	for _, item := range r.Items {
		fmt.Fprintf(p.out, "  - %s\n", item)
	}
	fmt.Fprint(p.out, "[y/n] ")
}

// line handles one line of input. Lines typed with no question open are
// ignored.
func (p *prompter) line(text string) {
	if p.current == nil {
		return
	}
	answer, valid := parseAnswer(text)
	if !valid {
		fmt.Fprint(p.out, "please answer y or n: ")
		return
	}
	p.answer(p.current, answer)
	p.current = nil
}

func (p *prompter) closed() {
	p.eof = true
	if p.current != nil {
		p.answer(p.current, false)
		p.current = nil
	}
}

func (p *prompter) answer(r *confirm.Request, yes bool) {
	if err := r.Answer(yes); err != nil && !errors.Is(err, confirm.ErrAlreadyAnswered) {
		fmt.Fprintf(os.Stderr, "answer: %v\n", err)
	}
}

func parseAnswer(line string) (answer, valid bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, true
	case "n", "no":
		return false, true
	}
	return false, false
}

func printOutcome(o worker.Outcome) {
	if o.Err != nil {
		fmt.Printf("%s %s failed (%s): %v\n", logging.MarkFailure, o.Kind, model.ErrorKind(o.Err), o.Err)
		return
	}
	msg := fmt.Sprintf("%s %s %s", logging.MarkSuccess, o.Kind, o.Label())
	if o.Result.Turn > 0 {
		msg += fmt.Sprintf(", turn %d", o.Result.Turn)
	}
	if o.Result.Message != "" {
		msg += ": " + o.Result.Message
	}
	fmt.Println(msg)
}
