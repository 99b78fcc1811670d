// Package protocol is the turn-exchange state machine: the ordered remote and
// local steps of a host or player turn, and the turn-number rules.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/msageha/pbwturn/internal/browser"
	"github.com/msageha/pbwturn/internal/confirm"
	"github.com/msageha/pbwturn/internal/events"
	"github.com/msageha/pbwturn/internal/logging"
	"github.com/msageha/pbwturn/internal/model"
	"github.com/msageha/pbwturn/internal/stager"
)

// GameStore is the part of the configuration store the protocol uses.
// CommitTurn is called with the game's lock already held by the worker.
type GameStore interface {
	Game(id string) (model.GameConfig, bool)
	CommitTurn(id string, turn int) error
	MergeDiscovered(games []model.GameConfig) ([]model.GameConfig, error)
}

// Confirmer asks the foreground a yes/no question and waits for the answer.
type Confirmer interface {
	Ask(ctx context.Context, kind confirm.Kind, game, question string, items []string) (bool, error)
}

// Result is what a command produced when it did not fail.
type Result struct {
	Outcome model.Outcome      `json:"outcome"`
	Turn    int                `json:"turn,omitempty"`
	Files   []string           `json:"files,omitempty"`
	Games   []model.GameConfig `json:"games,omitempty"`
	Message string             `json:"message,omitempty"`
}

type Options struct {
	Site            browser.Site
	ConfirmDownload bool
	Bus             *events.Bus
	Logger          zerolog.Logger
}

// Protocol runs one command at a time. It is owned by the worker.
type Protocol struct {
	session browser.Session
	store   GameStore
	gate    Confirmer
	stage   *stager.Stager
	site    browser.Site
	bus     *events.Bus
	log     zerolog.Logger

	confirmDownload bool

	mu    sync.Mutex
	state model.State
	game  string
}

func New(session browser.Session, store GameStore, gate Confirmer, opts Options) *Protocol {
	return &Protocol{
		session:         session,
		store:           store,
		gate:            gate,
		stage:           stager.New(opts.Logger),
		site:            opts.Site,
		bus:             opts.Bus,
		log:             opts.Logger,
		confirmDownload: opts.ConfirmDownload,
		state:           model.StateIdle,
	}
}

func (p *Protocol) State() model.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Protocol) Authenticated() bool {
	return p.session.Authenticated()
}

// TurnAfterUpload is the stored turn after a successful archive upload.
// Hosts skip ahead by two: one for the uploaded turn and one for the slot they
// wait on next. Players advance by one.
func TurnAfterUpload(role model.Role, current int) int {
	if role == model.RoleHost {
		return current + 2
	}
	return current + 1
}

func (p *Protocol) to(next model.State) error {
	p.mu.Lock()
	from := p.state
	if err := model.ValidateTransition(from, next); err != nil {
		p.mu.Unlock()
		p.log.Error().Err(err).Str("game", p.game).Msg(logging.MarkFailure + " protocol bug")
		return err
	}
	p.state = next
	game := p.game
	p.mu.Unlock()

	p.log.Debug().Str("game", game).Str("from", string(from)).Str("to", string(next)).Msg("state")
	p.bus.Publish(events.EventStateChanged, map[string]interface{}{
		"game": game,
		"from": string(from),
		"to":   string(next),
	})
	return nil
}

// reset puts the protocol back to idle for the next command regardless of
// where the last one stopped.
func (p *Protocol) reset() {
	if p.State() != model.StateIdle {
		if err := p.to(model.StateIdle); err != nil {
			p.mu.Lock()
			p.state = model.StateIdle
			p.mu.Unlock()
		}
	}
	p.mu.Lock()
	p.game = ""
	p.mu.Unlock()
}

func (p *Protocol) begin(game string) {
	p.reset()
	p.mu.Lock()
	p.game = game
	p.mu.Unlock()
}

// fail records err against the current step, passes through Failed and
// returns to Idle.
func (p *Protocol) fail(err error) error {
	p.mu.Lock()
	step, game := p.state, p.game
	p.mu.Unlock()

	var se *model.StepError
	if !errors.As(err, &se) {
		err = &model.StepError{Game: game, Step: step, Err: err}
	}
	p.log.Error().Err(err).Str("game", game).Str("step", string(step)).
		Str("kind", model.ErrorKind(err)).Msg(logging.MarkFailure + " step failed")
	if step != model.StateFailed {
		_ = p.to(model.StateFailed)
	}
	p.reset()
	return err
}

func (p *Protocol) done(res Result) (Result, error) {
	p.reset()
	return res, nil
}

func (p *Protocol) ok(format string, args ...any) {
	p.log.Info().Str("game", p.currentGame()).Msgf(logging.MarkSuccess+" "+format, args...)
}

func (p *Protocol) warn(format string, args ...any) {
	p.log.Warn().Str("game", p.currentGame()).Msgf(logging.MarkFailure+" "+format, args...)
}

func (p *Protocol) currentGame() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.game
}

// ask wraps the confirmation gate. Declines and a cancelled context both
// return false; only the latter returns an error.
func (p *Protocol) ask(ctx context.Context, kind confirm.Kind, g model.GameConfig, question string, items []string) (bool, error) {
	if p.gate == nil {
		return false, nil
	}
	p.log.Info().Str("game", g.ID).Str("kind", string(kind)).Msg("waiting for confirmation")
	return p.gate.Ask(ctx, kind, g.ID, question, items)
}

func (p *Protocol) requireAuth() error {
	if !p.session.Authenticated() {
		return model.ErrUnauthenticated
	}
	return nil
}

// load fetches and validates the game a command refers to.
func (p *Protocol) load(id string) (model.GameConfig, error) {
	g, ok := p.store.Game(id)
	if !ok {
		return g, fmt.Errorf("unknown game %q", id)
	}
	if err := g.Validate(); err != nil {
		return g, err
	}
	return g, nil
}

// start is the common preamble of a game command.
func (p *Protocol) start(id, what string) (model.GameConfig, error) {
	p.begin(id)
	if err := p.requireAuth(); err != nil {
		p.warn("Not logged in. Please login first.")
		return model.GameConfig{}, p.fail(err)
	}
	g, err := p.load(id)
	if err != nil {
		return g, p.fail(err)
	}
	p.ok("Starting %s for %s...", what, g.Name())
	return g, nil
}

func (p *Protocol) commitTurn(g model.GameConfig, turn int) error {
	if err := p.store.CommitTurn(g.ID, turn); err != nil {
		return err
	}
	p.bus.Publish(events.EventTurnAdvanced, map[string]interface{}{
		"game": g.ID,
		"from": g.CurrentTurn(),
		"to":   turn,
	})
	p.ok("Turn number for %s is now %d.", g.Name(), turn)
	return nil
}

func (p *Protocol) Login(ctx context.Context, creds model.Credentials) (Result, error) {
	p.begin("")
	if err := p.to(model.StateLoggingIn); err != nil {
		return Result{}, p.fail(err)
	}
	p.ok("Logging in as %s...", creds.Username)
	if err := p.session.Login(ctx, creds); err != nil {
		return Result{}, p.fail(err)
	}
	p.ok("Login complete.")
	return p.done(Result{Outcome: model.OutcomeCompleted})
}

// RefreshGames lists the member's games on the site and merges them into the
// store. Result.Games holds the merged records.
func (p *Protocol) RefreshGames(ctx context.Context) (Result, error) {
	p.begin("")
	if err := p.requireAuth(); err != nil {
		p.warn("Not logged in. Please login first.")
		return Result{Games: []model.GameConfig{}}, p.fail(err)
	}
	if err := p.to(model.StateDiscovering); err != nil {
		return Result{}, p.fail(err)
	}
	p.ok("Refreshing game list...")
	links, err := p.session.ListGames(ctx)
	if err != nil {
		return Result{Games: []model.GameConfig{}}, p.fail(err)
	}
	if len(links) == 0 {
		p.warn("No games found.")
		return p.done(Result{Outcome: model.OutcomeNothingToDo, Games: []model.GameConfig{}})
	}

	user := p.session.Username()
	discovered := make([]model.GameConfig, 0, len(links))
	for _, l := range links {
		discovered = append(discovered, p.site.GameFromLink(l, user))
	}
	merged, err := p.store.MergeDiscovered(discovered)
	if err != nil {
		return Result{Games: []model.GameConfig{}}, p.fail(err)
	}
	p.ok("Found %d games.", len(merged))
	return p.done(Result{Outcome: model.OutcomeCompleted, Games: merged})
}
