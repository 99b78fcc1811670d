package worker

import (
	"time"

	"github.com/msageha/pbwturn/internal/model"
	"github.com/msageha/pbwturn/internal/protocol"
)

// Kind names a command on the worker's surface.
type Kind string

const (
	KindLogin          Kind = "login"
	KindRefreshGames   Kind = "refresh_games"
	KindHostDownload   Kind = "host_download"
	KindHostUpload     Kind = "host_upload"
	KindPlayerDownload Kind = "player_download"
	KindPlayerUpload   Kind = "player_upload"
	KindRunHost        Kind = "run_host"
	KindRunPlayer      Kind = "run_player"
	KindStop           Kind = "stop"
)

var gameKinds = map[Kind]bool{
	KindHostDownload:   true,
	KindHostUpload:     true,
	KindPlayerDownload: true,
	KindPlayerUpload:   true,
	KindRunHost:        true,
	KindRunPlayer:      true,
}

// ParseKind accepts the kinds a foreground may enqueue by name.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	switch {
	case gameKinds[k], k == KindLogin, k == KindRefreshGames, k == KindStop:
		return k, true
	}
	return "", false
}

// NeedsGame reports whether the kind operates on one game.
func (k Kind) NeedsGame() bool {
	return gameKinds[k]
}

// Command is one queued request. OnResult, when set, is called exactly once
// from the worker goroutine.
type Command struct {
	ID          string
	Kind        Kind
	Game        string
	Credentials model.Credentials
	TurnHint    int // host_upload and player_upload; zero means the stored turn
	OnResult    func(Outcome)
	EnqueuedAt  time.Time
}

// Outcome is what the worker reports for a finished or dropped command.
type Outcome struct {
	CommandID string
	Kind      Kind
	Game      string
	Result    protocol.Result
	Err       error
	Duration  time.Duration
}

// Label is the outcome name used in logs and metrics.
func (o Outcome) Label() string {
	if o.Err != nil {
		return string(model.OutcomeFailed)
	}
	if o.Result.Outcome == "" {
		return string(model.OutcomeCompleted)
	}
	return string(o.Result.Outcome)
}

// View is the serialisable part of a Command.
type View struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Game       string    `json:"game,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (c *Command) View() View {
	return View{ID: c.ID, Kind: c.Kind, Game: c.Game, EnqueuedAt: c.EnqueuedAt}
}
