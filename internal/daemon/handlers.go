package daemon

import (
	"errors"
	"fmt"
	"os"

	"github.com/msageha/pbwturn/internal/confirm"
	"github.com/msageha/pbwturn/internal/events"
	"github.com/msageha/pbwturn/internal/model"
	"github.com/msageha/pbwturn/internal/status"
	"github.com/msageha/pbwturn/internal/store"
	"github.com/msageha/pbwturn/internal/uds"
	"github.com/msageha/pbwturn/internal/worker"
)

const (
	defaultLogLines     = 100
	defaultHistoryLimit = 50
)

// GameView is a game record as the socket reports it.
type GameView struct {
	ID                      string     `json:"id"`
	DisplayName             string     `json:"display_name"`
	DocumentURL             string     `json:"document_url"`
	SaveFolder              string     `json:"savegame_folder"`
	Role                    model.Role `json:"role"`
	ArchivePrefix           string     `json:"zip_prefix"`
	UploadDisplayName       string     `json:"upload_display_name"`
	PlayerUploadDisplayName string     `json:"upload_display_name_player"`
	TurnNumber              *int       `json:"turn_number,omitempty"`
}

func gameView(g model.GameConfig) GameView {
	g = g.Clone()
	return GameView{
		ID:                      g.ID,
		DisplayName:             g.DisplayName,
		DocumentURL:             g.DocumentURL,
		SaveFolder:              g.SaveFolder,
		Role:                    g.Role,
		ArchivePrefix:           g.Naming.ArchivePrefix,
		UploadDisplayName:       g.Naming.UploadDisplayName,
		PlayerUploadDisplayName: g.Naming.PlayerUploadDisplayName,
		TurnNumber:              g.TurnNumber,
	}
}

// GameUpdate edits the named game. Nil fields are left alone; the turn
// number cannot be edited.
type GameUpdate struct {
	Game                    string  `json:"game"`
	DisplayName             *string `json:"display_name,omitempty"`
	DocumentURL             *string `json:"document_url,omitempty"`
	SaveFolder              *string `json:"savegame_folder,omitempty"`
	Role                    *string `json:"role,omitempty"`
	ArchivePrefix           *string `json:"zip_prefix,omitempty"`
	UploadDisplayName       *string `json:"upload_display_name,omitempty"`
	PlayerUploadDisplayName *string `json:"upload_display_name_player,omitempty"`
}

type LoginParams struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// Save stores the credentials in the config for the next start.
	Save bool `json:"save,omitempty"`
}

type GameParams struct {
	Game string `json:"game"`
	Turn int    `json:"turn,omitempty"` // player_upload only
}

type ConfirmParams struct {
	ID     string `json:"id"`
	Answer bool   `json:"answer"`
}

// Submitted is the reply to every command that goes through the worker.
type Submitted struct {
	CommandID string `json:"command_id"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})
	d.server.Handle("status", d.handleStatus)

	d.server.Handle("login", d.handleLogin)
	d.server.Handle("refresh_games", func(req *uds.Request) *uds.Response {
		return d.submit(worker.KindRefreshGames, "", d.worker.RefreshGames)
	})
	for _, kind := range []worker.Kind{
		worker.KindHostDownload, worker.KindHostUpload,
		worker.KindPlayerDownload, worker.KindPlayerUpload,
		worker.KindRunHost, worker.KindRunPlayer,
	} {
		d.server.Handle(string(kind), d.gameCommand(kind))
	}
	d.server.Handle("stop", func(req *uds.Request) *uds.Response {
		d.log.Info().Msg("stop requested via UDS")
		return d.submit(worker.KindStop, "", func(cb func(worker.Outcome)) (string, error) {
			return d.worker.Enqueue(worker.Command{Kind: worker.KindStop, OnResult: cb})
		})
	})

	d.server.Handle("games", d.handleGames)
	d.server.Handle("game_update", d.handleGameUpdate)
	d.server.Handle("game_remove", d.handleGameRemove)

	d.server.Handle("confirmations", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.gate.Pending())
	})
	d.server.Handle("confirm", d.handleConfirm)

	d.server.Handle("logs", d.handleLogs)
	d.server.Handle("history", d.handleHistory)
	d.server.Handle("result", d.handleResult)

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.log.Info().Msg("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(status.Snapshot{
		PID:           os.Getpid(),
		StartedAt:     d.startedAt,
		Worker:        d.worker.Status(),
		Confirmations: d.gate.Pending(),
	})
}

func (d *Daemon) handleLogin(req *uds.Request) *uds.Response {
	var p LoginParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	creds := model.Credentials{Username: p.Username, Password: p.Password}
	if p.Username == "" && p.Password == "" {
		creds = d.store.Credentials()
	}
	if creds.Empty() {
		return uds.ErrorResponse(uds.ErrCodeValidation, "username and password are required")
	}
	if p.Save {
		if err := d.store.SetCredentials(creds); err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("save credentials: %v", err))
		}
	}
	return d.submit(worker.KindLogin, "", func(cb func(worker.Outcome)) (string, error) {
		return d.worker.Login(creds, cb)
	})
}

// gameCommand handles the per-game commands. The game must already be in
// the config.
func (d *Daemon) gameCommand(kind worker.Kind) func(*uds.Request) *uds.Response {
	return func(req *uds.Request) *uds.Response {
		var p GameParams
		if err := req.DecodeParams(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		if p.Game == "" {
			return uds.ErrorResponse(uds.ErrCodeValidation, "game is required")
		}
		if p.Turn < 0 {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("turn must be >= 0, got %d", p.Turn))
		}
		if _, ok := d.store.Game(p.Game); !ok {
			return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("unknown game %q", p.Game))
		}

		return d.submit(kind, p.Game, func(cb func(worker.Outcome)) (string, error) {
			switch kind {
			case worker.KindHostDownload:
				return d.worker.HostDownload(p.Game, cb)
			case worker.KindHostUpload:
				return d.worker.HostUpload(p.Game, cb)
			case worker.KindPlayerDownload:
				return d.worker.PlayerDownload(p.Game, cb)
			case worker.KindPlayerUpload:
				return d.worker.PlayerUpload(p.Game, p.Turn, cb)
			case worker.KindRunHost:
				return d.worker.RunHostMode(p.Game, cb)
			default:
				return d.worker.RunPlayerMode(p.Game, cb)
			}
		})
	}
}

// submit enqueues through enqueue and tracks the command in the result ring.
func (d *Daemon) submit(kind worker.Kind, game string, enqueue func(cb func(worker.Outcome)) (string, error)) *uds.Response {
	id, err := enqueue(d.results.record)
	if err != nil {
		return enqueueError(err)
	}
	d.results.pending(id, kind, game)
	return uds.SuccessResponse(Submitted{CommandID: id})
}

func enqueueError(err error) *uds.Response {
	switch {
	case errors.Is(err, worker.ErrNotAccepting):
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, err.Error())
	case errors.Is(err, worker.ErrInvalidCommand):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}

func (d *Daemon) handleGames(req *uds.Request) *uds.Response {
	games := d.store.Games()
	out := make([]GameView, 0, len(games))
	for _, g := range games {
		out = append(out, gameView(g))
	}
	return uds.SuccessResponse(out)
}

func (d *Daemon) handleGameUpdate(req *uds.Request) *uds.Response {
	var p GameUpdate
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.Game == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "game is required")
	}
	var role *model.Role
	if p.Role != nil {
		r, err := model.ParseRole(*p.Role)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		role = &r
	}

	// Blocks while a command for the game is in flight.
	updated, err := d.store.UpdateGame(p.Game, func(g *model.GameConfig) {
		setIf(&g.DisplayName, p.DisplayName)
		setIf(&g.DocumentURL, p.DocumentURL)
		setIf(&g.SaveFolder, p.SaveFolder)
		setIf(&g.Naming.ArchivePrefix, p.ArchivePrefix)
		setIf(&g.Naming.UploadDisplayName, p.UploadDisplayName)
		setIf(&g.Naming.PlayerUploadDisplayName, p.PlayerUploadDisplayName)
		if role != nil {
			g.Role = *role
		}
	})
	if err != nil {
		return storeError(err)
	}
	d.log.Info().Str("game", updated.ID).Msg("game settings updated")
	return uds.SuccessResponse(gameView(updated))
}

func setIf(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func (d *Daemon) handleGameRemove(req *uds.Request) *uds.Response {
	var p GameParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.Game == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "game is required")
	}
	if err := d.store.RemoveGame(p.Game); err != nil {
		return storeError(err)
	}
	d.log.Info().Str("game", p.Game).Msg("game removed")
	return uds.SuccessResponse(map[string]string{"removed": p.Game})
}

func storeError(err error) *uds.Response {
	if errors.Is(err, store.ErrUnknownGame) {
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	}
	return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
}

func (d *Daemon) handleConfirm(req *uds.Request) *uds.Response {
	var p ConfirmParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.ID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "id is required")
	}
	if err := d.gate.Resolve(p.ID, p.Answer); err != nil {
		switch {
		case errors.Is(err, confirm.ErrUnknownRequest):
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		case errors.Is(err, confirm.ErrAlreadyAnswered):
			return uds.ErrorResponse(uds.ErrCodeConflict, err.Error())
		default:
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
	}
	d.log.Info().Str("confirmation", p.ID).Bool("answer", p.Answer).Msg("confirmation answered")
	return uds.SuccessResponse(map[string]any{"id": p.ID, "answer": p.Answer})
}

func (d *Daemon) handleLogs(req *uds.Request) *uds.Response {
	var p struct {
		Lines int `json:"lines"`
	}
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.Lines <= 0 {
		p.Lines = defaultLogLines
	}
	return uds.SuccessResponse(d.tail.Lines(p.Lines))
}

func (d *Daemon) handleHistory(req *uds.Request) *uds.Response {
	var p struct {
		Limit int `json:"limit"`
	}
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.Limit <= 0 {
		p.Limit = defaultHistoryLimit
	}
	entries, err := d.journal.Recent(p.Limit)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	if entries == nil {
		entries = []events.Entry{}
	}
	return uds.SuccessResponse(entries)
}

func (d *Daemon) handleResult(req *uds.Request) *uds.Response {
	var p struct {
		CommandID string `json:"command_id"`
	}
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.CommandID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "command_id is required")
	}
	res, ok := d.results.get(p.CommandID)
	if !ok {
		return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("no result for %s", p.CommandID))
	}
	return uds.SuccessResponse(res)
}
