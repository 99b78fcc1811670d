package daemon

import (
	"sync"
	"time"

	"github.com/msageha/pbwturn/internal/model"
	"github.com/msageha/pbwturn/internal/worker"
)

const defaultResultCapacity = 200

const outcomePending = "pending"

// CommandResult is what `result <id>` reports for a command submitted over
// the socket.
type CommandResult struct {
	ID         string      `json:"id"`
	Kind       worker.Kind `json:"kind"`
	Game       string      `json:"game,omitempty"`
	Outcome    string      `json:"outcome"`
	Turn       int         `json:"turn,omitempty"`
	Files      []string    `json:"files,omitempty"`
	Games      []string    `json:"games,omitempty"`
	Message    string      `json:"message,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrorKind  string      `json:"error_kind,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	DurationMs int64       `json:"duration_ms,omitempty"`
}

// Finished reports whether the command has stopped running.
func (r CommandResult) Finished() bool {
	return r.Outcome != outcomePending
}

// results keeps the most recent command results, oldest evicted first.
type results struct {
	mu    sync.Mutex
	cap   int
	order []string
	byID  map[string]*CommandResult
}

func newResults(capacity int) *results {
	if capacity <= 0 {
		capacity = defaultResultCapacity
	}
	return &results{cap: capacity, byID: make(map[string]*CommandResult)}
}

func (r *results) pending(id string, kind worker.Kind, game string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; ok {
		return
	}
	r.byID[id] = &CommandResult{ID: id, Kind: kind, Game: game, Outcome: outcomePending}
	r.order = append(r.order, id)
	for len(r.order) > r.cap {
		delete(r.byID, r.order[0])
		r.order = r.order[1:]
	}
}

// record stores out. A result the ring never saw as pending is added.
func (r *results) record(out worker.Outcome) {
	r.pending(out.CommandID, out.Kind, out.Game)

	finished := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.byID[out.CommandID]
	if !ok {
		return
	}
	res.Outcome = out.Label()
	res.Turn = out.Result.Turn
	res.Files = append([]string(nil), out.Result.Files...)
	res.Message = out.Result.Message
	res.FinishedAt = &finished
	res.DurationMs = out.Duration.Milliseconds()
	res.Games = nil
	for _, g := range out.Result.Games {
		res.Games = append(res.Games, g.ID)
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
		res.ErrorKind = model.ErrorKind(out.Err)
	}
}

func (r *results) get(id string) (CommandResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.byID[id]
	if !ok {
		return CommandResult{}, false
	}
	out := *res
	out.Files = append([]string(nil), res.Files...)
	out.Games = append([]string(nil), res.Games...)
	return out, true
}
