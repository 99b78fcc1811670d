// Package confirm lets the worker block on a yes/no answer from a foreground.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/pbwturn/internal/events"
	"github.com/msageha/pbwturn/internal/model"
)

type Kind string

const (
	KindDownload     Kind = "download"
	KindDelete       Kind = "delete"
	KindUpload       Kind = "upload"
	KindPlayerUpload Kind = "player_upload"
)

var (
	ErrAlreadyAnswered = errors.New("confirmation already answered")
	ErrUnknownRequest  = errors.New("no pending confirmation with that id")
)

// Request is a single-use question. Exactly one Answer takes effect.
type Request struct {
	ID        string
	Kind      Kind
	Game      string
	Question  string
	Items     []string
	CreatedAt time.Time

	once   sync.Once
	answer bool
	done   chan struct{}
}

func NewRequest(kind Kind, game, question string, items []string) *Request {
	return &Request{
		ID:        model.MustGenerateID(model.IDTypeConfirmation),
		Kind:      kind,
		Game:      game,
		Question:  question,
		Items:     append([]string(nil), items...),
		CreatedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

func (r *Request) Answer(ok bool) error {
	answered := false
	r.once.Do(func() {
		r.answer = ok
		answered = true
		close(r.done)
	})
	if !answered {
		return ErrAlreadyAnswered
	}
	return nil
}

func (r *Request) Answered() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the request is answered or ctx ends. There is no timeout
// of its own.
func (r *Request) Wait(ctx context.Context) (bool, error) {
	select {
	case <-r.done:
		return r.answer, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// View is the serialisable part of a Request.
type View struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Game      string    `json:"game"`
	Question  string    `json:"question"`
	Items     []string  `json:"items,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Request) View() View {
	return View{
		ID:        r.ID,
		Kind:      r.Kind,
		Game:      r.Game,
		Question:  r.Question,
		Items:     append([]string(nil), r.Items...),
		CreatedAt: r.CreatedAt,
	}
}

// Asker presents a request to the foreground. It must not block: the answer
// comes back later through Request.Answer or Gate.Resolve.
type Asker func(*Request)

// Deferred leaves requests pending for a remote foreground to Resolve.
func Deferred(*Request) {}

// Gate tracks the outstanding requests. A Gate without an Asker declines
// every request immediately.
type Gate struct {
	mu      sync.Mutex
	asker   Asker
	pending map[string]*Request
	bus     *events.Bus
}

func NewGate(asker Asker, bus *events.Bus) *Gate {
	return &Gate{
		asker:   asker,
		pending: make(map[string]*Request),
		bus:     bus,
	}
}

func (g *Gate) SetAsker(a Asker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.asker = a
}

// Ask blocks until the foreground answers. A cancelled ctx counts as a
// decline and is returned as the error.
func (g *Gate) Ask(ctx context.Context, kind Kind, game, question string, items []string) (bool, error) {
	g.mu.Lock()
	asker := g.asker
	if asker == nil {
		g.mu.Unlock()
		return false, nil
	}
	req := NewRequest(kind, game, question, items)
	g.pending[req.ID] = req
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()
	}()

	g.bus.Publish(events.EventConfirmationRequested, map[string]interface{}{
		"confirmation_id": req.ID,
		"kind":            string(kind),
		"game":            game,
	})
	asker(req)
	return req.Wait(ctx)
}

// Pending lists outstanding requests, oldest first.
func (g *Gate) Pending() []View {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]View, 0, len(g.pending))
	for _, r := range g.pending {
		out = append(out, r.View())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *Gate) Resolve(id string, answer bool) error {
	g.mu.Lock()
	req, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	return req.Answer(answer)
}

// DeclineAll answers every outstanding request with no.
func (g *Gate) DeclineAll() int {
	g.mu.Lock()
	reqs := make([]*Request, 0, len(g.pending))
	for _, r := range g.pending {
		reqs = append(reqs, r)
	}
	g.mu.Unlock()

	n := 0
	for _, r := range reqs {
		if r.Answer(false) == nil {
			n++
		}
	}
	return n
}
