package logging

import (
	"bytes"
	"sync"
)

// Tail is an io.Writer that keeps the last N complete lines written to it.
type Tail struct {
	mu      sync.Mutex
	lines   []string
	next    int
	full    bool
	partial []byte
}

func NewTail(n int) *Tail {
	if n <= 0 {
		n = 500
	}
	return &Tail{lines: make([]string, n)}
}

func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data := p
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			t.partial = append(t.partial, data...)
			break
		}
		line := string(append(t.partial, data[:i]...))
		t.partial = t.partial[:0]
		t.push(line)
		data = data[i+1:]
	}
	return len(p), nil
}

func (t *Tail) push(line string) {
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

// Lines returns up to n of the newest lines, oldest first. n <= 0 means all.
func (t *Tail) Lines(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	if t.full {
		out = append(out, t.lines[t.next:]...)
	}
	out = append(out, t.lines[:t.next]...)
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
