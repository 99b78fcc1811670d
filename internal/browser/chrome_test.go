package browser

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/msageha/pbwturn/internal/model"
)

func TestChromeLoginRequiresCredentials(t *testing.T) {
	c := NewChrome(model.Config{}, zerolog.Nop())
	err := c.Login(context.Background(), model.Credentials{Username: "alice"})
	assert.ErrorIs(t, err, model.ErrAuth)
	assert.False(t, c.Authenticated())
	assert.Empty(t, c.Username())
}

// Status readers run on the socket goroutines while the worker drives the
// session, so session state is read and written under the mutex.
func TestChromeStateConcurrentAccess(t *testing.T) {
	c := NewChrome(model.Config{}, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.setPage("https://www.pbw3.net/games/eoe/documents/")
			c.mu.Lock()
			c.authenticated = i%2 == 0
			c.creds = model.Credentials{Username: "alice", Password: "pw"}
			c.mu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = c.Authenticated()
			_ = c.Username()
			_ = c.currentPage()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_ = c.Close()
		}
	}()
	wg.Wait()

	assert.NoError(t, c.Close())
	assert.Equal(t, "alice", c.Username())
}
