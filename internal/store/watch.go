package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/pbwturn/internal/model"
	"github.com/msageha/pbwturn/internal/yaml"
)

// reloadDebounce collapses the burst of events an editor save produces.
const reloadDebounce = 150 * time.Millisecond

// Watch reloads the store when the config file is written or replaced from
// outside. onReload, if non-nil, runs after each successful reload. Watch
// returns when ctx is done.
func (s *Store) Watch(ctx context.Context, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: atomic writes replace the file, which drops a file watch.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	name := filepath.Base(s.path)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				s.log.Debug().Str("op", event.Op.String()).Str("file", event.Name).Msg("config changed on disk")
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("fsnotify error")
		case <-timer.C:
			if err := s.Reload(); err != nil {
				s.log.Error().Err(err).Msg("config reload failed")
				continue
			}
			if onReload != nil {
				onReload()
			}
		}
	}
}

// Reload re-reads the file. Turn numbers always come from memory, since the
// worker is their only writer; an external edit to one is reverted on disk.
func (s *Store) Reload() error {
	var next model.Config
	if err := yaml.Load(s.path, &next); err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.cfg.Games)+len(next.Games))
	for _, g := range s.cfg.Games {
		ids = append(ids, g.ID)
	}
	s.mu.RUnlock()
	for _, g := range next.Games {
		ids = append(ids, g.ID)
	}
	release := s.acquireAll(ids)
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	reverted := false
	for i := range next.Games {
		g := &next.Games[i]
		cur := indexOf(s.cfg.Games, g.ID)
		if cur < 0 {
			continue
		}
		mem := s.cfg.Games[cur].TurnNumber
		if !sameTurn(mem, g.TurnNumber) {
			s.log.Warn().Str("game", g.ID).Msg("ignoring external turn_number edit")
			reverted = true
		}
		g.TurnNumber = s.cfg.Games[cur].Clone().TurnNumber
	}
	if next.Games == nil {
		next.Games = []model.GameConfig{}
	}
	s.cfg = next

	if reverted {
		return s.saveLocked()
	}
	return nil
}

func sameTurn(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
