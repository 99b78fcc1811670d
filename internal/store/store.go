// Package store is the configuration store: one YAML file holding credentials,
// settings and the per-game records the worker reads and advances.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/msageha/pbwturn/internal/lock"
	"github.com/msageha/pbwturn/internal/model"
	"github.com/msageha/pbwturn/internal/yaml"
)

var (
	ErrUnknownGame   = errors.New("unknown game")
	ErrTurnDecrement = errors.New("turn number never decreases")
)

// Store serializes access to the configuration file.
//
// Lock order is game lock then mu. The worker holds a game's lock for the
// whole command (Acquire) and calls CommitTurn inside it; foreground edits
// (UpdateGame, reload) take the same game lock and therefore wait.
type Store struct {
	path          string
	quarantineDir string
	log           zerolog.Logger

	mu  sync.RWMutex
	cfg model.Config

	games *lock.MutexMap
}

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// SetLogger replaces the logger. Call it before Watch.
func (s *Store) SetLogger(l zerolog.Logger) {
	s.log = l
}

// WithQuarantineDir sets where corrupt config files are moved.
// Defaults to <config dir>/quarantine.
func WithQuarantineDir(dir string) Option {
	return func(s *Store) { s.quarantineDir = dir }
}

// Open loads path, creating an empty config if it does not exist. A corrupt
// file is quarantined and replaced by its .bak copy or an empty config.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:          path,
		quarantineDir: filepath.Join(filepath.Dir(path), "quarantine"),
		log:           zerolog.Nop(),
		games:         lock.NewMutexMap(),
	}
	for _, opt := range opts {
		opt(s)
	}

	cfg, err := s.load()
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return s, nil
}

func (s *Store) load() (model.Config, error) {
	var cfg model.Config
	err := yaml.Load(s.path, &cfg)
	switch {
	case err == nil:
		return cfg, nil
	case os.IsNotExist(err):
		s.log.Info().Str("path", s.path).Msg("config not found, creating empty config")
		cfg = model.Config{Games: []model.GameConfig{}}
		if err := yaml.AtomicWrite(s.path, &cfg); err != nil {
			return cfg, fmt.Errorf("create config: %w", err)
		}
		return cfg, nil
	}

	var corrupt *yaml.CorruptError
	if !errors.As(err, &corrupt) {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	rec, rerr := yaml.RecoverCorruptedFile(s.quarantineDir, s.path, model.Config{Games: []model.GameConfig{}})
	if rerr != nil {
		return cfg, fmt.Errorf("recover corrupt config: %w (original error: %v)", rerr, err)
	}
	s.log.Warn().Str("path", s.path).Str("quarantined_to", rec.QuarantinedTo).
		Bool("restored_from_backup", rec.Restored).Err(err).Msg("config was corrupt")

	cfg = model.Config{}
	if err := yaml.Load(s.path, &cfg); err != nil {
		return cfg, fmt.Errorf("read recovered config: %w", err)
	}
	return cfg, nil
}

func (s *Store) Path() string {
	return s.path
}

// Settings returns the configuration with defaults applied and games cloned.
func (s *Store) Settings() model.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.cfg
	cfg.Games = cloneGames(s.cfg.Games)
	return cfg.WithDefaults()
}

func (s *Store) Credentials() model.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Credentials
}

func (s *Store) SetCredentials(c model.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Credentials = c
	return s.saveLocked()
}

func (s *Store) Game(id string) (model.GameConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.cfg.Games[i].Clone(), true
	}
	return model.GameConfig{}, false
}

func (s *Store) Games() []model.GameConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneGames(s.cfg.Games)
}

// Acquire holds id's lock until the returned func is called.
func (s *Store) Acquire(id string) func() {
	return s.games.Acquire(id)
}

// UpdateGame applies a foreground edit to one game. It blocks while a command
// for that game is in flight. Changes fn makes to TurnNumber are discarded.
func (s *Store) UpdateGame(id string, fn func(*model.GameConfig)) (model.GameConfig, error) {
	release := s.games.Acquire(id)
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return model.GameConfig{}, fmt.Errorf("%w: %s", ErrUnknownGame, id)
	}
	edited := s.cfg.Games[i].Clone()
	fn(&edited)
	edited.ID = s.cfg.Games[i].ID
	edited.TurnNumber = s.cfg.Games[i].Clone().TurnNumber

	prev := s.cfg.Games[i]
	s.cfg.Games[i] = edited
	if err := s.saveLocked(); err != nil {
		s.cfg.Games[i] = prev
		return model.GameConfig{}, err
	}
	return edited.Clone(), nil
}

// CommitTurn is the only write path for a game's turn number. The caller must
// hold the game's lock from Acquire.
func (s *Store) CommitTurn(id string, turn int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownGame, id)
	}
	g := &s.cfg.Games[i]
	if g.TurnNumber != nil && turn < *g.TurnNumber {
		return fmt.Errorf("%w: game %s is at %d, refused %d", ErrTurnDecrement, id, *g.TurnNumber, turn)
	}

	prev := g.TurnNumber
	g.TurnNumber = model.IntPtr(turn)
	if err := s.saveLocked(); err != nil {
		g.TurnNumber = prev
		return err
	}
	s.log.Debug().Str("game", id).Int("turn", turn).Msg("turn committed")
	return nil
}

// MergeDiscovered records games found on the site. Known games keep their
// role, save folder, naming and turn number; display name and document URL
// follow the site. Games missing from discovered are kept. It returns the
// merged records for the discovered games, in discovery order.
func (s *Store) MergeDiscovered(discovered []model.GameConfig) ([]model.GameConfig, error) {
	ids := make([]string, len(discovered))
	for i, d := range discovered {
		ids[i] = d.ID
	}
	release := s.acquireAll(ids)
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make([]model.GameConfig, 0, len(discovered))
	next := cloneGames(s.cfg.Games)
	for _, d := range discovered {
		entry := d.Clone()
		if indexOf(merged, d.ID) >= 0 {
			continue
		}
		if i := indexOf(next, d.ID); i >= 0 {
			existing := next[i]
			entry.Role = existing.Role
			if existing.SaveFolder != "" {
				entry.SaveFolder = existing.SaveFolder
			}
			if existing.Naming != (model.FileNaming{}) {
				entry.Naming = existing.Naming
			}
			if existing.TurnNumber != nil {
				entry.TurnNumber = existing.Clone().TurnNumber
			}
			next[i] = entry
		} else {
			next = append(next, entry)
		}
		merged = append(merged, entry.Clone())
	}

	prev := s.cfg.Games
	s.cfg.Games = next
	if err := s.saveLocked(); err != nil {
		s.cfg.Games = prev
		return nil, err
	}
	return merged, nil
}

// RemoveGame deletes a game record. Like UpdateGame it waits for an in-flight
// command on that game.
func (s *Store) RemoveGame(id string) error {
	release := s.games.Acquire(id)
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownGame, id)
	}
	prev := s.cfg.Games
	s.cfg.Games = append(cloneGames(prev[:i]), cloneGames(prev[i+1:])...)
	if err := s.saveLocked(); err != nil {
		s.cfg.Games = prev
		return err
	}
	return nil
}

// acquireAll locks every distinct id in sorted order and returns one release.
func (s *Store) acquireAll(ids []string) func() {
	uniq := make(map[string]bool, len(ids))
	sorted := make([]string, 0, len(ids))
	for _, id := range ids {
		if !uniq[id] {
			uniq[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Strings(sorted)

	releases := make([]func(), 0, len(sorted))
	for _, id := range sorted {
		releases = append(releases, s.games.Acquire(id))
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}

func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.cfg.Games == nil {
		s.cfg.Games = []model.GameConfig{}
	}
	if err := yaml.AtomicWrite(s.path, &s.cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func (s *Store) indexLocked(id string) int {
	return indexOf(s.cfg.Games, id)
}

func indexOf(games []model.GameConfig, id string) int {
	for i := range games {
		if games[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneGames(in []model.GameConfig) []model.GameConfig {
	out := make([]model.GameConfig, len(in))
	for i, g := range in {
		out[i] = g.Clone()
	}
	return out
}
