package model

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleUnset  Role = ""
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "host":
		return RoleHost, nil
	case "player":
		return RolePlayer, nil
	case "":
		return RoleUnset, nil
	default:
		return RoleUnset, fmt.Errorf("invalid role %q (want host or player)", s)
	}
}

// GameConfig is the per-game record kept in the configuration store.
// TurnNumber is written only by the worker through the store's CommitTurn.
type GameConfig struct {
	ID          string     `yaml:"name"`
	DisplayName string     `yaml:"display_name"`
	DocumentURL string     `yaml:"document_url"`
	SaveFolder  string     `yaml:"savegame_folder"`
	Role        Role       `yaml:"role"`
	Naming      FileNaming `yaml:"file_naming"`
	TurnNumber  *int       `yaml:"turn_number,omitempty"`
}

type FileNaming struct {
	ArchivePrefix           string `yaml:"zip_prefix"`
	UploadDisplayName       string `yaml:"upload_display_name"`
	PlayerUploadDisplayName string `yaml:"upload_display_name_player"`
}

// DefaultTurnNumber is assumed when a game has never recorded a turn.
const DefaultTurnNumber = 1

// DefaultPlayerUploadDisplayName is used when a game has no player template.
const DefaultPlayerUploadDisplayName = "Player Turn Upload"

// CurrentTurn returns the stored turn number, or DefaultTurnNumber when unset.
func (g GameConfig) CurrentTurn() int {
	if g.TurnNumber == nil {
		return DefaultTurnNumber
	}
	return *g.TurnNumber
}

// HasTurn reports whether a turn number has been recorded.
func (g GameConfig) HasTurn() bool {
	return g.TurnNumber != nil
}

func (g GameConfig) Name() string {
	if g.DisplayName != "" {
		return g.DisplayName
	}
	if g.ID != "" {
		return g.ID
	}
	return "Unknown Game"
}

// Validate checks the fields a turn-exchange command cannot run without.
func (g GameConfig) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("game has no identifier")
	}
	if g.DocumentURL == "" {
		return fmt.Errorf("game %s: document_url is empty", g.ID)
	}
	if g.SaveFolder == "" {
		return fmt.Errorf("game %s: savegame_folder is empty", g.ID)
	}
	if g.TurnNumber != nil && *g.TurnNumber < 0 {
		return fmt.Errorf("game %s: turn_number must be >= 0, got %d", g.ID, *g.TurnNumber)
	}
	return nil
}

// Clone returns a deep copy so callers never share the TurnNumber pointer.
func (g GameConfig) Clone() GameConfig {
	if g.TurnNumber != nil {
		n := *g.TurnNumber
		g.TurnNumber = &n
	}
	return g
}

// Downloadable is a file anchor discovered on a documents page. It is never persisted.
type Downloadable struct {
	Href     string // href attribute as written in the page
	URL      string // Href resolved against Page
	Text     string
	FileName string
	Page     string // documents page the anchor was found on
}

// GameLink is a game discovered on the member's group listing.
type GameLink struct {
	Slug string
	Name string
}

func IntPtr(n int) *int {
	return &n
}
