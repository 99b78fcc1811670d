// Package status reports the daemon and game state for `pbwturn status`.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/pbwturn/internal/confirm"
	"github.com/msageha/pbwturn/internal/lock"
	"github.com/msageha/pbwturn/internal/model"
	"github.com/msageha/pbwturn/internal/setup"
	"github.com/msageha/pbwturn/internal/uds"
	"github.com/msageha/pbwturn/internal/worker"
	"github.com/msageha/pbwturn/internal/yaml"
)

// Snapshot is what a running daemon answers to the status command.
type Snapshot struct {
	PID           int            `json:"pid"`
	StartedAt     time.Time      `json:"started_at"`
	Worker        worker.Status  `json:"worker"`
	Confirmations []confirm.View `json:"confirmations"`
}

type Report struct {
	Daemon        DaemonStatus   `json:"daemon"`
	Worker        *worker.Status `json:"worker,omitempty"`
	Confirmations []confirm.View `json:"confirmations,omitempty"`
	Games         []GameStatus   `json:"games"`
}

type DaemonStatus struct {
	Running   bool       `json:"running"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	// StaleLock is set when no daemon answers but the lock file names a pid.
	StaleLock bool `json:"stale_lock,omitempty"`
}

type GameStatus struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Role model.Role `json:"role"`
	Turn *int       `json:"turn,omitempty"`
}

// Collect builds the report from the socket, the lock file and the config.
func Collect(sockPath, lockPath, configPath string) Report {
	var r Report
	var snap Snapshot
	client := uds.NewClient(sockPath)
	client.SetTimeout(3 * time.Second)
	if err := client.Call("status", nil, &snap); err == nil {
		started := snap.StartedAt
		r.Daemon = DaemonStatus{Running: true, PID: snap.PID, StartedAt: &started}
		r.Worker = &snap.Worker
		r.Confirmations = snap.Confirmations
	} else if pid, err := lock.HolderPID(lockPath); err == nil && pid > 0 {
		r.Daemon = DaemonStatus{PID: pid, StaleLock: true}
	}

	r.Games = readGames(configPath)
	return r
}

func readGames(configPath string) []GameStatus {
	var cfg model.Config
	if err := yaml.Load(configPath, &cfg); err != nil {
		return []GameStatus{}
	}
	games := make([]GameStatus, 0, len(cfg.Games))
	for _, g := range cfg.Games {
		games = append(games, GameStatus{ID: g.ID, Name: g.Name(), Role: g.Role, Turn: g.Clone().TurnNumber})
	}
	sort.Slice(games, func(i, j int) bool { return games[i].ID < games[j].ID })
	return games
}

// Run prints the status of the daemon rooted at appDir.
func Run(appDir string, jsonOutput bool, out io.Writer) error {
	r := Collect(
		filepath.Join(appDir, uds.DefaultSocketName),
		setup.LockPath(appDir),
		setup.ConfigPath(appDir),
	)
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	Print(out, r)
	return nil
}

func Print(out io.Writer, r Report) {
	switch {
	case r.Daemon.Running:
		fmt.Fprintf(out, "Daemon: running (pid %d", r.Daemon.PID)
		if r.Daemon.StartedAt != nil {
			fmt.Fprintf(out, ", up %s", time.Since(*r.Daemon.StartedAt).Truncate(time.Second))
		}
		fmt.Fprintln(out, ")")
	case r.Daemon.StaleLock:
		fmt.Fprintf(out, "Daemon: not responding (lock held by pid %d)\n", r.Daemon.PID)
	default:
		fmt.Fprintln(out, "Daemon: stopped")
	}

	if w := r.Worker; w != nil {
		login := "no"
		if w.Authenticated {
			login = "yes"
		}
		fmt.Fprintf(out, "\nWorker: state=%s  logged_in=%s  queued=%d  processed=%d\n",
			w.State, login, w.QueueDepth, w.Processed)
		if w.Current != nil {
			fmt.Fprintf(out, "  running  %s %s (%s)\n", w.Current.Kind, w.Current.Game, w.Current.ID)
		}
		for _, q := range w.Queued {
			fmt.Fprintf(out, "  queued   %s %s (%s)\n", q.Kind, q.Game, q.ID)
		}
	}

	if len(r.Confirmations) > 0 {
		fmt.Fprintln(out, "\nWaiting for confirmation:")
		for _, c := range r.Confirmations {
			fmt.Fprintf(out, "  %s  %s  %s\n", c.ID, c.Game, c.Question)
			if len(c.Items) > 0 {
				fmt.Fprintf(out, "      %s\n", strings.Join(c.Items, ", "))
			}
		}
		fmt.Fprintln(out, "  answer with: pbwturn confirm yes|no <id>")
	}

	if len(r.Games) == 0 {
		fmt.Fprintln(out, "\nGames: none (run pbwturn refresh)")
		return
	}
	fmt.Fprintln(out, "\nGames:")
	fmt.Fprintf(out, "  %-12s  %-7s  %5s  %s\n", "ID", "ROLE", "TURN", "NAME")
	for _, g := range r.Games {
		turn := "-"
		if g.Turn != nil {
			turn = fmt.Sprint(*g.Turn)
		}
		role := string(g.Role)
		if role == "" {
			role = "-"
		}
		fmt.Fprintf(out, "  %-12s  %-7s  %5s  %s\n", g.ID, role, turn, g.Name)
	}
}
