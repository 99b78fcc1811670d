package status

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/pbwturn/internal/confirm"
	"github.com/msageha/pbwturn/internal/model"
	"github.com/msageha/pbwturn/internal/uds"
	"github.com/msageha/pbwturn/internal/worker"
)

const configYAML = `games:
  - name: tgw
    display_name: The Great War
    role: player
  - name: eoe
    display_name: Empire of Eternity
    role: host
    turn_number: 7
`

func shortDir(t *testing.T) string {
	t.Helper()
	// unix socket paths are length limited
	dir, err := os.MkdirTemp("/tmp", "pbw-status-*")
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestCollect_DaemonStopped(t *testing.T) {
	dir := shortDir(t)
	cfg := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfg, []byte(configYAML), 0600); err != nil {
		t.Fatal(err)
	}

	r := Collect(filepath.Join(dir, "none.sock"), filepath.Join(dir, "none.lock"), cfg)
	if r.Daemon.Running || r.Daemon.StaleLock {
		t.Errorf("expected stopped daemon, got %+v", r.Daemon)
	}
	if len(r.Games) != 2 {
		t.Fatalf("expected 2 games, got %d", len(r.Games))
	}
	if r.Games[0].ID != "eoe" || r.Games[0].Turn == nil || *r.Games[0].Turn != 7 {
		t.Errorf("games not sorted or turn lost: %+v", r.Games[0])
	}
	if r.Games[1].Turn != nil {
		t.Errorf("unset turn should stay unset: %+v", r.Games[1])
	}
}

func TestCollect_StaleLock(t *testing.T) {
	dir := shortDir(t)
	lockPath := filepath.Join(dir, "daemon.lock")
	if err := os.WriteFile(lockPath, []byte("4242\n"), 0600); err != nil {
		t.Fatal(err)
	}

	r := Collect(filepath.Join(dir, "none.sock"), lockPath, filepath.Join(dir, "missing.yaml"))
	if !r.Daemon.StaleLock || r.Daemon.PID != 4242 {
		t.Errorf("expected stale lock for pid 4242, got %+v", r.Daemon)
	}
	if r.Games == nil || len(r.Games) != 0 {
		t.Errorf("expected empty game list, got %v", r.Games)
	}
}

func TestCollect_DaemonRunning(t *testing.T) {
	dir := shortDir(t)
	sock := filepath.Join(dir, uds.DefaultSocketName)
	server := uds.NewServer(sock, zerolog.Nop())
	started := time.Now().Add(-time.Minute)
	server.Handle("status", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(Snapshot{
			PID:       99,
			StartedAt: started,
			Worker: worker.Status{
				Running:    true,
				State:      model.StateAwaitingDeleteConfirm,
				Current:    &worker.View{ID: "cmd_1", Kind: worker.KindHostDownload, Game: "eoe"},
				Queued:     []worker.View{},
				QueueDepth: 0,
			},
			Confirmations: []confirm.View{{ID: "cfm_1", Kind: confirm.KindDelete, Game: "eoe", Question: "Delete 3 files?", Items: []string{"eoe20.zip"}}},
		})
	})
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	r := Collect(sock, filepath.Join(dir, "none.lock"), filepath.Join(dir, "missing.yaml"))
	if !r.Daemon.Running || r.Daemon.PID != 99 {
		t.Fatalf("expected running daemon, got %+v", r.Daemon)
	}
	if r.Worker == nil || r.Worker.State != model.StateAwaitingDeleteConfirm {
		t.Fatalf("worker status missing: %+v", r.Worker)
	}

	var buf bytes.Buffer
	Print(&buf, r)
	out := buf.String()
	for _, want := range []string{"Daemon: running (pid 99", "state=awaiting_delete_confirm", "host_download eoe", "cfm_1", "pbwturn confirm"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_JSON(t *testing.T) {
	dir := shortDir(t)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(configYAML), 0600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := Run(dir, true, &buf); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var r Report
	if err := json.Unmarshal(buf.Bytes(), &r); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if r.Daemon.Running || len(r.Games) != 2 {
		t.Errorf("unexpected report: %+v", r)
	}
}

func TestPrint_NoGames(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, Report{Games: []GameStatus{}})
	if !strings.Contains(buf.String(), "Daemon: stopped") || !strings.Contains(buf.String(), "pbwturn refresh") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}
