package protocol

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/pbwturn/internal/browser"
	"github.com/msageha/pbwturn/internal/browser/browsertest"
	"github.com/msageha/pbwturn/internal/confirm"
	"github.com/msageha/pbwturn/internal/events"
	"github.com/msageha/pbwturn/internal/logging"
	"github.com/msageha/pbwturn/internal/model"
	"github.com/msageha/pbwturn/internal/store"
)

const docsURL = "https://www.pbw3.net/games/eoe/documents/"

// answers scripts the foreground: kinds missing from the map are declined.
type answers map[confirm.Kind]bool

type harness struct {
	fake  *browsertest.Fake
	store *store.Store
	proto *Protocol
	save  string

	mu    sync.Mutex
	asked []confirm.Kind
}

func newHarness(t *testing.T, role model.Role, turn *int, ans answers) *harness {
	t.Helper()
	dir := t.TempDir()
	save := filepath.Join(dir, "save")
	require.NoError(t, os.MkdirAll(save, 0755))

	cfg := model.Config{Games: []model.GameConfig{{
		ID:          "eoe",
		DisplayName: "Empire of Eternity",
		DocumentURL: docsURL,
		SaveFolder:  save,
		Role:        role,
		Naming: model.FileNaming{
			ArchivePrefix:           "eoe",
			UploadDisplayName:       "Empire of Eternity",
			PlayerUploadDisplayName: "alice Turn ",
		},
		TurnNumber: turn,
	}}}
	data, err := yamlv3.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0600))
	st, err := store.Open(path)
	require.NoError(t, err)

	h := &harness{fake: browsertest.New(), store: st, save: save}
	gate := confirm.NewGate(func(r *confirm.Request) {
		h.mu.Lock()
		h.asked = append(h.asked, r.Kind)
		h.mu.Unlock()
		_ = r.Answer(ans[r.Kind])
	}, nil)
	h.proto = New(h.fake, st, gate, Options{
		Site:   browser.NewSite(model.Config{}.WithDefaults().Site),
		Logger: logging.Nop(),
	})
	require.NoError(t, h.fake.Login(context.Background(), model.Credentials{Username: "alice", Password: "pw"}))
	return h
}

func (h *harness) turn(t *testing.T) *int {
	t.Helper()
	g, ok := h.store.Game("eoe")
	require.True(t, ok)
	return g.TurnNumber
}

func (h *harness) askedKinds() []confirm.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]confirm.Kind(nil), h.asked...)
}

func countCalls(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func turnFiles() []browsertest.File {
	return []browsertest.File{
		{Name: "eoe20.zip", Text: "EOE Turn 20", Content: []byte("archive"), Deletable: true},
		{Name: "alice.plr", Text: "alice", Content: []byte("player"), Deletable: true},
		{Name: "notes.txt", Text: "notes", Content: []byte("notes"), Deletable: true},
	}
}

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestTurnAfterUpload(t *testing.T) {
	assert.Equal(t, 7, TurnAfterUpload(model.RoleHost, 5))
	assert.Equal(t, 6, TurnAfterUpload(model.RolePlayer, 5))
	assert.Equal(t, 6, TurnAfterUpload(model.RoleUnset, 5))
	assert.Equal(t, 2, TurnAfterUpload(model.RoleHost, 0))
}

func TestPlayerDisplayName(t *testing.T) {
	g := model.GameConfig{Naming: model.FileNaming{PlayerUploadDisplayName: "alice Turn "}}
	assert.Equal(t, "alice Turn 5", PlayerDisplayName(g, 5))

	g.Naming.PlayerUploadDisplayName = "alice-T"
	assert.Equal(t, "alice-T12", PlayerDisplayName(g, 12))

	g.Naming.PlayerUploadDisplayName = ""
	assert.Equal(t, model.DefaultPlayerUploadDisplayName+"3", PlayerDisplayName(g, 3))
}

func TestHostDownload_DeleteApproved(t *testing.T) {
	h := newHarness(t, model.RoleHost, model.IntPtr(19), answers{confirm.KindDelete: true})
	h.fake.SetPage(docsURL, turnFiles()...)

	res, err := h.proto.HostDownload(context.Background(), "eoe")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 20, res.Turn)
	assert.Equal(t, 3, h.fake.Deletes())
	assert.Empty(t, h.fake.Page(docsURL))

	folder := filepath.Join(h.save, "Turns", "Turn_20")
	for _, name := range []string{"eoe20.zip", "alice.plr", "notes.txt"} {
		assert.FileExists(t, filepath.Join(folder, name))
	}
	assert.NoFileExists(t, filepath.Join(h.save, "eoe20.zip"))
	data, err := os.ReadFile(filepath.Join(h.save, "alice.plr"))
	require.NoError(t, err)
	assert.Equal(t, "player", string(data), "player file promoted into the save folder")

	assert.Equal(t, []confirm.Kind{confirm.KindDelete}, h.askedKinds())
	assert.Equal(t, 19, *h.turn(t), "download never changes the stored turn")
	assert.Equal(t, model.StateIdle, h.proto.State())
}

func TestHostDownload_DeleteDeclined(t *testing.T) {
	h := newHarness(t, model.RoleHost, model.IntPtr(19), answers{})
	h.fake.SetPage(docsURL, turnFiles()...)

	res, err := h.proto.HostDownload(context.Background(), "eoe")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 0, h.fake.Deletes())
	assert.Equal(t, 0, countCalls(h.fake.Calls(), "delete_next"))
	assert.Len(t, h.fake.Page(docsURL), 3)
	assert.FileExists(t, filepath.Join(h.save, "Turns", "Turn_20", "eoe20.zip"))
	assert.Equal(t, model.StateIdle, h.proto.State())
}

func TestHostDownload_NothingToDo(t *testing.T) {
	h := newHarness(t, model.RoleHost, nil, answers{confirm.KindDelete: true})

	res, err := h.proto.HostDownload(context.Background(), "eoe")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNothingToDo, res.Outcome)
	assert.Empty(t, h.askedKinds(), "no confirmation without downloadables")
	assert.Equal(t, 0, countCalls(h.fake.Calls(), "delete_next"))
}

func TestHostDownload_NoTurnNumber(t *testing.T) {
	h := newHarness(t, model.RoleHost, nil, answers{confirm.KindDelete: true})
	h.fake.SetPage(docsURL,
		browsertest.File{Name: "eoe.zip", Content: []byte("x"), Deletable: true},
		browsertest.File{Name: "notes.txt", Content: []byte("y"), Deletable: true},
	)

	_, err := h.proto.HostDownload(context.Background(), "eoe")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDownload)
	assert.Equal(t, 0, h.fake.Deletes())
	assert.Empty(t, h.askedKinds())
	assert.Equal(t, model.StateIdle, h.proto.State())
}

func TestHostDownload_DownloadFailure(t *testing.T) {
	h := newHarness(t, model.RoleHost, nil, answers{confirm.KindDelete: true})
	h.fake.SetPage(docsURL, turnFiles()...)
	h.fake.DownloadErr = map[string]error{"alice.plr": assert.AnError}

	_, err := h.proto.HostDownload(context.Background(), "eoe")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDownload)

	var se *model.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "eoe", se.Game)
	assert.Equal(t, model.StateDownloading, se.Step)
	assert.Equal(t, 0, h.fake.Deletes())
}

func TestHostDownload_NoDeleteControl(t *testing.T) {
	h := newHarness(t, model.RoleHost, nil, answers{confirm.KindDelete: true})
	h.fake.SetPage(docsURL, turnFiles()...)
	h.fake.NoDeleteControl = true

	_, err := h.proto.HostDownload(context.Background(), "eoe")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDelete)
	assert.Equal(t, model.StateIdle, h.proto.State())
}

func TestHostDownload_ConfirmDownloadDeclined(t *testing.T) {
	h := newHarness(t, model.RoleHost, nil, answers{confirm.KindDelete: true})
	h.proto.confirmDownload = true
	h.fake.SetPage(docsURL, turnFiles()...)

	res, err := h.proto.HostDownload(context.Background(), "eoe")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCancelled, res.Outcome)
	assert.Equal(t, 0, countCalls(h.fake.Calls(), "download"))
	assert.Equal(t, []confirm.Kind{confirm.KindDownload}, h.askedKinds())
}

func TestHostDownload_NoGateDeclinesDelete(t *testing.T) {
	h := newHarness(t, model.RoleHost, nil, nil)
	h.proto.gate = nil
	h.fake.SetPage(docsURL, turnFiles()...)

	_, err := h.proto.HostDownload(context.Background(), "eoe")
	require.NoError(t, err)
	assert.Equal(t, 0, h.fake.Deletes())
}

func TestHostDownload_PublishesStates(t *testing.T) {
	h := newHarness(t, model.RoleHost, nil, answers{confirm.KindDelete: true})
	bus := events.NewBus(100)
	defer bus.Close()
	h.proto.bus = bus

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Data["to"].(string))
		if e.Data["to"] == string(model.StateIdle) {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	}, events.EventStateChanged)

	h.fake.SetPage(docsURL, turnFiles()...)
	_, err := h.proto.HostDownload(context.Background(), "eoe")
	require.NoError(t, err)
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		string(model.StateDiscovering),
		string(model.StateDownloading),
		string(model.StateAwaitingDeleteConfirm),
		string(model.StateDeleting),
		string(model.StateStaging),
		string(model.StateIdle),
	}, seen)
}

func TestHostUpload_HostAdvancesByTwo(t *testing.T) {
	h := newHarness(t, model.RoleHost, model.IntPtr(5), answers{confirm.KindUpload: true, confirm.KindPlayerUpload: true})
	for name, body := range map[string]string{
		"data.dat":  "data",
		"eoe.emp":   "empire",
		"alice.plr": "player",
		"eoe04.zip": "old",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(h.save, name), []byte(body), 0644))
	}

	res, err := h.proto.HostUpload(context.Background(), "eoe", 0)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 6, res.Turn)
	assert.Equal(t, 7, *h.turn(t))

	uploads := h.fake.Uploads()
	require.Len(t, uploads, 2)
	assert.Equal(t, "eoe06.zip", filepath.Base(uploads[0].Path))
	assert.Equal(t, "Empire of Eternity Turn 6", uploads[0].DisplayName)
	assert.Equal(t, browser.GameTurnCategoryID, uploads[0].CategoryID)
	assert.True(t, uploads[0].Featured)
	assert.Equal(t, "alice.plr", filepath.Base(uploads[1].Path))
	assert.Equal(t, "alice Turn 5", uploads[1].DisplayName)
	assert.Equal(t, browser.PlayerFileCategoryID, uploads[1].CategoryID)
	assert.False(t, uploads[1].Featured)

	data, ok := h.fake.UploadedContent("eoe06.zip")
	require.True(t, ok)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"data.dat"}, names)

	assert.NoFileExists(t, filepath.Join(h.save, "eoe04.zip"))
	assert.FileExists(t, filepath.Join(h.save, "eoe06.zip"))
	assert.Equal(t, model.StateIdle, h.proto.State())
}

func TestHostUpload_PlayerRoleAdvancesByOne(t *testing.T) {
	h := newHarness(t, model.RolePlayer, model.IntPtr(5), answers{confirm.KindUpload: true})
	require.NoError(t, os.WriteFile(filepath.Join(h.save, "data.dat"), []byte("data"), 0644))

	_, err := h.proto.HostUpload(context.Background(), "eoe", 0)
	require.NoError(t, err)
	assert.Equal(t, 6, *h.turn(t))
}

func TestHostUpload_Declined(t *testing.T) {
	h := newHarness(t, model.RoleHost, model.IntPtr(5), answers{})
	require.NoError(t, os.WriteFile(filepath.Join(h.save, "data.dat"), []byte("data"), 0644))

	res, err := h.proto.HostUpload(context.Background(), "eoe", 0)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCancelled, res.Outcome)
	assert.Equal(t, 5, *h.turn(t))
	assert.Empty(t, h.fake.Uploads())
	assert.NoFileExists(t, filepath.Join(h.save, "eoe06.zip"))
}

func TestHostUpload_PlayerFileDeclined(t *testing.T) {
	h := newHarness(t, model.RoleHost, model.IntPtr(5), answers{confirm.KindUpload: true})
	require.NoError(t, os.WriteFile(filepath.Join(h.save, "data.dat"), []byte("data"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(h.save, "alice.plr"), []byte("p"), 0644))

	res, err := h.proto.HostUpload(context.Background(), "eoe", 0)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, res.Outcome)
	assert.Len(t, h.fake.Uploads(), 1)
	assert.Equal(t, 7, *h.turn(t), "the archive upload already committed the turn")
}

func TestHostUpload_UploadFailureKeepsTurn(t *testing.T) {
	h := newHarness(t, model.RoleHost, model.IntPtr(5), answers{confirm.KindUpload: true})
	require.NoError(t, os.WriteFile(filepath.Join(h.save, "data.dat"), []byte("data"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(h.save, "eoe04.zip"), []byte("old"), 0644))
	h.fake.UploadErr = assert.AnError

	_, err := h.proto.HostUpload(context.Background(), "eoe", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUpload)
	assert.Equal(t, 5, *h.turn(t))
	assert.Equal(t, model.StateIdle, h.proto.State())
	assert.FileExists(t, filepath.Join(h.save, "eoe04.zip"), "previous archive survives a failed upload")
}

func TestHostUpload_EmptySaveFolder(t *testing.T) {
	h := newHarness(t, model.RoleHost, model.IntPtr(5), answers{confirm.KindUpload: true})
	require.NoError(t, os.WriteFile(filepath.Join(h.save, "alice.plr"), []byte("p"), 0644))

	_, err := h.proto.HostUpload(context.Background(), "eoe", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrArchive)
	assert.Empty(t, h.fake.Uploads())
	assert.NoFileExists(t, filepath.Join(h.save, "eoe06.zip"))
}

func TestPlayerDownload_Extracts(t *testing.T) {
	h := newHarness(t, model.RolePlayer, nil, nil)
	require.NoError(t, os.WriteFile(filepath.Join(h.save, "eoe07.zip"), []byte("old"), 0644))
	h.fake.SetPage(docsURL,
		browsertest.File{Name: "readme.txt", Content: []byte("r")},
		browsertest.File{Name: "eoe08.zip", Content: makeZip(t, map[string]string{"map.dat": "m", "eoe.emp": "e"})},
	)

	res, err := h.proto.PlayerDownload(context.Background(), "eoe")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 8, res.Turn)
	assert.FileExists(t, filepath.Join(h.save, "map.dat"))
	assert.FileExists(t, filepath.Join(h.save, "eoe.emp"))
	assert.FileExists(t, filepath.Join(h.save, "eoe08.zip"))
	assert.NoFileExists(t, filepath.Join(h.save, "eoe07.zip"))
	assert.Equal(t, 0, countCalls(h.fake.Calls(), "download readme.txt"))
}

func TestPlayerDownload_NoArchive(t *testing.T) {
	h := newHarness(t, model.RolePlayer, nil, nil)
	h.fake.SetPage(docsURL, browsertest.File{Name: "readme.txt"})

	res, err := h.proto.PlayerDownload(context.Background(), "eoe")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNothingToDo, res.Outcome)
}

func TestPlayerDownload_NoTurnNumber(t *testing.T) {
	h := newHarness(t, model.RolePlayer, nil, nil)
	h.fake.SetPage(docsURL, browsertest.File{Name: "eoe.zip", Content: makeZip(t, map[string]string{"a": "b"})})

	_, err := h.proto.PlayerDownload(context.Background(), "eoe")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDownload)
}

func TestPlayerUpload_PlayerAdvancesByOne(t *testing.T) {
	h := newHarness(t, model.RolePlayer, model.IntPtr(5), answers{confirm.KindPlayerUpload: true})
	require.NoError(t, os.WriteFile(filepath.Join(h.save, "alice.plr"), []byte("p"), 0644))

	res, err := h.proto.PlayerUpload(context.Background(), "eoe", 0)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 6, *h.turn(t))

	uploads := h.fake.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "alice Turn 5", uploads[0].DisplayName)
}

func TestPlayerUpload_HostRoleKeepsTurn(t *testing.T) {
	h := newHarness(t, model.RoleHost, model.IntPtr(5), answers{confirm.KindPlayerUpload: true})
	require.NoError(t, os.WriteFile(filepath.Join(h.save, "alice.plr"), []byte("p"), 0644))

	_, err := h.proto.PlayerUpload(context.Background(), "eoe", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, *h.turn(t))
}

func TestPlayerUpload_FallsBackToLatestArchive(t *testing.T) {
	h := newHarness(t, model.RolePlayer, nil, answers{confirm.KindPlayerUpload: true})
	require.NoError(t, os.WriteFile(filepath.Join(h.save, "alice.plr"), []byte("p"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(h.save, "eoe11.zip"), []byte("z"), 0644))

	res, err := h.proto.PlayerUpload(context.Background(), "eoe", 0)
	require.NoError(t, err)
	assert.Equal(t, 11, res.Turn)
	assert.Equal(t, 12, *h.turn(t))
}

func TestPlayerUpload_NoTurn(t *testing.T) {
	h := newHarness(t, model.RolePlayer, nil, answers{confirm.KindPlayerUpload: true})
	require.NoError(t, os.WriteFile(filepath.Join(h.save, "alice.plr"), []byte("p"), 0644))

	_, err := h.proto.PlayerUpload(context.Background(), "eoe", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUpload)
	assert.Empty(t, h.fake.Uploads())
}

func TestPlayerUpload_NoPlayerFile(t *testing.T) {
	h := newHarness(t, model.RolePlayer, model.IntPtr(5), answers{confirm.KindPlayerUpload: true})

	res, err := h.proto.PlayerUpload(context.Background(), "eoe", 0)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNothingToDo, res.Outcome)
	assert.Empty(t, h.askedKinds())
}

func TestRunPlayerMode(t *testing.T) {
	h := newHarness(t, model.RolePlayer, model.IntPtr(3), answers{confirm.KindPlayerUpload: true})
	h.fake.SetPage(docsURL, browsertest.File{
		Name:    "eoe08.zip",
		Content: makeZip(t, map[string]string{"alice.plr": "result"}),
	})

	res, err := h.proto.RunPlayerMode(context.Background(), "eoe")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 8, res.Turn)
	assert.Equal(t, 9, *h.turn(t))

	uploads := h.fake.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "alice Turn 8", uploads[0].DisplayName)
}

func TestRunHostMode_SkipsUploadWhenNothingDownloaded(t *testing.T) {
	h := newHarness(t, model.RoleHost, model.IntPtr(5), answers{confirm.KindUpload: true})

	res, err := h.proto.RunHostMode(context.Background(), "eoe")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNothingToDo, res.Outcome)
	assert.Empty(t, h.fake.Uploads())
	assert.Equal(t, 5, *h.turn(t))
}

func TestRunHostMode(t *testing.T) {
	h := newHarness(t, model.RoleHost, model.IntPtr(19), answers{confirm.KindDelete: true, confirm.KindUpload: true})
	h.fake.SetPage(docsURL, turnFiles()...)
	require.NoError(t, os.WriteFile(filepath.Join(h.save, "data.dat"), []byte("data"), 0644))

	res, err := h.proto.RunHostMode(context.Background(), "eoe")
	require.NoError(t, err)
	assert.Equal(t, 21, res.Turn)
	assert.Equal(t, 22, *h.turn(t))
}

func TestRunHostMode_UploadFollowsDownloadedTurn(t *testing.T) {
	h := newHarness(t, model.RoleHost, model.IntPtr(5), answers{confirm.KindDelete: true, confirm.KindUpload: true})
	h.fake.SetPage(docsURL, turnFiles()...)
	require.NoError(t, os.WriteFile(filepath.Join(h.save, "data.dat"), []byte("data"), 0644))

	res, err := h.proto.RunHostMode(context.Background(), "eoe")
	require.NoError(t, err)
	assert.Equal(t, 21, res.Turn)
	assert.Equal(t, 22, *h.turn(t))

	uploads := h.fake.Uploads()
	require.NotEmpty(t, uploads)
	assert.Equal(t, "eoe21.zip", filepath.Base(uploads[0].Path))
	assert.Equal(t, "Empire of Eternity Turn 21", uploads[0].DisplayName)
}

func TestUnauthenticated(t *testing.T) {
	h := newHarness(t, model.RoleHost, model.IntPtr(5), answers{confirm.KindUpload: true, confirm.KindDelete: true})
	require.NoError(t, h.fake.Close())
	h.fake.SetPage(docsURL, turnFiles()...)

	ctx := context.Background()
	ops := map[string]func() (Result, error){
		"host_download":   func() (Result, error) { return h.proto.HostDownload(ctx, "eoe") },
		"host_upload":     func() (Result, error) { return h.proto.HostUpload(ctx, "eoe", 0) },
		"player_download": func() (Result, error) { return h.proto.PlayerDownload(ctx, "eoe") },
		"player_upload":   func() (Result, error) { return h.proto.PlayerUpload(ctx, "eoe", 0) },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			_, err := op()
			assert.ErrorIs(t, err, model.ErrUnauthenticated)
			assert.Equal(t, model.StateIdle, h.proto.State())
		})
	}
	assert.Equal(t, 0, h.fake.Deletes())
	assert.Empty(t, h.fake.Uploads())
	assert.Equal(t, 5, *h.turn(t))
}

func TestUnknownGame(t *testing.T) {
	h := newHarness(t, model.RoleHost, nil, nil)
	_, err := h.proto.HostDownload(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, model.StateIdle, h.proto.State())
}

func TestLogin(t *testing.T) {
	h := newHarness(t, model.RoleHost, nil, nil)
	h.fake.Password = "right"

	_, err := h.proto.Login(context.Background(), model.Credentials{Username: "alice", Password: "wrong"})
	assert.ErrorIs(t, err, model.ErrAuth)
	assert.False(t, h.proto.Authenticated())

	res, err := h.proto.Login(context.Background(), model.Credentials{Username: "alice", Password: "right"})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, res.Outcome)
	assert.True(t, h.proto.Authenticated())
}

func TestRefreshGames(t *testing.T) {
	h := newHarness(t, model.RoleHost, model.IntPtr(5), nil)
	h.fake.Games = []model.GameLink{
		{Slug: "eoe", Name: "Empire of Eternity (new name)"},
		{Slug: "TGWar", Name: "The Great War"},
	}

	res, err := h.proto.RefreshGames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, res.Outcome)
	require.Len(t, res.Games, 2)

	eoe, ok := h.store.Game("eoe")
	require.True(t, ok)
	assert.Equal(t, model.RoleHost, eoe.Role)
	assert.Equal(t, h.save, eoe.SaveFolder)
	assert.Equal(t, 5, eoe.CurrentTurn())

	tgw, ok := h.store.Game("TGWar")
	require.True(t, ok)
	assert.Equal(t, "tgw", tgw.Naming.ArchivePrefix)
	assert.Equal(t, "alice Turn ", tgw.Naming.PlayerUploadDisplayName)
	assert.Equal(t, 1, tgw.CurrentTurn())
}

func TestRefreshGames_Unauthenticated(t *testing.T) {
	h := newHarness(t, model.RoleHost, nil, nil)
	require.NoError(t, h.fake.Close())

	res, err := h.proto.RefreshGames(context.Background())
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
	assert.NotNil(t, res.Games)
	assert.Empty(t, res.Games)
}
