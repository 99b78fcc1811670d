package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestOpenJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "history.jsonl")

	j, err := OpenJournal(path, DefaultMaxJournalSize)
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	defer j.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("journal file was not created")
	}

	if _, err := OpenJournal(filepath.Join(t.TempDir(), "history.log"), 0); err == nil {
		t.Error("expected error for non-jsonl path")
	}
}

func TestJournal_Record(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	j, err := OpenJournal(path, DefaultMaxJournalSize)
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	defer j.Close()

	err = j.Record(Event{
		Type:      EventTurnAdvanced,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"command_id": "cmd_1",
			"game":       "eoe",
			"from":       5,
			"to":         7,
		},
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var e Entry
	if err := json.Unmarshal(data[:len(data)-1], &e); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if e.EventType != string(EventTurnAdvanced) || e.CommandID != "cmd_1" || e.Game != "eoe" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Details["to"] != float64(7) {
		t.Errorf("details.to: got %v", e.Details["to"])
	}
	if _, ok := e.Details["game"]; ok {
		t.Error("game should be lifted out of details")
	}
}

func TestJournal_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	j, err := OpenJournal(path, DefaultMaxJournalSize)
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	defer j.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = j.Write(&Entry{Timestamp: time.Now(), EventType: "command_finished", CommandID: fmt.Sprintf("cmd_%d", i)})
		}(i)
	}
	wg.Wait()

	entries, err := j.Recent(0)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 50 {
		t.Errorf("expected 50 entries, got %d", len(entries))
	}
}

func TestJournal_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.jsonl")
	j, err := OpenJournal(path, 512)
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	defer j.Close()

	for i := 0; i < 20; i++ {
		if err := j.Write(&Entry{Timestamp: time.Now(), EventType: "command_finished", Game: "eoe", CommandID: fmt.Sprintf("cmd_%02d", i)}); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}

	archived, err := os.ReadDir(filepath.Join(dir, ArchiveDir))
	if err != nil {
		t.Fatalf("ReadDir archive failed: %v", err)
	}
	if len(archived) == 0 {
		t.Error("expected rotated journal files")
	}
	info, _ := os.Stat(path)
	if info.Size() > 512 {
		t.Errorf("current journal exceeds max size: %d", info.Size())
	}
}

func TestReadRecent_SkipsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	content := `{"event_type":"command_finished","command_id":"cmd_1"}
not json
{"event_type":"command_finished","command_id":"cmd_2"}
{"event_type":"turn_advanced","command_id":"cmd_3"}
`
	os.WriteFile(path, []byte(content), 0600)

	entries, err := ReadRecent(path, 2)
	if err != nil {
		t.Fatalf("ReadRecent failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].CommandID != "cmd_2" || entries[1].CommandID != "cmd_3" {
		t.Errorf("unexpected order: %+v", entries)
	}
}

func TestJournal_Attach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	j, err := OpenJournal(path, DefaultMaxJournalSize)
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	defer j.Close()

	bus := NewBus(10)
	defer bus.Close()
	detach := j.Attach(bus, nil)
	defer detach()

	bus.Publish(EventCommandFinished, map[string]interface{}{"command_id": "cmd_1", "outcome": "completed"})
	bus.Publish(EventStateChanged, map[string]interface{}{"state": "idle"})
	time.Sleep(50 * time.Millisecond)

	entries, err := j.Recent(0)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 1 || entries[0].CommandID != "cmd_1" {
		t.Errorf("expected only the command_finished entry, got %+v", entries)
	}
}

func TestJournal_WriteAfterClose(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "history.jsonl"), 0)
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := j.Write(&Entry{EventType: "x"}); err == nil {
		t.Error("expected error writing to closed journal")
	}
	if err := j.Close(); err != nil {
		t.Errorf("double close should be safe: %v", err)
	}
}
