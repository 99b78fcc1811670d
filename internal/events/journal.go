package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxJournalSize is the size at which the journal is rotated (10MB).
	DefaultMaxJournalSize = 10 * 1024 * 1024
	JournalFileExtension  = ".jsonl"
	ArchiveDir            = "archive"
)

// Entry is one line of the turn-exchange history.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	CommandID string                 `json:"command_id,omitempty"`
	Game      string                 `json:"game,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Journal is an append-only JSONL record of finished commands and turn changes.
type Journal struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	path            string
	rotationCounter int
}

func OpenJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	if filepath.Ext(path) != JournalFileExtension {
		return nil, fmt.Errorf("journal path %s must end in %s", path, JournalFileExtension)
	}

	j := &Journal{path: path, maxSize: maxSize}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if err := j.openFile(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) openFile() error {
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = file
	j.currentSize = stat.Size()
	return nil
}

// Record converts a bus event into an entry and appends it.
func (j *Journal) Record(e Event) error {
	entry := Entry{
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		Details:   map[string]interface{}{},
	}
	for k, v := range e.Data {
		switch k {
		case "command_id":
			entry.CommandID, _ = v.(string)
		case "game":
			entry.Game, _ = v.(string)
		default:
			entry.Details[k] = v
		}
	}
	if len(entry.Details) == 0 {
		entry.Details = nil
	}
	return j.Write(&entry)
}

func (j *Journal) Write(entry *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal closed")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	if j.currentSize+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.currentSize += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close current journal: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0700); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	j.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(j.path), JournalFileExtension)
	archiveName := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), j.rotationCounter, JournalFileExtension)
	if err := os.Rename(j.path, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive journal: %w", err)
	}
	return j.openFile()
}

// Recent returns up to n of the newest entries in the current journal file,
// oldest first. Malformed lines are skipped.
func (j *Journal) Recent(n int) ([]Entry, error) {
	j.mu.Lock()
	path := j.path
	j.mu.Unlock()
	return ReadRecent(path, n)
}

func ReadRecent(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
		if n > 0 && len(entries) > n {
			entries = entries[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("scan journal: %w", err)
	}
	return entries, nil
}

// Attach subscribes the journal to the lifecycle events worth keeping.
// Write failures go to onErr, which may be nil.
func (j *Journal) Attach(bus *Bus, onErr func(error)) func() {
	return bus.Subscribe(func(e Event) {
		if err := j.Record(e); err != nil && onErr != nil {
			onErr(err)
		}
	}, EventCommandFinished, EventTurnAdvanced)
}

func (j *Journal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}
