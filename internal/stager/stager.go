// Package stager performs the local file steps of a turn exchange: naming,
// relocating downloads into per-turn folders, building and unpacking archives.
package stager

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const (
	TurnsDir         = "Turns"
	PlayerFileExt    = ".plr"
	EmpireFileExt    = ".emp"
	ArchiveExt       = ".zip"
	turnFolderPrefix = "Turn_"
)

// AlwaysExcluded never go into an outgoing archive.
var AlwaysExcluded = []string{PlayerFileExt, EmpireFileExt, ArchiveExt}

var turnRe = regexp.MustCompile(`(?i)(\d+)\.zip$`)

// ExtractTurnNumber parses the trailing "<digits>.zip" of name.
func ExtractTurnNumber(name string) (int, bool) {
	m := turnRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ArchiveName is "<prefix><turn, two digits minimum>.zip".
func ArchiveName(prefix string, turn int) string {
	return fmt.Sprintf("%s%02d%s", prefix, turn, ArchiveExt)
}

func TurnFolder(saveFolder string, turn int) string {
	return filepath.Join(saveFolder, TurnsDir, turnFolderPrefix+strconv.Itoa(turn))
}

// Stager carries the logger for the non-fatal conditions it reports.
type Stager struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Stager {
	return &Stager{log: log}
}

// RelocateResult lists what Relocate did with each input.
type RelocateResult struct {
	Moved   []string // destination paths
	Missing []string // source paths that no longer existed
}

// Relocate moves files into dest, creating it if needed. A source that no
// longer exists is logged and skipped, so calling it again with the same
// list is harmless.
func (s *Stager) Relocate(files []string, dest string) (RelocateResult, error) {
	var res RelocateResult
	if err := os.MkdirAll(dest, 0755); err != nil {
		return res, fmt.Errorf("create %s: %w", dest, err)
	}
	for _, src := range files {
		target := filepath.Join(dest, filepath.Base(src))
		if _, err := os.Stat(src); os.IsNotExist(err) {
			s.log.Warn().Str("file", src).Str("dest", dest).Msg("relocate: source missing, skipped")
			res.Missing = append(res.Missing, src)
			continue
		}
		if err := moveFile(src, target); err != nil {
			return res, fmt.Errorf("move %s: %w", src, err)
		}
		res.Moved = append(res.Moved, target)
	}
	return res, nil
}

// PromotePlayerFiles copies every .plr in turnFolder into dest, overwriting.
func (s *Stager) PromotePlayerFiles(turnFolder, dest string) ([]string, error) {
	names, err := regularFiles(turnFolder)
	if err != nil {
		return nil, err
	}
	var copied []string
	for _, name := range names {
		if !hasExt(name, PlayerFileExt) {
			continue
		}
		target := filepath.Join(dest, name)
		if err := copyFile(filepath.Join(turnFolder, name), target); err != nil {
			return copied, fmt.Errorf("copy %s: %w", name, err)
		}
		copied = append(copied, target)
	}
	return copied, nil
}

// FindPlayerFile returns the first .plr in folder by name.
func FindPlayerFile(folder string) (string, bool, error) {
	names, err := regularFiles(folder)
	if err != nil {
		return "", false, err
	}
	for _, name := range names {
		if hasExt(name, PlayerFileExt) {
			return filepath.Join(folder, name), true, nil
		}
	}
	return "", false, nil
}

// LatestArchiveTurn reads the turn number of the most recently modified
// archive in folder.
func LatestArchiveTurn(folder string) (int, bool, error) {
	names, err := regularFiles(folder)
	if err != nil {
		return 0, false, err
	}
	var (
		newest    string
		newestMod int64
	)
	for _, name := range names {
		if !hasExt(name, ArchiveExt) {
			continue
		}
		info, err := os.Stat(filepath.Join(folder, name))
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest, newestMod = name, mod
		}
	}
	if newest == "" {
		return 0, false, nil
	}
	n, ok := ExtractTurnNumber(newest)
	return n, ok, nil
}

// PruneArchives removes archives in folder named with prefix whose turn is
// below current. Removal failures are logged, not returned.
func (s *Stager) PruneArchives(folder, prefix string, current int) []string {
	names, err := regularFiles(folder)
	if err != nil {
		s.log.Warn().Err(err).Str("folder", folder).Msg("prune: cannot list folder")
		return nil
	}
	var removed []string
	for _, name := range names {
		if !strings.HasPrefix(strings.ToLower(name), strings.ToLower(prefix)) {
			continue
		}
		n, ok := ExtractTurnNumber(name)
		if !ok || n >= current {
			continue
		}
		path := filepath.Join(folder, name)
		if err := os.Remove(path); err != nil {
			s.log.Warn().Err(err).Str("file", path).Msg("prune: remove failed")
			continue
		}
		removed = append(removed, path)
	}
	return removed
}

// regularFiles lists the regular files directly inside dir, sorted by name.
func regularFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func hasExt(name string, exts ...string) bool {
	lower := strings.ToLower(name)
	for _, ext := range exts {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// rename fails across filesystems
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
