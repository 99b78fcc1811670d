package stager

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/pbwturn/internal/model"
)

// archiveTime is stamped on every entry so equal folders give equal archives.
var archiveTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// BuildArchive zips the regular files directly in srcFolder into archivePath,
// skipping AlwaysExcluded and any extra suffixes in exclude. Entries are in
// name order with fixed timestamps. It returns the names added.
func BuildArchive(srcFolder string, exclude []string, archivePath string) ([]string, error) {
	names, err := regularFiles(srcFolder)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrArchive, err)
	}
	skip := append(append([]string{}, AlwaysExcluded...), exclude...)

	tmp, err := os.CreateTemp(filepath.Dir(archivePath), ".pbwturn-archive-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("%w: create temp archive: %v", model.ErrArchive, err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	zw := zip.NewWriter(tmp)
	var added []string
	for _, name := range names {
		if hasExt(name, skip...) {
			continue
		}
		if err := addFile(zw, filepath.Join(srcFolder, name), name); err != nil {
			return nil, fmt.Errorf("%w: add %s: %v", model.ErrArchive, name, err)
		}
		added = append(added, name)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: finish archive: %v", model.ErrArchive, err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("%w: sync archive: %v", model.ErrArchive, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("%w: close archive: %v", model.ErrArchive, err)
	}
	if err := os.Rename(tmpName, archivePath); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrArchive, err)
	}
	return added, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: archiveTime,
	}
	hdr.SetMode(0644)
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// ExtractArchive unpacks zipPath into dest and returns the written paths.
// Entries that would land outside dest are rejected.
func ExtractArchive(zipPath, dest string) ([]string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return nil, err
	}
	var written []string
	for _, f := range zr.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return written, fmt.Errorf("archive entry %q escapes %s", f.Name, dest)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return written, err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return written, fmt.Errorf("extract %s: %w", f.Name, err)
		}
		written = append(written, target)
	}
	return written, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
