package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupted file into quarantineDir with a timestamped name
// and returns the new path.
func Quarantine(quarantineDir, filePath string) (string, error) {
	if err := os.MkdirAll(quarantineDir, 0700); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return quarantinePath, nil
}

func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, FileMode); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// Recovery describes what RecoverCorruptedFile did.
type Recovery struct {
	QuarantinedTo string
	Restored      bool // true: .bak restored; false: skeleton written
}

// RecoverCorruptedFile quarantines filePath, then restores it from .bak or,
// failing that, writes skeleton in its place.
func RecoverCorruptedFile(quarantineDir, filePath string, skeleton any) (Recovery, error) {
	var rec Recovery
	moved, err := Quarantine(quarantineDir, filePath)
	if err != nil {
		return rec, fmt.Errorf("quarantine failed: %w", err)
	}
	rec.QuarantinedTo = moved

	if err := RestoreFromBackup(filePath); err == nil {
		rec.Restored = true
		return rec, nil
	}

	if err := AtomicWrite(filePath, skeleton); err != nil {
		return rec, fmt.Errorf("skeleton write failed: %w", err)
	}
	return rec, nil
}
