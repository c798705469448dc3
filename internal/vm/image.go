package vm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	diskfs "github.com/diskfs/go-diskfs"
)

// CreateDisk creates an empty raw disk image of size bytes at path.
// It returns created=false when a file already exists there.
func CreateDisk(path string, size int64) (created bool, err error) {
	if size <= 0 {
		return false, fmt.Errorf("create disk %s: size must be positive", path)
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil // Already exists
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat disk %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create disk dir: %w", err)
	}

	d, err := diskfs.Create(path, size, diskfs.Raw, diskfs.SectorSize512)
	if err != nil {
		return false, fmt.Errorf("create disk %s: %w", path, err)
	}
	if err := d.Close(); err != nil {
		return false, fmt.Errorf("close disk %s: %w", path, err)
	}
	return true, nil
}
