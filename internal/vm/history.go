package vm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/javanstorm/vmkit/internal/fileutil"
)

// BootRecord holds boot bookkeeping that survives restarts.
type BootRecord struct {
	// LastBoot is when the VM was last started.
	LastBoot time.Time `json:"last_boot,omitzero"`

	// LastBootMode is the resolved boot mode of the last start.
	LastBootMode string `json:"last_boot_mode,omitempty"`

	// LastShutdown is when the VM was last stopped.
	LastShutdown time.Time `json:"last_shutdown,omitzero"`

	// BootCount is the number of times the VM has booted.
	BootCount int `json:"boot_count"`

	// CleanShutdown indicates if the last shutdown was clean.
	CleanShutdown bool `json:"clean_shutdown"`
}

// History stores a BootRecord next to a spec document.
type History struct {
	path string
}

// NewHistory keeps the record for the spec at specPath in "<specPath>.history".
func NewHistory(specPath string) *History {
	return &History{path: specPath + ".history"}
}

// Load reads the record from disk. A missing file is an empty record.
func (h *History) Load() (*BootRecord, error) {
	data, err := os.ReadFile(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return &BootRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	var rec BootRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	return &rec, nil
}

// Save writes the record to disk atomically.
func (h *History) Save(rec *BootRecord) error {
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	if err := fileutil.AtomicWriteJSON(h.path, rec); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// RecordBoot updates the record for a new boot.
func (h *History) RecordBoot(mode string) error {
	rec, err := h.Load()
	if err != nil {
		return err
	}
	rec.LastBoot = time.Now()
	rec.LastBootMode = mode
	rec.BootCount++
	rec.CleanShutdown = false
	return h.Save(rec)
}

// RecordShutdown updates the record for a shutdown.
func (h *History) RecordShutdown(clean bool) error {
	rec, err := h.Load()
	if err != nil {
		return err
	}
	rec.LastShutdown = time.Now()
	rec.CleanShutdown = clean
	return h.Save(rec)
}

// Path returns the history file path.
func (h *History) Path() string {
	return h.path
}
