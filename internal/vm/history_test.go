package vm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHistoryEmpty(t *testing.T) {
	h := NewHistory(filepath.Join(t.TempDir(), "vm.json"))
	rec, err := h.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.BootCount != 0 || !rec.LastBoot.IsZero() {
		t.Errorf("empty history = %+v", rec)
	}
	if !strings.HasSuffix(h.Path(), "vm.json.history") {
		t.Errorf("Path = %s", h.Path())
	}
}

func TestHistoryBootAndShutdown(t *testing.T) {
	h := NewHistory(filepath.Join(t.TempDir(), "vm.json"))

	for i := 0; i < 3; i++ {
		if err := h.RecordBoot("recovery"); err != nil {
			t.Fatalf("RecordBoot: %v", err)
		}
	}
	rec, _ := h.Load()
	if rec.BootCount != 3 || rec.LastBootMode != "recovery" || rec.CleanShutdown {
		t.Errorf("after boots: %+v", rec)
	}

	if err := h.RecordShutdown(true); err != nil {
		t.Fatalf("RecordShutdown: %v", err)
	}
	rec, _ = h.Load()
	if !rec.CleanShutdown || rec.LastShutdown.Before(rec.LastBoot) {
		t.Errorf("after shutdown: %+v", rec)
	}
	entries, err := os.ReadDir(filepath.Dir(h.Path()))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "vm.json.history" {
		t.Errorf("history dir holds %v, want only vm.json.history", entries)
	}
}

func TestHistoryCorrupt(t *testing.T) {
	h := NewHistory(filepath.Join(t.TempDir(), "vm.json"))
	if err := os.WriteFile(h.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Load(); err == nil {
		t.Error("Load of corrupt history should fail")
	}
	if err := h.RecordBoot("normal"); err == nil {
		t.Error("RecordBoot over corrupt history should fail")
	}
}
