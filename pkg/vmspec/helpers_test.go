package vmspec

import (
	"os"
	"path/filepath"
	"testing"
)

// testHost has fixed bounds so tests do not depend on the machine running them.
func testHost() *GenericHost {
	return &GenericHost{Bounds: Limits{MinCPUs: 1, MaxCPUs: 64, MinRAM: DefaultMinRAM}}
}

type fakeRestore struct {
	hw  []byte
	err error
}

func (f fakeRestore) Path() string                   { return "/images/test.ipsw" }
func (f fakeRestore) HardwareModel() ([]byte, error) { return f.hw, f.err }

// newLinux returns a builder for a linux guest booting from one disk.
// This avoids an import cycle with the testutil package.
func newLinux(t *testing.T) *Builder {
	t.Helper()
	b, err := New(testHost(), OSLinux)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.SetCPUs(4); err != nil {
		t.Fatal(err)
	}
	if err := b.SetRAM(4 << 30); err != nil {
		t.Fatal(err)
	}
	if err := b.AddFileStorage("/tmp/d.img", StorageDisk, false); err != nil {
		t.Fatal(err)
	}
	return b
}

func touch(t *testing.T, path string, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
}
