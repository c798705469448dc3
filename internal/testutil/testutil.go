// Package testutil provides common test helpers for vmkit tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/javanstorm/vmkit/pkg/vmspec"
)

// Host returns a Host with fixed bounds so tests do not depend on the machine
// running them.
func Host() *vmspec.GenericHost {
	return &vmspec.GenericHost{Bounds: vmspec.Limits{
		MinCPUs: 1,
		MaxCPUs: 64,
		MinRAM:  vmspec.DefaultMinRAM,
	}}
}

// RestoreImage is a RestoreImage that returns a fixed hardware model.
type RestoreImage struct {
	Model []byte
	Err   error
}

func (r RestoreImage) Path() string                   { return "/images/fake.ipsw" }
func (r RestoreImage) HardwareModel() ([]byte, error) { return r.Model, r.Err }

// LinuxSpec returns a configured linux spec that boots from one disk in a
// temporary directory.
func LinuxSpec(t *testing.T) *vmspec.Spec {
	t.Helper()

	b, err := vmspec.New(Host(), vmspec.OSLinux)
	if err != nil {
		t.Fatalf("vmspec.New: %v", err)
	}
	mustNil(t, b.SetCPUs(4))
	mustNil(t, b.SetRAM(4<<30))
	disk := filepath.Join(t.TempDir(), "disk.img")
	CreateTestDisk(t, disk, 1<<20)
	mustNil(t, b.AddFileStorage(disk, vmspec.StorageDisk, false))
	mustNil(t, b.AddNetwork(vmspec.NetworkNAT, "", ""))

	spec, err := b.Configure()
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return spec
}

// MacOSSpec returns a configured macOS spec provisioned from a fake restore image.
func MacOSSpec(t *testing.T) *vmspec.Spec {
	t.Helper()

	b, err := vmspec.New(Host(), vmspec.OSMacOS)
	if err != nil {
		t.Fatalf("vmspec.New: %v", err)
	}
	mustNil(t, b.SetCPUs(4))
	mustNil(t, b.SetRAM(8<<30))
	mustNil(t, b.AddDefaults(t.TempDir()))
	b.SetRestoreImage(RestoreImage{Model: []byte("fake-hardware-model")})

	spec, err := b.Configure()
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return spec
}

// CreateTestDisk creates a sparse disk file at the given path with the specified size.
// The file is created as a sparse file, so it doesn't actually allocate all the space.
func CreateTestDisk(t *testing.T, path string, size int64) {
	t.Helper()

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create directory %s: %v", dir, err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test disk at %s: %v", path, err)
	}
	defer f.Close() //nolint:errcheck

	if err := f.Truncate(size); err != nil {
		t.Fatalf("failed to truncate test disk to %d bytes: %v", size, err)
	}
}

// WriteSpec saves spec as a document in a temporary directory and returns its path.
func WriteSpec(t *testing.T, spec *vmspec.Spec) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vm.json")
	if err := spec.SaveFile(path); err != nil {
		t.Fatalf("failed to write spec: %v", err)
	}
	return path
}

func mustNil(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
