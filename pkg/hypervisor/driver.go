// Package hypervisor connects a validated vmspec.Spec to a virtualization
// engine: macOS Virtualization.framework through vz, Linux KVM through hype.
package hypervisor

import (
	"context"
	"io"

	"github.com/javanstorm/vmkit/pkg/vmspec"
)

// Engine builds and boots machines. Implementations are not required to be
// safe for concurrent use; callers serialize access.
type Engine interface {
	Info() Info
	// Capabilities returns what features the engine supports.
	Capabilities() Capabilities

	// Validate checks if the spec can run on this engine with the given options.
	Validate(ctx context.Context, spec *vmspec.Spec, opts StartOptions) error

	// Start boots a new machine. The returned Machine is running.
	Start(ctx context.Context, spec *vmspec.Spec, opts StartOptions) (Machine, error)
}

// Machine is one booted guest. It is released once Done is closed.
type Machine interface {
	// Stop asks the guest to shut down and waits until it has or ctx ends.
	Stop(ctx context.Context) error

	// Kill forcefully terminates the guest.
	Kill(ctx context.Context) error

	// Done is closed when the guest has stopped for any reason.
	Done() <-chan struct{}

	// Err reports why the guest stopped. Nil for a clean shutdown.
	Err() error

	// Console returns serial console I/O handles.
	Console() (in io.Writer, out io.Reader, err error)

	// CloseConsole closes console handles to unblock any I/O operations.
	// Safe to call multiple times.
	CloseConsole() error

	// PTYPath is the slave side of a PTY-backed console, or "".
	PTYPath() string
}

// Capabilities describes engine feature support.
// Used for early validation before machine configuration.
type Capabilities struct {
	MacOSGuests bool
	DiskBoot    bool // firmware boot without a kernel
	SharedDirs  bool // virtio-fs or similar
	Networking  bool // virtio-net or similar
	Graphics    bool
	Audio       bool
	RemoteDisks bool // network block devices
}

// Info contains engine metadata.
type Info struct {
	Name    string // "vz" or "hype"
	Version string
	Arch    string // "arm64" or "amd64"
}
