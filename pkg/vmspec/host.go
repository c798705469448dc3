package vmspec

import (
	"errors"

	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// Limits are the resource bounds the host virtualization stack accepts.
// A zero maximum means unbounded.
type Limits struct {
	MinCPUs int
	MaxCPUs int
	MinRAM  uint64
	MaxRAM  uint64
}

// RestoreImage is a macOS restore image used once to derive the hardware model
// and provision a new auxiliary-boot device.
type RestoreImage interface {
	Path() string
	HardwareModel() ([]byte, error)
}

// Host is the collaborator that knows what the local hypervisor accepts.
type Host interface {
	Limits() Limits
	// NewMachineIdentifier returns a fresh opaque identity blob for a guest family.
	NewMachineIdentifier(OS) ([]byte, error)
	// HardwareModel returns the hardware-model blob for a guest family. The
	// restore image may be nil; hosts that need it return an error.
	HardwareModel(OS, RestoreImage) ([]byte, error)
}

// ErrRestoreImageRequired is returned when a macOS hardware model must be
// derived but no restore image was supplied.
var ErrRestoreImageRequired = errors.New("vmspec: a restore image is required")

// DefaultMinRAM is the smallest guest memory GenericHost accepts.
const DefaultMinRAM = 128 * units.MiB

// GenericHost is a portable Host: uuid-based identifiers, hardware models
// taken straight from the restore image.
type GenericHost struct {
	Bounds Limits
}

// NewGenericHost requires at least one CPU and DefaultMinRAM. It sets no
// upper bounds; a guest may be given more CPUs than the host has.
func NewGenericHost() *GenericHost {
	return &GenericHost{Bounds: Limits{
		MinCPUs: 1,
		MinRAM:  DefaultMinRAM,
	}}
}

func (h *GenericHost) Limits() Limits { return h.Bounds }

func (h *GenericHost) NewMachineIdentifier(OS) ([]byte, error) {
	id := uuid.New()
	return id[:], nil
}

func (h *GenericHost) HardwareModel(os OS, img RestoreImage) ([]byte, error) {
	if os != OSMacOS {
		return nil, nil
	}
	if img == nil {
		return nil, ErrRestoreImageRequired
	}
	return img.HardwareModel()
}
