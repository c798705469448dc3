//go:build darwin && arm64

package hypervisor

import (
	"fmt"

	"github.com/Code-Hex/vz/v3"

	"github.com/javanstorm/vmkit/pkg/vmspec"
)

// vzHost reports what Virtualization.framework accepts on this Mac.
type vzHost struct{}

// NewHost returns the Host for the local engine.
func NewHost() vmspec.Host { return vzHost{} }

func (vzHost) Limits() vmspec.Limits {
	return vmspec.Limits{
		MinCPUs: int(vz.VirtualMachineConfigurationMinimumAllowedCPUCount()),
		MaxCPUs: int(vz.VirtualMachineConfigurationMaximumAllowedCPUCount()),
		MinRAM:  vz.VirtualMachineConfigurationMinimumAllowedMemorySize(),
		MaxRAM:  vz.VirtualMachineConfigurationMaximumAllowedMemorySize(),
	}
}

func (vzHost) NewMachineIdentifier(guest vmspec.OS) ([]byte, error) {
	if guest == vmspec.OSMacOS {
		id, err := vz.NewMacMachineIdentifier()
		if err != nil {
			return nil, fmt.Errorf("vzHost: new machine identifier: %w", err)
		}
		return id.DataRepresentation(), nil
	}
	id, err := vz.NewGenericMachineIdentifier()
	if err != nil {
		return nil, fmt.Errorf("vzHost: new machine identifier: %w", err)
	}
	return id.DataRepresentation(), nil
}

func (vzHost) HardwareModel(guest vmspec.OS, img vmspec.RestoreImage) ([]byte, error) {
	if guest != vmspec.OSMacOS {
		return nil, nil
	}
	if img == nil {
		return nil, vmspec.ErrRestoreImageRequired
	}
	return img.HardwareModel()
}

// restoreImage is a macOS .ipsw loaded through vz.
type restoreImage struct {
	path string
	img  *vz.MacOSRestoreImage
}

// LoadRestoreImage opens a local macOS restore image.
func LoadRestoreImage(path string) (vmspec.RestoreImage, error) {
	img, err := vz.LoadMacOSRestoreImageFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("vzHost: load restore image %s: %w", path, err)
	}
	return &restoreImage{path: path, img: img}, nil
}

func (r *restoreImage) Path() string { return r.path }

func (r *restoreImage) HardwareModel() ([]byte, error) {
	req := r.img.MostFeaturefulSupportedConfiguration()
	if req == nil {
		return nil, fmt.Errorf("%w: no configuration in %s is supported on this host", ErrUnsupportedGuest, r.path)
	}
	hw := req.HardwareModel()
	if !hw.Supported() {
		return nil, fmt.Errorf("%w: hardware model in %s is not supported", ErrUnsupportedGuest, r.path)
	}
	return hw.DataRepresentation(), nil
}
