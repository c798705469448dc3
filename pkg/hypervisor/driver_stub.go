//go:build !linux && !(darwin && arm64)

package hypervisor

import "github.com/javanstorm/vmkit/pkg/vmspec"

// NewEngine returns an error on unsupported platforms.
func NewEngine() (Engine, error) {
	return nil, ErrUnsupportedPlatform
}

func NewHost() vmspec.Host { return vmspec.NewGenericHost() }

func LoadRestoreImage(string) (vmspec.RestoreImage, error) {
	return nil, ErrUnsupportedPlatform
}
