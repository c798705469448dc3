package hypervisor

import "errors"

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
	ErrUnsupportedGuest    = errors.New("hypervisor: guest os not supported by this engine")
	ErrUnsupportedBootMode = errors.New("hypervisor: boot mode not supported by this engine")
	ErrUnsupportedDevice   = errors.New("hypervisor: device not supported by this engine")
)

// Runtime errors
var (
	ErrNotRunning = errors.New("hypervisor: VM is not running")
	ErrNoConsole  = errors.New("hypervisor: VM has no serial console")
)
