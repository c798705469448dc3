package hypervisor

import (
	"fmt"
	"runtime"
)

// SupportedPlatform reports whether this build has an engine: KVM on linux,
// Virtualization.framework on Apple silicon.
func SupportedPlatform() bool {
	return platformSupported(runtime.GOOS, runtime.GOARCH)
}

// CheckPlatform returns ErrUnsupportedPlatform, naming the host, when this
// build has no engine.
func CheckPlatform() error {
	if SupportedPlatform() {
		return nil
	}
	return fmt.Errorf("%w: %s/%s (vmkit runs guests on linux with KVM or macOS on Apple silicon)",
		ErrUnsupportedPlatform, runtime.GOOS, runtime.GOARCH)
}

func platformSupported(goos, goarch string) bool {
	switch goos {
	case "linux":
		return true
	case "darwin":
		return goarch == "arm64"
	default:
		return false
	}
}

// NewEngine, NewHost and LoadRestoreImage are implemented in platform-specific
// files using build tags. See driver_darwin.go and driver_linux.go.
