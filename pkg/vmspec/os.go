package vmspec

import "fmt"

// OS is the guest operating system family.
type OS string

const (
	OSMacOS OS = "macos"
	OSLinux OS = "linux"
)

// ParseOS accepts the document spelling of a guest family.
func ParseOS(s string) (OS, error) {
	switch OS(s) {
	case OSMacOS, OSLinux:
		return OS(s), nil
	default:
		return "", fmt.Errorf("unknown guest os %q (want %q or %q)", s, OSMacOS, OSLinux)
	}
}

func (o OS) String() string { return string(o) }
