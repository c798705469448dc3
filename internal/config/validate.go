package config

import (
	"fmt"
	"strings"

	"github.com/javanstorm/vmkit/pkg/hypervisor"
	"github.com/javanstorm/vmkit/pkg/vmspec"
)

// Warning represents a spec feature the local engine cannot honor.
type Warning struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = will be ignored
}

// CheckSpec compares a spec against engine capabilities.
func CheckSpec(spec *vmspec.Spec, caps hypervisor.Capabilities) []Warning {
	var warnings []Warning

	if spec.OS == vmspec.OSMacOS && !caps.MacOSGuests {
		warnings = append(warnings, Warning{
			Field:   "os",
			Message: "macOS guests need Apple Virtualization on an Apple silicon host",
			Fatal:   true,
		})
	}
	if spec.OS == vmspec.OSLinux && (spec.Boot == nil || spec.Boot.Kernel == "") && !caps.DiskBoot {
		warnings = append(warnings, Warning{
			Field:   "boot.kernel",
			Message: "this engine boots linux from a kernel image only",
			Fatal:   true,
		})
	}
	for i, st := range spec.Storage {
		if st.IsRemote() && !caps.RemoteDisks {
			warnings = append(warnings, Warning{
				Field:   fmt.Sprintf("storage[%d]", i),
				Message: "network block devices are not supported on this platform",
				Fatal:   true,
			})
		}
	}

	if len(spec.Shares) > 0 && !caps.SharedDirs {
		warnings = append(warnings, Warning{
			Field:   "shares",
			Message: "shared directories not supported on this platform",
		})
	}
	if len(spec.Networks) > 0 && !caps.Networking {
		warnings = append(warnings, Warning{
			Field:   "network",
			Message: "networking not supported on this platform",
		})
	}
	if len(spec.Displays) > 0 && !caps.Graphics {
		warnings = append(warnings, Warning{
			Field:   "display",
			Message: "displays not supported on this platform",
		})
	}
	if spec.Audio && !caps.Audio {
		warnings = append(warnings, Warning{
			Field:   "audio",
			Message: "audio not supported on this platform",
		})
	}

	return warnings
}

// HasFatal reports whether any warning prevents the VM from starting.
func HasFatal(warnings []Warning) bool {
	for _, w := range warnings {
		if w.Fatal {
			return true
		}
	}
	return false
}

// FormatWarnings returns a human-readable summary.
func FormatWarnings(warnings []Warning) string {
	if len(warnings) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, w := range warnings {
		prefix := "Warning"
		if w.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, w.Field, w.Message)
	}
	return b.String()
}
