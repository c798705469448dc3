package hypervisor

import (
	"strings"

	"github.com/javanstorm/vmkit/pkg/vmspec"
)

// BootMode selects how the engine boots the guest.
type BootMode int

const (
	// BootNormal boots a macOS guest from its disk.
	BootNormal BootMode = iota
	// BootRecovery boots a macOS guest into recoveryOS.
	BootRecovery
	// BootDFU forces device-firmware-update mode, bypassing the disk.
	BootDFU
	// BootStopStage1 halts a macOS guest in the first boot stage for debugging.
	BootStopStage1
	// BootStopStage2 halts a macOS guest in the second boot stage.
	BootStopStage2
	// BootKernel boots a linux guest directly from a kernel image.
	BootKernel
	// BootDisk boots a linux guest through firmware from its disks.
	BootDisk
)

func (m BootMode) String() string {
	switch m {
	case BootNormal:
		return "normal"
	case BootRecovery:
		return "recovery"
	case BootDFU:
		return "dfu"
	case BootStopStage1:
		return "stop-in-stage1"
	case BootStopStage2:
		return "stop-in-stage2"
	case BootKernel:
		return "kernel"
	case BootDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// SerialKind selects the serial device wired to the guest.
type SerialKind int

const (
	SerialNone SerialKind = iota
	SerialVirtio
	SerialPL011
)

func (k SerialKind) String() string {
	switch k {
	case SerialVirtio:
		return "virtio"
	case SerialPL011:
		return "pl011"
	default:
		return "none"
	}
}

// SerialOptions describes the console device for one boot.
type SerialOptions struct {
	Kind SerialKind
	PTY  bool // back the console with a pseudo-terminal instead of pipes
}

// StartOptions is everything an engine needs beyond the spec itself to boot
// a guest once. It is derived from the spec on every start and never stored.
type StartOptions struct {
	Mode    BootMode
	Kernel  string
	Cmdline string
	Initrd  string
	Serial  SerialOptions
}

// ResolveBoot derives the start options for spec. It has no side effects.
//
// macOS guests accept at most one of recovery, dfu, stopInStage1 and
// stopInStage2; combining them is a *vmspec.ConflictError. Linux guests
// ignore those flags and boot the kernel when one is set, otherwise their disks.
func ResolveBoot(spec *vmspec.Spec) (StartOptions, error) {
	var opts StartOptions
	switch spec.OS {
	case vmspec.OSMacOS:
		mode, err := macOSMode(spec)
		if err != nil {
			return StartOptions{}, err
		}
		opts.Mode = mode
		if spec.Serial.Enabled || spec.Serial.PTY {
			opts.Serial = SerialOptions{Kind: SerialVirtio, PTY: spec.Serial.PTY}
		}
	case vmspec.OSLinux:
		if spec.Boot != nil && spec.Boot.Kernel != "" {
			opts.Mode = BootKernel
			opts.Kernel = spec.Boot.Kernel
			opts.Cmdline = spec.Boot.Parameters
			if initrd, ok := spec.Initrd(); ok {
				opts.Initrd = initrd.Path
			}
		} else {
			opts.Mode = BootDisk
		}
		if spec.Serial.Enabled || spec.Serial.PTY || spec.Serial.PL011 {
			kind := SerialVirtio
			if spec.Serial.PL011 {
				kind = SerialPL011
			}
			opts.Serial = SerialOptions{Kind: kind, PTY: spec.Serial.PTY}
		}
	default:
		return StartOptions{}, &vmspec.ValidationError{Field: "os", Message: "unknown guest os " + string(spec.OS)}
	}
	return opts, nil
}

func macOSMode(spec *vmspec.Spec) (BootMode, error) {
	flags := []struct {
		name string
		set  bool
		mode BootMode
	}{
		{"recovery", spec.Recovery, BootRecovery},
		{"dfu", spec.DFU, BootDFU},
		{"stopInStage1", spec.StopInStage1, BootStopStage1},
		{"stopInStage2", spec.StopInStage2, BootStopStage2},
	}
	mode := BootNormal
	var set []string
	for _, f := range flags {
		if f.set {
			set = append(set, f.name)
			mode = f.mode
		}
	}
	if len(set) > 1 {
		return BootNormal, &vmspec.ConflictError{
			Field:   set[0],
			Message: strings.Join(set, " and ") + " are mutually exclusive boot modes",
		}
	}
	return mode, nil
}
