package vmspec

import (
	"crypto/rand"
	"fmt"
	"net"
)

// Display is one graphics scanout.
type Display struct {
	Width  int
	Height int
	DPI    int
}

func (d Display) validate(field string) error {
	if d.Width <= 0 || d.Height <= 0 || d.DPI <= 0 {
		return invalid(field, "width, height and dpi must be positive (got %dx%d@%d)", d.Width, d.Height, d.DPI)
	}
	return nil
}

// NetworkKind selects how an adapter reaches the outside world.
type NetworkKind string

const (
	NetworkNAT      NetworkKind = "nat"
	NetworkBridged  NetworkKind = "bridged"
	NetworkHostOnly NetworkKind = "host-only"
)

// ParseNetworkKind validates a network type name.
func ParseNetworkKind(s string) (NetworkKind, error) {
	switch NetworkKind(s) {
	case NetworkNAT, NetworkBridged, NetworkHostOnly:
		return NetworkKind(s), nil
	default:
		return "", fmt.Errorf("unknown network type %q (want nat, bridged or host-only)", s)
	}
}

// Network is one adapter. The first entry of Spec.Networks is the primary adapter.
type Network struct {
	Kind      NetworkKind
	MAC       net.HardwareAddr
	Interface string // host interface, required for bridged adapters
}

func (n Network) validate(field string) error {
	if _, err := ParseNetworkKind(string(n.Kind)); err != nil {
		return invalid(field+".type", "%v", err)
	}
	if n.Kind == NetworkBridged && n.Interface == "" {
		return invalid(field+".interface", "bridged adapters need a host interface")
	}
	if len(n.MAC) != 6 {
		return invalid(field+".mac", "adapter has no 6-byte MAC address")
	}
	return nil
}

func (n Network) clone() Network {
	n.MAC = append(net.HardwareAddr(nil), n.MAC...)
	return n
}

// ParseMAC accepts only the 6-byte colon-separated hex form, e.g. "52:54:00:12:34:56".
func ParseMAC(s string) (net.HardwareAddr, error) {
	if len(s) != 17 {
		return nil, fmt.Errorf("mac %q is not in aa:bb:cc:dd:ee:ff form", s)
	}
	for i := 2; i < len(s); i += 3 {
		if s[i] != ':' {
			return nil, fmt.Errorf("mac %q is not in aa:bb:cc:dd:ee:ff form", s)
		}
	}
	mac, err := net.ParseMAC(s)
	if err != nil || len(mac) != 6 {
		return nil, fmt.Errorf("mac %q is not a 6-byte address", s)
	}
	return mac, nil
}

// RandomMAC returns a unicast address with the locally-administered bit set.
func RandomMAC() (net.HardwareAddr, error) {
	mac := make(net.HardwareAddr, 6)
	if _, err := rand.Read(mac); err != nil {
		return nil, fmt.Errorf("generate mac: %w", err)
	}
	mac[0] = (mac[0] | 0x02) &^ 0x01
	return mac, nil
}

// IsLocallyAdministered reports whether the U/L bit of mac is set.
func IsLocallyAdministered(mac net.HardwareAddr) bool {
	return len(mac) > 0 && mac[0]&0x02 != 0
}

// AutomountTag is the reserved virtio-fs tag macOS guests mount automatically.
// All automount shares are exposed together under it.
const AutomountTag = "com.apple.virtio-fs.automount"

// Share is one host directory exposed to the guest.
type Share struct {
	Path      string
	Tag       string // empty when Automount is set
	Automount bool
	ReadOnly  bool
}

// MountTag returns the virtio-fs tag the guest sees for this share.
func (s Share) MountTag() string {
	if s.Automount {
		return AutomountTag
	}
	return s.Tag
}

func (s Share) validate(field string) error {
	if s.Path == "" {
		return invalid(field+".path", "host path is required")
	}
	switch {
	case s.Automount && s.Tag != "":
		return invalid(field, "tag and automount are mutually exclusive")
	case !s.Automount && s.Tag == "":
		return invalid(field+".tag", "tag is required unless automount is set")
	case !s.Automount && s.Tag == AutomountTag:
		return invalid(field+".tag", "%q is reserved for automount shares", AutomountTag)
	}
	return nil
}

// BootInfo holds linux direct-kernel boot parameters. Ignored for macOS guests.
type BootInfo struct {
	Kernel     string
	Parameters string
}

// Serial configures the guest serial console.
type Serial struct {
	Enabled bool
	PTY     bool // back the console with a pseudo-terminal
	PL011   bool // PL011 UART instead of the virtio console (linux guests)
}
