package vmspec

import (
	"fmt"
	"net"
	"path/filepath"
	"slices"
)

// Defaults applied by AddDefaults to fields that are still unset.
const (
	DefaultDiskName    = "disk.img"
	DefaultAuxName     = "aux.img"
	DefaultWidth       = 1920
	DefaultHeight      = 1200
	DefaultDPI         = 80
	DefaultNetworkKind = NetworkNAT
)

// Builder accumulates a VM description. Every mutating method validates its
// input first and leaves the draft untouched when it returns an error.
// A Builder is not safe for concurrent use.
type Builder struct {
	host Host
	spec Spec
}

// New returns an empty description for the given guest family with a freshly
// generated machine identifier.
func New(host Host, guest OS) (*Builder, error) {
	if _, err := ParseOS(string(guest)); err != nil {
		return nil, invalid("os", "%v", err)
	}
	id, err := host.NewMachineIdentifier(guest)
	if err != nil {
		return nil, fmt.Errorf("vmspec: generate machine identifier: %w", err)
	}
	return &Builder{host: host, spec: Spec{OS: guest, MachineIdentifier: id}}, nil
}

// Draft returns a copy of the unvalidated description.
func (b *Builder) Draft() *Spec { return b.spec.Clone() }

// OS returns the guest family the builder was created for.
func (b *Builder) OS() OS { return b.spec.OS }

func (b *Builder) SetCPUs(n int) error {
	if n <= 0 {
		return invalid("cpus", "must be positive, got %d", n)
	}
	b.spec.CPUs = n
	return nil
}

func (b *Builder) SetRAM(bytes uint64) error {
	if bytes == 0 {
		return invalid("ram", "must be positive")
	}
	b.spec.RAM = bytes
	return nil
}

func (b *Builder) SetAudio(on bool) { b.spec.Audio = on }
func (b *Builder) SetSerial(s Serial) { b.spec.Serial = s }
func (b *Builder) SetRecovery(on bool) { b.spec.Recovery = on }
func (b *Builder) SetDFU(on bool) { b.spec.DFU = on }
func (b *Builder) SetStopInStage1(on bool) { b.spec.StopInStage1 = on }
func (b *Builder) SetStopInStage2(on bool) { b.spec.StopInStage2 = on }

// SetRestoreImage attaches the restore image used to provision a new macOS VM.
// It is consumed by Configure and never persisted.
func (b *Builder) SetRestoreImage(img RestoreImage) { b.spec.restoreImage = img }

// SetBoot sets the linux kernel and its command line.
func (b *Builder) SetBoot(kernel, parameters string) error {
	if b.spec.OS != OSLinux {
		return invalid("boot", "only linux guests boot a kernel directly")
	}
	if kernel == "" {
		return invalid("boot.kernel", "kernel path is required")
	}
	b.spec.Boot = &BootInfo{Kernel: kernel, Parameters: parameters}
	return nil
}

// AddFileStorage appends a file-backed storage entry.
func (b *Builder) AddFileStorage(path string, kind StorageKind, readOnly bool) error {
	return b.AddStorage(Storage{Kind: kind, Path: path, ReadOnly: readOnly})
}

// AddStorage appends a storage entry, including its options.
func (b *Builder) AddStorage(s Storage) error {
	field := fmt.Sprintf("storage[%d]", len(b.spec.Storage))
	if err := s.validate(field); err != nil {
		return err
	}
	if s.Kind == StorageAux || s.Kind == StorageInitrd {
		if _, ok := b.spec.first(s.Kind); ok {
			return conflict(field, "a %s entry already exists", s.Kind)
		}
	}
	b.spec.Storage = append(b.spec.Storage, s.clone())
	return nil
}

func (b *Builder) AddDisplay(width, height, dpi int) error {
	d := Display{Width: width, Height: height, DPI: dpi}
	if err := d.validate(fmt.Sprintf("display[%d]", len(b.spec.Displays))); err != nil {
		return err
	}
	b.spec.Displays = append(b.spec.Displays, d)
	return nil
}

// AddNetwork appends an adapter. iface is required for bridged adapters; an
// empty mac generates a random locally-administered address.
func (b *Builder) AddNetwork(kind NetworkKind, iface, mac string) error {
	field := fmt.Sprintf("network[%d]", len(b.spec.Networks))
	n := Network{Kind: kind, Interface: iface}
	if mac != "" {
		hw, err := ParseMAC(mac)
		if err != nil {
			return invalid(field+".mac", "%v", err)
		}
		n.MAC = hw
	}
	return b.AddNetworkSpec(n)
}

// AddNetworkSpec appends a fully described adapter, generating its MAC if unset.
func (b *Builder) AddNetworkSpec(n Network) error {
	field := fmt.Sprintf("network[%d]", len(b.spec.Networks))
	n = n.clone()
	if len(n.MAC) == 0 {
		mac, err := b.uniqueMAC()
		if err != nil {
			return err
		}
		n.MAC = mac
	} else if b.macIndex(n.MAC) >= 0 {
		return conflict(field+".mac", "%s is already used by another adapter", n.MAC)
	}
	if err := n.validate(field); err != nil {
		return err
	}
	b.spec.Networks = append(b.spec.Networks, n)
	return nil
}

// SetPrimaryMAC makes the adapter with the given MAC the primary one by
// moving it to the front of the list.
func (b *Builder) SetPrimaryMAC(mac string) error {
	hw, err := ParseMAC(mac)
	if err != nil {
		return invalid("network.mac", "%v", err)
	}
	i := b.macIndex(hw)
	if i < 0 {
		return invalid("network", "no adapter has mac %s", hw)
	}
	primary := b.spec.Networks[i]
	nets := append([]Network{primary}, slices.Delete(slices.Clone(b.spec.Networks), i, i+1)...)
	b.spec.Networks = nets
	return nil
}

// AddDirectoryShare exposes one host directory under tag.
func (b *Builder) AddDirectoryShare(path, tag string, readOnly bool) error {
	return b.AddDirectoryShares([]string{path}, tag, readOnly)
}

// AddDirectoryShares exposes several host directories as one device under tag.
func (b *Builder) AddDirectoryShares(paths []string, tag string, readOnly bool) error {
	if b.tagInUse(tag) {
		return conflict("share.tag", "tag %q is already in use", tag)
	}
	return b.appendShares(paths, Share{Tag: tag, ReadOnly: readOnly})
}

// AddAutomountDirectoryShare exposes a directory under the automount tag.
func (b *Builder) AddAutomountDirectoryShare(path string, readOnly bool) error {
	return b.AddAutomountDirectoryShares([]string{path}, readOnly)
}

func (b *Builder) AddAutomountDirectoryShares(paths []string, readOnly bool) error {
	return b.appendShares(paths, Share{Automount: true, ReadOnly: readOnly})
}

func (b *Builder) appendShares(paths []string, tmpl Share) error {
	if len(paths) == 0 {
		return invalid("share.path", "at least one host path is required")
	}
	added := make([]Share, 0, len(paths))
	for i, p := range paths {
		s := tmpl
		s.Path = p
		if err := s.validate(fmt.Sprintf("share[%d]", len(b.spec.Shares)+i)); err != nil {
			return err
		}
		added = append(added, s)
	}
	b.spec.Shares = append(b.spec.Shares, added...)
	return nil
}

// AddDefaults fills in a minimally viable machine: a disk (plus an
// auxiliary-boot device for macOS guests) under dir, one display and one NAT
// adapter. Only unset parts are touched, so calling it twice is harmless.
func (b *Builder) AddDefaults(dir string) error {
	draft := b.spec.Clone()
	next := &Builder{host: b.host, spec: *draft}
	if len(next.spec.Disks()) == 0 {
		if err := next.AddFileStorage(filepath.Join(dir, DefaultDiskName), StorageDisk, false); err != nil {
			return err
		}
	}
	if next.spec.OS == OSMacOS {
		if _, ok := next.spec.Aux(); !ok {
			if err := next.AddFileStorage(filepath.Join(dir, DefaultAuxName), StorageAux, false); err != nil {
				return err
			}
		}
	}
	if len(next.spec.Displays) == 0 {
		if err := next.AddDisplay(DefaultWidth, DefaultHeight, DefaultDPI); err != nil {
			return err
		}
	}
	if len(next.spec.Networks) == 0 {
		if err := next.AddNetwork(DefaultNetworkKind, "", ""); err != nil {
			return err
		}
	}
	b.spec = next.spec
	return nil
}

// RegenerateIdentity gives the description a new machine identifier and new
// MAC addresses, for cloning a VM that will run alongside its source.
// The hardware model is kept.
func (b *Builder) RegenerateIdentity() error {
	id, err := b.host.NewMachineIdentifier(b.spec.OS)
	if err != nil {
		return fmt.Errorf("vmspec: generate machine identifier: %w", err)
	}
	next := &Builder{host: b.host, spec: *b.spec.Clone()}
	next.spec.Networks = nil
	for _, n := range b.spec.Networks {
		n.MAC = nil
		if err := next.AddNetworkSpec(n); err != nil {
			return err
		}
	}
	b.spec.MachineIdentifier = id
	b.spec.Networks = next.spec.Networks
	return nil
}

// Configure validates the description, fills in derived identity data and
// returns an immutable Spec. On error the builder is left exactly as it was.
func (b *Builder) Configure() (*Spec, error) {
	s := b.spec.Clone()
	if err := b.check(s); err != nil {
		return nil, err
	}
	if len(s.HardwareModel) == 0 {
		hw, err := b.host.HardwareModel(s.OS, s.restoreImage)
		if err != nil {
			return nil, invalid("hardwareModel", "%v", err)
		}
		s.HardwareModel = hw
	}
	b.spec.HardwareModel = s.HardwareModel
	return s.Clone(), nil
}

func (b *Builder) check(s *Spec) error {
	if len(s.MachineIdentifier) == 0 {
		return invalid("machineIdentifier", "is missing")
	}
	if _, err := ParseOS(string(s.OS)); err != nil {
		return invalid("os", "%v", err)
	}
	if s.CPUs <= 0 {
		return invalid("cpus", "must be set")
	}
	if s.RAM == 0 {
		return invalid("ram", "must be set")
	}
	lim := b.host.Limits()
	if s.CPUs < lim.MinCPUs || (lim.MaxCPUs > 0 && s.CPUs > lim.MaxCPUs) {
		return invalid("cpus", "%d is outside the host range %s", s.CPUs, hostRange(uint64(lim.MinCPUs), uint64(lim.MaxCPUs))) //nolint:gosec
	}
	if s.RAM < lim.MinRAM || (lim.MaxRAM > 0 && s.RAM > lim.MaxRAM) {
		return invalid("ram", "%d bytes is outside the host range %s", s.RAM, hostRange(lim.MinRAM, lim.MaxRAM))
	}

	seen := map[StorageKind]int{}
	for i, st := range s.Storage {
		field := fmt.Sprintf("storage[%d]", i)
		if err := st.validate(field); err != nil {
			return err
		}
		seen[st.Kind]++
		if seen[st.Kind] > 1 && st.Kind != StorageDisk {
			return conflict(field, "only one %s entry is allowed", st.Kind)
		}
		switch {
		case st.Kind == StorageAux && s.OS != OSMacOS:
			return invalid(field+".type", "aux devices are only used by macOS guests")
		case st.Kind == StorageInitrd && s.OS != OSLinux:
			return invalid(field+".type", "initrd entries are only used by linux guests")
		}
	}
	for i, d := range s.Displays {
		if err := d.validate(fmt.Sprintf("display[%d]", i)); err != nil {
			return err
		}
	}
	macs := map[string]int{}
	for i, n := range s.Networks {
		field := fmt.Sprintf("network[%d]", i)
		if err := n.validate(field); err != nil {
			return err
		}
		if j, dup := macs[n.MAC.String()]; dup {
			return conflict(field+".mac", "%s is also used by network[%d]", n.MAC, j)
		}
		macs[n.MAC.String()] = i
	}
	for i, sh := range s.Shares {
		if err := sh.validate(fmt.Sprintf("share[%d]", i)); err != nil {
			return err
		}
	}

	switch s.OS {
	case OSLinux:
		hasKernel := s.Boot != nil && s.Boot.Kernel != ""
		if !hasKernel && seen[StorageDisk] == 0 {
			return invalid("boot.kernel", "required unless the guest boots from a disk")
		}
		if !hasKernel && seen[StorageInitrd] > 0 {
			return invalid("storage", "an initrd needs boot.kernel")
		}
	case OSMacOS:
		if _, ok := s.Aux(); !ok {
			return invalid("storage", "macOS guests need an aux entry")
		}
		// A missing aux device is created from the hardware model at start.
		if s.restoreImage == nil && len(s.HardwareModel) == 0 {
			return invalid("restoreImage", "needed to derive the hardware model")
		}
	}
	return nil
}

// hostRange renders "min..max", or "min.." when there is no maximum.
func hostRange(lo, hi uint64) string {
	if hi == 0 {
		return fmt.Sprintf("%d..", lo)
	}
	return fmt.Sprintf("%d..%d", lo, hi)
}

func (b *Builder) macIndex(mac net.HardwareAddr) int {
	for i, n := range b.spec.Networks {
		if n.MAC.String() == mac.String() {
			return i
		}
	}
	return -1
}

func (b *Builder) uniqueMAC() (net.HardwareAddr, error) {
	for {
		mac, err := RandomMAC()
		if err != nil {
			return nil, err
		}
		if b.macIndex(mac) < 0 {
			return mac, nil
		}
	}
}

func (b *Builder) tagInUse(tag string) bool {
	for _, s := range b.spec.Shares {
		if !s.Automount && s.Tag == tag {
			return true
		}
	}
	return false
}
