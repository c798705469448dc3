// Package vmspec describes a virtual machine reproducibly: resources, devices,
// boot policy and guest family. A Builder collects the description and
// Configure turns it into a validated, immutable Spec that can be saved as JSON
// and handed to a lifecycle controller.
package vmspec

import (
	"bytes"
	"reflect"
)

// Spec is a validated VM description. Treat it as a value: it is produced by
// Builder.Configure and never mutated afterwards. Use Edit to derive a new one.
type Spec struct {
	// MachineIdentifier and HardwareModel are opaque identity blobs. They are
	// generated once and must never change for the lifetime of the VM's disks.
	MachineIdentifier []byte
	HardwareModel     []byte

	CPUs int
	RAM  uint64 // bytes

	OS       OS
	Storage  []Storage
	Displays []Display
	Networks []Network // Networks[0] is the primary adapter
	Shares   []Share
	Boot     *BootInfo

	Audio  bool
	Serial Serial

	// Boot policy flags (macOS guests only).
	Recovery     bool
	DFU          bool
	StopInStage1 bool
	StopInStage2 bool

	// PTYPath is the slave side of a PTY-backed serial console. It is filled
	// in for the current session only and never written to a document.
	PTYPath string

	restoreImage RestoreImage
}

// Clone returns a deep copy of s.
func (s *Spec) Clone() *Spec {
	c := *s
	c.MachineIdentifier = bytes.Clone(s.MachineIdentifier)
	c.HardwareModel = bytes.Clone(s.HardwareModel)
	c.Storage = make([]Storage, len(s.Storage))
	for i, st := range s.Storage {
		c.Storage[i] = st.clone()
	}
	c.Displays = append([]Display(nil), s.Displays...)
	c.Networks = make([]Network, len(s.Networks))
	for i, n := range s.Networks {
		c.Networks[i] = n.clone()
	}
	c.Shares = append([]Share(nil), s.Shares...)
	if s.Boot != nil {
		b := *s.Boot
		c.Boot = &b
	}
	return &c
}

// Equal reports whether two specs describe the same machine. The session-local
// PTYPath and the restore image handle are not compared.
func (s *Spec) Equal(o *Spec) bool {
	a, b := s.Clone(), o.Clone()
	a.PTYPath, b.PTYPath = "", ""
	a.restoreImage, b.restoreImage = nil, nil
	normalize(a)
	normalize(b)
	return reflect.DeepEqual(a, b)
}

// normalize maps empty slices to nil so Equal ignores the difference.
func normalize(s *Spec) {
	if len(s.MachineIdentifier) == 0 {
		s.MachineIdentifier = nil
	}
	if len(s.HardwareModel) == 0 {
		s.HardwareModel = nil
	}
	if len(s.Storage) == 0 {
		s.Storage = nil
	}
	for i := range s.Storage {
		if len(s.Storage[i].Options) == 0 {
			s.Storage[i].Options = nil
		}
	}
	if len(s.Displays) == 0 {
		s.Displays = nil
	}
	if len(s.Networks) == 0 {
		s.Networks = nil
	}
	if len(s.Shares) == 0 {
		s.Shares = nil
	}
}

// Primary returns the primary network adapter.
func (s *Spec) Primary() (Network, bool) {
	if len(s.Networks) == 0 {
		return Network{}, false
	}
	return s.Networks[0], true
}

// Aux returns the auxiliary-boot entry, if any.
func (s *Spec) Aux() (Storage, bool) { return s.first(StorageAux) }

// Initrd returns the initial-ramdisk entry, if any.
func (s *Spec) Initrd() (Storage, bool) { return s.first(StorageInitrd) }

// Disks returns the regular block devices in order.
func (s *Spec) Disks() []Storage {
	var out []Storage
	for _, st := range s.Storage {
		if st.Kind == StorageDisk {
			out = append(out, st)
		}
	}
	return out
}

// RestoreImage returns the restore image the spec was configured with, if any.
func (s *Spec) RestoreImage() RestoreImage { return s.restoreImage }

// WithPTYPath returns a copy of s carrying the session's PTY path.
func (s *Spec) WithPTYPath(path string) *Spec {
	c := s.Clone()
	c.PTYPath = path
	return c
}

// Edit returns a Builder seeded with a copy of s, for deriving a new Spec
// (e.g. toggling recovery before a restart).
func (s *Spec) Edit(host Host) *Builder {
	c := s.Clone()
	c.PTYPath = ""
	return &Builder{host: host, spec: *c}
}

func (s *Spec) first(kind StorageKind) (Storage, bool) {
	for _, st := range s.Storage {
		if st.Kind == kind {
			return st, true
		}
	}
	return Storage{}, false
}
