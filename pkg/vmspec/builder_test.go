package vmspec

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewGeneratesIdentity(t *testing.T) {
	a, err := New(testHost(), OSLinux)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(testHost(), OSLinux)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(a.Draft().MachineIdentifier) == 0 {
		t.Fatal("machine identifier should be generated")
	}
	if string(a.Draft().MachineIdentifier) == string(b.Draft().MachineIdentifier) {
		t.Error("two new specs should not share a machine identifier")
	}
	if _, err := New(testHost(), OS("windows")); !IsValidation(err) {
		t.Errorf("New(windows) error = %v, want ValidationError", err)
	}
}

func TestConfigureLinuxDiskBoot(t *testing.T) {
	b := newLinux(t)
	spec, err := b.Configure()
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if spec.CPUs != 4 || spec.RAM != 4294967296 {
		t.Errorf("resources = %d/%d, want 4/4294967296", spec.CPUs, spec.RAM)
	}
	if spec.Boot != nil {
		t.Errorf("Boot = %+v, want nil", spec.Boot)
	}
	if len(spec.Disks()) != 1 || spec.Disks()[0].Path != "/tmp/d.img" {
		t.Errorf("Disks = %+v", spec.Disks())
	}
}

func TestConfigureLinuxDiskBootGenericHost(t *testing.T) {
	b, err := New(NewGenericHost(), OSLinux)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.SetCPUs(4); err != nil {
		t.Fatalf("SetCPUs: %v", err)
	}
	if err := b.SetRAM(4294967296); err != nil {
		t.Fatalf("SetRAM: %v", err)
	}
	if err := b.AddFileStorage("/tmp/d.img", StorageDisk, false); err != nil {
		t.Fatalf("AddFileStorage: %v", err)
	}
	if _, err := b.Configure(); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	lim := NewGenericHost().Limits()
	if lim.MinCPUs != 1 || lim.MaxCPUs != 0 || lim.MinRAM != DefaultMinRAM || lim.MaxRAM != 0 {
		t.Errorf("Limits = %+v, want min 1 CPU and DefaultMinRAM, no maximums", lim)
	}
}

func TestConfigureRequiresResources(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Builder)
		field string
	}{
		{"no cpus", func(b *Builder) { _ = b.SetRAM(1 << 30) }, "cpus"},
		{"no ram", func(b *Builder) { _ = b.SetCPUs(2) }, "ram"},
		{"neither", func(*Builder) {}, "cpus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(testHost(), OSLinux)
			if err != nil {
				t.Fatal(err)
			}
			if err := b.AddFileStorage("/tmp/d.img", StorageDisk, false); err != nil {
				t.Fatal(err)
			}
			tt.setup(b)
			before := b.Draft()

			_, err = b.Configure()
			var v *ValidationError
			if !errors.As(err, &v) {
				t.Fatalf("Configure error = %v, want ValidationError", err)
			}
			if v.Field != tt.field {
				t.Errorf("Field = %q, want %q", v.Field, tt.field)
			}
			if !b.Draft().Equal(before) {
				t.Error("failed Configure must not modify the builder")
			}
		})
	}
}

func TestConfigureHostLimits(t *testing.T) {
	host := &GenericHost{Bounds: Limits{MinCPUs: 1, MaxCPUs: 2, MinRAM: 1 << 30, MaxRAM: 8 << 30}}
	tests := []struct {
		name  string
		cpus  int
		ram   uint64
		field string
	}{
		{"too many cpus", 3, 2 << 30, "cpus"},
		{"too little ram", 1, 512 << 20, "ram"},
		{"too much ram", 1, 16 << 30, "ram"},
		{"in range", 2, 2 << 30, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := New(host, OSLinux)
			_ = b.AddFileStorage("/tmp/d.img", StorageDisk, false)
			_ = b.SetCPUs(tt.cpus)
			_ = b.SetRAM(tt.ram)
			_, err := b.Configure()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Configure: %v", err)
				}
				return
			}
			var v *ValidationError
			if !errors.As(err, &v) || v.Field != tt.field {
				t.Errorf("Configure error = %v, want ValidationError on %s", err, tt.field)
			}
		})
	}
}

func TestConfigureLinuxNeedsKernelOrDisk(t *testing.T) {
	b, _ := New(testHost(), OSLinux)
	_ = b.SetCPUs(1)
	_ = b.SetRAM(1 << 30)
	if _, err := b.Configure(); !IsValidation(err) {
		t.Fatalf("Configure without kernel or disk = %v, want ValidationError", err)
	}
	if err := b.SetBoot("vmlinuz", "console=hvc0"); err != nil {
		t.Fatal(err)
	}
	if err := b.AddFileStorage("/tmp/initrd", StorageInitrd, true); err != nil {
		t.Fatal(err)
	}
	spec, err := b.Configure()
	if err != nil {
		t.Fatalf("Configure with kernel: %v", err)
	}
	if spec.Boot.Kernel != "vmlinuz" || spec.Boot.Parameters != "console=hvc0" {
		t.Errorf("Boot = %+v", spec.Boot)
	}
}

func TestConfigureRejectsWrongFamilyStorage(t *testing.T) {
	b := newLinux(t)
	if err := b.AddFileStorage("/tmp/aux.img", StorageAux, false); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Configure(); !IsValidation(err) {
		t.Errorf("aux on linux: Configure = %v, want ValidationError", err)
	}

	mac, _ := New(testHost(), OSMacOS)
	if err := mac.SetBoot("vmlinuz", ""); !IsValidation(err) {
		t.Errorf("SetBoot on macOS = %v, want ValidationError", err)
	}
}

func TestConfigureMacOSProvisioning(t *testing.T) {
	dir := t.TempDir()
	aux := filepath.Join(dir, "aux.img")

	b, _ := New(testHost(), OSMacOS)
	_ = b.SetCPUs(4)
	_ = b.SetRAM(8 << 30)
	if err := b.AddDefaults(dir); err != nil {
		t.Fatal(err)
	}

	// New aux device and no hardware model: a restore image is needed.
	if _, err := b.Configure(); !IsValidation(err) {
		t.Fatalf("Configure without restore image = %v, want ValidationError", err)
	}

	b.SetRestoreImage(fakeRestore{hw: []byte("hw-model")})
	spec, err := b.Configure()
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if string(spec.HardwareModel) != "hw-model" {
		t.Errorf("HardwareModel = %q", spec.HardwareModel)
	}
	if string(b.Draft().HardwareModel) != "hw-model" {
		t.Error("Configure should cache the hardware model in the builder")
	}

	// With the hardware model known, the restore image is not needed again,
	// even before the aux device exists.
	again := spec.Edit(testHost())
	again.SetRestoreImage(nil)
	if _, err := again.Configure(); err != nil {
		t.Fatalf("Configure with a known hardware model: %v", err)
	}
	if _, err := os.Stat(aux); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Configure should not create %s", aux)
	}

	failing, _ := New(testHost(), OSMacOS)
	_ = failing.SetCPUs(4)
	_ = failing.SetRAM(8 << 30)
	_ = failing.AddDefaults(dir)
	failing.SetRestoreImage(fakeRestore{err: errors.New("unsupported image")})
	if _, err := failing.Configure(); !IsValidation(err) {
		t.Errorf("Configure with bad image = %v, want ValidationError", err)
	}
}

func TestMacOSSpecRunsAfterReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.json")

	b, _ := New(testHost(), OSMacOS)
	_ = b.SetCPUs(4)
	_ = b.SetRAM(8 << 30)
	if err := b.AddDefaults(dir); err != nil {
		t.Fatal(err)
	}
	b.SetRestoreImage(fakeRestore{hw: []byte("hw-model")})
	spec, err := b.Configure()
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := spec.SaveFile(path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	loaded, err := LoadFile(path, testHost())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	reloaded, err := loaded.Configure()
	if err != nil {
		t.Fatalf("Configure after reload: %v", err)
	}
	if string(reloaded.HardwareModel) != "hw-model" {
		t.Errorf("HardwareModel = %q, want hw-model", reloaded.HardwareModel)
	}
	if !reloaded.Equal(spec) {
		t.Error("reloaded spec differs from the saved one")
	}
}

func TestAddDefaultsIdempotent(t *testing.T) {
	b, _ := New(testHost(), OSMacOS)
	if err := b.AddDefaults("/vm"); err != nil {
		t.Fatal(err)
	}
	once := b.Draft()
	if err := b.AddDefaults("/vm"); err != nil {
		t.Fatal(err)
	}
	if !b.Draft().Equal(once) {
		t.Error("AddDefaults applied twice should equal applied once")
	}
	if len(once.Storage) != 2 || len(once.Displays) != 1 || len(once.Networks) != 1 {
		t.Errorf("defaults = %d storage, %d displays, %d networks", len(once.Storage), len(once.Displays), len(once.Networks))
	}
	if once.Networks[0].Kind != NetworkNAT {
		t.Errorf("default network = %s, want nat", once.Networks[0].Kind)
	}
}

func TestAddDefaultsKeepsExplicitValues(t *testing.T) {
	b := newLinux(t)
	_ = b.AddDisplay(800, 600, 72)
	if err := b.AddDefaults("/vm"); err != nil {
		t.Fatal(err)
	}
	d := b.Draft()
	if len(d.Storage) != 1 || d.Storage[0].Path != "/tmp/d.img" {
		t.Errorf("storage = %+v, want the explicit disk only", d.Storage)
	}
	if len(d.Displays) != 1 || d.Displays[0].Width != 800 {
		t.Errorf("displays = %+v, want the explicit display only", d.Displays)
	}
	if len(d.Networks) != 1 {
		t.Errorf("networks = %d, want 1 default adapter", len(d.Networks))
	}
}

func TestAddStorageValidation(t *testing.T) {
	tests := []struct {
		name     string
		storage  Storage
		conflict bool
	}{
		{"unknown kind", Storage{Kind: "floppy", Path: "/x"}, false},
		{"no location", Storage{Kind: StorageDisk}, false},
		{"both locations", Storage{Kind: StorageDisk, Path: "/x", URL: "nbd://host/x"}, false},
		{"bad cache", Storage{Kind: StorageDisk, Path: "/x", Options: []string{"cache=sometimes"}}, false},
		{"timeout on file", Storage{Kind: StorageDisk, Path: "/x", Options: []string{"timeout=5s"}}, false},
		{"url aux", Storage{Kind: StorageAux, URL: "nbd://host/aux"}, false},
		{"second aux", Storage{Kind: StorageAux, Path: "/aux2"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := New(testHost(), OSMacOS)
			_ = b.AddFileStorage("/aux", StorageAux, false)
			before := b.Draft()
			err := b.AddStorage(tt.storage)
			if tt.conflict && !IsConflict(err) {
				t.Errorf("error = %v, want ConflictError", err)
			}
			if !tt.conflict && !IsValidation(err) {
				t.Errorf("error = %v, want ValidationError", err)
			}
			if !b.Draft().Equal(before) {
				t.Error("rejected storage must not change the draft")
			}
		})
	}

	b, _ := New(testHost(), OSLinux)
	ok := Storage{Kind: StorageDisk, URL: "nbd://host:10809/disk", Options: []string{"timeout=10s", "sync=none"}}
	if err := b.AddStorage(ok); err != nil {
		t.Fatalf("AddStorage(url): %v", err)
	}
	if got := b.Draft().Storage[0].Timeout().Seconds(); got != 10 {
		t.Errorf("Timeout = %vs, want 10s", got)
	}
}

func TestAddDisplayValidation(t *testing.T) {
	b, _ := New(testHost(), OSLinux)
	for _, d := range [][3]int{{0, 600, 72}, {800, -1, 72}, {800, 600, 0}} {
		if err := b.AddDisplay(d[0], d[1], d[2]); !IsValidation(err) {
			t.Errorf("AddDisplay(%v) = %v, want ValidationError", d, err)
		}
	}
	if err := b.AddDisplay(2560, 1600, 220); err != nil {
		t.Errorf("AddDisplay: %v", err)
	}
}

func TestAddNetwork(t *testing.T) {
	b, _ := New(testHost(), OSLinux)

	if err := b.AddNetwork(NetworkBridged, "", ""); !IsValidation(err) {
		t.Errorf("bridged without interface = %v, want ValidationError", err)
	}
	if err := b.AddNetwork(NetworkNAT, "", "52:54:00:12:34"); !IsValidation(err) {
		t.Errorf("short mac = %v, want ValidationError", err)
	}
	if err := b.AddNetwork(NetworkNAT, "", "52-54-00-12-34-56"); !IsValidation(err) {
		t.Errorf("dashed mac = %v, want ValidationError", err)
	}
	if err := b.AddNetwork("wifi", "", ""); !IsValidation(err) {
		t.Errorf("unknown kind = %v, want ValidationError", err)
	}
	if err := b.AddNetwork(NetworkBridged, "en0", "52:54:00:12:34:56"); err != nil {
		t.Fatalf("AddNetwork(bridged): %v", err)
	}
	if err := b.AddNetwork(NetworkNAT, "", "52:54:00:12:34:56"); !IsConflict(err) {
		t.Errorf("duplicate mac = %v, want ConflictError", err)
	}
	if err := b.AddNetwork(NetworkHostOnly, "", ""); err != nil {
		t.Fatalf("AddNetwork(host-only): %v", err)
	}
	if got := len(b.Draft().Networks); got != 2 {
		t.Errorf("networks = %d, want 2", got)
	}
}

func TestGeneratedMACs(t *testing.T) {
	b, _ := New(testHost(), OSLinux)
	for i := 0; i < 32; i++ {
		if err := b.AddNetwork(NetworkNAT, "", ""); err != nil {
			t.Fatal(err)
		}
	}
	seen := map[string]bool{}
	for _, n := range b.Draft().Networks {
		if !IsLocallyAdministered(n.MAC) {
			t.Errorf("mac %s is not locally administered", n.MAC)
		}
		if n.MAC[0]&0x01 != 0 {
			t.Errorf("mac %s is multicast", n.MAC)
		}
		if seen[n.MAC.String()] {
			t.Errorf("mac %s generated twice", n.MAC)
		}
		seen[n.MAC.String()] = true
	}
}

func TestSetPrimaryMAC(t *testing.T) {
	b, _ := New(testHost(), OSLinux)
	_ = b.AddNetwork(NetworkNAT, "", "02:00:00:00:00:01")
	_ = b.AddNetwork(NetworkNAT, "", "02:00:00:00:00:02")
	_ = b.AddNetwork(NetworkNAT, "", "02:00:00:00:00:03")

	if err := b.SetPrimaryMAC("02:00:00:00:00:03"); err != nil {
		t.Fatalf("SetPrimaryMAC: %v", err)
	}
	d := b.Draft()
	p, _ := d.Primary()
	if p.MAC.String() != "02:00:00:00:00:03" {
		t.Errorf("primary = %s", p.MAC)
	}
	if len(d.Networks) != 3 || d.Networks[1].MAC.String() != "02:00:00:00:00:01" {
		t.Errorf("remaining order = %v", d.Networks)
	}
	if err := b.SetPrimaryMAC("02:00:00:00:00:09"); !IsValidation(err) {
		t.Errorf("unknown mac = %v, want ValidationError", err)
	}
}

func TestDirectoryShares(t *testing.T) {
	b, _ := New(testHost(), OSMacOS)

	if err := b.AddDirectoryShare("/src", "code", false); err != nil {
		t.Fatal(err)
	}
	if err := b.AddDirectoryShare("/other", "code", true); !IsConflict(err) {
		t.Errorf("reused tag = %v, want ConflictError", err)
	}
	if err := b.AddDirectoryShares([]string{"/a", "/b"}, "multi", true); err != nil {
		t.Fatal(err)
	}
	if err := b.AddAutomountDirectoryShare("/Users/me", false); err != nil {
		t.Fatal(err)
	}
	if err := b.AddAutomountDirectoryShares([]string{"/x", "/y"}, true); err != nil {
		t.Fatalf("automount shares never conflict: %v", err)
	}
	if err := b.AddDirectoryShare("/z", AutomountTag, false); !IsValidation(err) {
		t.Errorf("reserved tag = %v, want ValidationError", err)
	}
	if err := b.AddDirectoryShare("", "empty", false); !IsValidation(err) {
		t.Errorf("empty path = %v, want ValidationError", err)
	}

	d := b.Draft()
	if len(d.Shares) != 6 {
		t.Fatalf("shares = %d, want 6", len(d.Shares))
	}
	if d.Shares[3].MountTag() != AutomountTag {
		t.Errorf("automount tag = %q", d.Shares[3].MountTag())
	}
}

func TestRegenerateIdentity(t *testing.T) {
	b := newLinux(t)
	_ = b.AddNetwork(NetworkBridged, "en0", "02:00:00:00:00:01")
	before := b.Draft()

	if err := b.RegenerateIdentity(); err != nil {
		t.Fatal(err)
	}
	after := b.Draft()
	if string(after.MachineIdentifier) == string(before.MachineIdentifier) {
		t.Error("machine identifier should change")
	}
	if after.Networks[0].MAC.String() == "02:00:00:00:00:01" {
		t.Error("mac should be regenerated")
	}
	if after.Networks[0].Interface != "en0" || after.Networks[0].Kind != NetworkBridged {
		t.Errorf("adapter settings lost: %+v", after.Networks[0])
	}
}
