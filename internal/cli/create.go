package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vmkit/internal/config"
	"github.com/javanstorm/vmkit/internal/vm"
	"github.com/javanstorm/vmkit/pkg/hypervisor"
	"github.com/javanstorm/vmkit/pkg/vmspec"
)

type createOptions struct {
	os        string
	cpus      int
	ram       string
	disks     []string
	aux       string
	initrd    string
	kernel    string
	cmdline   string
	displays  []string
	networks  []string
	shares    []string
	automount []string
	audio     bool
	serial    bool
	defaults  bool
	diskSize  string
	restore   string
	force     bool
}

var createOpts createOptions

var createCmd = &cobra.Command{
	Use:   "create [flags] SPEC",
	Short: "Write a new VM description",
	Long: `Build a VM description from flags, validate it and save it as a JSON
document at SPEC. A bare name is placed under the data directory.

Examples:
  vmkit create --os linux --kernel vmlinuz --initrd initrd.img --disk root.img dev
  vmkit create --os macos --defaults --restore UniversalMac.ipsw sonoma`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func init() {
	f := createCmd.Flags()
	f.StringVar(&createOpts.os, "os", defaultGuestOS(), "guest family (linux, macos)")
	f.IntVar(&createOpts.cpus, "cpus", 0, "virtual CPUs (default from config)")
	f.StringVar(&createOpts.ram, "ram", "", "guest memory, e.g. 4GiB (default from config)")
	f.StringArrayVar(&createOpts.disks, "disk", nil, "disk image path or nbd:// URL, with ,cache=..,sync=..,ro options (repeatable)")
	f.StringVar(&createOpts.aux, "aux", "", "macOS auxiliary storage path")
	f.StringVar(&createOpts.initrd, "initrd", "", "linux initial ramdisk")
	f.StringVar(&createOpts.kernel, "kernel", "", "linux kernel image for direct boot")
	f.StringVar(&createOpts.cmdline, "cmdline", "", "linux kernel command line")
	f.StringArrayVar(&createOpts.displays, "display", nil, "display WIDTHxHEIGHT[@DPI] (repeatable)")
	f.StringArrayVar(&createOpts.networks, "network", nil, "network nat | bridged:IFACE | host-only, with ,mac=MAC (repeatable)")
	f.StringArrayVar(&createOpts.shares, "share", nil, "shared directory PATH[:TAG][:ro], TAG defaults to the directory name (repeatable)")
	f.StringArrayVar(&createOpts.automount, "automount", nil, "directory shared under the macOS automount tag (repeatable)")
	f.BoolVar(&createOpts.audio, "audio", false, "attach a sound device")
	f.BoolVar(&createOpts.serial, "serial", false, "attach a serial console")
	f.BoolVar(&createOpts.defaults, "defaults", false, "add a disk, display and NAT adapter where none are given")
	f.StringVar(&createOpts.diskSize, "disk-size", "", "create missing local disks with this size (default from config with --defaults)")
	f.StringVar(&createOpts.restore, "restore", "", "macOS restore image (.ipsw) for a new hardware model")
	f.BoolVar(&createOpts.force, "force", false, "overwrite an existing SPEC")
}

func defaultGuestOS() string {
	if runtime.GOOS == "darwin" {
		return string(vmspec.OSMacOS)
	}
	return string(vmspec.OSLinux)
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	logger := log.WithFunc("cli.runCreate")
	path := specPath(args[0])

	if _, err := os.Stat(path); err == nil && !createOpts.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	o := createOpts
	if o.cpus == 0 {
		o.cpus = conf.DefaultCPUs
	}
	if o.ram == "" {
		o.ram = conf.DefaultRAM
	}
	if o.diskSize == "" && o.defaults {
		o.diskSize = conf.DefaultDiskSize
	}

	host := hypervisor.NewHost()
	b, err := buildSpec(host, &o, filepath.Dir(path))
	if err != nil {
		return err
	}
	if o.restore != "" {
		img, err := hypervisor.LoadRestoreImage(o.restore)
		if err != nil {
			return fmt.Errorf("load restore image: %w", err)
		}
		b.SetRestoreImage(img)
	}

	spec, err := b.Configure()
	if err != nil {
		return err
	}

	if o.diskSize != "" {
		size, err := config.ParseSize(o.diskSize)
		if err != nil {
			return fmt.Errorf("--disk-size: %w", err)
		}
		created, err := createDisks(spec, size)
		for _, p := range created {
			logger.Infof(ctx, "created disk %s (%s)", p, units.BytesSize(float64(size)))
		}
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create spec dir: %w", err)
	}
	if err := spec.SaveFile(path); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created %s\n", path)
	describe(out, spec, nil)
	return nil
}

// specPath turns a bare VM name into a document under the data directory.
func specPath(arg string) string {
	if filepath.Ext(arg) == ".json" || filepath.Base(arg) != arg {
		return arg
	}
	return filepath.Join(conf.DataDir, arg, "vm.json")
}

// buildSpec applies the create flags to a new builder. dir receives the
// default disk and aux files.
func buildSpec(host vmspec.Host, o *createOptions, dir string) (*vmspec.Builder, error) {
	guest, err := vmspec.ParseOS(o.os)
	if err != nil {
		return nil, err
	}
	b, err := vmspec.New(host, guest)
	if err != nil {
		return nil, err
	}

	ram, err := config.ParseSize(o.ram)
	if err != nil {
		return nil, fmt.Errorf("--ram: %w", err)
	}
	if err := b.SetCPUs(o.cpus); err != nil {
		return nil, err
	}
	if err := b.SetRAM(uint64(ram)); err != nil { //nolint:gosec // ParseSize rejects negatives
		return nil, err
	}

	if o.kernel != "" {
		if err := b.SetBoot(o.kernel, o.cmdline); err != nil {
			return nil, err
		}
	}
	for _, d := range o.disks {
		if err := b.AddStorage(parseStorage(d, vmspec.StorageDisk)); err != nil {
			return nil, err
		}
	}
	if o.aux != "" {
		if err := b.AddFileStorage(o.aux, vmspec.StorageAux, false); err != nil {
			return nil, err
		}
	}
	if o.initrd != "" {
		if err := b.AddFileStorage(o.initrd, vmspec.StorageInitrd, true); err != nil {
			return nil, err
		}
	}
	for _, d := range o.displays {
		w, h, dpi, err := parseDisplay(d)
		if err != nil {
			return nil, err
		}
		if err := b.AddDisplay(w, h, dpi); err != nil {
			return nil, err
		}
	}
	for _, n := range o.networks {
		kind, iface, mac, err := parseNetwork(n)
		if err != nil {
			return nil, err
		}
		if err := b.AddNetwork(kind, iface, mac); err != nil {
			return nil, err
		}
	}
	for _, s := range o.shares {
		path, tag, ro := parseShare(s)
		if tag == "" {
			tag = filepath.Base(path)
		}
		if err := b.AddDirectoryShare(path, tag, ro); err != nil {
			return nil, err
		}
	}
	if len(o.automount) > 0 {
		if err := b.AddAutomountDirectoryShares(o.automount, false); err != nil {
			return nil, err
		}
	}
	b.SetAudio(o.audio)
	b.SetSerial(vmspec.Serial{Enabled: o.serial})

	if o.defaults {
		if err := b.AddDefaults(dir); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// createDisks creates every missing local disk of spec as a raw image.
// It returns the paths it created, including those before a failure.
func createDisks(spec *vmspec.Spec, size int64) ([]string, error) {
	var created []string
	for _, d := range spec.Disks() {
		if d.IsRemote() || d.ReadOnly {
			continue
		}
		ok, err := vm.CreateDisk(d.Path, size)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, d.Path)
		}
	}
	return created, nil
}

// describe prints a human summary of spec and, when known, its boot history.
func describe(w io.Writer, spec *vmspec.Spec, rec *vm.BootRecord) {
	fmt.Fprintf(w, "  OS:       %s\n", spec.OS)
	fmt.Fprintf(w, "  CPUs:     %d\n", spec.CPUs)
	fmt.Fprintf(w, "  RAM:      %s\n", config.FormatSize(spec.RAM))
	if spec.Boot != nil && spec.Boot.Kernel != "" {
		fmt.Fprintf(w, "  Kernel:   %s %s\n", spec.Boot.Kernel, spec.Boot.Parameters)
	}
	for _, st := range spec.Storage {
		mode := ""
		if st.ReadOnly {
			mode = " (read-only)"
		}
		fmt.Fprintf(w, "  Storage:  %-6s %s%s\n", st.Kind, st.Location(), mode)
	}
	for _, d := range spec.Displays {
		fmt.Fprintf(w, "  Display:  %dx%d@%d\n", d.Width, d.Height, d.DPI)
	}
	for _, n := range spec.Networks {
		iface := ""
		if n.Interface != "" {
			iface = " on " + n.Interface
		}
		fmt.Fprintf(w, "  Network:  %s%s %s\n", n.Kind, iface, n.MAC)
	}
	for _, s := range spec.Shares {
		tag := s.Tag
		if s.Automount {
			tag = vmspec.AutomountTag
		}
		fmt.Fprintf(w, "  Share:    %s -> %s\n", tag, s.Path)
	}
	if spec.Audio {
		fmt.Fprintf(w, "  Audio:    on\n")
	}
	if spec.Serial.Enabled {
		fmt.Fprintf(w, "  Serial:   on\n")
	}
	if rec == nil {
		return
	}
	fmt.Fprintf(w, "  Boots:    %d\n", rec.BootCount)
	if !rec.LastBoot.IsZero() {
		fmt.Fprintf(w, "  Last boot: %s (%s)\n", rec.LastBoot.Format("2006-01-02 15:04:05"), rec.LastBootMode)
	}
	if !rec.LastShutdown.IsZero() {
		state := "unclean"
		if rec.CleanShutdown {
			state = "clean"
		}
		fmt.Fprintf(w, "  Last shutdown: %s (%s)\n", rec.LastShutdown.Format("2006-01-02 15:04:05"), state)
	}
}
