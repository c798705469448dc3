//go:build darwin && arm64

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/Code-Hex/vz/v3"
	"github.com/projecteru2/core/log"

	"github.com/javanstorm/vmkit/pkg/vmspec"
)

// vzEngine implements Engine using macOS Virtualization.framework.
type vzEngine struct{}

// NewEngine creates a new vz-based engine for macOS.
func NewEngine() (Engine, error) {
	return &vzEngine{}, nil
}

func (e *vzEngine) Info() Info {
	return Info{
		Name:    "vz",
		Version: "3",
		Arch:    runtime.GOARCH,
	}
}

func (e *vzEngine) Capabilities() Capabilities {
	return Capabilities{
		MacOSGuests: true,
		DiskBoot:    true,
		SharedDirs:  true,
		Networking:  true,
		Graphics:    true,
		Audio:       true,
		RemoteDisks: true,
	}
}

// Validate builds and checks the configuration without touching the guest's
// files: an aux device or EFI store that does not exist yet is created in a
// scratch directory that is removed afterwards.
func (e *vzEngine) Validate(ctx context.Context, spec *vmspec.Spec, opts StartOptions) error {
	scratch, err := os.MkdirTemp("", "vmkit-validate-")
	if err != nil {
		return fmt.Errorf("vzEngine: create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch) //nolint:errcheck

	_, cons, err := e.build(ctx, spec, opts, scratchSite(scratch))
	if err != nil {
		return err
	}
	return cons.Close()
}

func (e *vzEngine) Start(ctx context.Context, spec *vmspec.Spec, opts StartOptions) (Machine, error) {
	logger := log.WithFunc("hypervisor.vzEngine.Start")
	cfg, cons, err := e.build(ctx, spec, opts, inPlace)
	if err != nil {
		return nil, err
	}

	vm, err := vz.NewVirtualMachine(cfg)
	if err != nil {
		_ = cons.Close()
		return nil, fmt.Errorf("vzEngine: create VM: %w", err)
	}

	var startOpts []vz.VirtualMachineStartOption
	if opts.Mode == BootRecovery {
		startOpts = append(startOpts, vz.WithStartUpFromMacOSRecovery(true))
	}
	if err := vm.Start(startOpts...); err != nil {
		_ = cons.Close()
		return nil, fmt.Errorf("vzEngine: start VM: %w", err)
	}
	logger.Infof(ctx, "guest started in %s mode", opts.Mode)

	m := &vzMachine{vm: vm, console: cons, done: make(chan struct{})}
	go m.watch()
	return m, nil
}

// build checks what vz cannot express, then assembles and validates the
// configuration. The caller owns the returned console.
func (e *vzEngine) build(ctx context.Context, spec *vmspec.Spec, opts StartOptions, site fileSite) (*vz.VirtualMachineConfiguration, *serialConsole, error) {
	switch opts.Mode {
	case BootDFU, BootStopStage1, BootStopStage2:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedBootMode, opts.Mode)
	}
	for i, n := range spec.Networks {
		if n.Kind == vmspec.NetworkHostOnly {
			return nil, nil, fmt.Errorf("%w: network[%d] is host-only", ErrUnsupportedDevice, i)
		}
	}
	cfg, cons, err := e.configure(ctx, spec, opts, site)
	if err != nil {
		return nil, nil, err
	}
	if ok, err := cfg.Validate(); !ok || err != nil {
		_ = cons.Close()
		return nil, nil, fmt.Errorf("vzEngine: invalid configuration: %w", err)
	}
	return cfg, cons, nil
}

func (e *vzEngine) configure(ctx context.Context, spec *vmspec.Spec, opts StartOptions, site fileSite) (*vz.VirtualMachineConfiguration, *serialConsole, error) {
	bootLoader, err := e.bootLoader(spec, opts, site)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := vz.NewVirtualMachineConfiguration(bootLoader, uint(spec.CPUs), spec.RAM)
	if err != nil {
		return nil, nil, fmt.Errorf("vzEngine: create VM config: %w", err)
	}

	steps := []func(*vmspec.Spec, *vz.VirtualMachineConfiguration) error{
		func(s *vmspec.Spec, c *vz.VirtualMachineConfiguration) error { return setPlatform(s, c, site) },
		attachStorage,
		attachGraphics,
		attachNetworks,
		attachShares,
		attachAudio,
		attachEntropy,
	}
	for _, step := range steps {
		if err := step(spec, cfg); err != nil {
			return nil, nil, err
		}
	}

	cons, err := newSerialConsole(opts.Serial)
	if err != nil {
		return nil, nil, fmt.Errorf("vzEngine: %w", err)
	}
	if cons != nil {
		if opts.Serial.Kind == SerialPL011 {
			log.WithFunc("hypervisor.vzEngine.configure").Warnf(ctx, "pl011 is not available through vz, using the virtio console")
		}
		att, err := vz.NewFileHandleSerialPortAttachment(cons.guestIn, cons.guestOut)
		if err != nil {
			_ = cons.Close()
			return nil, nil, fmt.Errorf("vzEngine: create serial attachment: %w", err)
		}
		serialCfg, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(att)
		if err != nil {
			_ = cons.Close()
			return nil, nil, fmt.Errorf("vzEngine: create serial config: %w", err)
		}
		cfg.SetSerialPortsVirtualMachineConfiguration([]*vz.VirtioConsoleDeviceSerialPortConfiguration{serialCfg})
	}
	return cfg, cons, nil
}

func (e *vzEngine) bootLoader(spec *vmspec.Spec, opts StartOptions, site fileSite) (vz.BootLoader, error) {
	switch opts.Mode {
	case BootNormal, BootRecovery:
		bl, err := vz.NewMacOSBootLoader()
		if err != nil {
			return nil, fmt.Errorf("vzEngine: create macOS boot loader: %w", err)
		}
		return bl, nil
	case BootKernel:
		var kopts []vz.LinuxBootLoaderOption
		if opts.Cmdline != "" {
			kopts = append(kopts, vz.WithCommandLine(opts.Cmdline))
		}
		if opts.Initrd != "" {
			kopts = append(kopts, vz.WithInitrd(opts.Initrd))
		}
		bl, err := vz.NewLinuxBootLoader(opts.Kernel, kopts...)
		if err != nil {
			return nil, fmt.Errorf("vzEngine: create linux boot loader: %w", err)
		}
		return bl, nil
	case BootDisk:
		disks := spec.Disks()
		if len(disks) == 0 || disks[0].IsRemote() {
			return nil, fmt.Errorf("vzEngine: firmware boot needs a local first disk")
		}
		store, err := efiVariableStore(site(filepath.Join(filepath.Dir(disks[0].Path), efiVarsName)))
		if err != nil {
			return nil, err
		}
		bl, err := vz.NewEFIBootLoader(vz.WithEFIVariableStore(store))
		if err != nil {
			return nil, fmt.Errorf("vzEngine: create EFI boot loader: %w", err)
		}
		return bl, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBootMode, opts.Mode)
	}
}

func efiVariableStore(path string) (*vz.EFIVariableStore, error) {
	var (
		store *vz.EFIVariableStore
		err   error
	)
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		store, err = vz.NewEFIVariableStore(path, vz.WithCreatingEFIVariableStore())
	} else {
		store, err = vz.NewEFIVariableStore(path)
	}
	if err != nil {
		return nil, fmt.Errorf("vzEngine: EFI variable store %s: %w", path, err)
	}
	return store, nil
}

func setPlatform(spec *vmspec.Spec, cfg *vz.VirtualMachineConfiguration, site fileSite) error {
	if spec.OS == vmspec.OSLinux {
		id, err := vz.NewGenericMachineIdentifierWithData(spec.MachineIdentifier)
		if err != nil {
			return fmt.Errorf("vzEngine: machine identifier: %w", err)
		}
		platform, err := vz.NewGenericPlatformConfiguration(vz.WithGenericMachineIdentifier(id))
		if err != nil {
			return fmt.Errorf("vzEngine: create platform config: %w", err)
		}
		cfg.SetPlatformVirtualMachineConfiguration(platform)
		return nil
	}

	hw, err := vz.NewMacHardwareModelWithData(spec.HardwareModel)
	if err != nil {
		return fmt.Errorf("vzEngine: hardware model: %w", err)
	}
	if !hw.Supported() {
		return fmt.Errorf("%w: hardware model is not supported on this host", ErrUnsupportedGuest)
	}
	id, err := vz.NewMacMachineIdentifierWithData(spec.MachineIdentifier)
	if err != nil {
		return fmt.Errorf("vzEngine: machine identifier: %w", err)
	}
	aux, ok := spec.Aux()
	if !ok {
		return fmt.Errorf("vzEngine: macOS guest has no aux device")
	}
	auxPath := site(aux.Path)
	var auxOpts []vz.NewMacAuxiliaryStorageOption
	if _, err := os.Stat(auxPath); errors.Is(err, os.ErrNotExist) {
		auxOpts = append(auxOpts, vz.WithCreatingMacAuxiliaryStorage(hw))
	}
	auxStorage, err := vz.NewMacAuxiliaryStorage(auxPath, auxOpts...)
	if err != nil {
		return fmt.Errorf("vzEngine: aux device %s: %w", auxPath, err)
	}
	platform, err := vz.NewMacPlatformConfiguration(
		vz.WithMacAuxiliaryStorage(auxStorage),
		vz.WithMacHardwareModel(hw),
		vz.WithMacMachineIdentifier(id),
	)
	if err != nil {
		return fmt.Errorf("vzEngine: create platform config: %w", err)
	}
	cfg.SetPlatformVirtualMachineConfiguration(platform)
	return nil
}

func attachStorage(spec *vmspec.Spec, cfg *vz.VirtualMachineConfiguration) error {
	var devices []vz.StorageDeviceConfiguration
	for i, st := range spec.Storage {
		if st.Kind != vmspec.StorageDisk {
			continue
		}
		att, err := storageAttachment(st)
		if err != nil {
			return fmt.Errorf("vzEngine: storage[%d]: %w", i, err)
		}
		dev, err := vz.NewVirtioBlockDeviceConfiguration(att)
		if err != nil {
			return fmt.Errorf("vzEngine: storage[%d] block device: %w", i, err)
		}
		devices = append(devices, dev)
	}
	if len(devices) > 0 {
		cfg.SetStorageDevicesVirtualMachineConfiguration(devices)
	}
	return nil
}

func storageAttachment(st vmspec.Storage) (vz.StorageDeviceAttachment, error) {
	if st.IsRemote() {
		syncMode := vz.DiskSynchronizationModeFull
		if v, _ := st.Option(vmspec.OptionSync); v == "none" {
			syncMode = vz.DiskSynchronizationModeNone
		}
		return vz.NewNetworkBlockDeviceStorageDeviceAttachment(st.URL, st.Timeout(), st.ReadOnly, syncMode)
	}

	cache := vz.DiskImageCachingModeAutomatic
	switch v, _ := st.Option(vmspec.OptionCache); v {
	case "cached":
		cache = vz.DiskImageCachingModeCached
	case "uncached":
		cache = vz.DiskImageCachingModeUncached
	}
	syncMode := vz.DiskImageSynchronizationModeFsync
	switch v, _ := st.Option(vmspec.OptionSync); v {
	case "full":
		syncMode = vz.DiskImageSynchronizationModeFull
	case "none":
		syncMode = vz.DiskImageSynchronizationModeNone
	}
	return vz.NewDiskImageStorageDeviceAttachmentWithCacheAndSync(st.Path, st.ReadOnly, cache, syncMode)
}

func attachGraphics(spec *vmspec.Spec, cfg *vz.VirtualMachineConfiguration) error {
	if len(spec.Displays) == 0 {
		return nil
	}

	var device vz.GraphicsDeviceConfiguration
	if spec.OS == vmspec.OSMacOS {
		gd, err := vz.NewMacGraphicsDeviceConfiguration()
		if err != nil {
			return fmt.Errorf("vzEngine: create graphics device: %w", err)
		}
		displays := make([]*vz.MacGraphicsDisplayConfiguration, 0, len(spec.Displays))
		for _, d := range spec.Displays {
			dc, err := vz.NewMacGraphicsDisplayConfiguration(int64(d.Width), int64(d.Height), int64(d.DPI))
			if err != nil {
				return fmt.Errorf("vzEngine: create display: %w", err)
			}
			displays = append(displays, dc)
		}
		gd.SetDisplays(displays...)
		device = gd
	} else {
		gd, err := vz.NewVirtioGraphicsDeviceConfiguration()
		if err != nil {
			return fmt.Errorf("vzEngine: create graphics device: %w", err)
		}
		scanouts := make([]*vz.VirtioGraphicsScanoutConfiguration, 0, len(spec.Displays))
		for _, d := range spec.Displays {
			sc, err := vz.NewVirtioGraphicsScanoutConfiguration(int64(d.Width), int64(d.Height))
			if err != nil {
				return fmt.Errorf("vzEngine: create scanout: %w", err)
			}
			scanouts = append(scanouts, sc)
		}
		gd.SetScanouts(scanouts...)
		device = gd
	}
	cfg.SetGraphicsDevicesVirtualMachineConfiguration([]vz.GraphicsDeviceConfiguration{device})

	keyboard, err := vz.NewUSBKeyboardConfiguration()
	if err != nil {
		return fmt.Errorf("vzEngine: create keyboard: %w", err)
	}
	cfg.SetKeyboardsVirtualMachineConfiguration([]vz.KeyboardConfiguration{keyboard})
	pointer, err := vz.NewUSBScreenCoordinatePointingDeviceConfiguration()
	if err != nil {
		return fmt.Errorf("vzEngine: create pointing device: %w", err)
	}
	cfg.SetPointingDevicesVirtualMachineConfiguration([]vz.PointingDeviceConfiguration{pointer})
	return nil
}

func attachNetworks(spec *vmspec.Spec, cfg *vz.VirtualMachineConfiguration) error {
	devices := make([]*vz.VirtioNetworkDeviceConfiguration, 0, len(spec.Networks))
	for i, n := range spec.Networks {
		var (
			att vz.NetworkDeviceAttachment
			err error
		)
		switch n.Kind {
		case vmspec.NetworkNAT:
			att, err = vz.NewNATNetworkDeviceAttachment()
		case vmspec.NetworkBridged:
			att, err = bridgedAttachment(n.Interface)
		default:
			err = fmt.Errorf("%w: %s network", ErrUnsupportedDevice, n.Kind)
		}
		if err != nil {
			return fmt.Errorf("vzEngine: network[%d]: %w", i, err)
		}

		netConfig, err := vz.NewVirtioNetworkDeviceConfiguration(att)
		if err != nil {
			return fmt.Errorf("vzEngine: network[%d] config: %w", i, err)
		}
		mac, err := vz.NewMACAddress(n.MAC)
		if err != nil {
			return fmt.Errorf("vzEngine: network[%d] mac: %w", i, err)
		}
		netConfig.SetMACAddress(mac)
		devices = append(devices, netConfig)
	}
	if len(devices) > 0 {
		cfg.SetNetworkDevicesVirtualMachineConfiguration(devices)
	}
	return nil
}

func bridgedAttachment(iface string) (vz.NetworkDeviceAttachment, error) {
	for _, ni := range vz.NetworkInterfaces() {
		if ni.Identifier() == iface {
			return vz.NewBridgedNetworkDeviceAttachment(ni)
		}
	}
	return nil, fmt.Errorf("no bridgeable host interface %q", iface)
}

// attachShares groups adjacent shares with the same tag into one device.
// Automount shares always form a single device under the automount tag.
func attachShares(spec *vmspec.Spec, cfg *vz.VirtualMachineConfiguration) error {
	type group struct {
		tag   string
		share []vmspec.Share
	}
	var (
		groups    []*group
		automount *group
	)
	for _, s := range spec.Shares {
		if s.Automount {
			if automount == nil {
				automount = &group{}
			}
			automount.share = append(automount.share, s)
			continue
		}
		if n := len(groups); n > 0 && groups[n-1].tag == s.Tag {
			groups[n-1].share = append(groups[n-1].share, s)
			continue
		}
		groups = append(groups, &group{tag: s.Tag, share: []vmspec.Share{s}})
	}
	if automount != nil {
		tag, err := vz.MacOSGuestAutomountTag()
		if err != nil {
			return fmt.Errorf("vzEngine: automount tag: %w", err)
		}
		automount.tag = tag
		groups = append(groups, automount)
	}

	var devices []vz.DirectorySharingDeviceConfiguration
	for _, g := range groups {
		dirShare, err := directoryShare(g.share, g == automount)
		if err != nil {
			return fmt.Errorf("vzEngine: share %s: %w", g.tag, err)
		}
		fsConfig, err := vz.NewVirtioFileSystemDeviceConfiguration(g.tag)
		if err != nil {
			return fmt.Errorf("vzEngine: create fs config %s: %w", g.tag, err)
		}
		fsConfig.SetDirectoryShare(dirShare)
		devices = append(devices, fsConfig)
	}
	if len(devices) > 0 {
		cfg.SetDirectorySharingDevicesVirtualMachineConfiguration(devices)
	}
	return nil
}

func directoryShare(shares []vmspec.Share, multiple bool) (vz.DirectoryShare, error) {
	if len(shares) == 1 && !multiple {
		dir, err := vz.NewSharedDirectory(shares[0].Path, shares[0].ReadOnly)
		if err != nil {
			return nil, err
		}
		return vz.NewSingleDirectoryShare(dir)
	}
	dirs := make(map[string]*vz.SharedDirectory, len(shares))
	for _, s := range shares {
		dir, err := vz.NewSharedDirectory(s.Path, s.ReadOnly)
		if err != nil {
			return nil, err
		}
		name := filepath.Base(s.Path)
		for i := 2; dirs[name] != nil; i++ {
			name = fmt.Sprintf("%s-%d", filepath.Base(s.Path), i)
		}
		dirs[name] = dir
	}
	return vz.NewMultipleDirectoryShare(dirs)
}

func attachAudio(spec *vmspec.Spec, cfg *vz.VirtualMachineConfiguration) error {
	if !spec.Audio {
		return nil
	}
	sound, err := vz.NewVirtioSoundDeviceConfiguration()
	if err != nil {
		return fmt.Errorf("vzEngine: create sound device: %w", err)
	}
	out, err := vz.NewVirtioSoundDeviceHostOutputStreamConfiguration()
	if err != nil {
		return fmt.Errorf("vzEngine: create output stream: %w", err)
	}
	in, err := vz.NewVirtioSoundDeviceHostInputStreamConfiguration()
	if err != nil {
		return fmt.Errorf("vzEngine: create input stream: %w", err)
	}
	sound.SetStreams(out, in)
	cfg.SetAudioDevicesVirtualMachineConfiguration([]vz.AudioDeviceConfiguration{sound})
	return nil
}

func attachEntropy(_ *vmspec.Spec, cfg *vz.VirtualMachineConfiguration) error {
	entropy, err := vz.NewVirtioEntropyDeviceConfiguration()
	if err != nil {
		return fmt.Errorf("vzEngine: create entropy device: %w", err)
	}
	cfg.SetEntropyDevicesVirtualMachineConfiguration([]*vz.VirtioEntropyDeviceConfiguration{entropy})
	return nil
}

// vzMachine is one running vz.VirtualMachine.
type vzMachine struct {
	vm      *vz.VirtualMachine
	console *serialConsole

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// watch waits for the guest to reach a terminal state.
func (m *vzMachine) watch() {
	for state := range m.vm.StateChangedNotify() {
		switch state {
		case vz.VirtualMachineStateStopped:
			m.finish(nil)
			return
		case vz.VirtualMachineStateError:
			m.finish(errors.New("vzEngine: guest entered error state"))
			return
		}
	}
	m.finish(nil)
}

func (m *vzMachine) finish(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		_ = m.console.Close()
		close(m.done)
	})
}

func (m *vzMachine) Stop(ctx context.Context) error {
	if !m.vm.CanRequestStop() {
		return m.Kill(ctx)
	}
	ok, err := m.vm.RequestStop()
	if err != nil || !ok {
		return fmt.Errorf("vzEngine: request stop failed: %w", err)
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *vzMachine) Kill(ctx context.Context) error {
	select {
	case <-m.done:
		return ErrNotRunning
	default:
	}
	if !m.vm.CanStop() {
		return fmt.Errorf("vzEngine: guest cannot be stopped in state %s", m.vm.State())
	}
	if err := m.vm.Stop(); err != nil {
		return fmt.Errorf("vzEngine: force stop: %w", err)
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *vzMachine) Done() <-chan struct{} { return m.done }

func (m *vzMachine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *vzMachine) Console() (io.Writer, io.Reader, error) { return m.console.handles() }
func (m *vzMachine) CloseConsole() error                    { return m.console.closeHost() }
func (m *vzMachine) PTYPath() string                        { return m.console.path() }
