//go:build linux

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	hypeos "github.com/c35s/hype/os/linux"
	"github.com/c35s/hype/virtio"
	"github.com/c35s/hype/vmm"
	"github.com/projecteru2/core/log"

	"github.com/javanstorm/vmkit/pkg/vmspec"
)

const kvmDevice = "/dev/kvm"

// hypeEngine implements Engine using Linux KVM via hype.
type hypeEngine struct{}

// NewEngine creates a new KVM-based engine for Linux.
func NewEngine() (Engine, error) {
	// Check if /dev/kvm exists and is accessible
	if _, err := os.Stat(kvmDevice); err != nil {
		return nil, fmt.Errorf("hypeEngine: %s not accessible: %w", kvmDevice, err)
	}
	return &hypeEngine{}, nil
}

// NewHost returns the Host for the local engine.
func NewHost() vmspec.Host { return vmspec.NewGenericHost() }

// LoadRestoreImage is only meaningful where macOS guests can run.
func LoadRestoreImage(string) (vmspec.RestoreImage, error) {
	return nil, fmt.Errorf("%w: macOS restore images need Apple silicon", ErrUnsupportedPlatform)
}

func (e *hypeEngine) Info() Info {
	return Info{
		Name:    "hype",
		Version: "0.1",
		Arch:    runtime.GOARCH,
	}
}

func (e *hypeEngine) Capabilities() Capabilities {
	return Capabilities{} // kernel boot with virtio block and console only
}

func (e *hypeEngine) Validate(ctx context.Context, spec *vmspec.Spec, opts StartOptions) error {
	logger := log.WithFunc("hypervisor.hypeEngine.Validate")
	if spec.OS != vmspec.OSLinux {
		return fmt.Errorf("%w: %s", ErrUnsupportedGuest, spec.OS)
	}
	if opts.Mode != BootKernel {
		return fmt.Errorf("%w: %s (hype boots a kernel directly)", ErrUnsupportedBootMode, opts.Mode)
	}
	if _, err := os.Stat(opts.Kernel); err != nil {
		return fmt.Errorf("hypeEngine: kernel not found: %w", err)
	}
	for i, st := range spec.Disks() {
		if st.IsRemote() {
			return fmt.Errorf("%w: disk %d is url-backed", ErrUnsupportedDevice, i)
		}
	}
	if opts.Serial.Kind == SerialPL011 {
		logger.Warnf(ctx, "pl011 is not available through hype, using the virtio console")
	}
	if len(spec.Networks) > 0 || len(spec.Shares) > 0 || len(spec.Displays) > 0 || spec.Audio {
		logger.Warnf(ctx, "hype has no network, share, display or audio devices; they are ignored")
	}
	return nil
}

func (e *hypeEngine) Start(ctx context.Context, spec *vmspec.Spec, opts StartOptions) (Machine, error) {
	logger := log.WithFunc("hypervisor.hypeEngine.Start")
	if err := e.Validate(ctx, spec, opts); err != nil {
		return nil, err
	}

	kernel, err := os.ReadFile(opts.Kernel)
	if err != nil {
		return nil, fmt.Errorf("hypeEngine: read kernel: %w", err)
	}
	var initrd []byte
	if opts.Initrd != "" {
		if initrd, err = os.ReadFile(opts.Initrd); err != nil {
			return nil, fmt.Errorf("hypeEngine: read initrd: %w", err)
		}
	}

	m := &hypeMachine{done: make(chan struct{})}
	hypeCfg := vmm.Config{
		MemSize: int(spec.RAM),
		Loader: &hypeos.Loader{
			Kernel:  kernel,
			Initrd:  initrd,
			Cmdline: opts.Cmdline,
		},
	}

	m.console, err = newSerialConsole(opts.Serial)
	if err != nil {
		return nil, fmt.Errorf("hypeEngine: %w", err)
	}
	if m.console != nil {
		hypeCfg.Devices = append(hypeCfg.Devices, &virtio.ConsoleDevice{
			In:  m.console.guestIn,
			Out: m.console.guestOut,
		})
	}

	for _, st := range spec.Disks() {
		flag := os.O_RDWR
		if st.ReadOnly {
			flag = os.O_RDONLY
		}
		f, err := os.OpenFile(st.Path, flag, 0)
		if err != nil {
			m.release()
			return nil, fmt.Errorf("hypeEngine: open disk: %w", err)
		}
		m.disks = append(m.disks, f)
		hypeCfg.Devices = append(hypeCfg.Devices, &virtio.BlockDevice{
			Storage: &virtio.FileStorage{File: f},
		})
	}

	vm, err := vmm.New(hypeCfg)
	if err != nil {
		m.release()
		return nil, fmt.Errorf("hypeEngine: create VM: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	startedCh := make(chan struct{})

	// Run VM in background
	go func() {
		// Lock OS thread for VCPU operations
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		// Signal that goroutine has started before running VM
		close(startedCh)

		err := vm.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		m.finish(err)
	}()

	// Wait for goroutine to actually start before reporting success
	<-startedCh
	logger.Infof(ctx, "guest started with %d bytes of memory", spec.RAM)
	return m, nil
}

// hypeMachine is one running hype VM. hype has no ACPI, so a graceful stop
// is the same as a kill: the run context is canceled.
type hypeMachine struct {
	console *serialConsole
	disks   []*os.File
	cancel  context.CancelFunc

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (m *hypeMachine) finish(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		m.release()
		close(m.done)
	})
}

func (m *hypeMachine) release() {
	_ = m.console.Close()
	for _, f := range m.disks {
		_ = f.Close()
	}
	m.disks = nil
}

func (m *hypeMachine) Stop(ctx context.Context) error {
	return m.Kill(ctx)
}

func (m *hypeMachine) Kill(ctx context.Context) error {
	select {
	case <-m.done:
		return ErrNotRunning
	default:
	}
	m.cancel()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *hypeMachine) Done() <-chan struct{} { return m.done }

func (m *hypeMachine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *hypeMachine) Console() (io.Writer, io.Reader, error) { return m.console.handles() }
func (m *hypeMachine) CloseConsole() error                    { return m.console.closeHost() }
func (m *hypeMachine) PTYPath() string                        { return m.console.path() }
