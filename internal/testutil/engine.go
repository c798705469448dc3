package testutil

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/javanstorm/vmkit/pkg/hypervisor"
	"github.com/javanstorm/vmkit/pkg/vmspec"
)

// FakeEngine is an in-memory hypervisor.Engine. It records every start and
// the highest number of engine calls that were ever in flight at once.
type FakeEngine struct {
	mu          sync.Mutex
	validateErr error
	startErr    error
	stopErr     error
	ptyPath     string
	gate        chan struct{}
	starts      []hypervisor.StartOptions
	machines    []*FakeMachine
	inflight    int
	peak        int
}

func NewFakeEngine() *FakeEngine { return &FakeEngine{} }

// FailValidate makes Validate return err until changed.
func (e *FakeEngine) FailValidate(err error) { e.set(func() { e.validateErr = err }) }

// FailStart makes Start return err until changed.
func (e *FakeEngine) FailStart(err error) { e.set(func() { e.startErr = err }) }

// FailStop makes machines started from now on fail their Stop with err.
func (e *FakeEngine) FailStop(err error) { e.set(func() { e.stopErr = err }) }

// WithPTY makes started machines report path as their PTY.
func (e *FakeEngine) WithPTY(path string) { e.set(func() { e.ptyPath = path }) }

// Gate makes Start block until the returned channel is closed or sent to.
func (e *FakeEngine) Gate() chan<- struct{} {
	ch := make(chan struct{})
	e.set(func() { e.gate = ch })
	return ch
}

func (e *FakeEngine) set(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

func (e *FakeEngine) Info() hypervisor.Info {
	return hypervisor.Info{Name: "fake", Version: "test", Arch: "none"}
}

func (e *FakeEngine) Capabilities() hypervisor.Capabilities {
	return hypervisor.Capabilities{
		MacOSGuests: true,
		DiskBoot:    true,
		SharedDirs:  true,
		Networking:  true,
		Graphics:    true,
		Audio:       true,
		RemoteDisks: true,
	}
}

func (e *FakeEngine) Validate(_ context.Context, _ *vmspec.Spec, _ hypervisor.StartOptions) error {
	e.enter()
	defer e.exit()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.validateErr
}

func (e *FakeEngine) Start(_ context.Context, _ *vmspec.Spec, opts hypervisor.StartOptions) (hypervisor.Machine, error) {
	e.enter()
	defer e.exit()

	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()
	if gate != nil {
		<-gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts = append(e.starts, opts)
	if e.startErr != nil {
		return nil, e.startErr
	}
	outR, outW := io.Pipe()
	m := &FakeMachine{
		engine:  e,
		done:    make(chan struct{}),
		stopErr: e.stopErr,
		pty:     e.ptyPath,
		Input:   &Buffer{},
		outR:    outR,
		outW:    outW,
	}
	e.machines = append(e.machines, m)
	return m, nil
}

// Starts returns the options of every Start call, failed ones included.
func (e *FakeEngine) Starts() []hypervisor.StartOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]hypervisor.StartOptions(nil), e.starts...)
}

// Machine returns the n-th started machine, or nil.
func (e *FakeEngine) Machine(n int) *FakeMachine {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n < 0 || n >= len(e.machines) {
		return nil
	}
	return e.machines[n]
}

// Peak returns the highest number of concurrent engine calls observed.
func (e *FakeEngine) Peak() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peak
}

func (e *FakeEngine) enter() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight++
	if e.inflight > e.peak {
		e.peak = e.inflight
	}
}

func (e *FakeEngine) exit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight--
}

// FakeMachine is a guest started by FakeEngine.
type FakeMachine struct {
	engine  *FakeEngine
	mu      sync.Mutex
	once    sync.Once
	done    chan struct{}
	err     error
	stopErr error
	pty     string
	stops   int
	kills   int
	banner  sync.Once
	outR    *io.PipeReader
	outW    *io.PipeWriter

	// Input collects what is written to the console.
	Input *Buffer
}

// Exit simulates the guest stopping on its own. A nil err is a clean shutdown.
func (m *FakeMachine) Exit(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.done)
		_ = m.outW.Close()
	})
}

func (m *FakeMachine) Stop(ctx context.Context) error {
	m.engine.enter()
	defer m.engine.exit()
	m.mu.Lock()
	m.stops++
	err := m.stopErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.Exit(nil)
	return nil
}

func (m *FakeMachine) Kill(ctx context.Context) error {
	m.engine.enter()
	defer m.engine.exit()
	m.mu.Lock()
	m.kills++
	m.mu.Unlock()
	m.Exit(nil)
	return nil
}

func (m *FakeMachine) Done() <-chan struct{} { return m.done }

func (m *FakeMachine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Console returns the guest console. Its output starts with "login: " and
// ends when the guest exits or the console is closed.
func (m *FakeMachine) Console() (io.Writer, io.Reader, error) {
	m.banner.Do(func() {
		go func() { _, _ = io.WriteString(m.outW, "login: ") }()
	})
	return m.Input, m.outR, nil
}

func (m *FakeMachine) CloseConsole() error { return m.outW.Close() }
func (m *FakeMachine) PTYPath() string     { return m.pty }

// Stops returns how many times Stop was called.
func (m *FakeMachine) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// Kills returns how many times Kill was called.
func (m *FakeMachine) Kills() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kills
}

// Buffer is a bytes.Buffer safe for concurrent use.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
