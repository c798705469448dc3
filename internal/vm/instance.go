package vm

import (
	"context"
	"io"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/javanstorm/vmkit/pkg/hypervisor"
	"github.com/javanstorm/vmkit/pkg/vmspec"
)

// Instance is the lifecycle controller for one VM. Every operation that
// touches the engine runs on a private serial queue, so the engine sees one
// call at a time in submission order. Submitting never blocks: each
// operation returns a channel that receives exactly one result.
type Instance struct {
	engine  hypervisor.Engine
	history *History
	q       *queue

	mu      sync.Mutex
	closed  bool
	spec    *vmspec.Spec
	state   State
	machine hypervisor.Machine
	exited  chan struct{} // closed by release for the current run
	lastErr error
}

// Option configures an Instance.
type Option func(*Instance)

// WithHistory records boots and shutdowns in h.
func WithHistory(h *History) Option {
	return func(i *Instance) { i.history = h }
}

// New returns an Unconfigured instance for a spec produced by Configure.
func New(spec *vmspec.Spec, engine hypervisor.Engine, opts ...Option) *Instance {
	i := &Instance{
		engine: engine,
		q:      newQueue(),
		spec:   spec.Clone(),
		state:  StateUnconfigured,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start resolves the boot options from the current spec and asks the engine
// to boot. Valid from Unconfigured, Stopped or Failed; the state is checked
// when the operation runs, not when it is submitted.
func (i *Instance) Start(ctx context.Context) <-chan error {
	return i.submit(func() error { return i.start(ctx) })
}

// Stop asks the guest to shut down and waits for the engine to confirm.
// Valid only from Running. A nil result is the success signal.
func (i *Instance) Stop(ctx context.Context) <-chan error {
	return i.submit(func() error { return i.stop(ctx) })
}

// Kill forcefully terminates the guest. Valid from Running or Stopping.
func (i *Instance) Kill(ctx context.Context) <-chan error {
	return i.submit(func() error { return i.kill(ctx) })
}

// SetSpec replaces the spec used by the next Start, e.g. to toggle recovery
// between restarts. Valid only while no engine handle is held.
func (i *Instance) SetSpec(spec *vmspec.Spec) <-chan error {
	spec = spec.Clone()
	return i.submit(func() error {
		i.mu.Lock()
		defer i.mu.Unlock()
		if !i.state.canStart() {
			return &StateError{Op: "replace spec", State: i.state}
		}
		i.spec = spec
		return nil
	})
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Spec returns a copy of the current spec. While running it carries the
// session's PTY path, if any.
func (i *Instance) Spec() *vmspec.Spec {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.spec.Clone()
}

// LastError returns the error that last moved the instance to Failed.
func (i *Instance) LastError() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastErr
}

// PTYPath returns the slave side of a PTY-backed console while running.
func (i *Instance) PTYPath() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.spec.PTYPath
}

// Done returns a channel closed once the current guest has stopped and the
// instance has settled in Stopped or Failed. It is already closed when no
// guest is running.
func (i *Instance) Done() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.machine == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return i.exited
}

// Console returns serial console I/O handles. Only valid when running.
func (i *Instance) Console() (io.Writer, io.Reader, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateRunning {
		return nil, nil, &StateError{Op: "open console", State: i.state}
	}
	return i.machine.Console()
}

// CloseConsole unblocks console readers and writers without stopping the guest.
func (i *Instance) CloseConsole() error {
	i.mu.Lock()
	m := i.machine
	i.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.CloseConsole()
}

// Close finishes queued operations, then kills a guest that is still running.
// Later submissions fail with ErrClosed.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	i.q.close()

	i.mu.Lock()
	running := i.machine != nil
	i.mu.Unlock()
	if !running {
		return nil
	}
	return i.kill(ctx)
}

func (i *Instance) submit(op func() error) <-chan error {
	res := make(chan error, 1)
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		res <- ErrClosed
		return res
	}
	i.q.submit(func() { res <- op() })
	return res
}

func (i *Instance) start(ctx context.Context) error {
	logger := log.WithFunc("vm.Instance.start")

	i.mu.Lock()
	if !i.state.canStart() {
		st := i.state
		i.mu.Unlock()
		return &StateError{Op: "start", State: st}
	}
	spec := i.spec.WithPTYPath("")
	i.state = StateStarting
	i.mu.Unlock()

	opts, err := hypervisor.ResolveBoot(spec)
	if err != nil {
		return i.fail(ctx, err)
	}
	if err := i.engine.Validate(ctx, spec, opts); err != nil {
		return i.fail(ctx, &EngineError{Op: "validate", Err: err})
	}
	m, err := i.engine.Start(ctx, spec, opts)
	if err != nil {
		return i.fail(ctx, &EngineError{Op: "start", Err: err})
	}

	i.mu.Lock()
	i.machine = m
	i.exited = make(chan struct{})
	i.spec = spec.WithPTYPath(m.PTYPath())
	i.state = StateRunning
	i.lastErr = nil
	i.mu.Unlock()

	logger.Infof(ctx, "running (boot mode %s)", opts.Mode)
	if p := m.PTYPath(); p != "" {
		logger.Infof(ctx, "serial console at %s", p)
	}
	if i.history != nil {
		if err := i.history.RecordBoot(opts.Mode.String()); err != nil {
			logger.Warnf(ctx, "record boot: %v", err)
		}
	}

	go i.watch(context.WithoutCancel(ctx), m)
	return nil
}

func (i *Instance) stop(ctx context.Context) error {
	logger := log.WithFunc("vm.Instance.stop")

	i.mu.Lock()
	if i.state != StateRunning {
		st := i.state
		i.mu.Unlock()
		return &StateError{Op: "stop", State: st}
	}
	m := i.machine
	i.state = StateStopping
	i.mu.Unlock()

	if err := m.Stop(ctx); err != nil && !isDone(m) {
		// The guest is still up; let the caller retry or kill it.
		i.mu.Lock()
		i.state = StateRunning
		i.mu.Unlock()
		logger.Warnf(ctx, "stop failed, guest still running: %v", err)
		return &EngineError{Op: "stop", Err: err}
	}
	i.release(ctx, m, m.Err() == nil)
	logger.Infof(ctx, "stopped")
	return nil
}

func (i *Instance) kill(ctx context.Context) error {
	logger := log.WithFunc("vm.Instance.kill")

	i.mu.Lock()
	if i.state != StateRunning && i.state != StateStopping {
		st := i.state
		i.mu.Unlock()
		return &StateError{Op: "kill", State: st}
	}
	m := i.machine
	i.mu.Unlock()

	if err := m.Kill(ctx); err != nil && !isDone(m) {
		logger.Errorf(ctx, err, "kill failed")
		return &EngineError{Op: "kill", Err: err}
	}
	i.release(ctx, m, false)
	logger.Warnf(ctx, "killed")
	return nil
}

// watch reaps a guest that stops on its own. The reap runs on the queue so
// it is ordered with Start and Stop.
func (i *Instance) watch(ctx context.Context, m hypervisor.Machine) {
	<-m.Done()
	i.submit(func() error {
		i.mu.Lock()
		current := i.machine == m && i.state == StateRunning
		i.mu.Unlock()
		if !current {
			return nil // already released by stop or kill
		}
		if err := m.Err(); err != nil {
			log.WithFunc("vm.Instance.watch").Errorf(ctx, err, "guest stopped unexpectedly")
			i.mu.Lock()
			i.lastErr = &EngineError{Op: "run", Err: err}
			i.mu.Unlock()
		} else {
			log.WithFunc("vm.Instance.watch").Infof(ctx, "guest shut down")
		}
		i.release(ctx, m, m.Err() == nil)
		return nil
	})
}

// release drops the engine handle. A guest that exits with an error leaves
// the instance Failed; otherwise it is Stopped.
func (i *Instance) release(ctx context.Context, m hypervisor.Machine, clean bool) {
	i.mu.Lock()
	i.machine = nil
	i.spec = i.spec.WithPTYPath("")
	if err := m.Err(); err != nil && i.state == StateRunning {
		i.state = StateFailed
	} else {
		i.state = StateStopped
	}
	close(i.exited)
	i.mu.Unlock()

	if i.history != nil {
		if err := i.history.RecordShutdown(clean); err != nil {
			log.WithFunc("vm.Instance.release").Warnf(ctx, "record shutdown: %v", err)
		}
	}
}

func (i *Instance) fail(ctx context.Context, err error) error {
	log.WithFunc("vm.Instance.start").Errorf(ctx, err, "start failed")
	i.mu.Lock()
	i.state = StateFailed
	i.lastErr = err
	i.mu.Unlock()
	return err
}

func isDone(m hypervisor.Machine) bool {
	select {
	case <-m.Done():
		return true
	default:
		return false
	}
}
