package vm_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/javanstorm/vmkit/internal/testutil"
	"github.com/javanstorm/vmkit/internal/vm"
	"github.com/javanstorm/vmkit/pkg/hypervisor"
)

const waitTimeout = 5 * time.Second

func await(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("operation did not complete")
		return nil
	}
}

func mustAwait(t *testing.T, ch <-chan error) {
	t.Helper()
	if err := await(t, ch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newInstance(t *testing.T, opts ...vm.Option) (*vm.Instance, *testutil.FakeEngine) {
	t.Helper()
	engine := testutil.NewFakeEngine()
	inst := vm.New(testutil.LinuxSpec(t), engine, opts...)
	t.Cleanup(func() { _ = inst.Close(context.Background()) })
	return inst, engine
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	inst, engine := newInstance(t)

	if got := inst.State(); got != vm.StateUnconfigured {
		t.Fatalf("initial state = %v, want unconfigured", got)
	}

	for name, op := range map[string]func(context.Context) <-chan error{
		"stop": inst.Stop,
		"kill": inst.Kill,
	} {
		t.Run(name+" before start", func(t *testing.T) {
			err := await(t, op(ctx))
			if !vm.IsStateError(err) {
				t.Errorf("%s = %v, want StateError", name, err)
			}
			if got := inst.State(); got != vm.StateUnconfigured {
				t.Errorf("state = %v, want unconfigured", got)
			}
		})
	}

	mustAwait(t, inst.Start(ctx))
	t.Run("start while running", func(t *testing.T) {
		err := await(t, inst.Start(ctx))
		var se *vm.StateError
		if !errors.As(err, &se) {
			t.Fatalf("Start = %v, want StateError", err)
		}
		if se.State != vm.StateRunning {
			t.Errorf("StateError.State = %v, want running", se.State)
		}
		if len(engine.Starts()) != 1 {
			t.Errorf("engine started %d times, want 1", len(engine.Starts()))
		}
	})

	mustAwait(t, inst.Stop(ctx))
	t.Run("stop while stopped", func(t *testing.T) {
		if err := await(t, inst.Stop(ctx)); !vm.IsStateError(err) {
			t.Errorf("Stop = %v, want StateError", err)
		}
		if got := inst.State(); got != vm.StateStopped {
			t.Errorf("state = %v, want stopped", got)
		}
	})
}

func TestStartStopRestart(t *testing.T) {
	ctx := context.Background()
	inst, engine := newInstance(t)

	mustAwait(t, inst.Start(ctx))
	if got := inst.State(); got != vm.StateRunning {
		t.Fatalf("state after start = %v", got)
	}
	mustAwait(t, inst.Stop(ctx))
	if got := inst.State(); got != vm.StateStopped {
		t.Fatalf("state after stop = %v", got)
	}
	mustAwait(t, inst.Start(ctx))
	if got := inst.State(); got != vm.StateRunning {
		t.Fatalf("state after restart = %v", got)
	}

	starts := engine.Starts()
	if len(starts) != 2 {
		t.Fatalf("engine started %d times, want 2", len(starts))
	}
	for _, opts := range starts {
		if opts.Mode != hypervisor.BootDisk {
			t.Errorf("boot mode = %v, want disk", opts.Mode)
		}
	}
	if engine.Machine(0).Stops() != 1 {
		t.Errorf("first machine stopped %d times", engine.Machine(0).Stops())
	}
}

func TestOperationsRunInSubmissionOrder(t *testing.T) {
	ctx := context.Background()
	inst, engine := newInstance(t)
	gate := engine.Gate()

	results := []<-chan error{
		inst.Start(ctx),
		inst.Stop(ctx),
		inst.Start(ctx),
		inst.Stop(ctx),
	}

	eventually(t, "starting state", func() bool { return inst.State() == vm.StateStarting })
	for i, ch := range results[1:] {
		select {
		case err := <-ch:
			t.Fatalf("operation %d finished before the start ahead of it: %v", i+1, err)
		default:
		}
	}

	close(gate)
	for i, ch := range results {
		if err := await(t, ch); err != nil {
			t.Errorf("operation %d: %v", i, err)
		}
	}
	if got := inst.State(); got != vm.StateStopped {
		t.Errorf("final state = %v, want stopped", got)
	}
	if got := engine.Peak(); got != 1 {
		t.Errorf("engine saw %d concurrent calls, want 1", got)
	}
}

func TestStartFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	tests := []struct {
		name   string
		inject func(*testutil.FakeEngine, error)
		op     string
		starts int
	}{
		{"validate", (*testutil.FakeEngine).FailValidate, "validate", 0},
		{"start", (*testutil.FakeEngine).FailStart, "start", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, engine := newInstance(t)
			tt.inject(engine, boom)

			err := await(t, inst.Start(ctx))
			if !errors.Is(err, boom) {
				t.Fatalf("Start = %v, want boom", err)
			}
			var ee *vm.EngineError
			if !errors.As(err, &ee) || ee.Op != tt.op {
				t.Errorf("Start = %#v, want EngineError op %q", err, tt.op)
			}
			if got := inst.State(); got != vm.StateFailed {
				t.Errorf("state = %v, want failed", got)
			}
			if !errors.Is(inst.LastError(), boom) {
				t.Errorf("LastError = %v", inst.LastError())
			}
			if got := len(engine.Starts()); got != tt.starts {
				t.Errorf("engine starts = %d, want %d", got, tt.starts)
			}

			// Failed is restartable.
			tt.inject(engine, nil)
			mustAwait(t, inst.Start(ctx))
			if got := inst.State(); got != vm.StateRunning {
				t.Errorf("state after retry = %v, want running", got)
			}
			if inst.LastError() != nil {
				t.Errorf("LastError after retry = %v", inst.LastError())
			}
		})
	}
}

func TestGuestExit(t *testing.T) {
	ctx := context.Background()
	crash := errors.New("guest panicked")

	tests := []struct {
		name string
		err  error
		want vm.State
	}{
		{"clean shutdown", nil, vm.StateStopped},
		{"crash", crash, vm.StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, engine := newInstance(t)
			mustAwait(t, inst.Start(ctx))

			done := inst.Done()
			select {
			case <-done:
				t.Fatal("Done closed while running")
			default:
			}

			engine.Machine(0).Exit(tt.err)
			eventually(t, tt.want.String(), func() bool { return inst.State() == tt.want })

			select {
			case <-done:
			default:
				t.Error("Done not closed after exit")
			}
			if tt.err != nil && !errors.Is(inst.LastError(), tt.err) {
				t.Errorf("LastError = %v, want %v", inst.LastError(), tt.err)
			}

			mustAwait(t, inst.Start(ctx))
			if got := inst.State(); got != vm.StateRunning {
				t.Errorf("state after restart = %v", got)
			}
		})
	}
}

func TestStopFailureLeavesGuestRunning(t *testing.T) {
	ctx := context.Background()
	inst, engine := newInstance(t)
	refused := errors.New("guest ignored the request")
	engine.FailStop(refused)

	mustAwait(t, inst.Start(ctx))
	err := await(t, inst.Stop(ctx))
	if !errors.Is(err, refused) {
		t.Fatalf("Stop = %v, want %v", err, refused)
	}
	if got := inst.State(); got != vm.StateRunning {
		t.Fatalf("state after failed stop = %v, want running", got)
	}

	mustAwait(t, inst.Kill(ctx))
	if got := inst.State(); got != vm.StateStopped {
		t.Errorf("state after kill = %v, want stopped", got)
	}
	if got := engine.Machine(0).Kills(); got != 1 {
		t.Errorf("kills = %d, want 1", got)
	}
}

func TestSetSpec(t *testing.T) {
	ctx := context.Background()
	engine := testutil.NewFakeEngine()
	spec := testutil.MacOSSpec(t)
	inst := vm.New(spec, engine)
	defer inst.Close(ctx) //nolint:errcheck

	mustAwait(t, inst.Start(ctx))

	b := spec.Edit(testutil.Host())
	b.SetRecovery(true)
	recovery, err := b.Configure()
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}

	if err := await(t, inst.SetSpec(recovery)); !vm.IsStateError(err) {
		t.Errorf("SetSpec while running = %v, want StateError", err)
	}
	mustAwait(t, inst.Stop(ctx))
	mustAwait(t, inst.SetSpec(recovery))
	if !inst.Spec().Recovery {
		t.Error("Spec should reflect the replacement")
	}
	mustAwait(t, inst.Start(ctx))

	starts := engine.Starts()
	if len(starts) != 2 {
		t.Fatalf("engine starts = %d, want 2", len(starts))
	}
	if starts[0].Mode != hypervisor.BootNormal || starts[1].Mode != hypervisor.BootRecovery {
		t.Errorf("modes = %v, %v; want normal, recovery", starts[0].Mode, starts[1].Mode)
	}
}

func TestConflictingBootFlags(t *testing.T) {
	ctx := context.Background()
	engine := testutil.NewFakeEngine()
	b := testutil.MacOSSpec(t).Edit(testutil.Host())
	b.SetRecovery(true)
	b.SetDFU(true)
	spec, err := b.Configure()
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	inst := vm.New(spec, engine)
	defer inst.Close(ctx) //nolint:errcheck

	if err := await(t, inst.Start(ctx)); err == nil {
		t.Fatal("Start should reject recovery together with dfu")
	}
	if got := inst.State(); got != vm.StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
	if len(engine.Starts()) != 0 {
		t.Error("engine should not be asked to start")
	}
}

func TestPTYPath(t *testing.T) {
	ctx := context.Background()
	inst, engine := newInstance(t)
	engine.WithPTY("/dev/pts/7")

	if inst.PTYPath() != "" {
		t.Errorf("PTYPath before start = %q", inst.PTYPath())
	}
	mustAwait(t, inst.Start(ctx))
	if got := inst.PTYPath(); got != "/dev/pts/7" {
		t.Errorf("PTYPath = %q", got)
	}
	if got := inst.Spec().PTYPath; got != "/dev/pts/7" {
		t.Errorf("Spec().PTYPath = %q", got)
	}
	mustAwait(t, inst.Stop(ctx))
	if got := inst.PTYPath(); got != "" {
		t.Errorf("PTYPath after stop = %q", got)
	}
}

func TestConsole(t *testing.T) {
	ctx := context.Background()
	inst, engine := newInstance(t)

	if _, _, err := inst.Console(); !vm.IsStateError(err) {
		t.Errorf("Console before start = %v, want StateError", err)
	}

	mustAwait(t, inst.Start(ctx))
	in, out, err := inst.Console()
	if err != nil {
		t.Fatalf("Console: %v", err)
	}
	if _, err := io.WriteString(in, "root\n"); err != nil {
		t.Fatal(err)
	}
	if got := engine.Machine(0).Input.String(); got != "root\n" {
		t.Errorf("guest input = %q", got)
	}
	banner := make([]byte, len("login: "))
	if _, err := io.ReadFull(out, banner); err != nil {
		t.Fatal(err)
	}
	if string(banner) != "login: " {
		t.Errorf("guest output = %q", banner)
	}
	if err := inst.CloseConsole(); err != nil {
		t.Errorf("CloseConsole: %v", err)
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	inst, engine := newInstance(t)
	mustAwait(t, inst.Start(ctx))

	if err := inst.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := engine.Machine(0).Kills(); got != 1 {
		t.Errorf("kills = %d, want 1", got)
	}
	if got := inst.State(); got != vm.StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	if err := await(t, inst.Start(ctx)); !errors.Is(err, vm.ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
	if err := inst.Close(ctx); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestHistoryRecorded(t *testing.T) {
	ctx := context.Background()
	h := vm.NewHistory(filepath.Join(t.TempDir(), "vm.json"))
	inst, engine := newInstance(t, vm.WithHistory(h))

	mustAwait(t, inst.Start(ctx))
	rec, err := h.Load()
	if err != nil {
		t.Fatal(err)
	}
	if rec.BootCount != 1 || rec.LastBootMode != "disk" || rec.CleanShutdown {
		t.Errorf("after boot: %+v", rec)
	}

	mustAwait(t, inst.Stop(ctx))
	rec, err = h.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !rec.CleanShutdown || rec.LastShutdown.IsZero() {
		t.Errorf("after stop: %+v", rec)
	}

	mustAwait(t, inst.Start(ctx))
	engine.Machine(1).Exit(errors.New("triple fault"))
	eventually(t, "failed state", func() bool { return inst.State() == vm.StateFailed })
	rec, err = h.Load()
	if err != nil {
		t.Fatal(err)
	}
	if rec.BootCount != 2 || rec.CleanShutdown {
		t.Errorf("after crash: %+v", rec)
	}
}
