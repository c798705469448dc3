package cli

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/javanstorm/vmkit/internal/terminal"
	"github.com/javanstorm/vmkit/internal/testutil"
	"github.com/javanstorm/vmkit/internal/vm"
)

func startInstance(t *testing.T) (*vm.Instance, *testutil.FakeEngine) {
	t.Helper()
	engine := testutil.NewFakeEngine()
	inst := vm.New(testutil.LinuxSpec(t), engine)
	t.Cleanup(func() { _ = inst.Close(context.Background()) })
	if err := <-inst.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return inst, engine
}

func TestApplyRunFlags(t *testing.T) {
	tests := []struct {
		name         string
		opts         runOptions
		wantSerial   bool
		wantPTY      bool
		wantPL011    bool
		wantRecovery bool
	}{
		{"none", runOptions{}, false, false, false, false},
		{"serial", runOptions{serial: true}, true, false, false, false},
		{"pty implies serial", runOptions{pty: true}, true, true, false, false},
		{"pl011 implies serial", runOptions{pl011: true}, true, false, true, false},
		{"recovery", runOptions{recovery: true}, false, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testutil.LinuxSpec(t).Edit(testutil.Host())
			applyRunFlags(b, tt.opts)
			s := b.Draft()
			if s.Serial.Enabled != tt.wantSerial || s.Serial.PTY != tt.wantPTY || s.Serial.PL011 != tt.wantPL011 {
				t.Errorf("Serial = %+v", s.Serial)
			}
			if s.Recovery != tt.wantRecovery {
				t.Errorf("Recovery = %v, want %v", s.Recovery, tt.wantRecovery)
			}
		})
	}
}

func TestSuperviseGuestExit(t *testing.T) {
	inst, engine := startInstance(t)

	go engine.Machine(0).Exit(nil)
	if err := supervise(context.Background(), inst, nil); !errors.Is(err, errGuestExited) {
		t.Fatalf("supervise = %v, want errGuestExited", err)
	}
	if got := inst.State(); got != vm.StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	if err := reportExit(io.Discard, inst); err != nil {
		t.Errorf("reportExit = %v", err)
	}
}

func TestSuperviseGuestCrash(t *testing.T) {
	inst, engine := startInstance(t)
	crash := errors.New("kernel panic")

	go engine.Machine(0).Exit(crash)
	if err := supervise(context.Background(), inst, nil); !errors.Is(err, errGuestExited) {
		t.Fatalf("supervise = %v, want errGuestExited", err)
	}
	if err := reportExit(io.Discard, inst); !errors.Is(err, crash) {
		t.Errorf("reportExit = %v, want %v", err, crash)
	}
}

func TestSuperviseContextDone(t *testing.T) {
	inst, _ := startInstance(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := supervise(ctx, inst, nil); err != nil {
		t.Fatalf("supervise = %v, want nil", err)
	}
	if got := inst.State(); got != vm.StateRunning {
		t.Errorf("state = %v, want running", got)
	}
}

func TestSuperviseDetach(t *testing.T) {
	inst, engine := startInstance(t)
	var screen testutil.Buffer
	console := terminal.New(strings.NewReader("echo hi\n\x1d\x1d"), &screen)

	if err := supervise(context.Background(), inst, console); !errors.Is(err, errDetached) {
		t.Fatalf("supervise = %v, want errDetached", err)
	}
	if got := engine.Machine(0).Input.String(); got != "echo hi\n" {
		t.Errorf("guest input = %q", got)
	}
}

func TestShutdown(t *testing.T) {
	t.Run("graceful", func(t *testing.T) {
		inst, engine := startInstance(t)
		if err := shutdown(context.Background(), io.Discard, inst, time.Second); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
		if got := inst.State(); got != vm.StateStopped {
			t.Errorf("state = %v, want stopped", got)
		}
		if engine.Machine(0).Kills() != 0 {
			t.Error("graceful stop should not kill")
		}
	})

	t.Run("kill after failed stop", func(t *testing.T) {
		engine := testutil.NewFakeEngine()
		engine.FailStop(errors.New("guest ignored ACPI"))
		inst := vm.New(testutil.LinuxSpec(t), engine)
		defer inst.Close(context.Background()) //nolint:errcheck
		if err := <-inst.Start(context.Background()); err != nil {
			t.Fatal(err)
		}

		if err := shutdown(context.Background(), io.Discard, inst, time.Second); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
		if got := inst.State(); got != vm.StateStopped {
			t.Errorf("state = %v, want stopped", got)
		}
		if engine.Machine(0).Kills() != 1 {
			t.Errorf("kills = %d, want 1", engine.Machine(0).Kills())
		}
	})
}
