package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vmkit/internal/config"
	"github.com/javanstorm/vmkit/internal/lock"
	"github.com/javanstorm/vmkit/internal/terminal"
	"github.com/javanstorm/vmkit/internal/timing"
	"github.com/javanstorm/vmkit/internal/vm"
	"github.com/javanstorm/vmkit/pkg/hypervisor"
	"github.com/javanstorm/vmkit/pkg/vmspec"
)

var errNotRunnable = errors.New("spec cannot run on this host")

type runOptions struct {
	recovery    bool
	dfu         bool
	serial      bool
	pty         bool
	pl011       bool
	attach      bool
	timing      bool
	stopTimeout time.Duration
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run [flags] SPEC",
	Short: "Boot a VM description in the foreground",
	Long: `Boot the VM described by SPEC and wait for it to stop.

Ctrl+C asks the guest to shut down and kills it if it has not stopped
within the stop timeout. With --serial the console is attached to this
terminal; Ctrl+] Ctrl+] detaches and stops the guest.

Boot flags apply to this run only and are not written back to SPEC.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.BoolVar(&runOpts.recovery, "recovery", false, "boot macOS into recoveryOS")
	f.BoolVar(&runOpts.dfu, "dfu", false, "boot macOS into DFU mode")
	f.BoolVar(&runOpts.serial, "serial", false, "attach a serial console")
	f.BoolVar(&runOpts.pty, "pty", false, "back the serial console with a pseudo-terminal")
	f.BoolVar(&runOpts.pl011, "pl011", false, "use a PL011 UART for the serial console (linux)")
	f.BoolVar(&runOpts.attach, "attach", terminal.IsTTY(), "connect this terminal to a pipe-backed serial console")
	f.BoolVar(&runOpts.timing, "timing", false, "print how long each boot phase took")
	f.DurationVar(&runOpts.stopTimeout, "stop-timeout", 0, "graceful stop limit before kill (default from config)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := log.WithFunc("cli.runRun")
	path := specPath(args[0])
	out := cmd.OutOrStdout()

	var timer *timing.Timer
	if runOpts.timing {
		timer = timing.New()
	}

	if err := hypervisor.CheckPlatform(); err != nil {
		return err
	}

	lk := lock.ForSpec(path)
	if err := lk.TryLock(ctx); err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return fmt.Errorf("%s is already running", path)
		}
		return err
	}
	defer lk.Unlock(ctx) //nolint:errcheck

	b, err := vmspec.LoadFile(path, hypervisor.NewHost())
	if err != nil {
		return err
	}
	applyRunFlags(b, runOpts)
	spec, err := b.Configure()
	if err != nil {
		return err
	}
	timer.Mark("load")

	engine, err := hypervisor.NewEngine()
	if err != nil {
		return err
	}
	warnings := config.CheckSpec(spec, engine.Capabilities())
	fmt.Fprint(cmd.ErrOrStderr(), config.FormatWarnings(warnings))
	if config.HasFatal(warnings) {
		return errNotRunnable
	}
	timer.Mark("engine")

	inst := vm.New(spec, engine, vm.WithHistory(vm.NewHistory(path)))
	defer inst.Close(context.WithoutCancel(ctx)) //nolint:errcheck

	if err := <-inst.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", path, err)
	}
	timer.Mark("start")
	timer.Report(cmd.ErrOrStderr())
	fmt.Fprintf(out, "Started %s\n", path)
	if p := inst.PTYPath(); p != "" {
		fmt.Fprintf(out, "Serial console: %s\n", p)
	}

	var console *terminal.Console
	if runOpts.attach && spec.Serial.Enabled && !spec.Serial.PTY {
		console = terminal.Current()
	}

	err = supervise(ctx, inst, console)
	switch {
	case errors.Is(err, errGuestExited):
		return reportExit(out, inst)
	case errors.Is(err, errDetached), err == nil:
	default:
		logger.Warnf(ctx, "console: %v", err)
	}

	timeout := runOpts.stopTimeout
	if timeout <= 0 {
		timeout = conf.StopTimeout
	}
	if err := shutdown(ctx, out, inst, timeout); err != nil {
		return err
	}
	return reportExit(out, inst)
}

// applyRunFlags turns per-run flags into boot policy on b.
func applyRunFlags(b *vmspec.Builder, o runOptions) {
	if o.recovery {
		b.SetRecovery(true)
	}
	if o.dfu {
		b.SetDFU(true)
	}
	s := b.Draft().Serial
	if o.serial || o.pty || o.pl011 {
		s.Enabled = true
	}
	s.PTY = s.PTY || o.pty
	s.PL011 = s.PL011 || o.pl011
	b.SetSerial(s)
}

// shutdown asks the guest to stop within timeout, then kills it.
func shutdown(ctx context.Context, out io.Writer, inst *vm.Instance, timeout time.Duration) error {
	logger := log.WithFunc("cli.shutdown")
	ctx = context.WithoutCancel(ctx)

	fmt.Fprintln(out, "Stopping...")
	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := <-inst.Stop(stopCtx)
	if err == nil || !running(inst) {
		return nil
	}
	logger.Warnf(ctx, "graceful stop failed, killing guest: %v", err)
	if err := <-inst.Kill(ctx); err != nil && running(inst) {
		return fmt.Errorf("kill: %w", err)
	}
	return nil
}

func running(inst *vm.Instance) bool {
	st := inst.State()
	return st == vm.StateRunning || st == vm.StateStopping
}

func reportExit(out io.Writer, inst *vm.Instance) error {
	if inst.State() == vm.StateFailed {
		return fmt.Errorf("guest failed: %w", inst.LastError())
	}
	fmt.Fprintln(out, "Guest stopped.")
	return nil
}
