package cli

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/javanstorm/vmkit/internal/terminal"
	"github.com/javanstorm/vmkit/internal/vm"
)

var (
	errGuestExited = errors.New("guest exited")
	errDetached    = errors.New("detached from console")
)

// supervise blocks while the guest runs. It returns errGuestExited when the
// guest stops by itself, errDetached when the user types the escape sequence
// on console, and nil when ctx is done. A nil console skips attaching.
func supervise(ctx context.Context, inst *vm.Instance, console *terminal.Console) error {
	done := inst.Done()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-done:
			return errGuestExited
		case <-gctx.Done():
			return nil
		}
	})

	if console != nil {
		guestIn, guestOut, err := inst.Console()
		if err != nil {
			return err
		}
		g.Go(func() error {
			err := console.Attach(gctx, guestIn, guestOut)
			switch {
			case errors.Is(err, terminal.ErrEscapeSequence):
				return errDetached
			case gctx.Err() != nil:
				return nil
			default:
				// Output ended; the exit watcher reports why.
				return err
			}
		})
	}

	return g.Wait()
}
