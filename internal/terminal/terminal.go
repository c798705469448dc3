// Package terminal connects the user's terminal to a guest serial console.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrEscapeSequence is returned when the user triggers the escape sequence.
var ErrEscapeSequence = errors.New("escape sequence detected")

// Console is the user side of an attach session.
type Console struct {
	in  io.Reader
	out io.Writer
	fd  int
	tty bool
	esc Escape
}

// Current returns a console on stdin and stdout.
func Current() *Console {
	return New(os.Stdin, os.Stdout)
}

// New returns a console reading in and writing out. Raw mode is only used
// when in is a terminal.
func New(in io.Reader, out io.Writer) *Console {
	c := &Console{in: in, out: out, fd: -1, esc: DefaultEscape}
	if f, ok := in.(*os.File); ok {
		c.fd = int(f.Fd()) //nolint:gosec // fds fit in int
		c.tty = term.IsTerminal(c.fd)
	}
	return c
}

// WithEscape replaces the detach sequence.
func (c *Console) WithEscape(esc Escape) *Console {
	c.esc = esc
	return c
}

// IsTTY returns true if stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) //nolint:gosec // fds fit in int
}

// SetRaw puts the terminal into raw mode and returns a restore function.
func (c *Console) SetRaw() (func(), error) {
	if !c.tty {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(c.fd)
	if err != nil {
		return nil, err
	}
	return func() {
		_ = term.Restore(c.fd, oldState)
	}, nil
}

// Attach copies the console to guestIn and guestOut to the console until
// ctx is done, the escape sequence is typed or the guest output ends.
func (c *Console) Attach(ctx context.Context, guestIn io.Writer, guestOut io.Reader) error {
	restore, err := c.SetRaw()
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	defer restore()

	fmt.Fprintf(c.out, "Escape sequence: %s\r\n", c.esc.Hint()) //nolint:errcheck

	input := NewEscapeReader(c.in, c.esc)
	inDone := make(chan struct{})
	outDone := make(chan struct{})

	go func() {
		defer close(inDone)
		_, _ = io.Copy(guestIn, input)
	}()
	go func() {
		defer close(outDone)
		_, _ = io.Copy(c.out, guestOut)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-inDone:
			select {
			case <-input.Escaped():
				fmt.Fprintf(c.out, "\r\nDetached.\r\n") //nolint:errcheck
				return ErrEscapeSequence
			default:
			}
			// Input ended without an escape; keep showing output.
			inDone = nil
		case <-outDone:
			return nil
		}
	}
}
