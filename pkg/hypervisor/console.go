package hypervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// serialConsole holds both ends of a guest serial port. The guest reads
// guestIn and writes guestOut; the host uses hostIn and hostOut.
type serialConsole struct {
	mu       sync.Mutex
	guestIn  *os.File
	guestOut *os.File
	hostIn   io.Writer
	hostOut  io.Reader
	host     []io.Closer
	guest    []io.Closer
	ptyPath  string
}

// newSerialConsole returns nil when opts asks for no console.
func newSerialConsole(opts SerialOptions) (*serialConsole, error) {
	switch {
	case opts.Kind == SerialNone:
		return nil, nil
	case opts.PTY:
		return newPTYConsole()
	default:
		return newPipeConsole()
	}
}

func newPipeConsole() (*serialConsole, error) {
	// inputReader is read by the guest (we write to inputWriter)
	// outputWriter is written by the guest (we read from outputReader)
	inputReader, inputWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create input pipe: %w", err)
	}
	outputReader, outputWriter, err := os.Pipe()
	if err != nil {
		_ = inputReader.Close()
		_ = inputWriter.Close()
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	return &serialConsole{
		guestIn:  inputReader,
		guestOut: outputWriter,
		hostIn:   inputWriter,
		hostOut:  outputReader,
		host:     []io.Closer{inputWriter, outputReader},
		guest:    []io.Closer{inputReader, outputWriter},
	}, nil
}

// newPTYConsole attaches the guest to the master side. The slave stays open
// so reads on the master do not fail before someone connects to PTYPath.
func newPTYConsole() (*serialConsole, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	if _, err := term.MakeRaw(int(tty.Fd())); err != nil {
		_ = ptmx.Close()
		_ = tty.Close()
		return nil, fmt.Errorf("set pty raw mode: %w", err)
	}
	return &serialConsole{
		guestIn:  ptmx,
		guestOut: ptmx,
		hostIn:   tty,
		hostOut:  tty,
		host:     []io.Closer{tty},
		guest:    []io.Closer{ptmx},
		ptyPath:  tty.Name(),
	}, nil
}

func (c *serialConsole) handles() (io.Writer, io.Reader, error) {
	if c == nil {
		return nil, nil, ErrNoConsole
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hostIn == nil || c.hostOut == nil {
		return nil, nil, errors.New("console closed")
	}
	return c.hostIn, c.hostOut, nil
}

func (c *serialConsole) path() string {
	if c == nil {
		return ""
	}
	return c.ptyPath
}

// closeHost releases the host side only, unblocking readers and writers.
func (c *serialConsole) closeHost() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	err := closeAll(c.host)
	c.host = nil
	c.hostIn, c.hostOut = nil, nil
	return err
}

// Close releases both sides. Call it only once the guest has stopped.
func (c *serialConsole) Close() error {
	if c == nil {
		return nil
	}
	err := c.closeHost()
	c.mu.Lock()
	defer c.mu.Unlock()
	if gerr := closeAll(c.guest); gerr != nil {
		err = errors.Join(err, gerr)
	}
	c.guest = nil
	return err
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for _, cl := range closers {
		if err := cl.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close console: %w", errors.Join(errs...))
	}
	return nil
}
