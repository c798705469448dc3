package terminal

import (
	"io"
	"strings"
	"sync"
	"time"
)

// Escape is the key sequence that detaches from a console: Count presses of
// Char, each within Timeout of the previous one.
type Escape struct {
	Char    byte
	Count   int
	Timeout time.Duration
}

// DefaultEscape is Ctrl+] pressed twice.
var DefaultEscape = Escape{Char: 0x1D, Count: 2, Timeout: 500 * time.Millisecond}

// Hint renders the sequence for humans, e.g. "Ctrl+] Ctrl+]".
func (e Escape) Hint() string {
	key := string(e.Char)
	if e.Char < 0x20 {
		key = "Ctrl+" + string(e.Char+0x40)
	}
	keys := make([]string, e.Count)
	for i := range keys {
		keys[i] = key
	}
	return strings.Join(keys, " ")
}

// EscapeReader passes bytes through from r until the escape sequence is read.
// Escape bytes that turn out not to be part of a sequence are passed on
// unchanged. After the sequence, Escaped is closed and Read returns io.EOF.
type EscapeReader struct {
	r       io.Reader
	esc     Escape
	now     func() time.Time
	escaped chan struct{}
	once    sync.Once

	held    int // escape bytes read but not yet passed on
	last    time.Time
	pending []byte
	err     error
}

// NewEscapeReader wraps r with the given escape sequence.
func NewEscapeReader(r io.Reader, esc Escape) *EscapeReader {
	return &EscapeReader{
		r:       r,
		esc:     esc,
		now:     time.Now,
		escaped: make(chan struct{}),
	}
}

// Escaped returns a channel that is closed when the escape sequence is detected.
func (e *EscapeReader) Escaped() <-chan struct{} {
	return e.escaped
}

func (e *EscapeReader) Read(p []byte) (int, error) {
	if len(e.pending) > 0 {
		n := copy(p, e.pending)
		e.pending = e.pending[n:]
		return n, nil
	}
	if e.err != nil {
		return 0, e.err
	}

	buf := make([]byte, len(p))
	n, err := e.r.Read(buf)
	out := make([]byte, 0, n+e.held)
	for _, b := range buf[:n] {
		if b != e.esc.Char {
			out = append(e.release(out), b)
			continue
		}
		now := e.now()
		if e.held > 0 && now.Sub(e.last) > e.esc.Timeout {
			out = e.release(out)
		}
		e.held++
		e.last = now
		if e.held >= e.esc.Count {
			e.held = 0
			e.once.Do(func() { close(e.escaped) })
			err = io.EOF
			break
		}
	}
	if err != nil {
		// Nothing more can complete a sequence.
		out = e.release(out)
		e.err = err
	}

	c := copy(p, out)
	e.pending = out[c:]
	if c == 0 && len(e.pending) == 0 {
		return 0, e.err
	}
	return c, nil
}

func (e *EscapeReader) release(out []byte) []byte {
	for ; e.held > 0; e.held-- {
		out = append(out, e.esc.Char)
	}
	return out
}
