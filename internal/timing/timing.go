// Package timing measures the phases of a VM boot.
package timing

import (
	"fmt"
	"io"
	"time"
)

// Timer records consecutive named phases. A nil *Timer ignores every call,
// so callers can leave timing off without branching.
type Timer struct {
	now    func() time.Time
	start  time.Time
	last   time.Time
	phases []Phase
}

// Phase is one named step and how long it took.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a new Timer starting from now.
func New() *Timer {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Timer {
	t := now()
	return &Timer{now: now, start: t, last: t}
}

// Mark ends the current phase under name and starts the next one.
func (t *Timer) Mark(name string) {
	if t == nil {
		return
	}
	now := t.now()
	t.phases = append(t.phases, Phase{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

// Total returns the time from New to the last Mark.
func (t *Timer) Total() time.Duration {
	if t == nil {
		return 0
	}
	return t.last.Sub(t.start)
}

// Phases returns all recorded phases.
func (t *Timer) Phases() []Phase {
	if t == nil {
		return nil
	}
	return t.phases
}

// Report writes one line per phase and a total.
func (t *Timer) Report(w io.Writer) {
	if t == nil {
		return
	}
	fmt.Fprintln(w, "Boot timing:")
	for _, p := range t.phases {
		fmt.Fprintf(w, "  %-12s %s\n", p.Name+":", formatDuration(p.Duration))
	}
	fmt.Fprintf(w, "  %-12s %s\n", "total:", formatDuration(t.Total()))
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dus", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
