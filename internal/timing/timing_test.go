package timing

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func fakeClock(steps ...time.Duration) func() time.Time {
	now := time.Unix(1000, 0)
	i := 0
	return func() time.Time {
		if i > 0 && i <= len(steps) {
			now = now.Add(steps[i-1])
		}
		i++
		return now
	}
}

func TestTimerMark(t *testing.T) {
	timer := newWithClock(fakeClock(10*time.Millisecond, 1500*time.Millisecond))
	timer.Mark("load")
	timer.Mark("start")

	phases := timer.Phases()
	if len(phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(phases))
	}
	if phases[0].Name != "load" || phases[0].Duration != 10*time.Millisecond {
		t.Errorf("phase 0 = %+v", phases[0])
	}
	if phases[1].Name != "start" || phases[1].Duration != 1500*time.Millisecond {
		t.Errorf("phase 1 = %+v", phases[1])
	}
	if got := timer.Total(); got != 1510*time.Millisecond {
		t.Errorf("Total = %s", got)
	}
}

func TestReport(t *testing.T) {
	timer := newWithClock(fakeClock(500*time.Microsecond, 20*time.Millisecond))
	timer.Mark("configure")
	timer.Mark("engine")

	var buf bytes.Buffer
	timer.Report(&buf)
	out := buf.String()
	for _, want := range []string{"configure:", "500us", "engine:", "20ms", "total:"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestNilTimer(t *testing.T) {
	var timer *Timer
	timer.Mark("ignored")
	if timer.Phases() != nil || timer.Total() != 0 {
		t.Error("nil timer should record nothing")
	}
	var buf bytes.Buffer
	timer.Report(&buf)
	if buf.Len() != 0 {
		t.Errorf("nil timer wrote %q", buf.String())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Microsecond, "250us"},
		{42 * time.Millisecond, "42ms"},
		{2500 * time.Millisecond, "2.50s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
