package vm

import (
	"errors"
	"fmt"
)

// State represents the instance lifecycle state.
type State int

const (
	StateUnconfigured State = iota // spec attached, never started
	StateStarting                  // engine start requested
	StateRunning                   // engine reports the guest started
	StateStopping                  // stop requested
	StateStopped                   // engine handle released
	StateFailed                    // last start or stop failed; restartable
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// canStart reports whether a new engine handle may be acquired from s.
func (s State) canStart() bool {
	return s == StateUnconfigured || s == StateStopped || s == StateFailed
}

// ErrClosed is returned for operations submitted after Close.
var ErrClosed = errors.New("vm: instance closed")

// StateError reports a lifecycle operation that is invalid in the current state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("vm: cannot %s while %s", e.Op, e.State)
}

// EngineError wraps a failure reported by the virtualization engine.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("vm: engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// IsStateError reports whether err is or wraps a *StateError.
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
