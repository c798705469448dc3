package vmspec

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a malformed, missing, or out-of-range spec field.
type ValidationError struct {
	// Field is the path of the offending field, e.g. "storage[1].type".
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("vmspec: invalid %s: %s", e.Field, e.Message)
}

// ConflictError reports a field that is individually valid but collides with
// another part of the spec (second aux device, reused share tag, recovery+DFU).
type ConflictError struct {
	Field   string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("vmspec: conflict in %s: %s", e.Field, e.Message)
}

// IOError wraps a failure to read or write a spec document.
type IOError struct {
	Op   string // "read" or "write"
	Path string // empty for plain streams
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("vmspec: %s document: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("vmspec: %s document %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ClonedStorage records one storage entry that was duplicated successfully.
type ClonedStorage struct {
	Index int
	From  string
	To    string
}

// CloneError is returned by CloneAllStorage when one entry fails to duplicate.
// Cloned lists the entries copied before the failure; their files are left on
// disk for the caller to reclaim.
type CloneError struct {
	Cloned []ClonedStorage
	Index  int
	Err    error
}

func (e *CloneError) Error() string {
	done := make([]string, 0, len(e.Cloned))
	for _, c := range e.Cloned {
		done = append(done, c.To)
	}
	return fmt.Sprintf("vmspec: clone storage[%d]: %v (already cloned: [%s])",
		e.Index, e.Err, strings.Join(done, ", "))
}

func (e *CloneError) Unwrap() error { return e.Err }

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConflict reports whether err is or wraps a *ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func conflict(field, format string, args ...any) error {
	return &ConflictError{Field: field, Message: fmt.Sprintf(format, args...)}
}
