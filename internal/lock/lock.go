// Package lock keeps two processes from running the same VM spec at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

const retryDelay = 100 * time.Millisecond

// ErrBusy is returned by TryLock when another holder has the lock.
var ErrBusy = errors.New("lock: spec is in use")

// Lock is an flock(2) on "<spec>.lock". A fresh fd is opened on every
// acquisition, so two Locks on one path exclude each other even in a
// single process.
type Lock struct {
	path string
	fl   *flock.Flock
}

// ForSpec returns the lock guarding the spec document at specPath.
func ForSpec(specPath string) *Lock {
	return &Lock{path: specPath + ".lock"}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Lock blocks until the lock is acquired or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	if l.fl != nil {
		return nil
	}
	fl := flock.New(l.path)
	ok, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		return fmt.Errorf("acquire flock %s: %w", l.path, err)
	}
	if !ok {
		return fmt.Errorf("acquire flock %s: %w", l.path, ctx.Err())
	}
	l.fl = fl
	return nil
}

// TryLock acquires the lock without waiting. It returns ErrBusy when someone
// else holds it.
func (l *Lock) TryLock(_ context.Context) error {
	if l.fl != nil {
		return nil
	}
	fl := flock.New(l.path)
	ok, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquire flock %s: %w", l.path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBusy, l.path)
	}
	l.fl = fl
	return nil
}

// Unlock releases the lock. Unlocking a lock that is not held is a no-op.
func (l *Lock) Unlock(_ context.Context) error {
	if l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	if err != nil {
		return fmt.Errorf("release flock %s: %w", l.path, err)
	}
	return nil
}
