package shm

import (
	"context"
	"errors"
	"fmt"
	"time"

	internalshm "github.com/srediag/shmnet/internal/shm"
)

// Infinite makes TryLock wait until the mutex is acquired or ctx is done.
const Infinite = internalshm.Infinite

// MutexSuffix is appended to a channel name to name its guarding mutex.
const MutexSuffix = "_mutex"

// LockOutcome is the result of one acquisition attempt.
type LockOutcome int

const (
	Acquired LockOutcome = iota
	AcquiredAbandoned
	TimedOut
	Failed
)

func (o LockOutcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case AcquiredAbandoned:
		return "acquired_abandoned"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Held reports whether the outcome leaves the mutex held by the caller.
func (o LockOutcome) Held() bool {
	return o == Acquired || o == AcquiredAbandoned
}

// Mutex is a named cross-process mutex. Any process that opens the same name
// contends for the same lock.
type Mutex struct {
	m *internalshm.NamedMutex
}

// OpenMutex creates the named mutex if it does not exist and opens it.
func OpenMutex(name string) (*Mutex, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrMutexUnavailable)
	}
	m, err := internalshm.OpenMutex(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMutexUnavailable, err)
	}
	return &Mutex{m: m}, nil
}

func (m *Mutex) Name() string {
	return m.m.Name()
}

// TryLock waits up to timeout for the mutex. A zero timeout makes a single attempt,
// Infinite waits until ctx is done.
//
// AcquiredAbandoned comes with ErrLockAbandoned; the mutex is held and must be released.
func (m *Mutex) TryLock(ctx context.Context, timeout time.Duration) (LockOutcome, error) {
	abandoned, err := m.m.Lock(ctx, timeout)
	switch {
	case err == nil && abandoned:
		return AcquiredAbandoned, ErrLockAbandoned
	case err == nil:
		return Acquired, nil
	case errors.Is(err, internalshm.ErrLockTimeout):
		return TimedOut, ErrLockTimeout
	default:
		return Failed, lockError(m.Name(), err)
	}
}

// Release gives up a mutex acquired through this guard.
func (m *Mutex) Release() error {
	if err := m.m.Unlock(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLockReleaseFailed, m.Name(), err)
	}
	return nil
}

// Close releases the mutex if held and closes the handle.
func (m *Mutex) Close() error {
	if err := m.m.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrCloseFailed, err)
	}
	return nil
}
