package shm

import (
	"errors"
	"fmt"

	internalshm "github.com/srediag/shmnet/internal/shm"
)

var (
	// ErrResourceUnavailable is returned when the region cannot be created or opened.
	ErrResourceUnavailable = errors.New("shared map unavailable")
	// ErrMutexUnavailable is returned when the named mutex cannot be created or opened.
	ErrMutexUnavailable = errors.New("shared map mutex unavailable")
	// ErrLockTimeout is returned when the mutex was not acquired within the timeout.
	// The operation was not performed.
	ErrLockTimeout = errors.New("timed out acquiring shared map mutex")
	// ErrLockAbandoned is returned together with a valid result when the previous owner
	// exited while holding the mutex. The operation was performed.
	ErrLockAbandoned = errors.New("shared map mutex was abandoned by its previous owner")
	// ErrLockFailed is returned when waiting on the mutex failed for any other reason.
	ErrLockFailed = errors.New("waiting on shared map mutex failed")
	// ErrLockReleaseFailed is returned when the mutex could not be released.
	ErrLockReleaseFailed = errors.New("releasing shared map mutex failed")
	// ErrCloseFailed is returned when a handle could not be closed.
	ErrCloseFailed = errors.New("closing shared map failed")
	// ErrProtocolViolation is returned when the stored length is inconsistent with the read.
	ErrProtocolViolation = errors.New("shared map holds data inconsistent with the read")
	// ErrCapacityExceeded is returned when a payload does not fit the region.
	ErrCapacityExceeded = errors.New("payload exceeds shared map capacity")
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("shared map channel is closed")
)

// Code is the integer status used by native peers of the channel.
type Code int

const (
	CodeOK                Code = 1
	CodeOpenMapFailed     Code = -1
	CodeOpenMutexFailed   Code = -2
	CodeAbandoned         Code = -3
	CodeTimeout           Code = -4
	CodeWaitFailed        Code = -5
	CodeReleaseFailed     Code = -6
	CodeCloseFailed       Code = -7
	CodeProtocolViolation Code = -8
	CodeCapacityExceeded  Code = -9
)

// CodeOf maps an error returned by this package to its status code. Errors that belong
// to no known class map to CodeWaitFailed.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrLockTimeout):
		return CodeTimeout
	case errors.Is(err, ErrLockReleaseFailed):
		return CodeReleaseFailed
	case errors.Is(err, ErrLockAbandoned):
		return CodeAbandoned
	case errors.Is(err, ErrResourceUnavailable):
		return CodeOpenMapFailed
	case errors.Is(err, ErrMutexUnavailable):
		return CodeOpenMutexFailed
	case errors.Is(err, ErrCloseFailed):
		return CodeCloseFailed
	case errors.Is(err, ErrProtocolViolation):
		return CodeProtocolViolation
	case errors.Is(err, ErrCapacityExceeded):
		return CodeCapacityExceeded
	default:
		return CodeWaitFailed
	}
}

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeOpenMapFailed:
		return "open map failed"
	case CodeOpenMutexFailed:
		return "open mutex failed"
	case CodeAbandoned:
		return "abandoned"
	case CodeTimeout:
		return "timeout"
	case CodeWaitFailed:
		return "wait failed"
	case CodeReleaseFailed:
		return "release failed"
	case CodeCloseFailed:
		return "close failed"
	case CodeProtocolViolation:
		return "protocol violation"
	case CodeCapacityExceeded:
		return "capacity exceeded"
	}
	return "unknown"
}

// lockError maps a primitive-level lock error onto the package sentinels.
func lockError(name string, err error) error {
	switch {
	case errors.Is(err, internalshm.ErrLockTimeout):
		return ErrLockTimeout
	case errors.Is(err, internalshm.ErrClosed):
		return ErrClosed
	default:
		return fmt.Errorf("%w: %s: %w", ErrLockFailed, name, err)
	}
}
