//go:build windows

package shm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/windows"
)

// NamedMutex is a Windows named mutex. Windows mutexes are owned by a thread, so the
// goroutine that locks is pinned to its OS thread until it unlocks; Unlock must be
// called from the goroutine that called Lock.
type NamedMutex struct {
	name string
	h    windows.Handle

	held   atomic.Bool
	closed atomic.Bool
}

// OpenMutex creates the named mutex if needed and opens it.
func OpenMutex(name string) (*NamedMutex, error) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("mutex name %q: %w", name, err)
	}
	h, err := windows.CreateMutex(nil, false, p)
	if err != nil && !errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		return nil, fmt.Errorf("CreateMutex %s: %w", name, err)
	}
	return &NamedMutex{name: name, h: h}, nil
}

func (m *NamedMutex) Name() string {
	return m.name
}

// Lock waits on the mutex, see the package notes for timeout semantics. The context
// is only checked before waiting.
func (m *NamedMutex) Lock(ctx context.Context, timeout time.Duration) (abandoned bool, err error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ms := uint32(windows.INFINITE)
	if timeout >= 0 {
		ms = uint32(min(timeout.Milliseconds(), math.MaxUint32-1))
	}
	runtime.LockOSThread()
	ev, err := windows.WaitForSingleObject(m.h, ms)
	switch ev {
	case windows.WAIT_OBJECT_0:
		m.held.Store(true)
		return false, nil
	case windows.WAIT_ABANDONED:
		logger.Warnf("mutex %s abandoned", m.name)
		m.held.Store(true)
		return true, nil
	case uint32(windows.WAIT_TIMEOUT):
		runtime.UnlockOSThread()
		return false, ErrLockTimeout
	default:
		runtime.UnlockOSThread()
		return false, fmt.Errorf("WaitForSingleObject %s: %w", m.name, err)
	}
}

// Unlock releases a mutex acquired through this handle.
func (m *NamedMutex) Unlock() error {
	if !m.held.CompareAndSwap(true, false) {
		return ErrNotOwner
	}
	err := windows.ReleaseMutex(m.h)
	runtime.UnlockOSThread()
	if err != nil {
		if errors.Is(err, windows.ERROR_NOT_OWNER) {
			return fmt.Errorf("ReleaseMutex %s: %w", m.name, ErrNotOwner)
		}
		return fmt.Errorf("ReleaseMutex %s: %w", m.name, err)
	}
	return nil
}

// Close releases the mutex if this handle holds it and closes the handle.
func (m *NamedMutex) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	if m.held.Load() {
		firstErr = m.Unlock()
	}
	if err := windows.CloseHandle(m.h); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("CloseHandle %s: %w", m.name, err)
	}
	return firstErr
}
