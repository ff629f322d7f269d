//go:build unix

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// mutex state file layout: held flag | owner pid
const (
	stateHeldOffset  = 0
	stateOwnerOffset = 4
	stateSize        = 16
)

var errWouldBlock = errors.New("mutex busy")

// NamedMutex is a cross-process mutex identified by name.
//
// Exclusion comes from flock(2) on a small state file next to the regions. flock is
// released by the kernel when the owner dies, so the held flag inside the file is what
// tells the next owner that the previous one never reached Unlock.
// flock is per open file description, so goroutines sharing one NamedMutex are
// serialised by gate first.
type NamedMutex struct {
	name  string
	path  string
	fd    int
	state []byte
	gate  chan struct{}

	held   atomic.Bool
	closed atomic.Bool
}

// OpenMutex creates the named mutex if needed and opens it.
func OpenMutex(name string) (*NamedMutex, error) {
	path := RegionPath(name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, fileMode)
	if err != nil {
		return nil, fmt.Errorf("open mutex %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fstat mutex %s: %w", path, err)
	}
	if st.Size < stateSize {
		if err := unix.Ftruncate(fd, stateSize); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("ftruncate mutex %s: %w", path, err)
		}
	}
	state, err := unix.Mmap(fd, 0, stateSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap mutex %s: %w", path, err)
	}
	return &NamedMutex{
		name:  name,
		path:  path,
		fd:    fd,
		state: state,
		gate:  make(chan struct{}, 1),
	}, nil
}

func (m *NamedMutex) Name() string {
	return m.name
}

// Lock acquires the mutex, see the package notes for timeout semantics.
func (m *NamedMutex) Lock(ctx context.Context, timeout time.Duration) (abandoned bool, err error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	start := time.Now()
	if err := m.enterGate(ctx, timeout); err != nil {
		return false, err
	}
	remaining := timeout
	if timeout > 0 {
		remaining = max(timeout-time.Since(start), 0)
	}
	if err := m.flock(ctx, remaining); err != nil {
		<-m.gate
		return false, err
	}
	abandoned = AtomicLoadUint32(m.state, stateHeldOffset) != 0
	if abandoned {
		logger.Warnf("mutex %s abandoned by pid %d", m.name, AtomicLoadUint32(m.state, stateOwnerOffset))
	}
	AtomicStoreUint32(m.state, stateOwnerOffset, uint32(os.Getpid()))
	AtomicStoreUint32(m.state, stateHeldOffset, 1)
	m.held.Store(true)
	return abandoned, nil
}

func (m *NamedMutex) enterGate(ctx context.Context, timeout time.Duration) error {
	select {
	case m.gate <- struct{}{}:
		return nil
	default:
	}
	if timeout == 0 {
		return ErrLockTimeout
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case m.gate <- struct{}{}:
		return nil
	case <-expired:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *NamedMutex) flock(ctx context.Context, timeout time.Duration) error {
	try := func() error {
		err := unix.Flock(m.fd, unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
			return errWouldBlock
		default:
			return backoff.Permanent(fmt.Errorf("flock %s: %w", m.path, err))
		}
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if timeout != 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 50 * time.Microsecond
		eb.MaxInterval = 5 * time.Millisecond
		eb.RandomizationFactor = 0.2
		eb.Multiplier = 2
		eb.MaxElapsedTime = 0
		if timeout > 0 {
			eb.MaxElapsedTime = timeout
		}
		b = eb
	}

	err := backoff.Retry(try, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errWouldBlock):
		return ErrLockTimeout
	default:
		return err
	}
}

// Unlock releases a mutex acquired through this handle.
func (m *NamedMutex) Unlock() error {
	if !m.held.CompareAndSwap(true, false) {
		return ErrNotOwner
	}
	AtomicStoreUint32(m.state, stateHeldOffset, 0)
	err := unix.Flock(m.fd, unix.LOCK_UN)
	<-m.gate
	if err != nil {
		return fmt.Errorf("flock unlock %s: %w", m.path, err)
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
	if err := unix.Munmap(m.state); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("munmap mutex %s: %w", m.path, err)
	}
	if err := unix.Close(m.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close mutex %s: %w", m.path, err)
	}
	return firstErr
}

// abandon drops the handle while holding the lock, the way a crashed owner would.
func (m *NamedMutex) abandon() {
	m.closed.Store(true)
	_ = unix.Munmap(m.state)
	_ = unix.Close(m.fd)
}
