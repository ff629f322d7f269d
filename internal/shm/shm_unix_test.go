//go:build unix

package shm

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type PlatformTestSuite struct {
	suite.Suite
	name string
}

func (s *PlatformTestSuite) SetupTest() {
	s.name = fmt.Sprintf("shmnet_test_%d_%d", os.Getpid(), time.Now().UnixNano())
}

func (s *PlatformTestSuite) TearDownTest() {
	_ = Remove(s.name)
	_ = Remove(s.name + "_mutex")
}

func (s *PlatformTestSuite) TestRegionIsShared() {
	ctx := context.Background()
	a, err := MapRegion(ctx, MapOptions{Name: s.name, Size: 256, Create: true})
	s.Require().NoError(err)
	defer UnmapRegion(ctx, a) //nolint:errcheck

	b, err := MapRegion(ctx, MapOptions{Name: s.name, Size: 256})
	s.Require().NoError(err)
	defer UnmapRegion(ctx, b) //nolint:errcheck

	copy(a.Addr, "shared")
	s.Equal("shared", string(b.Addr[:6]))
	s.Equal(RegionPath(s.name), a.Path)
}

func (s *PlatformTestSuite) TestOpenMissingRegion() {
	_, err := MapRegion(context.Background(), MapOptions{Name: s.name, Size: 64})
	s.ErrorIs(err, ErrRegionNotFound)
}

func (s *PlatformTestSuite) TestOpenRegionTooSmall() {
	ctx := context.Background()
	a, err := MapRegion(ctx, MapOptions{Name: s.name, Size: 64, Create: true})
	s.Require().NoError(err)
	defer UnmapRegion(ctx, a) //nolint:errcheck

	_, err = MapRegion(ctx, MapOptions{Name: s.name, Size: 1 << 16})
	s.ErrorIs(err, ErrRegionTooSmall)

	// Create never resizes a region someone else made
	_, err = MapRegion(ctx, MapOptions{Name: s.name, Size: 1 << 16, Create: true})
	s.ErrorIs(err, ErrRegionTooSmall)
	info, err := os.Stat(a.Path)
	s.Require().NoError(err)
	s.Equal(int64(64), info.Size())
}

func (s *PlatformTestSuite) TestOpenLargerRegionMapsRealSize() {
	ctx := context.Background()
	a, err := MapRegion(ctx, MapOptions{Name: s.name, Size: 4096, Create: true})
	s.Require().NoError(err)
	defer UnmapRegion(ctx, a) //nolint:errcheck

	b, err := MapRegion(ctx, MapOptions{Name: s.name, Size: 256, Create: true})
	s.Require().NoError(err)
	defer UnmapRegion(ctx, b) //nolint:errcheck
	s.Len(b.Addr, 4096)
}

func (s *PlatformTestSuite) TestOpenUnsizedRegionTimesOut() {
	f, err := os.OpenFile(RegionPath(s.name), os.O_CREATE|os.O_RDWR, 0o660)
	s.Require().NoError(err)
	s.Require().NoError(f.Close())

	start := time.Now()
	_, err = MapRegion(context.Background(), MapOptions{Name: s.name, Size: 64, Create: true})
	s.ErrorIs(err, ErrRegionTooSmall)
	s.GreaterOrEqual(time.Since(start), sizeSettleTimeout/2)
}

func (s *PlatformTestSuite) TestInvalidSize() {
	_, err := MapRegion(context.Background(), MapOptions{Name: s.name, Size: 0, Create: true})
	s.Error(err)
}

func (s *PlatformTestSuite) TestUnmapTwice() {
	ctx := context.Background()
	a, err := MapRegion(ctx, MapOptions{Name: s.name, Size: 64, Create: true})
	s.Require().NoError(err)
	s.NoError(UnmapRegion(ctx, a))
	s.NoError(UnmapRegion(ctx, a))
}

func (s *PlatformTestSuite) TestMutexLockUnlock() {
	m, err := OpenMutex(s.name + "_mutex")
	s.Require().NoError(err)
	defer m.Close() //nolint:errcheck

	abandoned, err := m.Lock(context.Background(), time.Second)
	s.Require().NoError(err)
	s.False(abandoned)
	s.NoError(m.Unlock())
	s.ErrorIs(m.Unlock(), ErrNotOwner)
}

func (s *PlatformTestSuite) TestMutexExcludesOtherHandles() {
	a, err := OpenMutex(s.name + "_mutex")
	s.Require().NoError(err)
	defer a.Close() //nolint:errcheck
	b, err := OpenMutex(s.name + "_mutex")
	s.Require().NoError(err)
	defer b.Close() //nolint:errcheck

	_, err = a.Lock(context.Background(), 0)
	s.Require().NoError(err)

	_, err = b.Lock(context.Background(), 0)
	s.ErrorIs(err, ErrLockTimeout)

	start := time.Now()
	_, err = b.Lock(context.Background(), 30*time.Millisecond)
	s.ErrorIs(err, ErrLockTimeout)
	s.GreaterOrEqual(time.Since(start), 20*time.Millisecond)
	s.Less(time.Since(start), time.Second)

	s.NoError(a.Unlock())
	_, err = b.Lock(context.Background(), time.Second)
	s.NoError(err)
	s.NoError(b.Unlock())
}

func (s *PlatformTestSuite) TestMutexWaitsForRelease() {
	a, err := OpenMutex(s.name + "_mutex")
	s.Require().NoError(err)
	defer a.Close() //nolint:errcheck
	b, err := OpenMutex(s.name + "_mutex")
	s.Require().NoError(err)
	defer b.Close() //nolint:errcheck

	_, err = a.Lock(context.Background(), Infinite)
	s.Require().NoError(err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = a.Unlock()
	}()
	_, err = b.Lock(context.Background(), Infinite)
	s.NoError(err)
	s.NoError(b.Unlock())
}

func (s *PlatformTestSuite) TestMutexContextCancel() {
	a, err := OpenMutex(s.name + "_mutex")
	s.Require().NoError(err)
	defer a.Close() //nolint:errcheck
	b, err := OpenMutex(s.name + "_mutex")
	s.Require().NoError(err)
	defer b.Close() //nolint:errcheck

	_, err = a.Lock(context.Background(), 0)
	s.Require().NoError(err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Lock(ctx, Infinite)
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *PlatformTestSuite) TestMutexSerialisesGoroutinesSharingHandle() {
	m, err := OpenMutex(s.name + "_mutex")
	s.Require().NoError(err)
	defer m.Close() //nolint:errcheck

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 50; k++ {
				if _, err := m.Lock(context.Background(), Infinite); err != nil {
					return
				}
				mu.Lock()
				inside++
				maxSeen = max(maxSeen, inside)
				mu.Unlock()
				runtime.Gosched()
				mu.Lock()
				inside--
				mu.Unlock()
				_ = m.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(1, maxSeen)
}

func (s *PlatformTestSuite) TestMutexAbandoned() {
	owner, err := OpenMutex(s.name + "_mutex")
	s.Require().NoError(err)
	_, err = owner.Lock(context.Background(), 0)
	s.Require().NoError(err)
	owner.abandon()

	next, err := OpenMutex(s.name + "_mutex")
	s.Require().NoError(err)
	defer next.Close() //nolint:errcheck

	abandoned, err := next.Lock(context.Background(), time.Second)
	s.Require().NoError(err)
	s.True(abandoned)
	s.NoError(next.Unlock())

	abandoned, err = next.Lock(context.Background(), time.Second)
	s.Require().NoError(err)
	s.False(abandoned)
	s.NoError(next.Unlock())
}

func (s *PlatformTestSuite) TestMutexClosed() {
	m, err := OpenMutex(s.name + "_mutex")
	s.Require().NoError(err)
	_, err = m.Lock(context.Background(), 0)
	s.Require().NoError(err)
	s.NoError(m.Close())
	s.NoError(m.Close())

	_, err = m.Lock(context.Background(), 0)
	s.ErrorIs(err, ErrClosed)

	// Close released the lock rather than abandoning it.
	other, err := OpenMutex(s.name + "_mutex")
	s.Require().NoError(err)
	defer other.Close() //nolint:errcheck
	abandoned, err := other.Lock(context.Background(), 0)
	s.NoError(err)
	s.False(abandoned)
}

func TestPlatformTestSuite(t *testing.T) {
	suite.Run(t, new(PlatformTestSuite))
}

func TestAtomicHelpers(t *testing.T) {
	b := make([]uint32, 2)
	raw := unsafeBytes(b)
	AtomicStoreUint32(raw, 4, 7)
	assert.Equal(t, uint32(7), AtomicLoadUint32(raw, 4))
	assert.Equal(t, uint32(7), b[1])
	assert.Zero(t, AtomicLoadUint32(raw, 0))
}

func TestCanCreateOnDevShm(t *testing.T) {
	assert.True(t, canCreateOnDevShm(math.MaxUint64, "not_on_dev_shm"))
	if runtime.GOOS != "linux" {
		return
	}
	stat, err := disk.Usage("/dev/shm")
	if err != nil {
		t.Skipf("/dev/shm unavailable: %v", err)
	}
	assert.True(t, canCreateOnDevShm(stat.Free/2, "/dev/shm/xxx"))
	assert.False(t, canCreateOnDevShm(math.MaxUint64, "/dev/shm/yyy"))
}
