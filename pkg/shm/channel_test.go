package shm

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmnet/internal/wire"
	"github.com/srediag/shmnet/pkg/metrics"
)

var nameSeq atomic.Int64

func uniqueName() string {
	return fmt.Sprintf("shmnet_pkg_%d_%d", os.Getpid(), nameSeq.Add(1))
}

type recorded struct {
	mu  sync.Mutex
	obs []metrics.Observation
}

func (r *recorded) Observe(o metrics.Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, o)
}

func (r *recorded) last() metrics.Observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.obs[len(r.obs)-1]
}

type ChannelTestSuite struct {
	suite.Suite
	ctx  context.Context
	name string
	rec  *recorded
	ch   *Channel
}

func (s *ChannelTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.name = uniqueName()
	s.rec = &recorded{}
	cfg := DefaultConfig(s.name)
	cfg.Size = 64
	cfg.Recorder = s.rec
	ch, err := Open(s.ctx, cfg)
	s.Require().NoError(err)
	s.ch = ch
}

func (s *ChannelTestSuite) TearDownTest() {
	s.NoError(s.ch.Close())
	s.NoError(Remove(s.name))
}

func (s *ChannelTestSuite) peer() *Channel {
	cfg := DefaultConfig(s.name)
	cfg.Size = 64
	cfg.Create = false
	ch, err := Open(s.ctx, cfg)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = ch.Close() })
	return ch
}

func (s *ChannelTestSuite) TestFreshRegionIsEmpty() {
	n, err := s.ch.Size(s.ctx)
	s.NoError(err)
	s.Zero(n)

	msg, err := s.ch.ReadMessage(s.ctx)
	s.NoError(err)
	s.NotNil(msg)
	s.Empty(msg)

	arr, err := s.ch.ReadArray(s.ctx)
	s.NoError(err)
	s.Empty(arr)
}

func (s *ChannelTestSuite) TestArrayRoundTrip() {
	in := []float64{0, 1, 1, 2, 3, 5, 8, 13, 21, 34}
	s.Require().NoError(s.ch.WriteArray(s.ctx, in[:7]))

	n, err := s.ch.Size(s.ctx)
	s.NoError(err)
	s.Equal(56, n)

	out, err := s.peer().ReadArray(s.ctx)
	s.NoError(err)
	s.Equal(in[:7], out)

	again, err := s.ch.ReadArray(s.ctx)
	s.NoError(err)
	s.Equal(out, again)
}

func (s *ChannelTestSuite) TestArrayPreservesBits() {
	in := []float64{math.NaN(), math.Inf(-1), math.Copysign(0, -1)}
	s.Require().NoError(s.ch.WriteArray(s.ctx, in))
	out, err := s.ch.ReadArray(s.ctx)
	s.Require().NoError(err)
	for i := range in {
		s.Equal(math.Float64bits(in[i]), math.Float64bits(out[i]))
	}
}

func (s *ChannelTestSuite) TestMessageRoundTrip() {
	s.Require().NoError(s.ch.WriteString(s.ctx, "Hello"))

	n, err := s.ch.Size(s.ctx)
	s.NoError(err)
	s.Equal(6, n)
	s.Equal(byte(0), s.ch.region.Addr[wire.HeaderSize+5])

	got, err := s.peer().ReadString(s.ctx)
	s.NoError(err)
	s.Equal("Hello", got)

	s.Require().NoError(s.ch.WriteMessage(s.ctx, nil))
	n, err = s.ch.Size(s.ctx)
	s.NoError(err)
	s.Equal(1, n)
	got, err = s.ch.ReadString(s.ctx)
	s.NoError(err)
	s.Equal("", got)
}

func (s *ChannelTestSuite) TestLastWriteWins() {
	s.Require().NoError(s.ch.WriteArray(s.ctx, []float64{1, 2, 3, 4}))
	s.Require().NoError(s.peer().WriteArray(s.ctx, []float64{9}))
	out, err := s.ch.ReadArray(s.ctx)
	s.NoError(err)
	s.Equal([]float64{9}, out)
}

func (s *ChannelTestSuite) TestCapacityExceededLeavesRegionUnchanged() {
	// 60 byte capacity: 7 values fit, 8 do not. A 59 byte message fits with its terminator.
	s.NoError(s.ch.WriteArray(s.ctx, make([]float64, 7)))
	s.NoError(s.ch.WriteMessage(s.ctx, make([]byte, 59)))
	s.Require().NoError(s.ch.WriteString(s.ctx, "keep"))

	err := s.ch.WriteArray(s.ctx, make([]float64, 8))
	s.ErrorIs(err, ErrCapacityExceeded)
	s.Equal(CodeCapacityExceeded, CodeOf(err))
	s.Equal(metrics.OutcomeError, s.rec.last().Outcome)

	err = s.ch.WriteMessage(s.ctx, make([]byte, 60))
	s.ErrorIs(err, ErrCapacityExceeded)

	got, err := s.ch.ReadString(s.ctx)
	s.NoError(err)
	s.Equal("keep", got)
}

func (s *ChannelTestSuite) TestMessageReadAsArrayIsProtocolViolation() {
	s.Require().NoError(s.ch.WriteString(s.ctx, "abc"))
	_, err := s.ch.ReadArray(s.ctx)
	s.ErrorIs(err, ErrProtocolViolation)
	s.Equal(CodeProtocolViolation, CodeOf(err))
}

func (s *ChannelTestSuite) TestCorruptLengthIsProtocolViolation() {
	wire.PutRegionSize(s.ch.region.Addr, 1000)
	_, err := s.ch.ReadMessage(s.ctx)
	s.ErrorIs(err, ErrProtocolViolation)
	_, err = s.ch.ReadArray(s.ctx)
	s.ErrorIs(err, ErrProtocolViolation)
}

func (s *ChannelTestSuite) TestLockTimeout() {
	other, err := OpenMutex(s.name + MutexSuffix)
	s.Require().NoError(err)
	defer other.Close() //nolint:errcheck

	outcome, err := other.TryLock(s.ctx, 0)
	s.Require().NoError(err)
	s.Equal(Acquired, outcome)

	s.ch.cfg.LockTimeout = 20 * time.Millisecond
	start := time.Now()
	err = s.ch.WriteString(s.ctx, "blocked")
	s.ErrorIs(err, ErrLockTimeout)
	s.Equal(CodeTimeout, CodeOf(err))
	s.Less(time.Since(start), time.Second)
	s.Equal(metrics.OutcomeTimeout, s.rec.last().Outcome)

	s.NoError(other.Release())
	n, err := s.ch.Size(s.ctx)
	s.NoError(err)
	s.Zero(n)
}

func (s *ChannelTestSuite) TestConcurrentWritersNeverTear() {
	peer := s.peer()
	var wg sync.WaitGroup
	for w, ch := range []*Channel{s.ch, peer, s.ch, peer} {
		wg.Add(1)
		go func(w int, ch *Channel) {
			defer wg.Done()
			v := float64(w + 1)
			for i := 0; i < 200; i++ {
				_ = ch.WriteArray(s.ctx, []float64{v, v, v, v, v, v})
			}
		}(w, ch)
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	var torn atomic.Int64
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			out, err := peer.ReadArray(s.ctx)
			if err != nil || len(out) == 0 {
				continue
			}
			for _, x := range out {
				if x != out[0] {
					torn.Add(1)
				}
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-done
	s.Zero(torn.Load())
}

func (s *ChannelTestSuite) TestCloseEndsLockWait() {
	other, err := OpenMutex(s.name + MutexSuffix)
	s.Require().NoError(err)
	defer other.Close() //nolint:errcheck
	outcome, err := other.TryLock(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().Equal(Acquired, outcome)
	defer other.Release() //nolint:errcheck

	s.ch.cfg.LockTimeout = Infinite
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- s.ch.WriteString(context.Background(), "waiting")
	}()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- s.ch.Close() }()
	select {
	case err := <-closed:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.FailNow("Close blocked behind a lock wait")
	}
	s.ErrorIs(<-writeErr, ErrClosed)
}

func (s *ChannelTestSuite) TestClosed() {
	s.NoError(s.ch.Close())
	s.NoError(s.ch.Close())
	_, err := s.ch.ReadArray(s.ctx)
	s.ErrorIs(err, ErrClosed)
}

func (s *ChannelTestSuite) TestObservations() {
	s.Require().NoError(s.ch.WriteArray(s.ctx, []float64{1, 2}))
	o := s.rec.last()
	s.Equal(metrics.KindSharedMap, o.Kind)
	s.Equal(s.name, o.Channel)
	s.Equal("write_array", o.Op)
	s.Equal(16, o.Bytes)
}

func TestChannelTestSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}

func TestVerifyConfig(t *testing.T) {
	assert.NoError(t, VerifyConfig(DefaultConfig("x")))

	cfg := DefaultConfig("")
	assert.Error(t, VerifyConfig(cfg))

	cfg = DefaultConfig("x")
	cfg.Size = 4
	assert.Error(t, VerifyConfig(cfg))

	cfg = DefaultConfig("x")
	cfg.LockTimeout = -5
	assert.Error(t, VerifyConfig(cfg))
	cfg.LockTimeout = Infinite
	assert.NoError(t, VerifyConfig(cfg))
}

func TestOpenMissingRegion(t *testing.T) {
	cfg := DefaultConfig(uniqueName())
	cfg.Create = false
	_, err := Open(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrResourceUnavailable)
	assert.Equal(t, CodeOpenMapFailed, CodeOf(err))
}

func TestCodeOf(t *testing.T) {
	cases := map[error]Code{
		nil:                    CodeOK,
		ErrResourceUnavailable: CodeOpenMapFailed,
		ErrMutexUnavailable:    CodeOpenMutexFailed,
		ErrLockAbandoned:       CodeAbandoned,
		ErrLockTimeout:         CodeTimeout,
		ErrLockFailed:          CodeWaitFailed,
		ErrLockReleaseFailed:   CodeReleaseFailed,
		ErrCloseFailed:         CodeCloseFailed,
		ErrProtocolViolation:   CodeProtocolViolation,
		ErrCapacityExceeded:    CodeCapacityExceeded,
	}
	for err, want := range cases {
		assert.Equal(t, want, CodeOf(err), "%v", err)
	}
	assert.Equal(t, CodeTimeout, CodeOf(fmt.Errorf("write: %w", ErrLockTimeout)))
	assert.Equal(t, "abandoned", CodeAbandoned.String())
}

func TestMutexRelease(t *testing.T) {
	name := uniqueName() + MutexSuffix
	m, err := OpenMutex(name)
	require.NoError(t, err)
	defer Remove(name) //nolint:errcheck
	defer m.Close()    //nolint:errcheck

	assert.ErrorIs(t, m.Release(), ErrLockReleaseFailed)
	assert.Equal(t, CodeReleaseFailed, CodeOf(m.Release()))

	outcome, err := m.TryLock(context.Background(), Infinite)
	require.NoError(t, err)
	assert.True(t, outcome.Held())
	assert.Equal(t, "acquired", outcome.String())
	assert.NoError(t, m.Release())
}

const helperEnv = "SHMNET_ABANDON_HELPER"

// TestAbandonHelper runs in a child process: it takes the channel mutex, writes a
// sample and exits without releasing.
func TestAbandonHelper(t *testing.T) {
	name := os.Getenv(helperEnv)
	if name == "" {
		t.Skip("helper process only")
	}
	ctx := context.Background()
	ch, err := Open(ctx, DefaultConfig(name))
	if err != nil {
		os.Exit(2)
	}
	if err := ch.WriteArray(ctx, []float64{42}); err != nil {
		os.Exit(3)
	}
	if _, err := ch.mutex.TryLock(ctx, Infinite); err != nil {
		os.Exit(4)
	}
	os.Exit(0)
}

func TestAbandonedMutexStillCompletes(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a child process")
	}
	name := uniqueName()
	ctx := context.Background()
	ch, err := Open(ctx, DefaultConfig(name))
	require.NoError(t, err)
	defer Remove(name) //nolint:errcheck
	defer ch.Close()   //nolint:errcheck

	cmd := exec.Command(os.Args[0], "-test.run=^TestAbandonHelper$")
	cmd.Env = append(os.Environ(), helperEnv+"="+name)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))

	v, err := ch.ReadArray(ctx)
	assert.ErrorIs(t, err, ErrLockAbandoned)
	assert.Equal(t, CodeAbandoned, CodeOf(err))
	assert.Equal(t, []float64{42}, v)

	v, err = ch.ReadArray(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []float64{42}, v)
}
