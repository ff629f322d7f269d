package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmnet/pkg/shm"
)

type ManagerTestSuite struct {
	suite.Suite
	ctx    context.Context
	m      *Manager
	mu     sync.Mutex
	beats  map[string]int
	forgot []string
}

func (s *ManagerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.beats = map[string]int{}
	s.forgot = nil
	cfg := DefaultManagerConfig()
	cfg.PoolSize = 8
	cfg.Heartbeat = func(name string) {
		s.mu.Lock()
		s.beats[name]++
		s.mu.Unlock()
	}
	cfg.Forget = func(name string) {
		s.mu.Lock()
		s.forgot = append(s.forgot, name)
		s.mu.Unlock()
	}
	m, err := NewManager(cfg)
	s.Require().NoError(err)
	s.m = m
}

func (s *ManagerTestSuite) TearDownTest() {
	s.NoError(s.m.Close())
}

func (s *ManagerTestSuite) beatCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beats[name]
}

func feedFactory(src *feed, dst *sink) Factory {
	return func(ctx context.Context, opts ...RelayOption) (*Relay, error) {
		return NewRelay(DefaultRelayConfig("r"), src, dst, opts...)
	}
}

func (s *ManagerTestSuite) TestLifecycle() {
	src, dst := newFeed(), &sink{}
	s.Require().NoError(s.m.Register("r", feedFactory(src, dst)))
	s.ErrorIs(s.m.Register("r", feedFactory(src, dst)), ErrDuplicateRelay)

	st, err := s.m.State("r")
	s.NoError(err)
	s.Equal(StateRegistered, st)

	s.Require().NoError(s.m.Start(s.ctx, "r"))
	s.NoError(s.m.Start(s.ctx, "r"))
	st, _ = s.m.State("r")
	s.Equal(StateRunning, st)

	src.ch <- []float64{1, 2}
	s.Eventually(func() bool { return len(dst.last()) == 2 }, 2*time.Second, time.Millisecond)
	s.Eventually(func() bool { return s.beatCount("r") > 0 }, time.Second, time.Millisecond)
	stats, err := s.m.Stats("r")
	s.NoError(err)
	s.Equal(uint64(1), stats.Received)

	s.NoError(s.m.Stop("r"))
	st, _ = s.m.State("r")
	s.Equal(StateStopped, st)
	s.Contains(s.forgot, "r")

	s.NoError(s.m.Reload(s.ctx, "r"))
	st, _ = s.m.State("r")
	s.Equal(StateRunning, st)

	s.Equal([]string{"r"}, s.m.IDs())
	s.NoError(s.m.Remove("r"))
	s.Empty(s.m.IDs())
	_, err = s.m.State("r")
	s.ErrorIs(err, ErrUnknownRelay)
}

func (s *ManagerTestSuite) TestUnknownRelay() {
	s.ErrorIs(s.m.Start(s.ctx, "nope"), ErrUnknownRelay)
	s.ErrorIs(s.m.Stop("nope"), ErrUnknownRelay)
	s.ErrorIs(s.m.Reload(s.ctx, "nope"), ErrUnknownRelay)
	_, err := s.m.Stats("nope")
	s.ErrorIs(err, ErrUnknownRelay)
}

func (s *ManagerTestSuite) TestFactoryFailure() {
	boom := errors.New("boom")
	s.Require().NoError(s.m.Register("bad", func(context.Context, ...RelayOption) (*Relay, error) {
		return nil, boom
	}))
	s.ErrorIs(s.m.Start(s.ctx, "bad"), boom)
	st, err := s.m.State("bad")
	s.Equal(StateFailed, st)
	s.ErrorIs(err, boom)
}

func (s *ManagerTestSuite) TestRelayFailureIsReported() {
	src := newFeed()
	dst := &sink{failOn: fmt.Errorf("sink: %w", shm.ErrClosed)}
	dst.failN.Store(1)
	s.Require().NoError(s.m.Register("f", func(ctx context.Context, opts ...RelayOption) (*Relay, error) {
		return NewRelay(DefaultRelayConfig("f"), src, dst, opts...)
	}))
	s.Require().NoError(s.m.Start(s.ctx, "f"))
	src.ch <- []float64{1}
	s.Eventually(func() bool {
		st, _ := s.m.State("f")
		return st == StateFailed
	}, 2*time.Second, time.Millisecond)
	_, err := s.m.State("f")
	s.ErrorIs(err, shm.ErrClosed)
}

func (s *ManagerTestSuite) TestReplaceRestartsRunningRelay() {
	srcA, dstA := newFeed(), &sink{}
	srcB, dstB := newFeed(), &sink{}
	s.Require().NoError(s.m.Replace(s.ctx, "x", feedFactory(srcA, dstA)))
	s.Require().NoError(s.m.Start(s.ctx, "x"))

	s.Require().NoError(s.m.Replace(s.ctx, "x", feedFactory(srcB, dstB)))
	st, _ := s.m.State("x")
	s.Equal(StateRunning, st)

	srcB.ch <- []float64{3}
	s.Eventually(func() bool { return len(dstB.last()) == 1 }, 2*time.Second, time.Millisecond)
	s.Nil(dstA.last())
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
