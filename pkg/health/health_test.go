package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmnet/pkg/shm"
)

type MonitorTestSuite struct {
	suite.Suite
	m *Monitor
}

func (s *MonitorTestSuite) SetupTest() {
	cfg := DefaultConfig()
	cfg.MaxHeartbeatAge = 50 * time.Millisecond
	s.m = NewMonitor(cfg)
}

func (s *MonitorTestSuite) status(path string) int {
	rec := httptest.NewRecorder()
	s.m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func (s *MonitorTestSuite) TestEmptyMonitorIsHealthy() {
	s.Equal(http.StatusOK, s.status("/live"))
	s.Equal(http.StatusOK, s.status("/ready"))
}

func (s *MonitorTestSuite) TestStaleHeartbeat() {
	s.m.Heartbeat("relay-a")
	live, err := s.m.LivenessCheck("relay-a")
	s.NoError(err)
	s.True(live)
	s.Equal(http.StatusOK, s.status("/live"))

	s.Eventually(func() bool {
		return s.status("/live") == http.StatusServiceUnavailable
	}, time.Second, 10*time.Millisecond)
	live, err = s.m.LivenessCheck("relay-a")
	s.NoError(err)
	s.False(live)

	s.m.Forget("relay-a")
	s.Equal(http.StatusOK, s.status("/live"))
	_, err = s.m.LivenessCheck("relay-a")
	s.Error(err)
}

func (s *MonitorTestSuite) TestProbes() {
	s.m.AddProbe("ok", func(context.Context) error { return nil })
	s.Equal(http.StatusOK, s.status("/ready"))

	s.m.AddProbe("down", func(context.Context) error { return errors.New("down") })
	s.Equal(http.StatusServiceUnavailable, s.status("/ready"))
	// Readiness failures do not affect liveness.
	s.Equal(http.StatusOK, s.status("/live"))

	s.m.Forget("down")
	s.Equal(http.StatusOK, s.status("/ready"))
}

func (s *MonitorTestSuite) TestSharedMapProbe() {
	name := fmt.Sprintf("shmnet_health_%d", os.Getpid())
	defer shm.Remove(name) //nolint:errcheck

	probe := SharedMapProbe(name, 10*time.Millisecond)
	s.NoError(probe(context.Background()))

	holder, err := shm.OpenMutex(name + shm.MutexSuffix)
	s.Require().NoError(err)
	defer holder.Close() //nolint:errcheck
	_, err = holder.TryLock(context.Background(), 0)
	s.Require().NoError(err)

	s.ErrorIs(probe(context.Background()), shm.ErrLockTimeout)
	s.NoError(holder.Release())
	s.NoError(probe(context.Background()))
}

func TestMonitorTestSuite(t *testing.T) {
	suite.Run(t, new(MonitorTestSuite))
}
