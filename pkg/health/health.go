// Package health exposes liveness and readiness of shmnet channels and relays over HTTP.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/heptiolabs/healthcheck"
	cmap "github.com/orcaman/concurrent-map/v2"

	internalhealth "github.com/srediag/shmnet/internal/health"
	"github.com/srediag/shmnet/pkg/shm"
)

// Config holds monitor thresholds.
type Config struct {
	// MaxHeartbeatAge is how long a loop may go without a heartbeat before it is not live.
	MaxHeartbeatAge time.Duration
	// MaxGoroutines fails liveness above this count. Zero disables the check.
	MaxGoroutines int
	// ProbeTimeout bounds each readiness probe.
	ProbeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxHeartbeatAge: 5 * time.Second,
		MaxGoroutines:   10000,
		ProbeTimeout:    100 * time.Millisecond,
	}
}

// Probe reports whether a dependency is ready.
type Probe func(ctx context.Context) error

// Monitor aggregates heartbeats and readiness probes behind /live and /ready.
type Monitor struct {
	cfg     Config
	handler healthcheck.Handler
	beats   *internalhealth.Heartbeats
	probes  cmap.ConcurrentMap[string, Probe]
}

func NewMonitor(cfg Config) *Monitor {
	m := &Monitor{
		cfg:     cfg,
		handler: healthcheck.NewHandler(),
		beats:   internalhealth.NewHeartbeats(),
		probes:  cmap.New[Probe](),
	}
	m.handler.AddLivenessCheck("heartbeats", m.checkHeartbeats)
	if cfg.MaxGoroutines > 0 {
		m.handler.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(cfg.MaxGoroutines))
	}
	m.handler.AddReadinessCheck("probes", m.checkProbes)
	return m
}

// Heartbeat records that the loop id is making progress.
func (m *Monitor) Heartbeat(id string) {
	m.beats.Beat(id)
}

// Forget drops id from heartbeats and probes.
func (m *Monitor) Forget(id string) {
	m.beats.Forget(id)
	m.probes.Remove(id)
}

// LivenessCheck reports whether id has beaten within MaxHeartbeatAge.
func (m *Monitor) LivenessCheck(id string) (bool, error) {
	age, ok := m.beats.Age(id)
	if !ok {
		return false, fmt.Errorf("%s: no heartbeat recorded", id)
	}
	return age <= m.cfg.MaxHeartbeatAge, nil
}

// AddProbe registers a readiness probe under id, replacing any previous one.
func (m *Monitor) AddProbe(id string, p Probe) {
	m.probes.Set(id, p)
}

// Handler serves /live and /ready.
func (m *Monitor) Handler() http.Handler {
	return m.handler
}

func (m *Monitor) checkHeartbeats() error {
	stale := m.beats.Stale(m.cfg.MaxHeartbeatAge)
	if len(stale) > 0 {
		return fmt.Errorf("no heartbeat within %v: %s", m.cfg.MaxHeartbeatAge, strings.Join(stale, ", "))
	}
	return nil
}

func (m *Monitor) checkProbes() error {
	ids := m.probes.Keys()
	sort.Strings(ids)
	var errs []error
	for _, id := range ids {
		p, ok := m.probes.Get(id)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
		err := p(ctx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// SharedMapProbe is ready when the named channel mutex can be acquired within
// timeout. An abandoned mutex still counts as ready.
func SharedMapProbe(name string, timeout time.Duration) Probe {
	return func(ctx context.Context) error {
		m, err := shm.OpenMutex(name + shm.MutexSuffix)
		if err != nil {
			return err
		}
		defer m.Close() //nolint:errcheck
		outcome, err := m.TryLock(ctx, timeout)
		if !outcome.Held() {
			return err
		}
		return m.Release()
	}
}
