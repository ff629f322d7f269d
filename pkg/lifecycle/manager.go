package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
)

// State is the lifecycle state of a managed relay.
type State string

const (
	StateRegistered State = "registered"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

var (
	ErrUnknownRelay   = errors.New("unknown relay")
	ErrDuplicateRelay = errors.New("relay already registered")
)

// LifecycleManager starts, stops and reloads named relays.
type LifecycleManager interface {
	Start(ctx context.Context, id string) error
	Stop(id string) error
	Reload(ctx context.Context, id string) error
	State(id string) (State, error)
}

var _ LifecycleManager = (*Manager)(nil)

// Factory builds a fresh relay, opening its endpoints. It is called on every start,
// so a reload picks up new endpoints.
type Factory func(ctx context.Context, opts ...RelayOption) (*Relay, error)

// ManagerConfig holds manager parameters.
type ManagerConfig struct {
	// PoolSize bounds the relay tasks running at once, two per relay.
	PoolSize int
	// Heartbeat is passed to every relay, see WithHeartbeat.
	Heartbeat func(name string)
	// Forget is called when a relay is stopped or removed.
	Forget func(name string)
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{PoolSize: 64}
}

type managed struct {
	mu      sync.Mutex
	factory Factory
	relay   *Relay
	cancel  context.CancelFunc
	done    chan struct{}
	state   State
	err     error
}

// Manager keeps relays by name.
type Manager struct {
	cfg    ManagerConfig
	pool   *ants.Pool
	relays cmap.ConcurrentMap[string, *managed]
}

type antsLogger struct{}

func (antsLogger) Printf(format string, args ...any) {
	logger.Warnf(format, args...)
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultManagerConfig().PoolSize
	}
	pool, err := ants.NewPool(cfg.PoolSize,
		ants.WithLogger(antsLogger{}),
		ants.WithPanicHandler(func(p any) {
			logger.Errorf("relay task panicked: %v", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("relay pool: %w", err)
	}
	return &Manager{
		cfg:    cfg,
		pool:   pool,
		relays: cmap.New[*managed](),
	}, nil
}

// Register adds a relay without starting it.
func (m *Manager) Register(id string, f Factory) error {
	if !m.relays.SetIfAbsent(id, &managed{factory: f, state: StateRegistered}) {
		return fmt.Errorf("%w: %s", ErrDuplicateRelay, id)
	}
	return nil
}

// Replace swaps the factory of id, registering it if needed, and restarts it when
// it was running.
func (m *Manager) Replace(ctx context.Context, id string, f Factory) error {
	e := m.relays.Upsert(id, nil, func(exist bool, old, _ *managed) *managed {
		if exist {
			return old
		}
		return &managed{state: StateRegistered}
	})
	e.mu.Lock()
	e.factory = f
	running := e.state == StateRunning
	e.mu.Unlock()
	if running {
		return m.Reload(ctx, id)
	}
	return nil
}

// Start builds the relay and runs it in the background. Starting a running relay is
// a no-op.
func (m *Manager) Start(ctx context.Context, id string) error {
	e, ok := m.relays.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRelay, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		return nil
	}
	relay, err := e.factory(ctx, WithPool(m.pool), WithHeartbeat(m.heartbeat))
	if err != nil {
		e.state, e.err = StateFailed, err
		return fmt.Errorf("relay %s: %w", id, err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	e.relay, e.cancel, e.done = relay, cancel, done
	e.state, e.err = StateRunning, nil
	go func() {
		defer close(done)
		err := relay.Run(runCtx)
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.done != done {
			return
		}
		switch {
		case err != nil:
			e.state, e.err = StateFailed, err
			logger.Errorf("relay %s failed: %v", id, err)
		case e.state == StateRunning:
			e.state = StateStopped
		}
	}()
	return nil
}

// Stop cancels the relay and waits for it to finish.
func (m *Manager) Stop(id string) error {
	e, ok := m.relays.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRelay, id)
	}
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	if e.state == StateRunning {
		e.state = StateStopped
	}
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	m.forget(id)
	return nil
}

// Reload stops id and starts it again from its factory.
func (m *Manager) Reload(ctx context.Context, id string) error {
	if err := m.Stop(id); err != nil {
		return err
	}
	logger.Infof("reloading relay %s", id)
	return m.Start(ctx, id)
}

// Remove stops and unregisters id.
func (m *Manager) Remove(id string) error {
	if err := m.Stop(id); err != nil {
		return err
	}
	m.relays.Remove(id)
	return nil
}

// State returns the state of id. A failed relay also returns its error.
func (m *Manager) State(id string) (State, error) {
	e, ok := m.relays.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRelay, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.err
}

// Stats returns the counters of the current relay run of id.
func (m *Manager) Stats(id string) (RelayStats, error) {
	e, ok := m.relays.Get(id)
	if !ok {
		return RelayStats{}, fmt.Errorf("%w: %s", ErrUnknownRelay, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.relay == nil {
		return RelayStats{}, nil
	}
	return e.relay.Stats(), nil
}

// IDs returns the registered relay names, sorted.
func (m *Manager) IDs() []string {
	ids := m.relays.Keys()
	sort.Strings(ids)
	return ids
}

// Close stops every relay and releases the task pool.
func (m *Manager) Close() error {
	var errs []error
	for _, id := range m.IDs() {
		if err := m.Stop(id); err != nil {
			errs = append(errs, err)
		}
	}
	m.pool.Release()
	return errors.Join(errs...)
}

func (m *Manager) heartbeat(name string) {
	if m.cfg.Heartbeat != nil {
		m.cfg.Heartbeat(name)
	}
}

func (m *Manager) forget(name string) {
	if m.cfg.Forget != nil {
		m.cfg.Forget(name)
	}
}
