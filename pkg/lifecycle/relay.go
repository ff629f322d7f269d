// Package lifecycle runs relays, the polling loops that move samples from one channel
// to another, and manages them by name.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/shmnet/api"
	"github.com/srediag/shmnet/internal/lifecycle"
	"github.com/srediag/shmnet/internal/logging"
	"github.com/srediag/shmnet/pkg/shm"
	"github.com/srediag/shmnet/pkg/transport"
)

var logger = logging.New("lifecycle")

// RelayConfig holds relay parameters.
type RelayConfig struct {
	Name string
	// Period paces reads from the source when > 0. Sources that produce on demand,
	// such as waveform generators, need it.
	Period time.Duration
	// PollInterval is the pause after a read found nothing.
	PollInterval time.Duration
	// QueueSize bounds the samples buffered between reader and writer.
	QueueSize uint64
	// WriteTimeout is the retry budget for a write that keeps timing out on the lock.
	WriteTimeout time.Duration
}

func DefaultRelayConfig(name string) RelayConfig {
	return RelayConfig{
		Name:         name,
		PollInterval: time.Millisecond,
		QueueSize:    64,
		WriteTimeout: 100 * time.Millisecond,
	}
}

// RelayStats is a snapshot of relay counters.
type RelayStats struct {
	Received  uint64
	Written   uint64
	Coalesced uint64
	Dropped   uint64
	Failed    uint64
	// Rate is the smoothed receive rate in Hz.
	Rate float64
}

// RelayOption customises a Relay.
type RelayOption func(*Relay)

// WithPool runs the relay tasks on pool instead of a private one.
func WithPool(pool *ants.Pool) RelayOption {
	return func(r *Relay) { r.pool = pool }
}

// WithHeartbeat is called with the relay name on every reader iteration.
func WithHeartbeat(fn func(name string)) RelayOption {
	return func(r *Relay) { r.heartbeat = fn }
}

// WithClosers are closed when Run returns.
func WithClosers(c ...io.Closer) RelayOption {
	return func(r *Relay) { r.closers = append(r.closers, c...) }
}

// Relay reads arrays from a source and writes them to a sink. The reader and the
// writer run as two tasks joined by a ring buffer; the writer only ever stores the
// newest sample it has.
type Relay struct {
	cfg       RelayConfig
	src       api.ArrayReader
	dst       api.ArrayWriter
	pool      *ants.Pool
	heartbeat func(string)
	closers   []io.Closer
	meter     *lifecycle.RateMeter

	received  atomic.Uint64
	written   atomic.Uint64
	coalesced atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

func NewRelay(cfg RelayConfig, src api.ArrayReader, dst api.ArrayWriter, opts ...RelayOption) (*Relay, error) {
	if src == nil || dst == nil {
		return nil, errors.New("relay needs a source and a sink")
	}
	def := DefaultRelayConfig(cfg.Name)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	r := &Relay{
		cfg:       cfg,
		src:       src,
		dst:       dst,
		heartbeat: func(string) {},
		meter:     lifecycle.NewRateMeter(0.1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Relay) Name() string {
	return r.cfg.Name
}

func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Received:  r.received.Load(),
		Written:   r.written.Load(),
		Coalesced: r.coalesced.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
		Rate:      r.meter.Rate(),
	}
}

// Run relays until ctx is done or either side fails for good. It returns nil when
// stopped through ctx.
func (r *Relay) Run(ctx context.Context) error {
	pool := r.pool
	if pool == nil {
		p, err := ants.NewPool(2)
		if err != nil {
			return err
		}
		defer p.Release()
		pool = p
	}
	defer r.closeEndpoints()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rb := queue.NewRingBuffer(r.cfg.QueueSize)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	task := func(fn func(context.Context, *queue.RingBuffer) error) func() {
		return func() {
			defer wg.Done()
			// Either side ending stops the other.
			defer cancel()
			defer rb.Dispose()
			if err := fn(ctx, rb); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}
	}

	logger.Infof("relay %s started", r.cfg.Name)
	wg.Add(2)
	if err := pool.Submit(task(r.readLoop)); err != nil {
		wg.Add(-2)
		return fmt.Errorf("relay %s: submit reader: %w", r.cfg.Name, err)
	}
	if err := pool.Submit(task(r.writeLoop)); err != nil {
		cancel()
		rb.Dispose()
		wg.Done()
		wg.Wait()
		return fmt.Errorf("relay %s: submit writer: %w", r.cfg.Name, err)
	}
	wg.Wait()
	logger.Infof("relay %s stopped", r.cfg.Name)
	return errors.Join(errs...)
}

func (r *Relay) readLoop(ctx context.Context, rb *queue.RingBuffer) error {
	var pacer *lifecycle.Pacer
	if r.cfg.Period > 0 {
		pacer = lifecycle.NewPacer(r.cfg.Period)
	}
	for ctx.Err() == nil {
		r.heartbeat(r.cfg.Name)
		if pacer != nil {
			if _, err := pacer.Wait(ctx); err != nil {
				return nil
			}
		}
		v, err := r.src.ReadArray(ctx)
		switch {
		case err == nil:
			r.received.Add(1)
			r.meter.Tick()
			if err := r.enqueue(rb, v); err != nil {
				return nil
			}
			continue
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, net.ErrClosed), errors.Is(err, shm.ErrClosed):
			return fmt.Errorf("relay %s: source closed: %w", r.cfg.Name, err)
		case errors.Is(err, transport.ErrNoData):
		case errors.Is(err, transport.ErrNotAvailable):
			logger.Debugf("relay %s: %v", r.cfg.Name, err)
		default:
			r.failed.Add(1)
			logger.Warnf("relay %s: read: %v", r.cfg.Name, err)
		}
		if !sleep(ctx, r.cfg.PollInterval) {
			return nil
		}
	}
	return nil
}

// enqueue offers v, dropping the oldest queued sample when the buffer is full.
func (r *Relay) enqueue(rb *queue.RingBuffer, v []float64) error {
	for {
		ok, err := rb.Offer(v)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if rb.Len() > 0 {
			if _, err := rb.Get(); err != nil {
				return err
			}
			r.dropped.Add(1)
		}
	}
}

func (r *Relay) writeLoop(ctx context.Context, rb *queue.RingBuffer) error {
	for {
		item, err := rb.Get()
		if err != nil {
			// disposed
			return nil
		}
		for rb.Len() > 0 {
			next, err := rb.Get()
			if err != nil {
				return nil
			}
			item = next
			r.coalesced.Add(1)
		}
		if err := r.write(ctx, item.([]float64)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, shm.ErrClosed) || errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("relay %s: sink closed: %w", r.cfg.Name, err)
			}
			r.failed.Add(1)
			logger.Warnf("relay %s: write: %v", r.cfg.Name, err)
		}
	}
}

// write retries lock timeouts within WriteTimeout. An abandoned lock still wrote.
func (r *Relay) write(ctx context.Context, v []float64) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 20 * time.Millisecond
	b.MaxElapsedTime = r.cfg.WriteTimeout
	op := func() error {
		err := r.dst.WriteArray(ctx, v)
		switch {
		case err == nil:
		case errors.Is(err, shm.ErrLockAbandoned):
			logger.Warnf("relay %s: %v", r.cfg.Name, err)
		case errors.Is(err, shm.ErrLockTimeout):
			return err
		default:
			return backoff.Permanent(err)
		}
		r.written.Add(1)
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func (r *Relay) closeEndpoints() {
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			logger.Warnf("relay %s: close: %v", r.cfg.Name, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
