package shm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	internalshm "github.com/srediag/shmnet/internal/shm"
	"github.com/srediag/shmnet/internal/wire"
	"github.com/srediag/shmnet/pkg/metrics"
)

const (
	// DefaultSize is the region size used when none is configured.
	DefaultSize = 256
	// DefaultLockTimeout bounds every mutex wait unless configured otherwise.
	DefaultLockTimeout = time.Second

	tracerName = "github.com/srediag/shmnet/pkg/shm"
)

// Config holds channel creation parameters.
type Config struct {
	// Name identifies the region; the mutex is Name+MutexSuffix.
	Name string
	// Size is the whole region in bytes, length header included.
	Size int
	// LockTimeout bounds each mutex wait. Zero makes a single attempt, Infinite waits.
	LockTimeout time.Duration
	// Create allows the region to be created when missing.
	Create bool

	Recorder metrics.Recorder
	Tracer   trace.Tracer
}

// DefaultConfig returns a config that creates-or-opens name with DefaultSize bytes.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		Size:        DefaultSize,
		LockTimeout: DefaultLockTimeout,
		Create:      true,
	}
}

// VerifyConfig checks cfg before any OS object is touched.
func VerifyConfig(cfg Config) error {
	if cfg.Name == "" {
		return errors.New("name must not be empty")
	}
	if cfg.Size <= wire.HeaderSize {
		return fmt.Errorf("size %d must exceed the %d byte header", cfg.Size, wire.HeaderSize)
	}
	if uint64(cfg.Size) > math.MaxUint32 {
		return fmt.Errorf("size %d exceeds the 32-bit length header", cfg.Size)
	}
	if cfg.LockTimeout < 0 && cfg.LockTimeout != Infinite {
		return fmt.Errorf("lock timeout %v must be >= 0 or Infinite", cfg.LockTimeout)
	}
	return nil
}

// Channel is a named shared memory region holding one length-prefixed payload,
// either a message or an array of float64, guarded by a named mutex.
//
// Every call reads or writes the region; nothing is cached. The last write wins.
type Channel struct {
	cfg    Config
	region *internalshm.MappedRegion
	size   int
	mutex  *Mutex
	rec    metrics.Recorder
	tracer trace.Tracer

	// life keeps Close from unmapping while operations are in flight.
	life   sync.RWMutex
	closed bool
	// closing is cancelled by Close to end lock waits in flight.
	closing  context.Context
	shutdown context.CancelFunc
}

// Open creates or opens the channel region and its mutex.
func Open(ctx context.Context, cfg Config) (*Channel, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceUnavailable, err)
	}
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name:   cfg.Name,
		Size:   cfg.Size,
		Create: cfg.Create,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceUnavailable, err)
	}
	mutex, err := OpenMutex(cfg.Name + MutexSuffix)
	if err != nil {
		_ = internalshm.UnmapRegion(ctx, region)
		return nil, err
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(tracerName)
	}
	logger.Debugf("opened shared map %s (%d bytes)", cfg.Name, len(region.Addr))
	closing, shutdown := context.WithCancel(context.Background())
	return &Channel{
		cfg:      cfg,
		region:   region,
		size:     len(region.Addr),
		mutex:    mutex,
		rec:      metrics.OrNop(cfg.Recorder),
		tracer:   tracer,
		closing:  closing,
		shutdown: shutdown,
	}, nil
}

func (c *Channel) Name() string {
	return c.cfg.Name
}

// Capacity is the largest payload the region holds, in bytes. It follows the size
// the region was created with, which can exceed Config.Size when another
// participant created it larger.
func (c *Channel) Capacity() int {
	return c.size - wire.HeaderSize
}

// WriteMessage stores msg followed by a NUL terminator; the stored length counts it.
func (c *Channel) WriteMessage(ctx context.Context, msg []byte) error {
	n := len(msg) + 1
	return c.do(ctx, "write_message", n, func(r region) error {
		r.store(n, func(dst []byte) {
			copy(dst, msg)
			dst[len(msg)] = 0
		})
		return nil
	})
}

func (c *Channel) WriteString(ctx context.Context, msg string) error {
	return c.WriteMessage(ctx, []byte(msg))
}

// ReadMessage returns the stored message without its terminator. An empty region
// reads as an empty message.
func (c *Channel) ReadMessage(ctx context.Context) ([]byte, error) {
	var out []byte
	err := c.do(ctx, "read_message", -1, func(r region) error {
		p, err := r.payload()
		if err != nil {
			return err
		}
		if len(p) == 0 {
			out = []byte{}
			return nil
		}
		out = append([]byte(nil), p[:len(p)-1]...)
		return nil
	})
	return out, err
}

func (c *Channel) ReadString(ctx context.Context) (string, error) {
	b, err := c.ReadMessage(ctx)
	return string(b), err
}

// WriteArray stores v as packed native-order float64 values.
func (c *Channel) WriteArray(ctx context.Context, v []float64) error {
	n := len(v) * wire.Float64Size
	return c.do(ctx, "write_array", n, func(r region) error {
		r.store(n, func(dst []byte) { wire.PutFloat64s(dst, v) })
		return nil
	})
}

// ReadArray returns the stored array. A stored length that is not a whole number of
// values is a protocol violation.
func (c *Channel) ReadArray(ctx context.Context) ([]float64, error) {
	var out []float64
	err := c.do(ctx, "read_array", -1, func(r region) error {
		p, err := r.payload()
		if err != nil {
			return err
		}
		v, err := wire.Float64sExact(p)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		out = v
		return nil
	})
	return out, err
}

// Size returns the stored payload length in bytes without consuming it.
func (c *Channel) Size(ctx context.Context) (int, error) {
	var n int
	err := c.do(ctx, "size", -1, func(r region) error {
		n = int(r.storedSize())
		return nil
	})
	return n, err
}

// Close releases the mutex handle and unmaps the region. Operations still waiting
// for the mutex return ErrClosed. The named objects stay available to other
// participants; see Remove.
func (c *Channel) Close() error {
	c.shutdown()
	c.life.Lock()
	defer c.life.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	if err := c.mutex.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := internalshm.UnmapRegion(context.Background(), c.region); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrCloseFailed, err))
	}
	logger.Debugf("closed shared map %s", c.cfg.Name)
	return errors.Join(errs...)
}

// Remove deletes the named region and its mutex where the platform keeps them
// beyond the last handle.
func Remove(name string) error {
	return errors.Join(internalshm.Remove(name), internalshm.Remove(name+MutexSuffix))
}

// do runs fn under the channel mutex. size >= 0 is the payload a write will store and
// is checked against the capacity before locking.
//
// Errors are reported in this order: fn, release, abandonment. On abandonment fn
// has run.
func (c *Channel) do(ctx context.Context, op string, size int, fn func(r region) error) (err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "shm."+op, trace.WithAttributes(
		attribute.String("shm.name", c.cfg.Name),
		attribute.Int("shm.size", c.size),
	))
	defer func() {
		c.observe(op, size, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			if !errors.Is(err, ErrLockAbandoned) {
				span.SetStatus(codes.Error, err.Error())
			}
		}
		span.End()
	}()

	if size > c.Capacity() {
		return fmt.Errorf("%w: %d bytes into %s, capacity %d", ErrCapacityExceeded, size, c.cfg.Name, c.Capacity())
	}

	c.life.RLock()
	defer c.life.RUnlock()
	if c.closed {
		return ErrClosed
	}

	lockCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(c.closing, cancel)()
	outcome, lockErr := c.mutex.TryLock(lockCtx, c.cfg.LockTimeout)
	if !outcome.Held() {
		if c.closing.Err() != nil {
			return ErrClosed
		}
		if outcome == TimedOut {
			logger.Debugf("%s %s: %v", c.cfg.Name, op, lockErr)
		}
		return lockErr
	}
	fnErr := fn(region(c.region.Addr))
	relErr := c.mutex.Release()
	switch {
	case fnErr != nil:
		return fnErr
	case relErr != nil:
		return relErr
	default:
		return lockErr
	}
}

func (c *Channel) observe(op string, size int, err error, d time.Duration) {
	o := metrics.Observation{
		Kind:     metrics.KindSharedMap,
		Channel:  c.cfg.Name,
		Op:       op,
		Duration: d,
	}
	switch {
	case err == nil:
		o.Outcome = metrics.OutcomeOK
	case errors.Is(err, ErrLockAbandoned):
		o.Outcome = metrics.OutcomeAbandoned
	case errors.Is(err, ErrLockTimeout):
		o.Outcome = metrics.OutcomeTimeout
	default:
		o.Outcome = metrics.OutcomeError
	}
	if size > 0 && (err == nil || errors.Is(err, ErrLockAbandoned)) {
		o.Bytes = size
	}
	c.rec.Observe(o)
}
