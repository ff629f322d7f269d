package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"

	socket "github.com/srediag/shmnet/internal/transport"
	"github.com/srediag/shmnet/internal/wire"
	"github.com/srediag/shmnet/pkg/metrics"
)

// RequestMessage is the message a peer sends to ask for data.
const RequestMessage = "request"

const (
	// DefaultRemoteAddress is used when Config.RemoteAddress is empty.
	DefaultRemoteAddress = "127.0.0.1"
	// DefaultReadBufferSize holds the largest IPv4 UDP payload.
	DefaultReadBufferSize = socket.MaxDatagramSize
)

var (
	// ErrNotAvailable is returned by the context forms when no datagram could be
	// received. It wraps the transport error when there was one.
	ErrNotAvailable = errors.New("no datagram available")
	// ErrNoData is wrapped in ErrNotAvailable when nothing was queued.
	ErrNoData = socket.ErrWouldBlock
	// ErrTooLarge is returned when a payload does not fit one datagram.
	ErrTooLarge = errors.New("payload exceeds datagram size")
)

// Config holds datagram channel parameters.
type Config struct {
	// LocalPort is bound on LocalAddress. Zero picks a free port.
	LocalPort     int
	LocalAddress  string
	RemotePort    int
	RemoteAddress string
	// Blocking makes receives wait for a datagram.
	Blocking bool
	// ReadBufferSize is the largest datagram accepted; longer ones are truncated.
	ReadBufferSize int
	// ReadTimeout bounds blocking receives. Zero waits forever.
	ReadTimeout time.Duration
	// SocketBuffer sizes the kernel send and receive buffers when > 0.
	SocketBuffer int

	Recorder metrics.Recorder
}

// DefaultConfig returns a non-blocking config talking to remotePort on localhost.
func DefaultConfig(localPort, remotePort int) Config {
	return Config{
		LocalPort:      localPort,
		RemotePort:     remotePort,
		RemoteAddress:  DefaultRemoteAddress,
		ReadBufferSize: DefaultReadBufferSize,
	}
}

// VerifyConfig checks cfg before the socket is opened.
func VerifyConfig(cfg Config) error {
	if cfg.LocalPort < 0 || cfg.LocalPort > 65535 {
		return fmt.Errorf("local port %d out of range", cfg.LocalPort)
	}
	if cfg.RemotePort <= 0 || cfg.RemotePort > 65535 {
		return fmt.Errorf("remote port %d out of range", cfg.RemotePort)
	}
	if cfg.ReadBufferSize < 0 || cfg.ReadBufferSize > socket.MaxDatagramSize {
		return fmt.Errorf("read buffer size %d out of range", cfg.ReadBufferSize)
	}
	if cfg.ReadTimeout < 0 {
		return fmt.Errorf("read timeout %v must not be negative", cfg.ReadTimeout)
	}
	return nil
}

// Datagram is a UDP channel to one remote endpoint. It is safe for concurrent use.
type Datagram struct {
	cfg    Config
	conn   *net.UDPConn
	remote *net.UDPAddr
	name   string
	rec    metrics.Recorder

	blocking atomic.Bool

	mu      sync.Mutex
	lastErr error
}

// Open binds the local port and resolves the remote endpoint.
func Open(ctx context.Context, cfg Config) (*Datagram, error) {
	if cfg.RemoteAddress == "" {
		cfg.RemoteAddress = DefaultRemoteAddress
	}
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	remote, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(cfg.RemoteAddress, strconv.Itoa(cfg.RemotePort)))
	if err != nil {
		return nil, fmt.Errorf("resolve remote %s: %w", cfg.RemoteAddress, err)
	}
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(cfg.LocalAddress, strconv.Itoa(cfg.LocalPort)))
	if err != nil {
		return nil, fmt.Errorf("bind local port %d: %w", cfg.LocalPort, err)
	}
	conn := pc.(*net.UDPConn)
	if err := socket.SetBuffers(conn, cfg.SocketBuffer, cfg.SocketBuffer); err != nil {
		_ = conn.Close()
		return nil, err
	}
	d := &Datagram{
		cfg:    cfg,
		conn:   conn,
		remote: remote,
		rec:    metrics.OrNop(cfg.Recorder),
	}
	d.name = fmt.Sprintf("%s->%s", d.LocalAddr(), d.RemoteAddr())
	d.blocking.Store(cfg.Blocking)
	logger.Debugf("opened datagram channel %s (blocking=%v)", d.name, cfg.Blocking)
	return d, nil
}

func (d *Datagram) LocalAddr() string {
	return d.conn.LocalAddr().String()
}

func (d *Datagram) RemoteAddr() string {
	return d.remote.String()
}

// SetBlocking switches receives between waiting for a datagram and returning at once.
func (d *Datagram) SetBlocking(blocking bool) {
	d.blocking.Store(blocking)
}

func (d *Datagram) Blocking() bool {
	return d.blocking.Load()
}

// LastError returns the transport error behind the most recent receive, or nil when
// it succeeded or simply found nothing queued.
func (d *Datagram) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *Datagram) setLastError(err error) {
	if errors.Is(err, socket.ErrWouldBlock) {
		err = nil
	}
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}

// SendArray sends v as one datagram of packed float64 values.
func (d *Datagram) SendArray(v []float64) error {
	return d.WriteArray(context.Background(), v)
}

// ReceiveArray receives one datagram as len/8 float64 values; trailing bytes are
// dropped. ok is false when nothing was received, see LastError for why.
func (d *Datagram) ReceiveArray() (v []float64, ok bool) {
	v, err := d.ReadArray(context.Background())
	return v, err == nil
}

// SendMessage sends msg with its 4-byte big-endian length prefix.
func (d *Datagram) SendMessage(msg []byte) error {
	return d.WriteMessage(context.Background(), msg)
}

func (d *Datagram) SendString(msg string) error {
	return d.SendMessage([]byte(msg))
}

// ReceiveMessage receives one message datagram and strips its length prefix. ok is
// false when nothing was received or the datagram was shorter than the prefix.
func (d *Datagram) ReceiveMessage() (msg []byte, ok bool) {
	msg, err := d.ReadMessage(context.Background())
	return msg, err == nil
}

// Request asks the peer for data.
func (d *Datagram) Request() error {
	return d.SendString(RequestMessage)
}

// IsRequest reports whether msg is a request from the peer.
func IsRequest(msg []byte) bool {
	return string(msg) == RequestMessage
}

// CheckRequest receives one message and reports whether it was a request.
func (d *Datagram) CheckRequest() bool {
	msg, ok := d.ReceiveMessage()
	return ok && IsRequest(msg)
}

// WriteArray implements api.ArrayWriter.
func (d *Datagram) WriteArray(ctx context.Context, v []float64) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = wire.AppendFloat64s(buf.B, v)
	return d.send(ctx, "send_array", buf.B)
}

// WriteMessage implements api.MessageWriter.
func (d *Datagram) WriteMessage(ctx context.Context, msg []byte) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = wire.AppendMessageFrame(buf.B, msg)
	return d.send(ctx, "send_message", buf.B)
}

// ReadArray implements api.ArrayReader. Nothing received surfaces as ErrNotAvailable.
func (d *Datagram) ReadArray(ctx context.Context) ([]float64, error) {
	var out []float64
	err := d.receive(ctx, "recv_array", func(b []byte) error {
		out = wire.Float64s(b)
		return nil
	})
	return out, err
}

// ReadMessage implements api.MessageReader. Nothing received surfaces as ErrNotAvailable.
func (d *Datagram) ReadMessage(ctx context.Context) ([]byte, error) {
	var out []byte
	err := d.receive(ctx, "recv_message", func(b []byte) error {
		p, err := wire.MessagePayload(b)
		if err != nil {
			return err
		}
		if n, _ := wire.MessageLength(b); int(n) != len(p) {
			logger.Debugf("%s: message declares %d bytes, datagram carries %d", d.LocalAddr(), n, len(p))
		}
		out = append([]byte{}, p...)
		return nil
	})
	return out, err
}

// Close closes the socket. A blocked receive returns not available.
func (d *Datagram) Close() error {
	err := d.conn.Close()
	if err != nil && !socket.IsClosed(err) {
		return err
	}
	logger.Debugf("closed datagram channel %s", d.name)
	return nil
}

func (d *Datagram) send(ctx context.Context, op string, b []byte) (err error) {
	start := time.Now()
	defer func() { d.observe(op, len(b), err, time.Since(start)) }()
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(b) > socket.MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b))
	}
	if _, err := d.conn.WriteToUDP(b, d.remote); err != nil {
		return fmt.Errorf("send to %s: %w", d.remote, err)
	}
	return nil
}

// receive reads one datagram and hands it to decode. The slice is only valid during
// the call.
func (d *Datagram) receive(ctx context.Context, op string, decode func(b []byte) error) (err error) {
	start := time.Now()
	n := 0
	defer func() {
		d.setLastError(err)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrNotAvailable, err)
		}
		d.observe(op, n, err, time.Since(start))
	}()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = slices.Grow(buf.B[:0], d.cfg.ReadBufferSize)[:d.cfg.ReadBufferSize]

	if d.blocking.Load() {
		n, err = d.readBlocking(ctx, buf.B)
	} else {
		if err = ctx.Err(); err != nil {
			return err
		}
		n, err = socket.TryRecv(d.conn, buf.B)
	}
	if err != nil {
		return err
	}
	return decode(buf.B[:n])
}

func (d *Datagram) readBlocking(ctx context.Context, buf []byte) (int, error) {
	deadline, hasDeadline := ctx.Deadline()
	if d.cfg.ReadTimeout > 0 {
		if t := time.Now().Add(d.cfg.ReadTimeout); !hasDeadline || t.Before(deadline) {
			deadline, hasDeadline = t, true
		}
	}
	if hasDeadline {
		if err := d.conn.SetReadDeadline(deadline); err != nil {
			return 0, err
		}
		defer d.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	}
	stop := context.AfterFunc(ctx, func() {
		_ = d.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, _, err := d.conn.ReadFromUDP(buf)
	if err != nil && ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return n, err
}

func (d *Datagram) observe(op string, n int, err error, dur time.Duration) {
	o := metrics.Observation{
		Kind:     metrics.KindDatagram,
		Channel:  d.name,
		Op:       op,
		Duration: dur,
	}
	switch {
	case err == nil:
		o.Outcome = metrics.OutcomeOK
		o.Bytes = n
	case errors.Is(err, socket.ErrWouldBlock):
		o.Outcome = metrics.OutcomeNotAvailable
	case errors.Is(err, os.ErrDeadlineExceeded):
		o.Outcome = metrics.OutcomeTimeout
	default:
		o.Outcome = metrics.OutcomeError
	}
	d.rec.Observe(o)
}
