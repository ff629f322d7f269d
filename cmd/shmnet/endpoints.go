package main

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmnet/api"
	"github.com/srediag/shmnet/internal/config"
	"github.com/srediag/shmnet/internal/waveform"
	"github.com/srediag/shmnet/pkg/lifecycle"
	"github.com/srediag/shmnet/pkg/metrics"
	"github.com/srediag/shmnet/pkg/shm"
	"github.com/srediag/shmnet/pkg/transport"
)

// instruments is what every endpoint built from a config shares.
type instruments struct {
	recorder metrics.Recorder
	tracer   trace.Tracer
}

func (in instruments) openSHM(ctx context.Context, c config.SHM) (*shm.Channel, error) {
	cfg := shm.DefaultConfig(c.Name)
	cfg.Size = c.Size
	cfg.LockTimeout = c.LockTimeout
	cfg.Recorder = in.recorder
	cfg.Tracer = in.tracer
	return shm.Open(ctx, cfg)
}

func (in instruments) openUDP(ctx context.Context, c config.UDP) (*transport.Datagram, error) {
	cfg := transport.DefaultConfig(c.LocalPort, c.RemotePort)
	cfg.RemoteAddress = c.RemoteAddress
	cfg.Blocking = c.Blocking
	cfg.ReadTimeout = c.ReadTimeout
	cfg.SocketBuffer = c.SocketBuffer
	cfg.Recorder = in.recorder
	return transport.Open(ctx, cfg)
}

func newWaveformSource(c config.Waveform) (*waveform.Source, error) {
	waves := make([]waveform.Waveform, 0, len(c.Types))
	for _, name := range c.Types {
		t, err := waveform.ParseType(name)
		if err != nil {
			return nil, err
		}
		w := waveform.New(t, c.Period)
		w.Amplitude = c.Amplitude
		w.Offset = c.Offset
		waves = append(waves, w)
	}
	return waveform.NewSource(waves...), nil
}

// relayFactory opens the endpoints of rc each time the relay starts. The relay
// closes them when it stops.
func (in instruments) relayFactory(rc config.Relay) lifecycle.Factory {
	return func(ctx context.Context, opts ...lifecycle.RelayOption) (*lifecycle.Relay, error) {
		var closers []io.Closer
		fail := func(err error) (*lifecycle.Relay, error) {
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, err
		}

		var src api.ArrayReader
		switch rc.Source {
		case config.KindUDP:
			d, err := in.openUDP(ctx, rc.UDP)
			if err != nil {
				return fail(err)
			}
			closers = append(closers, d)
			src = d
		case config.KindSHM:
			ch, err := in.openSHM(ctx, rc.SHM)
			if err != nil {
				return fail(err)
			}
			closers = append(closers, ch)
			src = ch
		case config.KindWaveform:
			w, err := newWaveformSource(rc.Waveform)
			if err != nil {
				return fail(err)
			}
			src = w
		default:
			return fail(fmt.Errorf("unknown source %q", rc.Source))
		}

		var dst api.ArrayWriter
		switch rc.Sink {
		case config.KindUDP:
			d, err := in.openUDP(ctx, rc.UDP)
			if err != nil {
				return fail(err)
			}
			closers = append(closers, d)
			dst = d
		case config.KindSHM:
			ch, err := in.openSHM(ctx, rc.SHM)
			if err != nil {
				return fail(err)
			}
			closers = append(closers, ch)
			dst = ch
		default:
			return fail(fmt.Errorf("unknown sink %q", rc.Sink))
		}

		cfg := lifecycle.RelayConfig{
			Name:         rc.Name,
			Period:       rc.Period,
			PollInterval: rc.PollInterval,
			QueueSize:    rc.QueueSize,
			WriteTimeout: rc.WriteTimeout,
		}
		r, err := lifecycle.NewRelay(cfg, src, dst, append(opts, lifecycle.WithClosers(closers...))...)
		if err != nil {
			return fail(err)
		}
		return r, nil
	}
}
