package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports observations as counters and a latency histogram.
type Prometheus struct {
	ops      *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheus builds the collectors under namespace and registers them with reg.
// Collectors already registered by an earlier call are reused.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	p := &Prometheus{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "operations_total",
				Help:      "Channel operations by outcome.",
			},
			[]string{"kind", "channel", "op", "outcome"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "bytes_total",
				Help:      "Payload bytes moved by successful channel operations.",
			},
			[]string{"kind", "channel", "op"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "operation_duration_seconds",
				Help:      "Channel operation duration in seconds, lock wait included.",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"kind", "op"},
		),
	}
	var err error
	if p.ops, err = register(reg, p.ops); err != nil {
		return nil, err
	}
	if p.bytes, err = register(reg, p.bytes); err != nil {
		return nil, err
	}
	if p.duration, err = register(reg, p.duration); err != nil {
		return nil, err
	}
	return p, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if reg == nil {
		return c, nil
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (p *Prometheus) Observe(o Observation) {
	p.ops.WithLabelValues(o.Kind, o.Channel, o.Op, o.Outcome).Inc()
	if o.Bytes > 0 {
		p.bytes.WithLabelValues(o.Kind, o.Channel, o.Op).Add(float64(o.Bytes))
	}
	p.duration.WithLabelValues(o.Kind, o.Op).Observe(o.Duration.Seconds())
}
