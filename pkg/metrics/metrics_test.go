package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu  sync.Mutex
	obs []Observation
}

func (c *captured) Observe(o Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs = append(c.obs, o)
}

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := &dto.Metric{}
	require.NoError(t, (<-ch).Write(m))
	return m.GetCounter().GetValue()
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg, "shmnet")
	require.NoError(t, err)

	p.Observe(Observation{Kind: KindSharedMap, Channel: "a", Op: "write_array", Outcome: OutcomeOK, Bytes: 24, Duration: time.Millisecond})
	p.Observe(Observation{Kind: KindSharedMap, Channel: "a", Op: "write_array", Outcome: OutcomeOK, Bytes: 16, Duration: time.Millisecond})
	p.Observe(Observation{Kind: KindSharedMap, Channel: "a", Op: "write_array", Outcome: OutcomeTimeout})

	assert.Equal(t, 2.0, counterValue(t, p.ops.WithLabelValues(KindSharedMap, "a", "write_array", OutcomeOK)))
	assert.Equal(t, 1.0, counterValue(t, p.ops.WithLabelValues(KindSharedMap, "a", "write_array", OutcomeTimeout)))
	assert.Equal(t, 40.0, counterValue(t, p.bytes.WithLabelValues(KindSharedMap, "a", "write_array")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "shmnet_channel_operation_duration_seconds")
}

func TestPrometheusReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewPrometheus(reg, "shmnet")
	require.NoError(t, err)
	b, err := NewPrometheus(reg, "shmnet")
	require.NoError(t, err)

	a.Observe(Observation{Kind: KindDatagram, Channel: "x", Op: "send", Outcome: OutcomeOK})
	b.Observe(Observation{Kind: KindDatagram, Channel: "x", Op: "send", Outcome: OutcomeOK})
	assert.Equal(t, 2.0, counterValue(t, b.ops.WithLabelValues(KindDatagram, "x", "send", OutcomeOK)))
}

func TestMultiAndNop(t *testing.T) {
	var a, b captured
	m := Multi{&a, nil, &b, Nop{}}
	m.Observe(Observation{Op: "read"})
	assert.Len(t, a.obs, 1)
	assert.Len(t, b.obs, 1)

	assert.Equal(t, Nop{}, OrNop(nil))
	assert.Equal(t, &a, OrNop(&a))
}
