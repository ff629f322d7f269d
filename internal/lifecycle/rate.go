// Package lifecycle contains the per-loop timing state behind relays and streamers.
package lifecycle

import (
	"context"
	"sync"
	"time"
)

// RateMeter measures the tick rate of one loop. Each loop owns its meter.
type RateMeter struct {
	mu    sync.Mutex
	alpha float64
	last  time.Time
	rate  float64
	ticks int64
	now   func() time.Time
}

// NewRateMeter returns a meter smoothing the rate with weight alpha in (0,1].
func NewRateMeter(alpha float64) *RateMeter {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	return &RateMeter{alpha: alpha, now: time.Now}
}

// Tick records one iteration and returns the smoothed rate in Hz.
func (m *RateMeter) Tick() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.ticks++
	if !m.last.IsZero() {
		if dt := now.Sub(m.last).Seconds(); dt > 0 {
			inst := 1 / dt
			if m.rate == 0 {
				m.rate = inst
			} else {
				m.rate += m.alpha * (inst - m.rate)
			}
		}
	}
	m.last = now
	return m.rate
}

func (m *RateMeter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

func (m *RateMeter) Ticks() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticks
}

// Pacer spaces loop iterations one period apart, measured from the end of the
// previous wait. A late iteration does not wait.
type Pacer struct {
	period time.Duration
	start  time.Time
	prev   time.Time
	missed int64
}

func NewPacer(period time.Duration) *Pacer {
	now := time.Now()
	return &Pacer{period: period, start: now, prev: now}
}

// Wait sleeps out the rest of the period and returns the time elapsed since the
// pacer was created.
func (p *Pacer) Wait(ctx context.Context) (time.Duration, error) {
	remaining := p.period - time.Since(p.prev)
	if remaining <= 0 {
		p.missed++
	} else {
		t := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			t.Stop()
			return p.Elapsed(), ctx.Err()
		case <-t.C:
		}
	}
	p.prev = time.Now()
	return p.Elapsed(), nil
}

func (p *Pacer) Elapsed() time.Duration {
	return time.Since(p.start)
}

// Missed counts iterations that overran the period.
func (p *Pacer) Missed() int64 {
	return p.missed
}
