// Package health contains the heartbeat bookkeeping behind the liveness checks.
package health

import (
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Heartbeats tracks the last beat of each registered loop.
type Heartbeats struct {
	last cmap.ConcurrentMap[string, time.Time]
	now  func() time.Time
}

func NewHeartbeats() *Heartbeats {
	return &Heartbeats{
		last: cmap.New[time.Time](),
		now:  time.Now,
	}
}

// Beat records a heartbeat for id, registering it on first use.
func (h *Heartbeats) Beat(id string) {
	h.last.Set(id, h.now())
}

// Forget stops tracking id.
func (h *Heartbeats) Forget(id string) {
	h.last.Remove(id)
}

// Age returns how long ago id last beat.
func (h *Heartbeats) Age(id string) (time.Duration, bool) {
	t, ok := h.last.Get(id)
	if !ok {
		return 0, false
	}
	return h.now().Sub(t), true
}

// Stale returns the sorted ids whose last beat is older than maxAge.
func (h *Heartbeats) Stale(maxAge time.Duration) []string {
	now := h.now()
	var out []string
	h.last.IterCb(func(id string, t time.Time) {
		if now.Sub(t) > maxAge {
			out = append(out, id)
		}
	})
	sort.Strings(out)
	return out
}
