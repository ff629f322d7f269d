// Package metrics records channel operations. Channels take a Recorder and never
// depend on a concrete backend.
package metrics

import "time"

// Channel kinds.
const (
	KindSharedMap = "shm"
	KindDatagram  = "udp"
)

// Outcomes.
const (
	OutcomeOK           = "ok"
	OutcomeAbandoned    = "abandoned"
	OutcomeTimeout      = "timeout"
	OutcomeNotAvailable = "not_available"
	OutcomeError        = "error"
)

// Observation describes one finished channel operation.
type Observation struct {
	Kind     string
	Channel  string
	Op       string
	Outcome  string
	Bytes    int
	Duration time.Duration
}

// Recorder receives observations. Implementations must be safe for concurrent use.
type Recorder interface {
	Observe(o Observation)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) Observe(Observation) {}

// Multi fans an observation out to several recorders.
type Multi []Recorder

func (m Multi) Observe(o Observation) {
	for _, r := range m {
		if r != nil {
			r.Observe(o)
		}
	}
}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
