// Package waveform generates periodic test signals.
package waveform

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Type selects the wave shape.
type Type int

const (
	Sin Type = iota
	Cos
	Square
	Triangle
	Sawtooth
)

var typeNames = [...]string{"sin", "cos", "square", "triangle", "sawtooth"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType accepts the names returned by Type.String.
func ParseType(s string) (Type, error) {
	for i, n := range typeNames {
		if strings.EqualFold(s, n) {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown waveform %q", s)
}

// Waveform is amplitude * shape(t / period) + offset, shapes ranging over [-1, 1].
type Waveform struct {
	Type      Type
	Period    time.Duration
	Amplitude float64
	Offset    float64
}

// New returns a unit waveform of the given type and period.
func New(t Type, period time.Duration) Waveform {
	return Waveform{Type: t, Period: period, Amplitude: 1}
}

// Evaluate returns the value at elapsed time t.
func (w Waveform) Evaluate(t time.Duration) float64 {
	f := 1 / w.Period.Seconds()
	x := 2 * math.Pi * f * t.Seconds()
	var v float64
	switch w.Type {
	case Sin:
		v = math.Sin(x)
	case Cos:
		v = math.Cos(x)
	case Square:
		switch s := math.Sin(x); {
		case s > 0:
			v = 1
		case s < 0:
			v = -1
		}
	case Triangle:
		v = 2 / math.Pi * math.Asin(math.Sin(x))
	case Sawtooth:
		v = -2 / math.Pi * math.Atan(math.Cos(x/2)/math.Sin(x/2))
	}
	return w.Amplitude*v + w.Offset
}

// Source samples a set of waveforms at the time elapsed since it was created.
// It satisfies api.ArrayReader.
type Source struct {
	waves []Waveform
	start time.Time
	now   func() time.Time
}

func NewSource(waves ...Waveform) *Source {
	return &Source{waves: waves, start: time.Now(), now: time.Now}
}

// Sample evaluates every waveform at t.
func (s *Source) Sample(t time.Duration) []float64 {
	out := make([]float64, len(s.waves))
	for i, w := range s.waves {
		out[i] = w.Evaluate(t)
	}
	return out
}

func (s *Source) ReadArray(ctx context.Context) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Sample(s.now().Sub(s.start)), nil
}
