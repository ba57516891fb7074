package average

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects how an Accumulator weights new samples.
type Mode int

const (
	// Simple keeps the exact arithmetic mean of every sample seen.
	Simple Mode = iota
	// Exponential caps the update divisor at the smoothing factor, so once
	// warmed up older samples decay geometrically.
	Exponential
)

// Configuration names for each mode.
const (
	SimpleName      = "Simple Moving Average"
	ExponentialName = "Exponential Moving Average"
)

// ErrUnknownMode is returned by ParseMode for unrecognised names.
var ErrUnknownMode = errors.New("unknown average type")

// ParseMode maps a configuration name to a Mode.
func ParseMode(name string) (Mode, error) {
	switch strings.TrimSpace(name) {
	case SimpleName:
		return Simple, nil
	case ExponentialName:
		return Exponential, nil
	default:
		return Simple, fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
}

func (m Mode) String() string {
	switch m {
	case Simple:
		return SimpleName
	case Exponential:
		return ExponentialName
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Accumulator is an online running-mean estimator for one data point.
// No sample history is kept.
//
// Accumulator is not safe for concurrent use; Registry serializes access.
type Accumulator struct {
	mean    float64
	samples uint64
	mode    Mode
	factor  int
}

// NewAccumulator returns an empty accumulator using the given mode.
func NewAccumulator(mode Mode, factor int) *Accumulator {
	return &Accumulator{mode: mode, factor: factor}
}

// Add folds value into the running mean.
func (a *Accumulator) Add(value float64) {
	a.samples++
	a.mean += (value - a.mean) / float64(a.divisor())
}

// divisor is the sample count, capped at the factor in exponential mode.
// A non-positive factor disables the cap.
func (a *Accumulator) divisor() uint64 {
	if a.mode == Exponential && a.factor > 0 && uint64(a.factor) < a.samples {
		return uint64(a.factor)
	}
	return a.samples
}

// Average returns the current mean, 0 before the first sample.
func (a *Accumulator) Average() float64 {
	return a.mean
}

// Samples returns how many values have been added.
func (a *Accumulator) Samples() uint64 {
	return a.samples
}

// Mode returns the current averaging mode and smoothing factor.
func (a *Accumulator) Mode() (Mode, int) {
	return a.mode, a.factor
}

// SetMode changes the averaging parameters in place. Mean and sample count
// are kept; only future updates see the new divisor.
func (a *Accumulator) SetMode(mode Mode, factor int) {
	a.mode = mode
	a.factor = factor
}
