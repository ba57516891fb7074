package average

import "sync"

// Registry owns one Accumulator per data point name. Accumulators are
// created lazily on first observation and live as long as the registry.
//
// All access goes through the registry mutex, so concurrent evaluators cannot
// lose updates or create two accumulators for the same data point.
type Registry struct {
	mu          sync.Mutex
	mode        Mode
	factor      int
	accumulator map[string]*Accumulator
}

// NewRegistry returns an empty registry whose new accumulators use mode and factor.
func NewRegistry(mode Mode, factor int) *Registry {
	return &Registry{
		mode:        mode,
		factor:      factor,
		accumulator: make(map[string]*Accumulator),
	}
}

// GetOrCreate returns the accumulator for name, creating an empty one with
// the registry's current parameters on a miss. created reports a miss.
//
// The returned accumulator must not be mutated while other goroutines use
// the registry; use Observe for updates.
func (r *Registry) GetOrCreate(name string) (acc *Accumulator, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreate(name)
}

func (r *Registry) getOrCreate(name string) (*Accumulator, bool) {
	if acc, ok := r.accumulator[name]; ok {
		return acc, false
	}
	acc := NewAccumulator(r.mode, r.factor)
	r.accumulator[name] = acc
	return acc, true
}

// Observation is the outcome of folding one value into a data point's mean.
type Observation struct {
	// Previous is the mean before the value was added.
	Previous float64
	// Seeded is false when this was the data point's first sample.
	Seeded bool
	// Samples is the sample count after the update.
	Samples uint64
}

// Observe looks up (or creates) the accumulator for name and adds value to
// it as one step, returning the mean that preceded the update.
func (r *Registry) Observe(name string, value float64) Observation {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, _ := r.getOrCreate(name)
	obs := Observation{
		Previous: acc.Average(),
		Seeded:   acc.Samples() > 0,
	}
	acc.Add(value)
	obs.Samples = acc.Samples()
	return obs
}

// Propagate applies mode and factor to every existing accumulator and to
// those created afterwards.
func (r *Registry) Propagate(mode Mode, factor int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.mode = mode
	r.factor = factor
	for _, acc := range r.accumulator {
		acc.SetMode(mode, factor)
	}
}

// Snapshot describes one accumulator at a point in time.
type Snapshot struct {
	DataPoint string  `json:"datapoint"`
	Average   float64 `json:"average"`
	Samples   uint64  `json:"samples"`
	Mode      string  `json:"mode"`
	Factor    int     `json:"factor"`
}

// Snapshot copies the state of the accumulator for name.
func (r *Registry) Snapshot(name string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.accumulator[name]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(name, acc), true
}

// Snapshots copies the state of every accumulator.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.accumulator))
	for name, acc := range r.accumulator {
		out = append(out, snapshotOf(name, acc))
	}
	return out
}

// Len returns the number of tracked data points.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accumulator)
}

func snapshotOf(name string, acc *Accumulator) Snapshot {
	mode, factor := acc.Mode()
	return Snapshot{
		DataPoint: name,
		Average:   acc.Average(),
		Samples:   acc.Samples(),
		Mode:      mode.String(),
		Factor:    factor,
	}
}
