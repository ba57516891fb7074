// Package rule implements the moving-average deviation rule: per data point
// running averages, the deviation test against the configured direction and
// threshold, and the rule's cleared/triggered alert state.
package rule

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"averagerule/internal/average"
	"averagerule/internal/metrics"
	"averagerule/internal/models"
)

// DefaultName is the rule name reported to the host.
const DefaultName = "Average"

// Rule evaluates readings against running averages.
//
// Configuration and the trigger set are guarded by mu. Evaluation takes a
// copy of the configuration under mu at the start of each batch, so a batch
// never sees a half-applied reconfiguration. Batches are serialized by evalMu;
// the most recently completed batch decides the alert state.
type Rule struct {
	name string

	mu         sync.Mutex
	cfg        Config
	configured bool
	triggers   map[string]struct{}

	evalMu   sync.Mutex
	registry *average.Registry

	stateMu sync.RWMutex
	state   alertState

	sink Sink
	log  zerolog.Logger
	now  func() time.Time
}

// Option configures a Rule.
type Option func(*Rule)

// WithSink sets where triggered deviations are reported.
func WithSink(s Sink) Option {
	return func(r *Rule) { r.sink = s }
}

// WithLogger sets the rule's own logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Rule) { r.log = log }
}

// WithClock overrides the time source used to stamp state updates.
func WithClock(now func() time.Time) Option {
	return func(r *Rule) { r.now = now }
}

// WithName overrides the rule name.
func WithName(name string) Option {
	return func(r *Rule) { r.name = name }
}

// New returns an unconfigured rule. It has no triggers until Configure
// succeeds, so every batch evaluates to false.
func New(opts ...Option) *Rule {
	r := &Rule{
		name:     DefaultName,
		triggers: make(map[string]struct{}),
		registry: average.NewRegistry(average.Simple, 0),
		sink:     nopSink{},
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.state.updated = r.now().UTC()
	return r
}

// Name returns the rule name.
func (r *Rule) Name() string { return r.name }

// Configure replaces the rule configuration. cfg is validated before any
// state changes; on error the previous configuration stays in force.
//
// The old triggers are removed and the single new trigger added under the
// configuration lock, and the averaging parameters are propagated to every
// existing accumulator without resetting them.
func (r *Rule) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		metrics.RuleReconfigurationsTotal.WithLabelValues("rejected").Inc()
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for asset := range r.triggers {
		delete(r.triggers, asset)
	}
	r.cfg = cfg
	r.configured = true
	r.triggers[cfg.Asset] = struct{}{}
	r.registry.Propagate(cfg.Average, cfg.Factor)

	metrics.RuleReconfigurationsTotal.WithLabelValues("applied").Inc()
	r.log.Info().
		Str("asset", cfg.Asset).
		Int64("deviation", cfg.Deviation).
		Str("direction", cfg.Direction.String()).
		Str("average", cfg.Average.String()).
		Int("factor", cfg.Factor).
		Msg("rule configured")
	return nil
}

// Config returns the current configuration and whether one has been applied.
func (r *Rule) Config() (Config, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg, r.configured
}

// Triggers lists the subscribed asset names.
func (r *Rule) Triggers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.triggerList()
}

func (r *Rule) triggerList() []string {
	assets := make([]string, 0, len(r.triggers))
	for asset := range r.triggers {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// snapshot copies the configuration and trigger set under the lock.
func (r *Rule) snapshot() (Config, map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	triggers := make(map[string]struct{}, len(r.triggers))
	for asset := range r.triggers {
		triggers[asset] = struct{}{}
	}
	return r.cfg, triggers
}

// Evaluate tests one value against the running average of its data point
// and folds the value into that average. It does not change the alert state.
func (r *Rule) Evaluate(asset, dataPoint string, value float64) bool {
	cfg, _ := r.snapshot()

	r.evalMu.Lock()
	defer r.evalMu.Unlock()
	return r.evaluate(cfg, asset, dataPoint, value)
}

// evaluate runs the deviation test against the mean that preceded value.
// The first sample of a data point only seeds its average.
//
// A zero preceding mean yields ±Inf for a non-zero value, which triggers in
// the matching direction, or NaN for a zero value, which never triggers.
func (r *Rule) evaluate(cfg Config, asset, dataPoint string, value float64) bool {
	obs := r.registry.Observe(dataPoint, value)
	metrics.RuleEvaluationsTotal.Inc()
	if !obs.Seeded {
		r.log.Debug().
			Str("asset", asset).
			Str("datapoint", dataPoint).
			Float64("value", value).
			Msg("seeded average")
		return false
	}

	deviation := (value - obs.Previous) * 100 / obs.Previous
	triggered := cfg.Direction.Exceeds(deviation, cfg.Deviation)
	if triggered {
		r.sink.Deviation(DeviationEvent{
			Asset:     asset,
			DataPoint: dataPoint,
			Value:     value,
			Average:   obs.Previous,
			Deviation: deviation,
		})
	}
	return triggered
}

// Outcome is the result of one evaluated batch.
type Outcome struct {
	Triggered bool
	Previous  State
	// Evaluated counts the values that went through the deviation test.
	Evaluated int
	// Assets are the triggers in force for this batch.
	Assets    []string
	Timestamp time.Time
}

// Changed reports whether the batch flipped the alert state.
func (o Outcome) Changed() bool {
	return (o.Previous == StateTriggered) != o.Triggered
}

// State returns the alert state after the batch.
func (o Outcome) State() State {
	if o.Triggered {
		return StateTriggered
	}
	return StateCleared
}

// Result converts o for delivery to whoever queued the batch.
func (o Outcome) Result() models.Result {
	return models.Result{Triggered: o.Triggered, Assets: o.Assets, Timestamp: o.Timestamp}
}

// Apply evaluates every reading whose asset is a configured trigger and
// overwrites the alert state with the OR of the results.
func (r *Rule) Apply(readings models.Readings) Outcome {
	cfg, triggers := r.snapshot()

	r.evalMu.Lock()
	defer r.evalMu.Unlock()

	out := Outcome{Assets: make([]string, 0, len(triggers))}
	for asset := range triggers {
		out.Assets = append(out.Assets, asset)
		points, ok := readings[asset]
		if !ok {
			continue
		}
		for dataPoint, value := range points {
			out.Evaluated++
			if r.evaluate(cfg, asset, dataPoint, value) {
				out.Triggered = true
			}
		}
	}

	sort.Strings(out.Assets)

	out.Timestamp = r.now().UTC()
	r.stateMu.Lock()
	out.Previous = r.state.set(out.Triggered, out.Timestamp)
	r.stateMu.Unlock()

	if out.Triggered {
		metrics.RuleState.Set(1)
	} else {
		metrics.RuleState.Set(0)
	}
	return out
}

// EvaluateBatch is Apply reduced to its boolean result.
func (r *Rule) EvaluateBatch(readings models.Readings) bool {
	return r.Apply(readings).Triggered
}

// EvaluateDocument decodes a JSON readings document and evaluates it. A
// document that cannot be decoded evaluates to false and leaves both the
// averages and the alert state untouched.
func (r *Rule) EvaluateDocument(doc []byte) bool {
	readings, skipped, err := models.DecodeReadings(doc)
	if err != nil {
		metrics.RuleMalformedDocumentsTotal.Inc()
		r.log.Warn().Err(err).Msg("discarding malformed readings document")
		return false
	}
	if skipped > 0 {
		metrics.RuleSkippedValuesTotal.Add(float64(skipped))
	}
	return r.EvaluateBatch(readings)
}

// State returns the current alert state.
func (r *Rule) State() State {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state.state
}

// TriggerInfo returns the alert state together with the subscribed assets
// and the time of the last state update.
func (r *Rule) TriggerInfo() TriggerInfo {
	r.stateMu.RLock()
	info := TriggerInfo{State: r.state.state, Timestamp: r.state.updated}
	r.stateMu.RUnlock()

	info.Assets = r.Triggers()
	return info
}

// Averages returns a copy of every data point's running average.
func (r *Rule) Averages() []average.Snapshot {
	snaps := r.registry.Snapshots()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].DataPoint < snaps[j].DataPoint })
	return snaps
}

// Average returns the running average of one data point.
func (r *Rule) Average(dataPoint string) (average.Snapshot, bool) {
	return r.registry.Snapshot(dataPoint)
}
