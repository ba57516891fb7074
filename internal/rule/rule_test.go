package rule

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"averagerule/internal/average"
	"averagerule/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []DeviationEvent
}

func (s *recordingSink) Deviation(ev DeviationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Events() []DeviationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeviationEvent(nil), s.events...)
}

func testConfig() Config {
	return Config{
		Asset:     "sinusoid",
		Deviation: 10,
		Direction: Both,
		Average:   average.Simple,
		Factor:    10,
	}
}

func newRule(t *testing.T, cfg Config, opts ...Option) *Rule {
	t.Helper()
	r := New(opts...)
	if err := r.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return r
}

func TestFirstSampleNeverTriggers(t *testing.T) {
	sink := &recordingSink{}
	r := newRule(t, testConfig(), WithSink(sink))

	for i, v := range []float64{0, 1, -1e9, 1e12, math.MaxFloat64} {
		if r.Evaluate("sinusoid", fmt.Sprintf("dp-%d", i), v) {
			t.Errorf("first sample %v triggered", v)
		}
	}

	r.Evaluate("sinusoid", "fresh", 42)
	snap, ok := r.Average("fresh")
	if !ok || snap.Samples != 1 || snap.Average != 42 {
		t.Errorf("snapshot = %+v, want one sample of 42", snap)
	}
	if len(sink.Events()) != 0 {
		t.Errorf("unexpected diagnostics: %+v", sink.Events())
	}
}

func TestDirectionPolicy(t *testing.T) {
	tests := []struct {
		value     float64
		direction Direction
		want      bool
	}{
		{115, Both, true},
		{115, Above, true},
		{115, Below, false},
		{85, Both, true},
		{85, Above, false},
		{85, Below, true},
		{105, Both, false},
		{105, Above, false},
		{105, Below, false},
		{110, Both, false}, // exactly at threshold
		{90, Below, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v/%v", tt.direction, tt.value), func(t *testing.T) {
			cfg := testConfig()
			cfg.Direction = tt.direction
			r := newRule(t, cfg)

			r.Evaluate("sinusoid", "dp", 100)
			if got := r.Evaluate("sinusoid", "dp", tt.value); got != tt.want {
				t.Errorf("value %v direction %v: got %v, want %v", tt.value, tt.direction, got, tt.want)
			}
		})
	}
}

func TestDeviationUsesPreviousAverage(t *testing.T) {
	sink := &recordingSink{}
	r := newRule(t, testConfig(), WithSink(sink))

	r.Evaluate("sinusoid", "dp", 100)
	// Against the updated mean (150) this would be +33%; against 100 it is +100%.
	if !r.Evaluate("sinusoid", "dp", 200) {
		t.Fatal("expected trigger")
	}

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Deviation != 100 || ev.Average != 100 || ev.Value != 200 {
		t.Errorf("event = %+v", ev)
	}
	if ev.Asset != "sinusoid" || ev.DataPoint != "dp" {
		t.Errorf("event names = %q/%q", ev.Asset, ev.DataPoint)
	}

	snap, _ := r.Average("dp")
	if snap.Average != 150 || snap.Samples != 2 {
		t.Errorf("average after update = %+v", snap)
	}
}

func TestZeroAverage(t *testing.T) {
	tests := []struct {
		name      string
		direction Direction
		value     float64
		want      bool
	}{
		{"positive both", Both, 5, true},
		{"positive above", Above, 5, true},
		{"positive below", Below, 5, false},
		{"negative below", Below, -5, true},
		{"negative above", Above, -5, false},
		{"zero stays nan", Both, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Direction = tt.direction
			r := newRule(t, cfg)

			r.Evaluate("sinusoid", "dp", 0)
			if got := r.Evaluate("sinusoid", "dp", tt.value); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyBatchOrCombination(t *testing.T) {
	r := newRule(t, testConfig())

	seed := models.Readings{"sinusoid": {"steady": 100, "spiky": 100}}
	if r.EvaluateBatch(seed) {
		t.Fatal("seeding batch must not trigger")
	}
	if r.State() != StateCleared {
		t.Fatalf("state = %v, want cleared", r.State())
	}

	out := r.Apply(models.Readings{"sinusoid": {"steady": 101, "spiky": 500}})
	if !out.Triggered || out.Evaluated != 2 {
		t.Fatalf("outcome = %+v, want triggered over 2 values", out)
	}
	if !out.Changed() || out.Previous != StateCleared || out.State() != StateTriggered {
		t.Errorf("outcome transition = %+v", out)
	}
	if r.State() != StateTriggered {
		t.Errorf("state = %v, want triggered", r.State())
	}

	// State is overwritten by the next batch; no hysteresis.
	out = r.Apply(models.Readings{"sinusoid": {"steady": 100}})
	if out.Triggered || r.State() != StateCleared {
		t.Errorf("state = %v after quiet batch, want cleared", r.State())
	}
	if !out.Changed() {
		t.Error("expected cleared transition")
	}
}

func TestApplyIgnoresUnsubscribedAssets(t *testing.T) {
	r := newRule(t, testConfig())
	r.EvaluateBatch(models.Readings{"sinusoid": {"dp": 100}})
	r.EvaluateBatch(models.Readings{"sinusoid": {"dp": 1000}})
	if r.State() != StateTriggered {
		t.Fatal("setup: expected triggered")
	}

	out := r.Apply(models.Readings{"other": {"dp": 1e6}})
	if out.Triggered || out.Evaluated != 0 {
		t.Errorf("outcome = %+v, want nothing evaluated", out)
	}
	if r.State() != StateCleared {
		t.Errorf("batch without matching asset should clear, got %v", r.State())
	}
	if _, ok := r.Average("dp"); !ok {
		t.Error("existing average should survive")
	}
}

func TestEvaluateDocument(t *testing.T) {
	r := newRule(t, testConfig())

	if r.EvaluateDocument([]byte(`{"sinusoid": {"dp": 100, "name": "x"}}`)) {
		t.Fatal("seed should not trigger")
	}
	if !r.EvaluateDocument([]byte(`{"sinusoid": {"dp": 150}}`)) {
		t.Fatal("expected trigger")
	}

	before, _ := r.Average("dp")
	info := r.TriggerInfo()

	if r.EvaluateDocument([]byte(`{"sinusoid": {"dp": `)) {
		t.Error("malformed document must evaluate to false")
	}
	after, _ := r.Average("dp")
	if after != before {
		t.Errorf("malformed document touched the average: %+v -> %+v", before, after)
	}
	if got := r.TriggerInfo(); got.State != StateTriggered || !got.Timestamp.Equal(info.Timestamp) {
		t.Errorf("malformed document touched the state: %+v", got)
	}
}

func TestConfigureReplacesTriggers(t *testing.T) {
	r := New()
	if got := r.Triggers(); len(got) != 0 {
		t.Fatalf("unconfigured triggers = %v", got)
	}
	if r.EvaluateBatch(models.Readings{"sinusoid": {"dp": 1}}) {
		t.Fatal("unconfigured rule triggered")
	}

	if err := r.Configure(testConfig()); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Asset = "pump"
	if err := r.Configure(cfg); err != nil {
		t.Fatal(err)
	}

	got := r.Triggers()
	if len(got) != 1 || got[0] != "pump" {
		t.Errorf("triggers = %v, want [pump]", got)
	}
}

func TestConfigureRejectsInvalid(t *testing.T) {
	r := newRule(t, testConfig())

	bad := testConfig()
	bad.Asset = ""
	if err := r.Configure(bad); !errors.Is(err, ErrMissingField) {
		t.Errorf("error = %v, want ErrMissingField", err)
	}

	bad = testConfig()
	bad.Deviation = -5
	if err := r.Configure(bad); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("negative deviation error = %v, want ErrInvalidValue", err)
	}

	bad = testConfig()
	bad.Average = average.Exponential
	bad.Factor = 0
	if err := r.Configure(bad); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("error = %v, want ErrInvalidValue", err)
	}

	cfg, ok := r.Config()
	if !ok || cfg != testConfig() {
		t.Errorf("rejected configuration leaked: %+v", cfg)
	}
}

func TestReconfigurePropagatesAveraging(t *testing.T) {
	r := newRule(t, testConfig())
	for v := 1.0; v <= 10; v++ {
		r.Evaluate("sinusoid", "dp", v)
	}

	cfg := testConfig()
	cfg.Average = average.Exponential
	cfg.Factor = 5
	if err := r.Configure(cfg); err != nil {
		t.Fatal(err)
	}

	snap, _ := r.Average("dp")
	if snap.Average != 5.5 || snap.Samples != 10 || snap.Mode != average.ExponentialName || snap.Factor != 5 {
		t.Fatalf("snapshot after reconfigure = %+v", snap)
	}

	r.Evaluate("sinusoid", "dp", 55.5)
	snap, _ = r.Average("dp")
	if snap.Average != 15.5 {
		t.Errorf("average = %v, want 15.5 using divisor 5", snap.Average)
	}
}

func TestNewDataPointCarriesExponentialParameters(t *testing.T) {
	cfg := testConfig()
	cfg.Average = average.Exponential
	cfg.Factor = 2
	r := newRule(t, cfg)

	r.Evaluate("sinusoid", "dp", 10)
	snap, _ := r.Average("dp")
	if snap.Mode != average.ExponentialName || snap.Factor != 2 {
		t.Fatalf("first sample stored with %s/%d", snap.Mode, snap.Factor)
	}

	r.Evaluate("sinusoid", "dp", 20)
	r.Evaluate("sinusoid", "dp", 30)
	snap, _ = r.Average("dp")
	if snap.Average != 22.5 {
		t.Errorf("average = %v, want 22.5", snap.Average)
	}
}

func TestTriggerInfo(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newRule(t, testConfig(), WithClock(func() time.Time { return now }))

	now = now.Add(time.Minute)
	r.EvaluateBatch(models.Readings{"sinusoid": {"dp": 1}})

	info := r.TriggerInfo()
	if info.State != StateCleared {
		t.Errorf("state = %v", info.State)
	}
	if !info.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", info.Timestamp, now)
	}
	if len(info.Assets) != 1 || info.Assets[0] != "sinusoid" {
		t.Errorf("assets = %v", info.Assets)
	}
	if StateTriggered.String() != "triggered" || StateCleared.String() != "cleared" {
		t.Error("unexpected state names")
	}
}

func TestConcurrentConfigureAndEvaluate(t *testing.T) {
	r := newRule(t, testConfig())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			cfg := testConfig()
			if i%2 == 0 {
				cfg.Average = average.Exponential
				cfg.Factor = 3
			}
			if err := r.Configure(cfg); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.EvaluateBatch(models.Readings{"sinusoid": {"dp": float64(i%7 + 1)}})
			_ = r.Triggers()
		}
	}()
	wg.Wait()

	snap, _ := r.Average("dp")
	if snap.Samples != 200 {
		t.Errorf("samples = %d, want 200", snap.Samples)
	}
}

func TestParseDirection(t *testing.T) {
	for _, d := range []Direction{Both, Above, Below} {
		got, err := ParseDirection(d.String())
		if err != nil || got != d {
			t.Errorf("ParseDirection(%q) = %v, %v", d.String(), got, err)
		}
	}
	if _, err := ParseDirection("Sideways"); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
}
