// Package history keeps bounded in-memory records of recent rule activity:
// the notifications that were published and the deviations that crossed the
// threshold.
package history

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/montanaflynn/stats"

	"averagerule/internal/models"
	"averagerule/internal/rule"
)

// DefaultSize is the number of entries kept when no size is given.
const DefaultSize = 256

// Deviation is one recorded threshold crossing. Deviation is nil when the
// average was zero and the percentage is not finite.
type Deviation struct {
	Asset     string    `json:"asset"`
	DataPoint string    `json:"datapoint"`
	Value     float64   `json:"value"`
	Average   float64   `json:"average"`
	Deviation *float64  `json:"deviation"`
	Time      time.Time `json:"time"`
}

// Summary describes the magnitude of recent finite deviations, in percent.
type Summary struct {
	Count     int     `json:"count"`
	NonFinite int     `json:"non_finite"`
	Mean      float64 `json:"mean"`
	Median    float64 `json:"median"`
	P95       float64 `json:"p95"`
	Max       float64 `json:"max"`
}

// Recorder is a worker.Publisher for notifications and a rule.Sink for
// deviations. Each record is capped at size entries; the oldest entries
// are evicted first.
type Recorder struct {
	mu            sync.RWMutex
	size          int
	notifications deque.Deque[models.Notification]
	deviations    deque.Deque[Deviation]
	now           func() time.Time
}

// NewRecorder returns a recorder keeping size entries of each kind.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = DefaultSize
	}
	return &Recorder{size: size, now: time.Now}
}

// Publish records n.
func (r *Recorder) Publish(_ context.Context, n *models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushNotification(n)
	return nil
}

// PublishBatch records each notification in order.
func (r *Recorder) PublishBatch(_ context.Context, notifications []*models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range notifications {
		r.pushNotification(n)
	}
	return nil
}

func (r *Recorder) pushNotification(n *models.Notification) {
	cp := *n
	cp.Assets = append([]string(nil), n.Assets...)
	r.notifications.PushBack(cp)
	for r.notifications.Len() > r.size {
		r.notifications.PopFront()
	}
}

// Deviation records a threshold crossing.
func (r *Recorder) Deviation(ev rule.DeviationEvent) {
	d := Deviation{
		Asset:     ev.Asset,
		DataPoint: ev.DataPoint,
		Value:     ev.Value,
		Average:   ev.Average,
		Time:      r.now().UTC(),
	}
	if !math.IsInf(ev.Deviation, 0) && !math.IsNaN(ev.Deviation) {
		pct := ev.Deviation
		d.Deviation = &pct
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.deviations.PushBack(d)
	for r.deviations.Len() > r.size {
		r.deviations.PopFront()
	}
}

// Notifications returns up to limit recorded notifications, newest first.
// A limit <= 0 returns all of them.
func (r *Recorder) Notifications(limit int) []models.Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.notifications.Len()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.Notification, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.notifications.At(i))
	}
	return out
}

// Deviations returns up to limit recorded deviations, newest first.
// A limit <= 0 returns all of them.
func (r *Recorder) Deviations(limit int) []Deviation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.deviations.Len()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Deviation, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.deviations.At(i))
	}
	return out
}

// Summary computes statistics over the absolute value of the recorded
// finite deviations.
func (r *Recorder) Summary() Summary {
	r.mu.RLock()
	values := make(stats.Float64Data, 0, r.deviations.Len())
	var s Summary
	for i := 0; i < r.deviations.Len(); i++ {
		d := r.deviations.At(i)
		if d.Deviation == nil {
			s.NonFinite++
			continue
		}
		values = append(values, math.Abs(*d.Deviation))
	}
	r.mu.RUnlock()

	s.Count = len(values)
	if s.Count == 0 {
		return s
	}
	// Errors only occur for empty input, ruled out above
	s.Mean, _ = stats.Mean(values)
	s.Median, _ = stats.Median(values)
	s.P95, _ = stats.Percentile(values, 95)
	s.Max, _ = stats.Max(values)
	return s
}
