package models

import (
	"time"

	"github.com/google/uuid"
)

// Source identifies how a batch of readings reached the service.
type Source string

const (
	SourceHTTP  Source = "http"
	SourceKafka Source = "kafka"
)

// Envelope wraps one batch of readings with internal metadata for processing
type Envelope struct {
	Readings Readings `json:"readings"`

	ReceivedAt time.Time `json:"received_at"`
	Source     Source    `json:"source"`
	BatchID    string    `json:"batch_id"`

	// Result, when set, receives the batch outcome once it has been evaluated.
	Result chan<- Result `json:"-"`
}

// Result is the outcome of one evaluated batch: the alert state it left
// behind and when that state was written.
type Result struct {
	Triggered bool
	Assets    []string
	Timestamp time.Time
}

// NewEnvelope wraps readings with a fresh batch ID.
func NewEnvelope(readings Readings, source Source) *Envelope {
	return &Envelope{
		Readings:   readings,
		ReceivedAt: time.Now().UTC(),
		Source:     source,
		BatchID:    uuid.New().String(),
	}
}

// WithBatchID replaces the generated batch ID, e.g. with an upstream message key.
func (e *Envelope) WithBatchID(id string) *Envelope {
	if id != "" {
		e.BatchID = id
	}
	return e
}

// WithResult asks the evaluator to report the batch outcome on ch.
// ch should be buffered; the evaluator never blocks on it.
func (e *Envelope) WithResult(ch chan<- Result) *Envelope {
	e.Result = ch
	return e
}
