package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"averagerule/internal/logger"
	"averagerule/internal/metrics"
	"averagerule/internal/models"
	"averagerule/internal/plugin"
)

// Queue errors
var (
	ErrQueueFull   = errors.New("evaluation queue full")
	ErrQueueClosed = errors.New("evaluation queue closed")
)

// Enqueuer hands envelopes to the evaluation loop without blocking.
type Enqueuer interface {
	Enqueue(env *models.Envelope) error
}

// IngestHandler accepts readings documents over HTTP and queues them for
// evaluation.
type IngestHandler struct {
	queue Enqueuer

	// Max body size (default 10MB)
	maxBodySize int64

	// How long a synchronous request waits for its result
	resultTimeout time.Duration
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Queue         Enqueuer
	MaxBodySize   int64
	ResultTimeout time.Duration
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}
	resultTimeout := cfg.ResultTimeout
	if resultTimeout <= 0 {
		resultTimeout = 5 * time.Second
	}

	return &IngestHandler{
		queue:         cfg.Queue,
		maxBodySize:   maxBodySize,
		resultTimeout: resultTimeout,
	}
}

// EvaluateResponse is returned for a synchronously evaluated batch.
type EvaluateResponse struct {
	Triggered bool                   `json:"triggered"`
	BatchID   string                 `json:"batch_id"`
	Values    int                    `json:"values"`
	Skipped   int                    `json:"skipped,omitempty"`
	Reason    *plugin.ReasonDocument `json:"reason,omitempty"`
}

// AcceptedResponse is returned when a batch is queued with ?async=true.
type AcceptedResponse struct {
	Accepted bool   `json:"accepted"`
	BatchID  string `json:"batch_id"`
	Values   int    `json:"values"`
	Skipped  int    `json:"skipped,omitempty"`
}

// ServeHTTP handles POST /evaluate. The body is a readings document:
//
//	{"sinusoid": {"sinusoid": 0.5}}
//
// By default the request waits for the evaluation and reports whether the
// batch triggered. With ?async=true it returns 202 once the batch is queued.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only accept POST
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Check content type
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "" {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	// Limit body size
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	readings, skipped, err := models.DecodeReadings(body)
	if err != nil {
		// Malformed documents never reach the rule
		metrics.RuleMalformedDocumentsTotal.Inc()
		metrics.IngestBatchesTotal.WithLabelValues(string(models.SourceHTTP), "rejected").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if skipped > 0 {
		metrics.RuleSkippedValuesTotal.Add(float64(skipped))
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))

	envelope := models.NewEnvelope(readings, models.SourceHTTP).WithBatchID(r.Header.Get("X-Batch-ID"))
	var result chan models.Result
	if !async {
		result = make(chan models.Result, 1)
		envelope.WithResult(result)
	}

	if err := h.queue.Enqueue(envelope); err != nil {
		metrics.IngestBatchesTotal.WithLabelValues(string(models.SourceHTTP), "rejected").Inc()
		msg := "evaluation queue full, try again later"
		if errors.Is(err, ErrQueueClosed) {
			msg = "shutting down"
		}
		writeError(w, http.StatusServiceUnavailable, msg)
		return
	}
	metrics.IngestBatchesTotal.WithLabelValues(string(models.SourceHTTP), "accepted").Inc()

	if async {
		writeJSON(w, http.StatusAccepted, AcceptedResponse{
			Accepted: true,
			BatchID:  envelope.BatchID,
			Values:   readings.Count(),
			Skipped:  skipped,
		})
		return
	}

	timer := time.NewTimer(h.resultTimeout)
	defer timer.Stop()

	select {
	case res := <-result:
		reason := plugin.ReasonOfResult(res)
		writeJSON(w, http.StatusOK, EvaluateResponse{
			Triggered: res.Triggered,
			BatchID:   envelope.BatchID,
			Values:    readings.Count(),
			Skipped:   skipped,
			Reason:    &reason,
		})
	case <-timer.C:
		log := logger.WithComponent("ingest")
		log.Warn().
			Str("batch_id", envelope.BatchID).
			Dur("timeout", h.resultTimeout).
			Msg("timed out waiting for evaluation")
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for evaluation")
	case <-r.Context().Done():
		// Client went away; the batch is still evaluated
	}
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log := logger.WithComponent("handlers")
		log.Debug().Err(err).Msg("failed to write response")
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
