package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "averagerule_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "averagerule_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "averagerule_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	// Ingest metrics
	IngestBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "averagerule_ingest_batches_total",
			Help: "Total number of reading batches received",
		},
		[]string{"source", "status"}, // status: accepted, rejected
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "averagerule_ingest_batch_values",
			Help:    "Number of numeric values per reading batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Rule metrics
	RuleEvaluationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "averagerule_rule_evaluations_total",
			Help: "Total number of values tested against their running average",
		},
	)

	RuleTriggeredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "averagerule_rule_triggered_total",
			Help: "Total number of values that deviated beyond the threshold",
		},
		[]string{"asset", "datapoint"},
	)

	RuleDeviationPercent = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "averagerule_rule_deviation_percent",
			Help:    "Absolute percentage deviation of triggering values",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	RuleState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "averagerule_rule_state",
			Help: "Current alert state (1 triggered, 0 cleared)",
		},
	)

	RuleStateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "averagerule_rule_state_changes_total",
			Help: "Total number of alert state transitions",
		},
		[]string{"reason"},
	)

	RuleReconfigurationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "averagerule_rule_reconfigurations_total",
			Help: "Total number of rule reconfiguration attempts",
		},
		[]string{"status"}, // status: applied, rejected
	)

	RuleSkippedValuesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "averagerule_rule_skipped_values_total",
			Help: "Total number of non-numeric values skipped",
		},
	)

	RuleMalformedDocumentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "averagerule_rule_malformed_documents_total",
			Help: "Total number of readings documents that could not be decoded",
		},
	)

	// Evaluation queue metrics
	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "averagerule_queue_size",
			Help: "Current number of batches waiting for evaluation",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "averagerule_queue_capacity",
			Help: "Capacity of the evaluation queue",
		},
	)

	// Worker metrics
	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "averagerule_worker_processed_total",
			Help: "Total number of notifications delivered by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "averagerule_worker_failed_total",
			Help: "Total number of notifications that failed delivery",
		},
	)

	WorkerBatchPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "averagerule_worker_batch_publish_duration_seconds",
			Help:    "Time taken to publish a batch of notifications",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Kafka metrics
	KafkaConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "averagerule_kafka_consumed_total",
			Help: "Total number of reading messages consumed from Kafka",
		},
		[]string{"status"}, // status: accepted, malformed, dropped
	)

	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "averagerule_kafka_publish_total",
			Help: "Total number of notifications published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "averagerule_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "averagerule_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	// Websocket metrics
	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "averagerule_websocket_clients",
			Help: "Current number of connected websocket clients",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "averagerule_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
