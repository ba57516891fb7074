package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"averagerule/internal/config"
	"averagerule/internal/logger"
	"averagerule/internal/metrics"
	"averagerule/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize notification")
)

// MessageWriter is the subset of *kafka.Writer used by the producer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes rule notifications to Kafka. Writes go through a single
// writer one call at a time, so a cleared notification never overtakes the
// triggered one before it.
type Producer struct {
	cfg     config.ProducerConfig
	brokers []string
	topic   string

	mu     sync.Mutex
	writer MessageWriter
	closed atomic.Bool

	sent          atomic.Uint64
	failed        atomic.Uint64
	retries       atomic.Uint64
	triggered     atomic.Uint64
	cleared       atomic.Uint64
	lastPublished atomic.Int64
}

// NewProducer creates a producer writing to topic on brokers.
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // one rule, one partition
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  getCompression(cfg.Compression),
		MaxAttempts:  1, // retries are handled in send
	}
	p := NewProducerWithWriter(writer, topic, cfg)
	p.brokers = brokers
	return p, nil
}

// NewProducerWithWriter wraps an existing writer.
func NewProducerWithWriter(w MessageWriter, topic string, cfg config.ProducerConfig) *Producer {
	return &Producer{cfg: cfg, topic: topic, writer: w}
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// Publish sends one notification.
func (p *Producer) Publish(ctx context.Context, n *models.Notification) error {
	return p.PublishBatch(ctx, []*models.Notification{n})
}

// PublishBatch sends notifications in order. Notifications that fail
// validation are dropped and counted as failed.
func (p *Producer) PublishBatch(ctx context.Context, notifications []*models.Notification) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	log := logger.WithComponent("kafka_producer")
	messages := make([]kafka.Message, 0, len(notifications))
	reasons := make([]string, 0, len(notifications))
	for _, n := range notifications {
		msg, err := notificationMessage(n)
		if err != nil {
			log.Error().Err(err).Msg("dropping notification")
			p.failed.Add(1)
			metrics.KafkaPublishTotal.WithLabelValues("failed").Inc()
			continue
		}
		messages = append(messages, msg)
		reasons = append(reasons, n.Reason)
	}
	if len(messages) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return ErrProducerClosed
	}

	start := time.Now()
	unsent, err := p.send(ctx, messages)
	metrics.KafkaPublishDuration.Observe(time.Since(start).Seconds())

	delivered := len(messages) - unsent
	for _, reason := range reasons[:delivered] {
		if reason == models.ReasonTriggered {
			p.triggered.Add(1)
		} else {
			p.cleared.Add(1)
		}
	}
	if delivered > 0 {
		p.sent.Add(uint64(delivered))
		p.lastPublished.Store(time.Now().UnixNano())
		metrics.KafkaPublishTotal.WithLabelValues("success").Add(float64(delivered))
	}
	if err != nil {
		p.failed.Add(uint64(unsent))
		metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(unsent))
		log.Error().
			Err(err).
			Int("delivered", delivered).
			Int("unsent", unsent).
			Msg("failed to publish notifications")
		return err
	}
	return nil
}

// send writes messages with exponential backoff. Only the suffix starting at
// the first failed message is retried, so delivery order is preserved. It
// returns how many messages remain unsent.
func (p *Producer) send(ctx context.Context, messages []kafka.Message) (int, error) {
	log := logger.WithComponent("kafka_producer")
	backoff := p.cfg.RetryBackoff
	pending := messages
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			metrics.KafkaPublishRetries.Inc()
			log.Warn().
				Int("attempt", attempt).
				Int("pending", len(pending)).
				Dur("backoff", backoff).
				Msg("retrying kafka publish")

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return len(pending), ctx.Err()
			}
		}

		err := p.writer.WriteMessages(ctx, pending...)
		if err == nil {
			return 0, nil
		}
		lastErr = err
		pending = pending[firstFailed(err):]

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return len(pending), err
		}
		var kerr kafka.Error
		if errors.As(err, &kerr) && !kerr.Temporary() {
			return len(pending), err
		}
	}

	return len(pending), fmt.Errorf("failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// firstFailed returns the index of the first message a write did not
// deliver. Errors other than per-message write errors fail the whole write.
func firstFailed(err error) int {
	var werrs kafka.WriteErrors
	if !errors.As(err, &werrs) {
		return 0
	}
	for i, e := range werrs {
		if e != nil {
			return i
		}
	}
	return 0
}

// notificationMessage serializes n, keyed by rule name so one rule's
// notifications stay ordered on a single partition.
func notificationMessage(n *models.Notification) (kafka.Message, error) {
	if n == nil {
		return kafka.Message{}, fmt.Errorf("%w: nil notification", ErrSerializeFailed)
	}
	if err := n.Validate(); err != nil {
		return kafka.Message{}, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}
	data, err := json.Marshal(n)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}
	return kafka.Message{
		Key:   []byte(n.Rule),
		Value: data,
		Headers: []kafka.Header{
			{Key: "rule", Value: []byte(n.Rule)},
			{Key: "reason", Value: []byte(n.Reason)},
			{Key: "batch_id", Value: []byte(n.BatchID)},
		},
		Time: time.Now().UTC(),
	}, nil
}

// Close waits for an in-flight write and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writer.Close()
}

// ProducerStats holds producer counters.
type ProducerStats struct {
	MessagesSent   uint64     `json:"messages_sent"`
	MessagesFailed uint64     `json:"messages_failed"`
	Retries        uint64     `json:"retries"`
	Triggered      uint64     `json:"triggered"`
	Cleared        uint64     `json:"cleared"`
	LastPublished  *time.Time `json:"last_published,omitempty"`
}

// Stats returns producer statistics.
func (p *Producer) Stats() ProducerStats {
	s := ProducerStats{
		MessagesSent:   p.sent.Load(),
		MessagesFailed: p.failed.Load(),
		Retries:        p.retries.Load(),
		Triggered:      p.triggered.Load(),
		Cleared:        p.cleared.Load(),
	}
	if ns := p.lastPublished.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.LastPublished = &t
	}
	return s
}

// HealthCheck dials the brokers and looks up the notifications topic.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		_, err = conn.ReadPartitions(p.topic)
		conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return fmt.Errorf("kafka unreachable: %w", lastErr)
	}
	return nil
}
