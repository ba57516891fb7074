package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"

	"averagerule/internal/logger"
	"averagerule/internal/metrics"
	"averagerule/internal/models"
)

// MessageReader is the subset of *kafka.Reader used by the consumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads readings documents from Kafka and queues them for evaluation.
type Consumer struct {
	reader MessageReader
	out    chan<- *models.Envelope
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Out     chan<- *models.Envelope
}

// NewConsumer creates a consumer group reader on the readings topic.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.Out == nil {
		return nil, errors.New("output channel is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // commit synchronously after queueing
	})
	return NewConsumerWithReader(reader, cfg.Out), nil
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(reader MessageReader, out chan<- *models.Envelope) *Consumer {
	return &Consumer{reader: reader, out: out}
}

// Start consumes until ctx is cancelled or the reader fails. Each message
// value is one readings document; undecodable documents are committed and
// dropped so they are not redelivered.
func (c *Consumer) Start(ctx context.Context) error {
	log := logger.WithComponent("kafka_consumer")
	log.Info().Msg("consumer started")
	defer log.Info().Msg("consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		readings, skipped, err := models.DecodeReadings(msg.Value)
		if err != nil {
			log.Warn().
				Err(err).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("dropping malformed readings message")
			metrics.KafkaConsumedTotal.WithLabelValues("malformed").Inc()
			metrics.RuleMalformedDocumentsTotal.Inc()
			if err := c.commit(ctx, msg); err != nil {
				return err
			}
			continue
		}
		if skipped > 0 {
			metrics.RuleSkippedValuesTotal.Add(float64(skipped))
		}

		envelope := models.NewEnvelope(readings, models.SourceKafka)
		if len(msg.Key) > 0 {
			envelope.WithBatchID(string(msg.Key))
		}

		select {
		case c.out <- envelope:
			metrics.KafkaConsumedTotal.WithLabelValues("accepted").Inc()
			metrics.IngestBatchesTotal.WithLabelValues(string(models.SourceKafka), "accepted").Inc()
		case <-ctx.Done():
			metrics.KafkaConsumedTotal.WithLabelValues("dropped").Inc()
			return nil
		}

		if err := c.commit(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

// Stop closes the underlying reader.
func (c *Consumer) Stop() error {
	return c.reader.Close()
}
