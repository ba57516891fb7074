package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"averagerule/internal/config"
	"averagerule/internal/models"
)

// skipIfNoKafka skips the test if Kafka is not available
func skipIfNoKafka(t *testing.T) {
	if os.Getenv("KAFKA_TEST") != "1" {
		t.Skip("Skipping Kafka integration test. Set KAFKA_TEST=1 to run.")
	}
}

func newTestProducer(t *testing.T) *Producer {
	t.Helper()
	cfg := config.Default()
	producer, err := NewProducer(cfg.Kafka.Brokers, cfg.Kafka.NotificationsTopic, cfg.Kafka.Producer)
	if err != nil {
		t.Fatalf("failed to create producer: %v", err)
	}
	return producer
}

func TestProducerPublish(t *testing.T) {
	skipIfNoKafka(t)

	producer := newTestProducer(t)
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n := models.NewNotification("Average", models.ReasonTriggered, []string{"sinusoid"}, time.Now())
	if err := producer.Publish(ctx, n); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	if stats := producer.Stats(); stats.MessagesSent != 1 {
		t.Errorf("expected 1 message sent, got %d", stats.MessagesSent)
	}
}

func TestProducerPublishBatch(t *testing.T) {
	skipIfNoKafka(t)

	producer := newTestProducer(t)
	defer producer.Close()

	batch := make([]*models.Notification, 10)
	for i := range batch {
		reason := models.ReasonTriggered
		if i%2 == 1 {
			reason = models.ReasonCleared
		}
		batch[i] = models.NewNotification("Average", reason, []string{fmt.Sprintf("asset-%d", i)}, time.Now())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := producer.PublishBatch(ctx, batch); err != nil {
		t.Fatalf("failed to publish batch: %v", err)
	}

	if stats := producer.Stats(); stats.MessagesSent != 10 {
		t.Errorf("expected 10 messages sent, got %d", stats.MessagesSent)
	}
}

func TestProducerClose(t *testing.T) {
	producer := newTestProducer(t)

	// Writers dial lazily, so Close works without a broker.
	if err := producer.Close(); err != nil {
		t.Errorf("failed to close producer: %v", err)
	}
	if err := producer.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	n := models.NewNotification("Average", models.ReasonCleared, nil, time.Now())
	if err := producer.Publish(context.Background(), n); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("expected ErrProducerClosed, got %v", err)
	}
	if err := producer.PublishBatch(context.Background(), []*models.Notification{n}); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("expected ErrProducerClosed, got %v", err)
	}
}

func TestNewProducerValidation(t *testing.T) {
	cfg := config.Default().Kafka.Producer
	if _, err := NewProducer(nil, "notifications", cfg); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewProducer([]string{"localhost:9092"}, "", cfg); err == nil {
		t.Error("expected error without topic")
	}
}

func TestGetCompression(t *testing.T) {
	tests := []struct {
		name string
		want compress.Compression
	}{
		{"gzip", compress.Gzip},
		{"snappy", compress.Snappy},
		{"lz4", compress.Lz4},
		{"zstd", compress.Zstd},
		{"", compress.None},
		{"brotli", compress.None},
	}
	for _, tt := range tests {
		if got := getCompression(tt.name); got != tt.want {
			t.Errorf("getCompression(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNotificationMessage(t *testing.T) {
	n := models.NewNotification("Average", models.ReasonTriggered, []string{"pump"}, time.Now())
	n.BatchID = "b-1"

	msg, err := notificationMessage(n)
	if err != nil {
		t.Fatalf("notificationMessage: %v", err)
	}
	if string(msg.Key) != "Average" {
		t.Errorf("key = %q", msg.Key)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["reason"] != "triggered" || headers["batch_id"] != "b-1" {
		t.Errorf("headers = %v", headers)
	}
}

// fakeReader serves queued messages, then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	closed    bool
	fetchErr  error
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if f.fetchErr != nil {
		err := f.fetchErr
		f.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(f.messages) > 0 {
		msg := f.messages[0]
		f.messages = f.messages[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeReader) committedOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func TestConsumerQueuesReadings(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 1, Key: []byte("batch-1"), Value: []byte(`{"sinusoid": {"sinusoid": 1.5}}`)},
		{Offset: 2, Value: []byte(`not json`)},
		{Offset: 3, Value: []byte(`{"pump": {"flow": 3, "label": "x"}}`)},
	}}
	out := make(chan *models.Envelope, 10)
	c := NewConsumerWithReader(reader, out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	first := <-out
	if first.BatchID != "batch-1" || first.Source != models.SourceKafka {
		t.Errorf("first envelope = %+v", first)
	}
	if first.Readings["sinusoid"]["sinusoid"] != 1.5 {
		t.Errorf("readings = %v", first.Readings)
	}

	second := <-out
	if second.BatchID == "" || second.Readings["pump"]["flow"] != 3 {
		t.Errorf("second envelope = %+v", second)
	}
	if _, ok := second.Readings["pump"]["label"]; ok {
		t.Error("non-numeric value should be skipped")
	}

	deadline := time.After(time.Second)
	for len(reader.committedOffsets()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("committed = %v, want all three offsets", reader.committedOffsets())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start returned %v", err)
	}
	if err := c.Stop(); err != nil || !reader.closed {
		t.Errorf("Stop: %v closed=%v", err, reader.closed)
	}
}

func TestConsumerFetchError(t *testing.T) {
	reader := &fakeReader{fetchErr: errors.New("broker gone")}
	c := NewConsumerWithReader(reader, make(chan *models.Envelope, 1))
	if err := c.Start(context.Background()); err == nil {
		t.Error("expected fetch error")
	}

	reader = &fakeReader{fetchErr: io.EOF}
	c = NewConsumerWithReader(reader, make(chan *models.Envelope, 1))
	if err := c.Start(context.Background()); err != nil {
		t.Errorf("EOF should end consumption cleanly, got %v", err)
	}
}

func TestNewConsumerValidation(t *testing.T) {
	out := make(chan *models.Envelope)
	tests := []ConsumerConfig{
		{Topic: "readings", Out: out},
		{Brokers: []string{"localhost:9092"}, Out: out},
		{Brokers: []string{"localhost:9092"}, Topic: "readings"},
	}
	for i, cfg := range tests {
		if _, err := NewConsumer(cfg); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

// fakeWriter records delivered messages and fails writes from a script.
type fakeWriter struct {
	mu        sync.Mutex
	delivered []kafka.Message
	failures  []error
	calls     int
	closed    bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		var werrs kafka.WriteErrors
		if errors.As(err, &werrs) {
			for i, e := range werrs {
				if e == nil {
					f.delivered = append(f.delivered, msgs[i])
				}
			}
		}
		return err
	}
	f.delivered = append(f.delivered, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWriter) reasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.delivered {
		for _, h := range m.Headers {
			if h.Key == "reason" {
				out = append(out, string(h.Value))
			}
		}
	}
	return out
}

func testProducerConfig() config.ProducerConfig {
	cfg := config.Default().Kafka.Producer
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func transitions(n int) []*models.Notification {
	out := make([]*models.Notification, n)
	for i := range out {
		reason := models.ReasonTriggered
		if i%2 == 1 {
			reason = models.ReasonCleared
		}
		out[i] = models.NewNotification("Average", reason, []string{"sinusoid"}, time.Now())
	}
	return out
}

func TestProducerRetriesUndeliveredSuffix(t *testing.T) {
	w := &fakeWriter{failures: []error{
		kafka.WriteErrors{nil, kafka.LeaderNotAvailable, kafka.LeaderNotAvailable},
	}}
	p := NewProducerWithWriter(w, "notifications", testProducerConfig())

	if err := p.PublishBatch(context.Background(), transitions(3)); err != nil {
		t.Fatalf("PublishBatch: %v", err)
	}

	got := w.reasons()
	want := []string{"triggered", "cleared", "triggered"}
	if len(got) != len(want) {
		t.Fatalf("delivered = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivered = %v, want %v", got, want)
			break
		}
	}

	stats := p.Stats()
	if stats.MessagesSent != 3 || stats.Retries != 1 || stats.Triggered != 2 || stats.Cleared != 1 || stats.LastPublished == nil {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProducerGivesUp(t *testing.T) {
	tests := []struct {
		name      string
		failures  []error
		wantCalls int
	}{
		{"permanent error", []error{kafka.TopicAuthorizationFailed}, 1},
		{"retries exhausted", []error{
			kafka.LeaderNotAvailable, kafka.LeaderNotAvailable,
			kafka.LeaderNotAvailable, kafka.LeaderNotAvailable,
		}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{failures: tt.failures}
			p := NewProducerWithWriter(w, "notifications", testProducerConfig())

			if err := p.Publish(context.Background(), transitions(1)[0]); err == nil {
				t.Fatal("expected publish error")
			}
			if w.calls != tt.wantCalls {
				t.Errorf("write calls = %d, want %d", w.calls, tt.wantCalls)
			}
			if stats := p.Stats(); stats.MessagesSent != 0 || stats.MessagesFailed != 1 {
				t.Errorf("stats = %+v", stats)
			}
		})
	}
}

func TestProducerDropsInvalidNotifications(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w, "notifications", testProducerConfig())

	bad := models.NewNotification("", models.ReasonTriggered, nil, time.Now())
	batch := append([]*models.Notification{bad}, transitions(1)...)
	if err := p.PublishBatch(context.Background(), batch); err != nil {
		t.Fatalf("PublishBatch: %v", err)
	}
	if stats := p.Stats(); stats.MessagesSent != 1 || stats.MessagesFailed != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("Close: %v closed=%v", err, w.closed)
	}
}
