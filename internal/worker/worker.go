package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"averagerule/internal/logger"
	"averagerule/internal/metrics"
	"averagerule/internal/models"
)

// Publisher delivers rule notifications
type Publisher interface {
	Publish(ctx context.Context, n *models.Notification) error
	PublishBatch(ctx context.Context, notifications []*models.Notification) error
}

// Pool manages a pool of workers that drain notifications and hand them to
// a Publisher in batches
type Pool struct {
	publisher    Publisher
	notifyChan   <-chan *models.Notification
	workers      int
	batchSize    int
	batchTimeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Publisher    Publisher
	NotifyChan   <-chan *models.Notification
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		publisher:    cfg.Publisher,
		notifyChan:   cfg.NotifyChan,
		workers:      cfg.Workers,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins draining notifications
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop gracefully stops all workers
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

// worker batches notifications from the channel
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()

	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log.Error().
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	log.Info().Msg("worker started")
	defer log.Info().Msg("worker stopped")

	batch := make([]*models.Notification, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			// Drain what is already queued, then flush
			p.drain(batch)
			return

		case n, ok := <-p.notifyChan:
			if !ok {
				// Channel closed, flush and exit
				if len(batch) > 0 {
					p.publishBatch(batch)
				}
				return
			}

			batch = append(batch, n)

			// Publish when batch is full
			if len(batch) >= p.batchSize {
				p.publishBatch(batch)
				batch = batch[:0] // Reset batch
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			// Publish on timeout if we have any messages
			if len(batch) > 0 {
				p.publishBatch(batch)
				batch = batch[:0]
			}
			timer.Reset(p.batchTimeout)
		}
	}
}

// drain publishes batch plus everything still buffered in the channel.
func (p *Pool) drain(batch []*models.Notification) {
	for {
		select {
		case n, ok := <-p.notifyChan:
			if !ok {
				p.publishBatch(batch)
				return
			}
			batch = append(batch, n)
			if len(batch) >= p.batchSize {
				p.publishBatch(batch)
				batch = batch[:0]
			}
		default:
			p.publishBatch(batch)
			return
		}
	}
}

// publishBatch publishes a batch of notifications
func (p *Pool) publishBatch(batch []*models.Notification) {
	if len(batch) == 0 {
		return
	}

	log := logger.WithComponent("worker")
	start := time.Now()

	// Detached from p.ctx so the final flush on Stop still goes out
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Debug().Int("batch_size", len(batch)).Msg("publishing notification batch")

	err := p.publisher.PublishBatch(ctx, batch)
	duration := time.Since(start)

	metrics.WorkerBatchPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Dur("duration", duration).
			Msg("failed to publish batch")

		p.failed.Add(uint64(len(batch)))
		metrics.WorkerFailedTotal.Add(float64(len(batch)))

		// Fallback: try publishing individually
		p.publishIndividually(batch)
	} else {
		log.Debug().
			Int("batch_size", len(batch)).
			Dur("duration", duration).
			Msg("batch published successfully")

		p.processed.Add(uint64(len(batch)))
		metrics.WorkerProcessedTotal.Add(float64(len(batch)))
	}
}

// publishIndividually tries to publish each notification separately (fallback)
func (p *Pool) publishIndividually(batch []*models.Notification) {
	log := logger.WithComponent("worker")
	log.Warn().Int("count", len(batch)).Msg("attempting individual publish for failed batch")

	for _, n := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.publisher.Publish(ctx, n)
		cancel()

		if err != nil {
			log.Error().
				Err(err).
				Str("rule", n.Rule).
				Str("reason", n.Reason).
				Str("batch_id", n.BatchID).
				Msg("failed to publish notification individually")
		} else {
			log.Debug().
				Str("rule", n.Rule).
				Str("reason", n.Reason).
				Msg("notification published individually")

			// Don't count twice - subtract from failed, add to processed
			p.failed.Add(^uint64(0)) // Subtract 1
			p.processed.Add(1)
		}
	}
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}
