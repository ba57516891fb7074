package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"averagerule/internal/config"
	"averagerule/internal/handlers"
	"averagerule/internal/history"
	"averagerule/internal/kafka"
	"averagerule/internal/logger"
	"averagerule/internal/metrics"
	"averagerule/internal/middleware"
	"averagerule/internal/models"
	"averagerule/internal/plugin"
	"averagerule/internal/websocket"
	"averagerule/internal/worker"
)

// Processor is the high-level coordinator: it feeds readings from HTTP and
// Kafka through the rule and publishes a notification on every alert state
// transition.
type Processor struct {
	cfg     *config.Config
	handle  *plugin.Handle
	history *history.Recorder

	producer   *kafka.Producer // nil when Kafka is disabled
	consumer   *kafka.Consumer // nil when Kafka is disabled
	hub        *websocket.Hub
	workerPool *worker.Pool
	httpServer *http.Server
	listener   net.Listener
	ready      chan struct{}

	envelopeChan chan *models.Envelope
	notifyChan   chan *models.Notification
	// queueMu guards sends from HTTP handlers against close(envelopeChan).
	queueMu     sync.RWMutex
	queueClosed bool

	evalDone     chan struct{}
	consumerDone chan struct{}
	wg           sync.WaitGroup

	batches       atomic.Uint64
	triggered     atomic.Uint64
	notifications atomic.Uint64
}

// New constructs a Processor evaluating batches on h. Published
// notifications are also recorded in rec; a nil rec gets a fresh recorder.
func New(cfg *config.Config, h *plugin.Handle, rec *history.Recorder) *Processor {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	if rec == nil {
		rec = history.NewRecorder(cfg.HistorySize)
	}
	return &Processor{
		cfg:          cfg,
		handle:       h,
		history:      rec,
		envelopeChan: make(chan *models.Envelope, queueSize),
		notifyChan:   make(chan *models.Notification, queueSize),
		ready:        make(chan struct{}),
		evalDone:     make(chan struct{}),
		consumerDone: make(chan struct{}),
	}
}

// Run starts background goroutines and blocks until context cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	if p.handle.Rule() == nil {
		return errors.New("processor needs an initialised rule")
	}
	log.Info().Str("rule", p.handle.Rule().Name()).Msg("processor starting")

	// Bind first so a bad address fails before anything else starts
	ln, err := net.Listen("tcp", p.cfg.HTTP.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", p.cfg.HTTP.Listen, err)
	}
	p.listener = ln

	if p.cfg.Kafka.Enabled {
		if err := p.initKafka(); err != nil {
			_ = ln.Close()
			log.Error().Err(err).Msg("failed to initialize kafka")
			return fmt.Errorf("failed to initialize kafka: %w", err)
		}
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	p.hub = websocket.NewHub()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.hub.Run(hubCtx)
	}()

	p.initWorkerPool()
	p.workerPool.Start()

	// Evaluation loop
	go p.evaluateLoop()

	// Kafka consumer
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	if p.consumer != nil {
		go func() {
			defer close(p.consumerDone)
			if err := p.consumer.Start(consumerCtx); err != nil {
				log := logger.WithError(err)
				log.Error().Str("component", "kafka_consumer").Msg("kafka consumer stopped with error")
			}
		}()
	} else {
		close(p.consumerDone)
	}

	p.initHTTPServer()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", ln.Addr().String()).Msg("starting HTTP server")
		if err := p.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// Stats reporting goroutine
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	close(p.ready)

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	stopConsumer()
	return p.shutdown(stopHub)
}

// Addr returns the HTTP listen address once Run has started serving.
func (p *Processor) Addr() string {
	<-p.ready
	return p.listener.Addr().String()
}

// initKafka initializes the notification producer and readings consumer
func (p *Processor) initKafka() error {
	log := logger.WithComponent("processor")
	kcfg := p.cfg.Kafka

	producer, err := kafka.NewProducer(kcfg.Brokers, kcfg.NotificationsTopic, kcfg.Producer)
	if err != nil {
		return err
	}

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: kcfg.Brokers,
		Topic:   kcfg.ReadingsTopic,
		GroupID: kcfg.GroupID,
		Out:     p.envelopeChan,
	})
	if err != nil {
		_ = producer.Close()
		return err
	}

	p.producer = producer
	p.consumer = consumer
	log.Info().
		Strs("brokers", kcfg.Brokers).
		Str("readings_topic", kcfg.ReadingsTopic).
		Str("notifications_topic", kcfg.NotificationsTopic).
		Str("group_id", kcfg.GroupID).
		Msg("kafka initialized")
	return nil
}

// initWorkerPool initializes the notification worker pool
func (p *Processor) initWorkerPool() {
	log := logger.WithComponent("processor")

	publishers := worker.FanOut{p.history, p.hub}
	if p.producer != nil {
		publishers = append(publishers, p.producer)
	} else {
		publishers = append(publishers, worker.LogPublisher{Log: logger.WithComponent("notifications")})
	}

	p.workerPool = worker.NewPool(worker.Config{
		Publisher:    publishers,
		NotifyChan:   p.notifyChan,
		Workers:      p.cfg.Worker.Workers,
		BatchSize:    p.cfg.Worker.BatchSize,
		BatchTimeout: p.cfg.Worker.BatchTimeout,
	})
	log.Info().
		Int("workers", p.cfg.Worker.Workers).
		Int("publishers", len(publishers)).
		Msg("worker pool initialized")
}

// initHTTPServer initializes the HTTP server with handlers
func (p *Processor) initHTTPServer() {
	r := chi.NewRouter()
	r.Use(middleware.Logging, middleware.Recovery)

	r.Method(http.MethodPost, "/evaluate", handlers.NewIngestHandler(handlers.IngestConfig{
		Queue:         p,
		MaxBodySize:   p.cfg.HTTP.MaxBodySize,
		ResultTimeout: p.cfg.HTTP.WriteTimeout / 2,
	}))
	handlers.NewRuleHandler(p.handle, 0).Routes(r)
	handlers.NewHistoryHandler(p.history).Routes(r)

	r.Get("/ws", p.hub.ServeWS)
	r.Get("/health", p.healthHandler)
	r.Get("/stats", p.statsHandler)
	r.Handle("/metrics", promhttp.Handler())

	metrics.QueueCapacity.Set(float64(cap(p.envelopeChan)))

	p.httpServer = &http.Server{
		Handler:      r,
		ReadTimeout:  p.cfg.HTTP.ReadTimeout,
		WriteTimeout: p.cfg.HTTP.WriteTimeout,
		IdleTimeout:  p.cfg.HTTP.IdleTimeout,
	}
}

// Enqueue queues env for evaluation without blocking. After shutdown has
// closed the queue it reports handlers.ErrQueueClosed.
func (p *Processor) Enqueue(env *models.Envelope) error {
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.queueClosed {
		return handlers.ErrQueueClosed
	}
	select {
	case p.envelopeChan <- env:
		return nil
	default:
		return handlers.ErrQueueFull
	}
}

func (p *Processor) closeQueue() {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if !p.queueClosed {
		p.queueClosed = true
		close(p.envelopeChan)
	}
}

// evaluateLoop is the only goroutine that applies batches to the rule, so
// transitions are observed in queue order.
func (p *Processor) evaluateLoop() {
	defer close(p.evalDone)
	for env := range p.envelopeChan {
		metrics.QueueSize.Set(float64(len(p.envelopeChan)))
		p.evaluate(env)
	}
}

func (p *Processor) evaluate(env *models.Envelope) {
	log := logger.WithComponent("processor")

	rl := p.handle.Rule()
	if rl == nil {
		reply(env, models.Result{})
		return
	}

	metrics.IngestBatchSize.Observe(float64(env.Readings.Count()))
	outcome := rl.Apply(env.Readings)
	p.batches.Add(1)
	if outcome.Triggered {
		p.triggered.Add(1)
	}
	reply(env, outcome.Result())

	if !outcome.Changed() {
		return
	}

	reason := outcome.State().String()
	n := models.NewNotification(rl.Name(), reason, outcome.Assets, outcome.Timestamp)
	n.BatchID = env.BatchID
	metrics.RuleStateChangesTotal.WithLabelValues(reason).Inc()
	p.notifications.Add(1)

	log.Info().
		Str("reason", reason).
		Strs("asset", outcome.Assets).
		Str("batch_id", env.BatchID).
		Str("source", string(env.Source)).
		Msg("alert state changed")

	p.notifyChan <- n
}

// reply reports the outcome without blocking the evaluation loop.
func reply(env *models.Envelope, res models.Result) {
	if env.Result == nil {
		return
	}
	select {
	case env.Result <- res:
	default:
	}
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown(stopHub context.CancelFunc) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
		_ = p.httpServer.Close()
	}

	// 2. Stop the consumer so nothing else enters the queue
	<-p.consumerDone
	if p.consumer != nil {
		if err := p.consumer.Stop(); err != nil {
			log.Error().Err(err).Msg("consumer close error")
		}
	}

	// 3. Evaluate what is queued, then stop the evaluation loop
	log.Info().Int("queued", len(p.envelopeChan)).Msg("closing envelope channel")
	p.closeQueue()
	<-p.evalDone

	// 4. Flush notifications (with timeout)
	close(p.notifyChan)
	done := make(chan struct{})
	go func() {
		p.workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("workers stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("worker shutdown timeout - forcing exit")
	}

	// 5. Disconnect websocket clients and close producer
	stopHub()
	if p.producer != nil {
		log.Info().Msg("closing kafka producer")
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}

	// 6. Wait for all goroutines
	p.wg.Wait()

	log.Info().Msg("processor stopped gracefully")
	return nil
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.Stats()
			metrics.QueueSize.Set(float64(stats.Queue.Buffered))

			event := log.Info().
				Uint64("batches", stats.Batches).
				Uint64("triggered", stats.Triggered).
				Uint64("notifications", stats.Notifications).
				Uint64("worker_processed", stats.Worker.Processed).
				Uint64("worker_failed", stats.Worker.Failed).
				Int("queue_size", stats.Queue.Buffered).
				Int("websocket_clients", stats.WebsocketClients)
			if stats.Producer != nil {
				event = event.
					Uint64("producer_sent", stats.Producer.MessagesSent).
					Uint64("producer_failed", stats.Producer.MessagesFailed)
			}
			event.Msg("stats")
		}
	}
}

// QueueStats describes the evaluation queue.
type QueueStats struct {
	Buffered int `json:"buffered"`
	Capacity int `json:"capacity"`
}

// Stats is a point-in-time view of the processor.
type Stats struct {
	Rule             string               `json:"rule"`
	State            string               `json:"state"`
	DataPoints       int                  `json:"datapoints"`
	Batches          uint64               `json:"batches"`
	Triggered        uint64               `json:"triggered"`
	Notifications    uint64               `json:"notifications"`
	Worker           worker.Stats         `json:"worker"`
	Producer         *kafka.ProducerStats `json:"producer,omitempty"`
	Queue            QueueStats           `json:"queue"`
	WebsocketClients int                  `json:"websocket_clients"`
}

// Stats returns current processor statistics.
func (p *Processor) Stats() Stats {
	s := Stats{
		Batches:       p.batches.Load(),
		Triggered:     p.triggered.Load(),
		Notifications: p.notifications.Load(),
		Queue: QueueStats{
			Buffered: len(p.envelopeChan),
			Capacity: cap(p.envelopeChan),
		},
	}
	if rl := p.handle.Rule(); rl != nil {
		s.Rule = rl.Name()
		s.State = rl.State().String()
		s.DataPoints = len(rl.Averages())
	}
	if p.workerPool != nil {
		s.Worker = p.workerPool.Stats()
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		s.Producer = &ps
	}
	if p.hub != nil {
		s.WebsocketClients = p.hub.Clients()
	}
	return s
}

// healthHandler handles health check requests
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if p.handle.Rule() == nil {
		http.Error(w, "unhealthy: rule shut down", http.StatusServiceUnavailable)
		return
	}

	// Check Kafka connectivity
	if p.producer != nil {
		if err := p.producer.HealthCheck(ctx); err != nil {
			http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(p.Stats())
}
