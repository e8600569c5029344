package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/events"
	"github.com/fyrsmithlabs/recalld/internal/identity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("recalld.jobs")

// Coordinator errors.
var (
	// ErrNoHandler is recorded when a job kind has no registered handler.
	ErrNoHandler = errors.New("no handler registered for job kind")

	// ErrPanic wraps a recovered panic.
	ErrPanic = errors.New("job panicked")
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	defaultTimeout   = time.Minute
)

// Coordinator runs jobs on a fixed worker pool fed by a bounded queue.
//
// Thread Safety: all methods are safe for concurrent use.
type Coordinator struct {
	queue   chan Job
	timeout time.Duration

	base   context.Context
	cancel context.CancelFunc

	handlersMu sync.RWMutex
	handlers   map[Kind]Handler

	// mu guards closed against concurrent Submit and Shutdown.
	mu       sync.RWMutex
	closed   bool
	shutOnce sync.Once
	wg       sync.WaitGroup

	events  events.Publisher
	metrics *Metrics
	logger  *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEvents publishes job lifecycle events.
func WithEvents(p events.Publisher) Option {
	return func(c *Coordinator) {
		c.events = p
	}
}

// WithMetrics replaces the metrics tracker.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator starts cfg.Workers workers.
func NewCoordinator(cfg config.JobsConfig, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	base, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		queue:    make(chan Job, queueSize),
		timeout:  timeout,
		base:     base,
		cancel:   cancel,
		handlers: make(map[Kind]Handler),
		metrics:  NewMetrics(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go c.worker()
	}
	logger.Info("job coordinator started",
		zap.Int("workers", workers),
		zap.Int("queue_size", queueSize),
		zap.Duration("timeout", timeout))
	return c
}

// Handle registers h for kind, replacing any previous handler.
func (c *Coordinator) Handle(kind Kind, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[kind] = h
}

func (c *Coordinator) handler(kind Kind) Handler {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers[kind]
}

// Submit enqueues job and returns immediately. It returns false when the
// job was rejected: invalid identity, full queue, or coordinator shut down.
func (c *Coordinator) Submit(job Job) bool {
	fields := jobFields(job)

	if err := job.JobContext.Validate(); err != nil {
		c.logger.Error("job rejected: invalid identity", append(fields, zap.Error(err))...)
		c.metrics.RecordJob(job.Kind, "rejected")
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.logger.Warn("job rejected: coordinator shut down", fields...)
		c.metrics.RecordJob(job.Kind, "rejected")
		return false
	}

	select {
	case c.queue <- job:
		c.metrics.QueueDepth.Inc()
		return true
	default:
		c.logger.Warn("job dropped: queue full", fields...)
		c.metrics.RecordJob(job.Kind, "dropped")
		return false
	}
}

// Shutdown stops intake and waits for queued and running jobs. When ctx
// ends first, running jobs are cancelled and ctx's error is returned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.queue)
		c.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		c.logger.Info("job coordinator stopped")
		return nil
	case <-ctx.Done():
		c.cancel()
		c.logger.Warn("job coordinator shutdown timed out; running jobs cancelled")
		return ctx.Err()
	}
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for job := range c.queue {
		c.metrics.QueueDepth.Dec()
		c.execute(job)
	}
}

func (c *Coordinator) execute(job Job) {
	ctx := identity.WithJobContext(c.base, job.JobContext)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	spanOpts := []trace.SpanStartOption{trace.WithNewRoot()}
	if job.parent.IsValid() {
		spanOpts = append(spanOpts, trace.WithLinks(trace.Link{SpanContext: job.parent}))
	}
	ctx, span := tracer.Start(ctx, "jobs."+string(job.Kind), spanOpts...)
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("user.id", job.JobContext.UserID),
	)

	start := time.Now()
	err := c.run(ctx, job)
	duration := time.Since(start)

	status := "completed"
	fields := append(jobFields(job), zap.Duration("duration", duration))
	if err != nil {
		status = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("job failed", append(fields, zap.Error(err))...)
	} else {
		span.SetStatus(codes.Ok, "success")
		c.logger.Debug("job completed", fields...)
	}

	c.metrics.RecordJob(job.Kind, status)
	c.metrics.ObserveDuration(job.Kind, duration.Seconds())
	c.publish(job, status, duration, err)
}

// run invokes the handler and converts panics into errors.
func (c *Coordinator) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			c.logger.Error("job panicked, recovering",
				append(jobFields(job), zap.Any("panic", r), zap.Stack("stack"))...)
		}
	}()

	h := c.handler(job.Kind)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.Kind)
	}
	return h(ctx, job)
}

type lifecycleEvent struct {
	JobID      string `json:"job_id"`
	Kind       Kind   `json:"kind"`
	UserID     string `json:"user_id"`
	ClientID   string `json:"client_id,omitempty"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func (c *Coordinator) publish(job Job, status string, duration time.Duration, jobErr error) {
	if c.events == nil {
		return
	}
	ev := lifecycleEvent{
		JobID:      job.ID,
		Kind:       job.Kind,
		UserID:     job.JobContext.UserID,
		ClientID:   job.JobContext.ClientID,
		Status:     status,
		DurationMs: duration.Milliseconds(),
	}
	if jobErr != nil {
		ev.Error = jobErr.Error()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Warn("marshal job event", zap.Error(err))
		return
	}
	subject := events.JobFinished(job.JobContext.UserID, string(job.Kind), status)
	if err := c.events.Publish(subject, data); err != nil {
		c.logger.Warn("publish job event", zap.String("subject", subject), zap.Error(err))
	}
}

func jobFields(job Job) []zap.Field {
	return []zap.Field{
		zap.String("job.id", job.ID),
		zap.String("job.kind", string(job.Kind)),
		zap.String("user.id", job.JobContext.UserID),
		zap.String("client.id", job.JobContext.ClientID),
	}
}
