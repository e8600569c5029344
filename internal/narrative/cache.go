package narrative

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/identity"
	"github.com/fyrsmithlabs/recalld/internal/jobs"
	"github.com/fyrsmithlabs/recalld/internal/memorystore"
	"github.com/fyrsmithlabs/recalld/internal/oracle"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("recalld.narrative")

// DefaultTTL is the freshness window when none is configured.
const DefaultTTL = 7 * 24 * time.Hour

const defaultSnapshotLimit = 50

// ErrEmptySnapshot is returned by a refresh with nothing to summarise.
var ErrEmptySnapshot = errors.New("no memories to summarise")

// JobQueue is the part of jobs.Coordinator the cache uses.
type JobQueue interface {
	Submit(job jobs.Job) bool
	Handle(kind jobs.Kind, h jobs.Handler)
}

// SnapshotSource loads a user's memories when a refresh is scheduled
// without a snapshot. memorystore.Store satisfies it.
type SnapshotSource interface {
	GetAll(ctx context.Context, limit int) ([]memorystore.MemoryRecord, error)
}

// Config configures the cache.
type Config struct {
	TTL           time.Duration
	L1MaxEntries  int64
	SnapshotLimit int
}

// Cache serves fresh narratives and schedules refreshes.
type Cache struct {
	repo     Repository
	oracle   oracle.Oracle
	queue    JobQueue
	source   SnapshotSource
	notifier *Notifier
	l1       *l1

	ttl           time.Duration
	snapshotLimit int
	now           func() time.Time

	// mu guards inFlight. It is never held across I/O.
	mu       sync.Mutex
	inFlight map[string]struct{}

	// l1mu guards closed. L1 operations hold it for reading so Close cannot
	// release the L1 under a running refresh.
	l1mu   sync.RWMutex
	closed bool

	metrics *Metrics
	logger  *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithSnapshotSource sets where refreshes without a snapshot read from.
func WithSnapshotSource(s SnapshotSource) Option {
	return func(c *Cache) {
		c.source = s
	}
}

// WithNotifier enables cross-instance L1 invalidation.
func WithNotifier(n *Notifier) Option {
	return func(c *Cache) {
		c.notifier = n
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache creates the cache and registers its refresh handler on queue.
func NewCache(cfg Config, repo Repository, o oracle.Oracle, queue JobQueue, logger *zap.Logger, opts ...Option) (*Cache, error) {
	if repo == nil || o == nil || queue == nil {
		return nil, fmt.Errorf("narrative cache requires a repository, an oracle and a job queue")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	snapshotLimit := cfg.SnapshotLimit
	if snapshotLimit <= 0 {
		snapshotLimit = defaultSnapshotLimit
	}

	l1, err := newL1(cfg.L1MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("creating l1 cache: %w", err)
	}

	c := &Cache{
		repo:          repo,
		oracle:        o,
		queue:         queue,
		l1:            l1,
		ttl:           ttl,
		snapshotLimit: snapshotLimit,
		now:           time.Now,
		inFlight:      make(map[string]struct{}),
		metrics:       NewMetrics(),
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.notifier != nil {
		if err := c.notifier.Subscribe(c.evictL1); err != nil {
			c.l1.close()
			return nil, err
		}
	}
	queue.Handle(jobs.KindRefreshNarrative, c.refresh)
	return c, nil
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) stateOf(e NarrativeEntry) FreshnessState {
	if c.now().Sub(e.GeneratedAt) <= c.ttl {
		return Fresh
	}
	return Stale
}

func (c *Cache) remaining(e NarrativeEntry) time.Duration {
	return c.ttl - c.now().Sub(e.GeneratedAt)
}

// TryGet returns the user's entry only when it is fresh. Repository errors
// are logged and reported as a miss.
func (c *Cache) TryGet(ctx context.Context, userID string) (*NarrativeEntry, bool) {
	ctx, span := tracer.Start(ctx, "narrative.try_get")
	defer span.End()

	if e, ok := c.getL1(userID); ok && c.stateOf(e) == Fresh {
		c.metrics.lookup("l1_hit")
		span.SetAttributes(attribute.String("narrative.result", "l1_hit"))
		return &e, true
	}

	e, err := c.repo.Get(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		c.metrics.lookup("miss")
		span.SetAttributes(attribute.String("narrative.result", "miss"))
		return nil, false
	case err != nil:
		c.logger.Warn("narrative lookup failed; treating as miss",
			zap.String("user.id", userID), zap.Error(err))
		c.metrics.lookup("error")
		span.RecordError(err)
		return nil, false
	}

	if c.stateOf(*e) != Fresh {
		c.metrics.lookup("stale")
		span.SetAttributes(attribute.String("narrative.result", "stale"))
		return nil, false
	}

	c.setL1(*e)
	c.metrics.lookup("hit")
	span.SetAttributes(attribute.String("narrative.result", "hit"))
	return e, true
}

// Inspect reads the stored entry, fresh or not, bypassing the L1 copy.
func (c *Cache) Inspect(ctx context.Context, userID string) (*NarrativeEntry, FreshnessState, error) {
	e, err := c.repo.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, Absent, nil
	}
	if err != nil {
		return nil, Absent, err
	}
	return e, c.stateOf(*e), nil
}

// State reports the user's freshness. Repository errors read as Absent.
func (c *Cache) State(ctx context.Context, userID string) FreshnessState {
	_, state, err := c.Inspect(ctx, userID)
	if err != nil {
		c.logger.Warn("narrative state lookup failed", zap.String("user.id", userID), zap.Error(err))
	}
	return state
}

// RefreshPayload is the RefreshNarrative job payload. A non-empty Content is
// stored as the narrative without calling the oracle.
type RefreshPayload struct {
	Snapshot []memorystore.MemoryRecord
	Content  string
}

// ScheduleRefresh submits a refresh for jc's user unless one is already in
// flight. It never blocks. ctx only links the job's trace to the caller.
// An empty snapshot makes the job load the user's newest memories itself.
func (c *Cache) ScheduleRefresh(ctx context.Context, jc identity.JobContext, snapshot []memorystore.MemoryRecord) bool {
	return c.schedule(ctx, jc, RefreshPayload{Snapshot: snapshot})
}

// ScheduleSynthesized stores content, already synthesised from snapshot, as
// jc's narrative. It follows the same in-flight rules as ScheduleRefresh.
func (c *Cache) ScheduleSynthesized(ctx context.Context, jc identity.JobContext, content string, snapshot []memorystore.MemoryRecord) bool {
	return c.schedule(ctx, jc, RefreshPayload{Snapshot: snapshot, Content: content})
}

func (c *Cache) schedule(ctx context.Context, jc identity.JobContext, p RefreshPayload) bool {
	if !c.markInFlight(jc.UserID) {
		c.metrics.refresh("deduplicated")
		return false
	}

	p.Snapshot = append([]memorystore.MemoryRecord(nil), p.Snapshot...)
	if !c.queue.Submit(jobs.New(ctx, jobs.KindRefreshNarrative, jc, p)) {
		c.clearInFlight(jc.UserID)
		c.metrics.refresh("rejected")
		return false
	}
	c.metrics.refresh("scheduled")
	return true
}

// InFlight reports whether a refresh for userID is pending or running.
func (c *Cache) InFlight(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[userID]
	return ok
}

func (c *Cache) markInFlight(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inFlight[userID]; ok {
		return false
	}
	c.inFlight[userID] = struct{}{}
	return true
}

func (c *Cache) clearInFlight(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, userID)
}

// refresh is the RefreshNarrative job handler. ctx carries the job's
// identity, which scopes the snapshot read.
func (c *Cache) refresh(ctx context.Context, job jobs.Job) (err error) {
	userID := job.JobContext.UserID
	defer c.clearInFlight(userID)
	defer func() {
		if err != nil {
			c.metrics.refresh("failed")
		} else {
			c.metrics.refresh("completed")
		}
	}()

	p, _ := job.Payload.(RefreshPayload)
	text, snapshot := p.Content, p.Snapshot
	if text == "" {
		if len(snapshot) == 0 && c.source != nil {
			snapshot, err = c.source.GetAll(ctx, c.snapshotLimit)
			if err != nil {
				return fmt.Errorf("loading snapshot: %w", err)
			}
		}
		if len(snapshot) == 0 {
			return ErrEmptySnapshot
		}

		text, err = c.oracle.Generate(ctx, oracle.NarrativePrompt(snapshot))
		if err != nil {
			return fmt.Errorf("generating narrative: %w", err)
		}
	}

	entry := NarrativeEntry{UserID: userID, Content: text, GeneratedAt: c.now().UTC()}
	if err := c.repo.Put(ctx, entry); err != nil {
		return fmt.Errorf("storing narrative: %w", err)
	}
	c.setL1(entry)
	c.announce(userID, "refreshed")

	c.logger.Info("narrative refreshed",
		zap.String("user.id", userID),
		zap.Bool("synthesized", p.Content != ""),
		zap.Int("snapshot", len(snapshot)),
		zap.Int("chars", len(text)))
	return nil
}

// Invalidate deletes the user's entry everywhere.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	if err := c.repo.Delete(ctx, userID); err != nil {
		return err
	}
	c.evictL1(userID)
	c.announce(userID, "invalidated")
	return nil
}

func (c *Cache) announce(userID, reason string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Publish(userID, reason); err != nil {
		c.logger.Warn("narrative event not published", zap.String("user.id", userID), zap.Error(err))
	}
}

func (c *Cache) getL1(userID string) (NarrativeEntry, bool) {
	c.l1mu.RLock()
	defer c.l1mu.RUnlock()
	if c.closed {
		return NarrativeEntry{}, false
	}
	return c.l1.get(userID)
}

func (c *Cache) setL1(e NarrativeEntry) {
	c.l1mu.RLock()
	defer c.l1mu.RUnlock()
	if !c.closed {
		c.l1.set(e, c.remaining(e))
	}
}

func (c *Cache) evictL1(userID string) {
	c.l1mu.RLock()
	defer c.l1mu.RUnlock()
	if !c.closed {
		c.l1.del(userID)
	}
}

// Close releases the L1 cache and subscription. Refreshes still running
// afterwards write to the repository only. Close is idempotent.
func (c *Cache) Close() error {
	c.l1mu.Lock()
	if c.closed {
		c.l1mu.Unlock()
		return nil
	}
	c.closed = true
	c.l1mu.Unlock()

	var err error
	if c.notifier != nil {
		err = c.notifier.Close()
	}
	c.l1.close()
	return err
}
