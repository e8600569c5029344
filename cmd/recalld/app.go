package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/events"
	httpapi "github.com/fyrsmithlabs/recalld/internal/http"
	"github.com/fyrsmithlabs/recalld/internal/jobs"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/mcp"
	"github.com/fyrsmithlabs/recalld/internal/memorystore"
	"github.com/fyrsmithlabs/recalld/internal/narrative"
	"github.com/fyrsmithlabs/recalld/internal/oracle"
	"github.com/fyrsmithlabs/recalld/internal/orchestrator"
	"github.com/fyrsmithlabs/recalld/internal/search"
	"github.com/fyrsmithlabs/recalld/internal/strategy"
	"github.com/fyrsmithlabs/recalld/internal/telemetry"
)

// app holds every long-lived component. Fields are released in reverse
// order of construction by Close.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	nc        *nats.Conn
	store     memorystore.Store
	repo      narrative.Repository
	cache     *narrative.Cache
	jobs      *jobs.Coordinator
	orch      *orchestrator.Orchestrator
}

// newApp wires the orchestrator and its collaborators from cfg. Anything
// already opened is closed when a later step fails.
func newApp(ctx context.Context, cfg *config.Config, m mode) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if m == modeMCP {
		logCfg.Output.Stdout = false
		logCfg.Output.Stderr = true
	}
	a.logger, err = logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := a.logger.Underlying()

	zl.Info("starting recalld",
		zap.String("version", version),
		zap.String("memorystore", cfg.MemoryStore.Provider),
		zap.String("oracle", cfg.Oracle.Provider),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.Bool("postgres", cfg.Postgres.URL.IsSet()))

	a.telemetry = telemetry.New(ctx, cfg.Telemetry, version, zl)

	a.store, err = newMemoryStore(ctx, cfg, zl)
	if err != nil {
		return nil, err
	}

	llm, err := oracle.New(cfg.Oracle, zl)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize oracle: %w", err)
	}

	a.nc, err = events.Connect(cfg.NATS, zl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	var jobOpts []jobs.Option
	if a.nc != nil {
		jobOpts = append(jobOpts, jobs.WithEvents(a.nc))
	}
	a.jobs = jobs.NewCoordinator(cfg.Jobs, zl, jobOpts...)
	a.jobs.Handle(jobs.KindPersistMemory, orchestrator.PersistMemoryHandler(a.store, zl))

	a.repo, err = narrative.NewRepository(ctx, cfg.Postgres.URL.Value())
	if err != nil {
		return nil, fmt.Errorf("failed to open narrative repository: %w", err)
	}

	cacheOpts := []narrative.Option{narrative.WithSnapshotSource(a.store)}
	if a.nc != nil {
		cacheOpts = append(cacheOpts, narrative.WithNotifier(narrative.NewNotifier(a.nc, zl)))
	}
	a.cache, err = narrative.NewCache(narrative.Config{
		TTL:           cfg.Narrative.TTL,
		L1MaxEntries:  cfg.Narrative.L1MaxEntries,
		SnapshotLimit: cfg.Narrative.SnapshotLimit,
	}, a.repo, llm, a.jobs, zl, cacheOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize narrative cache: %w", err)
	}

	def := strategy.DefaultCapabilities(cfg.Search)
	a.orch, err = orchestrator.New(orchestrator.ConfigFrom(cfg.Orchestrator), orchestrator.Deps{
		Cache:    a.cache,
		Search:   search.NewAggregator(a.store, zl),
		Oracle:   llm,
		Planner:  oracle.NewPlanner(llm, zl),
		Jobs:     a.jobs,
		Profiles: strategy.NewProfiles(def, strategy.BuiltinOverrides(def), cfg.Profiles),
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	zl.Info("dependencies initialized",
		zap.Bool("nats_connected", a.nc != nil),
		zap.Bool("telemetry_degraded", a.telemetry.Degraded()))
	return a, nil
}

// newMemoryStore builds the embedder and the configured store.
func newMemoryStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (memorystore.Store, error) {
	embedder, err := memorystore.NewLangchainEmbedder(cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	switch cfg.MemoryStore.Provider {
	case "chromem":
		store, err := memorystore.NewChromemStore(memorystore.ChromemConfig{
			Path: cfg.MemoryStore.ChromemPath,
		}, embedder, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem store: %w", err)
		}
		return store, nil
	case "qdrant":
		store, err := memorystore.NewQdrantStore(ctx, memorystore.QdrantConfig{
			Host:       cfg.MemoryStore.QdrantHost,
			Port:       cfg.MemoryStore.QdrantPort,
			UseTLS:     cfg.MemoryStore.QdrantUseTLS,
			Collection: cfg.MemoryStore.Collection,
			VectorSize: uint64(cfg.MemoryStore.VectorSize),
		}, embedder, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open qdrant store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported memory store provider: %s", cfg.MemoryStore.Provider)
	}
}

// serveHTTP blocks until ctx is cancelled, then shuts the server down.
func (a *app) serveHTTP(ctx context.Context) error {
	srv, err := httpapi.NewServer(httpapi.Deps{
		Assembler:  a.orch,
		Memories:   a.store,
		Narratives: a.cache,
	}, a.logger.Underlying(), &httpapi.Config{
		Host: a.cfg.Server.Host,
		Port: a.cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// serveMCP serves stdio until the client disconnects or ctx is cancelled.
func (a *app) serveMCP(ctx context.Context) error {
	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "recalld",
		Version: version,
		Logger:  a.logger.Underlying(),
	}, a.orch, a.store)
	if err != nil {
		return fmt.Errorf("failed to create mcp server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// Close drains background jobs, then releases connections and flushes
// telemetry. It is safe on a partially built app.
func (a *app) Close() {
	zl := zap.NewNop()
	if a.logger != nil {
		zl = a.logger.Underlying()
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if a.jobs != nil {
		if err := a.jobs.Shutdown(ctx); err != nil {
			zl.Warn("jobs shutdown incomplete", zap.Error(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			zl.Warn("narrative cache close failed", zap.Error(err))
		}
	}
	if c, ok := a.repo.(io.Closer); ok {
		if err := c.Close(); err != nil {
			zl.Warn("narrative repository close failed", zap.Error(err))
		}
	}
	if c, ok := a.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			zl.Warn("memory store close failed", zap.Error(err))
		}
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		zl.Warn("telemetry shutdown failed", zap.Error(err))
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *app) shutdownTimeout() time.Duration {
	if a.cfg == nil || a.cfg.Server.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return a.cfg.Server.ShutdownTimeout
}
