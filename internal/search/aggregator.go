// Package search fans a set of queries out to the memory store and merges
// the results.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/memorystore"
	"github.com/fyrsmithlabs/recalld/internal/rerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("recalld.search")

// ErrAllQueriesFailed is returned when no query produced a result set.
var ErrAllQueriesFailed = errors.New("all search queries failed")

// Searcher is the subset of memorystore.Store the aggregator needs.
type Searcher interface {
	Search(ctx context.Context, query string, limit int, filters map[string]string) ([]memorystore.MemoryRecord, error)
}

// Aggregator runs queries concurrently and merges their results.
type Aggregator struct {
	store   Searcher
	metrics *Metrics
	logger  *zap.Logger
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store Searcher, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{store: store, metrics: NewMetrics(), logger: logger}
}

// SetMetrics replaces the metrics tracker.
func (a *Aggregator) SetMetrics(m *Metrics) {
	a.metrics = m
}

type outcome struct {
	index   int
	records []memorystore.MemoryRecord
	err     error
}

// Run executes every query with perQueryLimit and returns the union of the
// successful result sets.
//
// Records are ordered by the submission order of the query that returned
// them, then by that query's own order. A record id seen twice keeps its
// first position. A failing query contributes nothing; Run fails only when
// every query failed. When ctx expires, queries still running are abandoned
// and Run returns what completed.
func (a *Aggregator) Run(ctx context.Context, queries []string, perQueryLimit int) ([]memorystore.MemoryRecord, error) {
	if len(queries) == 0 {
		return nil, rerrors.Invariant("search.run", "no queries")
	}
	if perQueryLimit <= 0 {
		return nil, rerrors.Invariant("search.run", "per-query limit must be positive, got %d", perQueryLimit)
	}

	ctx, span := tracer.Start(ctx, "search.aggregate")
	defer span.End()
	span.SetAttributes(
		attribute.Int("search.queries", len(queries)),
		attribute.Int("search.per_query_limit", perQueryLimit),
	)
	start := time.Now()

	qctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome, len(queries))
	var g errgroup.Group
	g.SetLimit(len(queries))
	for i, q := range queries {
		g.Go(func() error {
			results <- a.runOne(qctx, i, q, perQueryLimit)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	perQuery := make([][]memorystore.MemoryRecord, len(queries))
	errs := make([]error, len(queries))
	completed := make([]bool, len(queries))

collect:
	for {
		select {
		case o, ok := <-results:
			if !ok {
				break collect
			}
			completed[o.index] = true
			perQuery[o.index] = o.records
			errs[o.index] = o.err
		case <-ctx.Done():
			break collect
		}
	}

	var firstErr error
	succeeded := 0
	for i := range queries {
		if !completed[i] {
			errs[i] = ctx.Err()
		}
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		succeeded++
	}

	a.metrics.ObserveLatency(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("search.succeeded", succeeded))

	if succeeded == 0 {
		err := rerrors.Wrap("search.run", fmt.Errorf("%w: %w", ErrAllQueriesFailed, firstErr))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	merged, dups := merge(perQuery, errs)
	a.metrics.RecordDuplicates(dups)
	span.SetAttributes(
		attribute.Int("search.results", len(merged)),
		attribute.Int("search.duplicates", dups),
	)
	span.SetStatus(codes.Ok, "success")
	return merged, nil
}

func (a *Aggregator) runOne(ctx context.Context, index int, query string, limit int) outcome {
	ctx, span := tracer.Start(ctx, "search.query")
	defer span.End()
	span.SetAttributes(attribute.Int("search.query_index", index))

	start := time.Now()
	records, err := a.store.Search(ctx, query, limit, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.logger.Warn("search query timed out",
				zap.Int("query_index", index),
				zap.Duration("duration", time.Since(start)))
			a.metrics.RecordQuery("timeout")
		} else {
			a.logger.Warn("search query failed",
				zap.Int("query_index", index),
				zap.Error(err))
			a.metrics.RecordQuery("error")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome{index: index, err: err}
	}

	a.metrics.RecordQuery("success")
	span.SetAttributes(attribute.Int("search.results", len(records)))
	return outcome{index: index, records: records}
}

// merge concatenates successful result sets in query order, keeping the
// first occurrence of each record id. Records without an id are kept as-is.
func merge(perQuery [][]memorystore.MemoryRecord, errs []error) ([]memorystore.MemoryRecord, int) {
	seen := make(map[string]struct{})
	var merged []memorystore.MemoryRecord
	dups := 0
	for i, records := range perQuery {
		if errs[i] != nil {
			continue
		}
		for _, r := range records {
			if r.ID != "" {
				if _, ok := seen[r.ID]; ok {
					dups++
					continue
				}
				seen[r.ID] = struct{}{}
			}
			merged = append(merged, r)
		}
	}
	if merged == nil {
		merged = []memorystore.MemoryRecord{}
	}
	return merged, dups
}
