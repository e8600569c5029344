package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/identity"
	"github.com/fyrsmithlabs/recalld/internal/jobs"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/memorystore"
	"github.com/fyrsmithlabs/recalld/internal/narrative"
	"github.com/fyrsmithlabs/recalld/internal/oracle"
	"github.com/fyrsmithlabs/recalld/internal/rerrors"
	"github.com/fyrsmithlabs/recalld/internal/strategy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("recalld.orchestrator")

// Orchestrator assembles context for conversational turns.
type Orchestrator struct {
	cache    NarrativeCache
	search   Searcher
	oracle   oracle.Oracle
	planner  Planner
	jobs     JobSubmitter
	profiles *strategy.Profiles
	cfg      Config

	metrics *Metrics
	logger  *logging.Logger
}

// Deps are the orchestrator's collaborators. All are required.
type Deps struct {
	Cache    NarrativeCache
	Search   Searcher
	Oracle   oracle.Oracle
	Planner  Planner
	Jobs     JobSubmitter
	Profiles *strategy.Profiles
}

// New creates an orchestrator.
func New(cfg Config, deps Deps, logger *logging.Logger) (*Orchestrator, error) {
	if deps.Cache == nil || deps.Search == nil || deps.Oracle == nil ||
		deps.Planner == nil || deps.Jobs == nil || deps.Profiles == nil {
		return nil, errors.New("orchestrator: missing dependency")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.applyDefaults()
	return &Orchestrator{
		cache:    deps.Cache,
		search:   deps.Search,
		oracle:   deps.Oracle,
		planner:  deps.Planner,
		jobs:     deps.Jobs,
		profiles: deps.Profiles,
		cfg:      cfg,
		metrics:  NewMetrics(),
		logger:   logger.Named("orchestrator"),
	}, nil
}

// GetContext returns the context string for turn. It returns within the
// earlier of the ctx deadline and the configured deadline, plus scheduling
// overhead, and returns "" when nothing could be assembled.
func (o *Orchestrator) GetContext(ctx context.Context, turn strategy.ConversationTurn) string {
	return o.Assemble(ctx, turn).Context
}

// turnState carries per-turn values across tiers.
type turnState struct {
	turn    strategy.ConversationTurn
	jc      identity.JobContext
	profile strategy.Profile
	plan    *strategy.ContextPlan
	result  Result
}

// Assemble is GetContext with a description of how the context was made.
func (o *Orchestrator) Assemble(ctx context.Context, turn strategy.ConversationTurn) (res Result) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Deadline)
	defer cancel()

	jc := identity.JobContext{UserID: turn.UserID, ClientID: turn.ClientID}
	ctx = identity.WithJobContext(ctx, jc)
	ctx, span := tracer.Start(ctx, "orchestrator.get_context")
	defer span.End()

	st := &turnState{turn: turn, jc: jc}
	enter(ctx, StateSelectingStrategy)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error(ctx, "context assembly panicked, recovering",
				zap.Any("panic", r), zap.Stack("stack"))
			span.SetStatus(codes.Error, "panic")
			res = Result{Tried: st.result.Tried, Persisted: st.result.Persisted}
		}
		res.Elapsed = time.Since(start)
		enter(ctx, StateDone)
		o.finish(ctx, st, res)
	}()

	if err := jc.Validate(); err != nil {
		o.logger.Warn(ctx, "turn rejected",
			zap.String("identity.reason", identity.RejectReason(err)),
			zap.Error(err))
		return Result{}
	}
	st.profile = o.profiles.Lookup(turn.ClientID)

	var cached *narrative.NarrativeEntry
	if turn.IsFirstTurnOfSession {
		cached = o.lookupCache(ctx, turn.UserID)
	}
	s := strategy.Select(turn, cached != nil)
	span.SetAttributes(
		attribute.String("strategy.selected", string(s)),
		attribute.Bool("turn.first", turn.IsFirstTurnOfSession),
		attribute.String("profile", string(st.profile.Name)),
	)

	enter(ctx, StateExecutingStrategy, attribute.String("strategy", string(s)))
	if s == strategy.CachedNarrative {
		enter(ctx, StateSucceeded)
		st.result.Tried = append(st.result.Tried, s)
		st.result.Strategy = s
		st.result.Context = cached.Content
		return st.result
	}
	if s == strategy.DeepSynthesis && !st.profile.DeepSynthesis {
		s = strategy.Fallback(s)
	}

	for {
		st.result.Tried = append(st.result.Tried, s)
		text, err := o.runTier(ctx, st, s)
		if err == nil {
			enter(ctx, StateSucceeded)
			st.result.Strategy = s
			st.result.Context = text
			return st.result
		}

		o.metrics.fallback(s)
		if rerrors.IsInvariant(err) {
			o.logger.Error(ctx, "tier failed on invariant violation",
				zap.String("strategy", string(s)), zap.Error(err), zap.Stack("stack"))
		} else {
			o.logger.Warn(ctx, "tier failed, falling back",
				zap.String("strategy", string(s)), zap.Error(err))
		}
		s = strategy.Fallback(s)
		enter(ctx, StateFallingBack, attribute.String("strategy", string(s)))
	}
}

// enter records a state transition on the turn's span.
func enter(ctx context.Context, state State, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(string(state), trace.WithAttributes(attrs...))
}

// lookupCache bounds TryGet by the cache lookup timeout. A slow cache is a
// miss.
func (o *Orchestrator) lookupCache(ctx context.Context, userID string) *narrative.NarrativeEntry {
	lctx, cancel := context.WithTimeout(ctx, o.cfg.CacheLookupTimeout)
	defer cancel()
	entry, err := await(lctx, func(ctx context.Context) (*narrative.NarrativeEntry, error) {
		e, ok := o.cache.TryGet(ctx, userID)
		if !ok {
			return nil, nil
		}
		return e, nil
	})
	if err != nil {
		o.logger.Warn(ctx, "narrative lookup abandoned", zap.Error(err))
		return nil
	}
	return entry
}

// tierShare is the fraction of the remaining budget tier s may use.
func (o *Orchestrator) tierShare(s strategy.Strategy) float64 {
	switch s {
	case strategy.DeepSynthesis:
		return o.cfg.DeepSynthesisShare
	case strategy.TargetedSearch:
		return o.cfg.TargetedSearchShare
	default:
		return 1
	}
}

// slice derives a context with share of ctx's remaining time.
func slice(ctx context.Context, share float64) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok || share >= 1 {
		return context.WithCancel(ctx)
	}
	remaining := time.Until(deadline)
	return context.WithTimeout(ctx, time.Duration(float64(remaining)*share))
}

func (o *Orchestrator) runTier(ctx context.Context, st *turnState, s strategy.Strategy) (string, error) {
	tierCtx, cancel := slice(ctx, o.tierShare(s))
	defer cancel()

	tierCtx, span := tracer.Start(tierCtx, "orchestrator.tier")
	defer span.End()
	span.SetAttributes(attribute.String("strategy", string(s)))

	var text string
	var err error
	switch s {
	case strategy.DeepSynthesis:
		o.ensurePlan(tierCtx, st, s)
		text, err = o.deepSynthesis(tierCtx, st)
	case strategy.TargetedSearch:
		o.ensurePlan(tierCtx, st, s)
		text, err = o.targetedSearch(tierCtx, st)
	case strategy.MinimalFallback:
		text = o.minimalFallback(tierCtx, st)
	default:
		err = rerrors.Invariant("orchestrator.run_tier", "strategy %q cannot be executed", s)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return text, err
}

// ensurePlan plans the turn once, inside the first executed tier, and
// submits the persistence job when the plan asks for it.
func (o *Orchestrator) ensurePlan(ctx context.Context, st *turnState, s strategy.Strategy) {
	if st.plan != nil {
		return
	}
	planCtx, cancel := slice(ctx, o.cfg.PlannerShare)
	defer cancel()

	result, err := await(planCtx, func(ctx context.Context) (oracle.PlanResult, error) {
		return o.planner.Plan(ctx, st.turn.Text)
	})
	if err != nil {
		o.logger.Debug(ctx, "planning failed, using fallback plan", zap.Error(err))
		result = oracle.FallbackPlan(st.turn.Text)
	}
	st.plan = &strategy.ContextPlan{
		Strategy:            s,
		SearchQueries:       result.Queries,
		ShouldPersistMemory: result.ShouldPersistMemory,
		MemorableContent:    result.MemorableContent,
	}

	if st.plan.ShouldPersistMemory && st.profile.PersistMemory && st.plan.MemorableContent != "" {
		st.result.Persisted = o.jobs.Submit(jobs.New(ctx, jobs.KindPersistMemory, st.jc, st.plan.MemorableContent))
	}
}

var errNoRecords = errors.New("no memories found")

func (o *Orchestrator) deepSynthesis(ctx context.Context, st *turnState) (string, error) {
	queries := dedupeQueries(append(append([]string(nil), st.plan.SearchQueries...), st.profile.SynthesisQueries...))
	queries, err := strategy.ValidateQueries(queries)
	if err != nil {
		return "", err
	}

	records, err := await(ctx, func(ctx context.Context) ([]memorystore.MemoryRecord, error) {
		return o.search.Run(ctx, queries, st.profile.DeepPerQueryLimit)
	})
	if err != nil {
		return "", fmt.Errorf("deep search: %w", err)
	}
	if len(records) == 0 {
		return "", errNoRecords
	}

	prompt := oracle.SynthesisPrompt(records, st.profile.ContextCharBudget)
	text, err := await(ctx, func(ctx context.Context) (string, error) {
		return o.oracle.Generate(ctx, prompt)
	})
	if err != nil {
		return "", fmt.Errorf("synthesis: %w", err)
	}
	if text == "" {
		return "", oracle.ErrEmptyResponse
	}

	// The briefing becomes the cached narrative, so the next session opens
	// with the same text. Storing runs detached.
	o.cache.ScheduleSynthesized(ctx, st.jc, text, records)
	return text, nil
}

func (o *Orchestrator) targetedSearch(ctx context.Context, st *turnState) (string, error) {
	queries, err := strategy.ValidateQueries(st.plan.SearchQueries)
	if err != nil {
		return "", err
	}
	records, err := await(ctx, func(ctx context.Context) ([]memorystore.MemoryRecord, error) {
		return o.search.Run(ctx, queries, st.profile.PerQueryLimit)
	})
	if err != nil {
		return "", fmt.Errorf("targeted search: %w", err)
	}
	return Format(records, st.profile.ContextCharBudget), nil
}

// minimalFallback never fails: any error yields "".
func (o *Orchestrator) minimalFallback(ctx context.Context, st *turnState) string {
	queries, err := strategy.ValidateQueries([]string{st.turn.Text})
	if err != nil {
		return ""
	}
	records, err := await(ctx, func(ctx context.Context) ([]memorystore.MemoryRecord, error) {
		return o.search.Run(ctx, queries, st.profile.MinimalLimit)
	})
	if err != nil {
		o.logger.Debug(ctx, "minimal fallback search failed", zap.Error(err))
		return ""
	}
	return Format(records, st.profile.ContextCharBudget)
}

func (o *Orchestrator) finish(ctx context.Context, st *turnState, res Result) {
	o.metrics.served(res.Strategy, res.Elapsed.Seconds())

	tried := make([]string, len(res.Tried))
	for i, s := range res.Tried {
		tried[i] = string(s)
	}
	o.logger.Info(ctx, "context assembled",
		zap.String("strategy", string(res.Strategy)),
		zap.Strings("tiers", tried),
		zap.Bool("turn.first", st.turn.IsFirstTurnOfSession),
		zap.String("profile", string(st.profile.Name)),
		zap.Bool("persist.submitted", res.Persisted),
		zap.Int("chars", len(res.Context)),
		zap.Duration("elapsed", res.Elapsed))
}

func dedupeQueries(queries []string) []string {
	seen := make(map[string]struct{}, len(queries))
	out := queries[:0]
	for _, q := range queries {
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}
