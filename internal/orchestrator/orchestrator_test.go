package orchestrator

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/identity"
	"github.com/fyrsmithlabs/recalld/internal/jobs"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/memorystore"
	"github.com/fyrsmithlabs/recalld/internal/narrative"
	"github.com/fyrsmithlabs/recalld/internal/oracle"
	"github.com/fyrsmithlabs/recalld/internal/strategy"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func firstTurn(text string) strategy.ConversationTurn {
	return strategy.ConversationTurn{UserID: "alice", ClientID: "web", Text: text, IsFirstTurnOfSession: true}
}

func laterTurn(text string) strategy.ConversationTurn {
	return strategy.ConversationTurn{UserID: "alice", ClientID: "web", Text: text}
}

// promptOracle answers synthesis and narrative prompts with different text.
type promptOracle struct {
	calls atomic.Int32
}

func (o *promptOracle) Generate(_ context.Context, prompt string) (string, error) {
	o.calls.Add(1)
	if strings.Contains(prompt, "newest first") {
		return "Alice is a keen hiker.", nil
	}
	return "Went hiking in the Alps recently. Ask about the next trip.", nil
}

func TestGetContext_FirstTurnSynthesisThenCachedNarrative(t *testing.T) {
	coord := jobs.NewCoordinator(config.JobsConfig{Workers: 2, Timeout: 5 * time.Second}, nil)
	o := &promptOracle{}
	cache, err := narrative.NewCache(narrative.Config{TTL: time.Hour, L1MaxEntries: 100},
		narrative.NewMemoryRepository(), o, coord, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
		_ = cache.Close()
	})

	h := newHarness()
	h.planner.plan = oracle.PlanResult{Queries: []string{"hobbies"}}
	h.search.records["hobbies"] = []memorystore.MemoryRecord{{ID: "m1", Content: "Went hiking in the Alps"}}
	orch, err := New(h.cfg, Deps{
		Cache: cache, Search: h.search, Oracle: o, Planner: h.planner, Jobs: coord, Profiles: h.profiles,
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	first := orch.Assemble(ctx, firstTurn("Good morning"))
	require.Equal(t, strategy.DeepSynthesis, first.Strategy)
	assert.Equal(t, "Went hiking in the Alps recently. Ask about the next trip.", first.Context)

	require.Eventually(t, func() bool {
		return cache.State(ctx, "alice") == narrative.Fresh && !cache.InFlight("alice")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), o.calls.Load(), "the briefing is stored without another model call")

	searchCalls := len(h.search.Calls())
	planCalls := h.planner.calls.Load()

	second := orch.Assemble(ctx, firstTurn("Hello again"))
	assert.Equal(t, strategy.CachedNarrative, second.Strategy)
	assert.Equal(t, first.Context, second.Context)
	assert.Equal(t, int32(1), o.calls.Load())
	assert.Equal(t, searchCalls, len(h.search.Calls()))
	assert.Equal(t, planCalls, h.planner.calls.Load())
}

func TestAssemble_CachedNarrativeMakesNoExternalCalls(t *testing.T) {
	h := newHarness()
	h.cache.entry = &narrative.NarrativeEntry{UserID: "alice", Content: "Alice is a climber."}
	orch := h.build(t)

	res := orch.Assemble(context.Background(), firstTurn("hi"))

	assert.Equal(t, "Alice is a climber.", res.Context)
	assert.Equal(t, strategy.CachedNarrative, res.Strategy)
	assert.Equal(t, []strategy.Strategy{strategy.CachedNarrative}, res.Tried)
	assert.Zero(t, h.planner.calls.Load())
	assert.Zero(t, h.oracle.calls.Load())
	assert.Empty(t, h.search.Calls())
	assert.Empty(t, h.jobs.Jobs())
}

func TestAssemble_LaterTurnIgnoresCache(t *testing.T) {
	h := newHarness()
	h.cache.entry = &narrative.NarrativeEntry{UserID: "alice", Content: "cached"}
	h.planner.plan = oracle.PlanResult{Queries: []string{"pets"}}
	h.search.records["pets"] = []memorystore.MemoryRecord{{ID: "m1", Content: "Has a dog named Rex"}}
	orch := h.build(t)

	res := orch.Assemble(context.Background(), laterTurn("what should I feed him?"))

	assert.Equal(t, strategy.TargetedSearch, res.Strategy)
	assert.Equal(t, "Relevant memories about the user:\n- Has a dog named Rex", res.Context)
	require.Len(t, h.search.Calls(), 1)
	assert.Equal(t, searchCall{queries: []string{"pets"}, limit: 5}, h.search.Calls()[0])
}

func TestAssemble_DeepSynthesisExpandsQueries(t *testing.T) {
	h := newHarness()
	h.planner.plan = oracle.PlanResult{Queries: []string{"hiking", "hiking", "user background"}}
	h.search.records["hiking"] = []memorystore.MemoryRecord{{ID: "m1", Content: "Hikes every weekend"}}
	h.oracle.out = "Alice hikes on weekends."
	orch := h.build(t)

	res := orch.Assemble(context.Background(), firstTurn("Plans for Saturday?"))

	assert.Equal(t, strategy.DeepSynthesis, res.Strategy)
	assert.Equal(t, "Alice hikes on weekends.", res.Context)
	require.Len(t, h.search.Calls(), 1)
	assert.Equal(t, searchCall{queries: []string{"hiking", "user background"}, limit: 10}, h.search.Calls()[0])
	assert.Equal(t, int32(1), h.cache.scheduled.Load())
	assert.Equal(t, h.search.records["hiking"], h.cache.snapshot)
	assert.Equal(t, res.Context, h.cache.content)
	require.Len(t, h.oracle.prompts, 1)
	assert.Contains(t, h.oracle.prompts[0], "Hikes every weekend")
}

func TestAssemble_OracleFailureFallsBackToTargetedSearch(t *testing.T) {
	h := newHarness()
	h.planner.plan = oracle.PlanResult{Queries: []string{"work"}}
	h.search.records["work"] = []memorystore.MemoryRecord{{ID: "m1", Content: "Works as a nurse"}}
	h.oracle.err = errBoom
	orch := h.build(t)

	fallbacks := orch.metrics.Fallbacks.WithLabelValues(string(strategy.DeepSynthesis))
	before := testutil.ToFloat64(fallbacks)

	res := orch.Assemble(context.Background(), firstTurn("Long shift today"))

	assert.Equal(t, strategy.TargetedSearch, res.Strategy)
	assert.Equal(t, []strategy.Strategy{strategy.DeepSynthesis, strategy.TargetedSearch}, res.Tried)
	assert.Contains(t, res.Context, "Works as a nurse")
	assert.Zero(t, h.cache.scheduled.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(fallbacks)-before)
	assert.Equal(t, int32(1), h.planner.calls.Load(), "the plan is computed once per turn")
}

func TestAssemble_DeepSynthesisWithoutRecordsFallsBack(t *testing.T) {
	h := newHarness()
	h.planner.plan = oracle.PlanResult{Queries: []string{"nothing"}}
	orch := h.build(t)

	res := orch.Assemble(context.Background(), firstTurn("hi"))

	assert.Equal(t, strategy.TargetedSearch, res.Strategy)
	assert.Empty(t, res.Context)
	assert.Zero(t, h.oracle.calls.Load())
}

func TestAssemble_SearchFailureReachesFloor(t *testing.T) {
	h := newHarness()
	h.planner.plan = oracle.PlanResult{Queries: []string{"anything"}}
	h.search.err = errBoom
	orch := h.build(t)

	res := orch.Assemble(context.Background(), laterTurn("tell me a joke"))

	assert.Empty(t, res.Context)
	assert.Equal(t, strategy.MinimalFallback, res.Strategy)
	assert.Equal(t, []strategy.Strategy{strategy.TargetedSearch, strategy.MinimalFallback}, res.Tried)
	calls := h.search.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, searchCall{queries: []string{"tell me a joke"}, limit: 3}, calls[1])
}

func TestAssemble_PlannerFailureUsesRawText(t *testing.T) {
	h := newHarness()
	h.planner.err = errBoom
	h.search.records["my garden"] = []memorystore.MemoryRecord{{ID: "m1", Content: "Grows tomatoes"}}
	orch := h.build(t)

	res := orch.Assemble(context.Background(), laterTurn("my garden"))

	assert.Equal(t, strategy.TargetedSearch, res.Strategy)
	assert.Contains(t, res.Context, "Grows tomatoes")
	assert.Empty(t, h.jobs.Jobs())
}

func TestAssemble_BlankQueriesAreInvariantViolations(t *testing.T) {
	h := newHarness()
	h.planner.plan = oracle.PlanResult{Queries: []string{"  ", ""}}
	tl := logging.NewTestLogger()
	orch, err := New(h.cfg, Deps{
		Cache: h.cache, Search: h.search, Oracle: h.oracle, Planner: h.planner, Jobs: h.jobs, Profiles: h.profiles,
	}, tl.Logger)
	require.NoError(t, err)

	res := orch.Assemble(context.Background(), laterTurn("weather"))

	assert.Equal(t, strategy.MinimalFallback, res.Strategy)
	tl.AssertLogged(t, zap.ErrorLevel, "invariant violation")
	calls := h.search.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"weather"}, calls[0].queries)
}

func TestAssemble_SubmitsPersistJob(t *testing.T) {
	h := newHarness()
	h.planner.plan = oracle.PlanResult{
		Queries:             []string{"pets"},
		ShouldPersistMemory: true,
		MemorableContent:    "Adopted a cat named Miso",
	}
	orch := h.build(t)

	res := orch.Assemble(context.Background(), laterTurn("I adopted a cat named Miso!"))

	assert.True(t, res.Persisted)
	submitted := h.jobs.Jobs()
	require.Len(t, submitted, 1)
	assert.Equal(t, jobs.KindPersistMemory, submitted[0].Kind)
	assert.Equal(t, "Adopted a cat named Miso", submitted[0].Payload)
	assert.Equal(t, "alice", submitted[0].JobContext.UserID)
	assert.Equal(t, "web", submitted[0].JobContext.ClientID)
}

func TestAssemble_PersistJobSubmittedEvenWhenTiersFail(t *testing.T) {
	h := newHarness()
	h.planner.plan = oracle.PlanResult{Queries: []string{"x"}, ShouldPersistMemory: true, MemorableContent: "Lives in Lyon"}
	h.search.err = errBoom
	orch := h.build(t)

	res := orch.Assemble(context.Background(), laterTurn("I live in Lyon"))

	assert.Empty(t, res.Context)
	assert.Len(t, h.jobs.Jobs(), 1)
}

func TestAssemble_AgentProfileDoesNotPersist(t *testing.T) {
	h := newHarness()
	h.planner.plan = oracle.PlanResult{Queries: []string{"x"}, ShouldPersistMemory: true, MemorableContent: "fact"}
	orch := h.build(t)

	turn := laterTurn("fact")
	turn.ClientID = "agent-ci"
	res := orch.Assemble(context.Background(), turn)

	assert.False(t, res.Persisted)
	assert.Empty(t, h.jobs.Jobs())
	require.Len(t, h.search.Calls(), 1)
	assert.Equal(t, 10, h.search.Calls()[0].limit)
}

func TestAssemble_VoiceProfileSkipsDeepSynthesis(t *testing.T) {
	h := newHarness()
	h.planner.plan = oracle.PlanResult{Queries: []string{"music"}}
	orch := h.build(t)

	turn := firstTurn("play something")
	turn.ClientID = "voice-kitchen"
	res := orch.Assemble(context.Background(), turn)

	assert.Equal(t, []strategy.Strategy{strategy.TargetedSearch}, res.Tried)
	assert.Zero(t, h.oracle.calls.Load())
	require.Len(t, h.search.Calls(), 1)
	assert.Equal(t, 2, h.search.Calls()[0].limit)
}

func TestGetContext_HangingCollaboratorsRespectDeadline(t *testing.T) {
	h := newHarness()
	stuck := newHang(t)
	h.cache.hang = stuck
	h.search.hang = stuck
	h.oracle.hang = stuck
	h.planner.hang = stuck
	h.cfg = Config{Deadline: 150 * time.Millisecond, CacheLookupTimeout: 20 * time.Millisecond}
	orch := h.build(t)

	start := time.Now()
	got := orch.GetContext(context.Background(), firstTurn("hello"))
	elapsed := time.Since(start)

	assert.Empty(t, got)
	assert.Less(t, elapsed, 150*time.Millisecond+200*time.Millisecond)
}

func TestGetContext_CallerDeadlineWins(t *testing.T) {
	h := newHarness()
	h.search.hang = newHang(t)
	orch := h.build(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	got := orch.GetContext(ctx, laterTurn("hello"))

	assert.Empty(t, got)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestGetContext_RecoversPanics(t *testing.T) {
	h := newHarness()
	h.planner.plan = oracle.PlanResult{Queries: []string{"q"}}
	h.search.records["q"] = []memorystore.MemoryRecord{{ID: "m1", Content: "fact"}}
	h.oracle.out = "summary"
	h.cache.panics = true
	tl := logging.NewTestLogger()
	orch, err := New(h.cfg, Deps{
		Cache: h.cache, Search: h.search, Oracle: h.oracle, Planner: h.planner, Jobs: h.jobs, Profiles: h.profiles,
	}, tl.Logger)
	require.NoError(t, err)

	var got string
	assert.NotPanics(t, func() {
		got = orch.GetContext(context.Background(), firstTurn("hi"))
	})
	assert.Empty(t, got)
	tl.AssertLogged(t, zap.ErrorLevel, "panicked")
}

func TestGetContext_RejectsMissingIdentity(t *testing.T) {
	h := newHarness()
	orch := h.build(t)

	got := orch.GetContext(context.Background(), strategy.ConversationTurn{Text: "hi", IsFirstTurnOfSession: true})

	assert.Empty(t, got)
	assert.Empty(t, h.search.Calls())
	assert.Zero(t, h.planner.calls.Load())
}

func TestAssemble_RejectionLogsReason(t *testing.T) {
	tests := []struct {
		userID string
		reason string
	}{
		{"", identity.ReasonEmpty},
		{"Zoë Martín", identity.ReasonInvalidChars},
		{strings.Repeat("u", 200), identity.ReasonTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			h := newHarness()
			tl := logging.NewTestLogger()
			orch, err := New(h.cfg, Deps{
				Cache: h.cache, Search: h.search, Oracle: h.oracle, Planner: h.planner, Jobs: h.jobs, Profiles: h.profiles,
			}, tl.Logger)
			require.NoError(t, err)

			res := orch.Assemble(context.Background(), strategy.ConversationTurn{UserID: tt.userID, Text: "hi"})

			assert.Empty(t, res.Context)
			tl.AssertField(t, "turn rejected", "identity.reason", tt.reason)
			assert.Zero(t, h.planner.calls.Load())
		})
	}
}

func TestAssemble_LogsOneLinePerTurn(t *testing.T) {
	h := newHarness()
	h.planner.plan = oracle.PlanResult{Queries: []string{"q"}}
	tl := logging.NewTestLogger()
	orch, err := New(h.cfg, Deps{
		Cache: h.cache, Search: h.search, Oracle: h.oracle, Planner: h.planner, Jobs: h.jobs, Profiles: h.profiles,
	}, tl.Logger)
	require.NoError(t, err)

	orch.Assemble(context.Background(), laterTurn("hi"))

	assert.Equal(t, 1, tl.FilterMessage("context assembled").Len())
	tl.AssertField(t, "context assembled", "strategy", "targeted_search")
	tl.AssertField(t, "context assembled", "turn.first", false)
}

func TestAssemble_RecordsStateTransitions(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	h := newHarness()
	h.planner.plan = oracle.PlanResult{Queries: []string{"q"}}
	h.oracle.err = errBoom
	h.search.records["q"] = []memorystore.MemoryRecord{{ID: "m1", Content: "fact"}}
	orch := h.build(t)

	orch.Assemble(context.Background(), firstTurn("hi"))

	var events []string
	for _, s := range sr.Ended() {
		if s.Name() != "orchestrator.get_context" {
			continue
		}
		for _, e := range s.Events() {
			events = append(events, e.Name)
		}
	}
	assert.Equal(t, []string{
		string(StateSelectingStrategy),
		string(StateExecutingStrategy),
		string(StateFallingBack),
		string(StateSucceeded),
		string(StateDone),
	}, events)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Deps{}, nil)
	assert.Error(t, err)
}
