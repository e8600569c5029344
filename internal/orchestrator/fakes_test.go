package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/identity"
	"github.com/fyrsmithlabs/recalld/internal/jobs"
	"github.com/fyrsmithlabs/recalld/internal/memorystore"
	"github.com/fyrsmithlabs/recalld/internal/narrative"
	"github.com/fyrsmithlabs/recalld/internal/oracle"
	"github.com/fyrsmithlabs/recalld/internal/strategy"
)

var errBoom = errors.New("boom")

// hang blocks until release is closed, ignoring ctx.
type hang struct {
	release chan struct{}
}

func newHang(t *testing.T) *hang {
	h := &hang{release: make(chan struct{})}
	t.Cleanup(func() { close(h.release) })
	return h
}

func (h *hang) wait() {
	if h != nil {
		<-h.release
	}
}

type fakeCache struct {
	entry     *narrative.NarrativeEntry
	hang      *hang
	scheduled atomic.Int32
	snapshot  []memorystore.MemoryRecord
	content   string
	panics    bool
	mu        sync.Mutex
}

func (c *fakeCache) TryGet(context.Context, string) (*narrative.NarrativeEntry, bool) {
	c.hang.wait()
	return c.entry, c.entry != nil
}

func (c *fakeCache) ScheduleSynthesized(_ context.Context, _ identity.JobContext, content string, snapshot []memorystore.MemoryRecord) bool {
	if c.panics {
		panic("refresh exploded")
	}
	c.mu.Lock()
	c.snapshot = snapshot
	c.content = content
	c.mu.Unlock()
	c.scheduled.Add(1)
	return true
}

type searchCall struct {
	queries []string
	limit   int
}

type fakeSearcher struct {
	records map[string][]memorystore.MemoryRecord
	err     error
	hang    *hang

	mu    sync.Mutex
	calls []searchCall
}

func (s *fakeSearcher) Run(_ context.Context, queries []string, limit int) ([]memorystore.MemoryRecord, error) {
	s.mu.Lock()
	s.calls = append(s.calls, searchCall{queries: append([]string(nil), queries...), limit: limit})
	s.mu.Unlock()
	s.hang.wait()
	if s.err != nil {
		return nil, s.err
	}
	var out []memorystore.MemoryRecord
	for _, q := range queries {
		out = append(out, s.records[q]...)
	}
	return out, nil
}

func (s *fakeSearcher) Calls() []searchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]searchCall(nil), s.calls...)
}

type fakeOracle struct {
	out   string
	err   error
	hang  *hang
	calls atomic.Int32

	mu      sync.Mutex
	prompts []string
}

func (o *fakeOracle) Generate(_ context.Context, prompt string) (string, error) {
	o.calls.Add(1)
	o.mu.Lock()
	o.prompts = append(o.prompts, prompt)
	o.mu.Unlock()
	o.hang.wait()
	return o.out, o.err
}

type fakePlanner struct {
	plan  oracle.PlanResult
	err   error
	hang  *hang
	calls atomic.Int32
}

func (p *fakePlanner) Plan(_ context.Context, text string) (oracle.PlanResult, error) {
	p.calls.Add(1)
	p.hang.wait()
	if p.err != nil {
		return oracle.FallbackPlan(text), p.err
	}
	return p.plan, nil
}

type recordingJobs struct {
	accept bool
	mu     sync.Mutex
	jobs   []jobs.Job
}

func (r *recordingJobs) Submit(job jobs.Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return r.accept
}

func (r *recordingJobs) Jobs() []jobs.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jobs.Job(nil), r.jobs...)
}

func testProfiles() *strategy.Profiles {
	def := strategy.DefaultCapabilities(config.SearchConfig{
		PerQueryLimit:     5,
		DeepPerQueryLimit: 10,
		SynthesisQueries:  []string{"user background"},
		MinimalLimit:      3,
		ContextCharBudget: 2000,
	})
	return strategy.NewProfiles(def, strategy.BuiltinOverrides(def), config.ProfilesConfig{
		VoiceClients: []string{"voice-"},
		AgentClients: []string{"agent-"},
	})
}

type harness struct {
	cache    *fakeCache
	search   *fakeSearcher
	oracle   *fakeOracle
	planner  *fakePlanner
	jobs     *recordingJobs
	profiles *strategy.Profiles
	cfg      Config
}

func newHarness() *harness {
	return &harness{
		cache:    &fakeCache{},
		search:   &fakeSearcher{records: map[string][]memorystore.MemoryRecord{}},
		oracle:   &fakeOracle{},
		planner:  &fakePlanner{},
		jobs:     &recordingJobs{accept: true},
		profiles: testProfiles(),
		cfg:      Config{Deadline: 2 * time.Second},
	}
}

func (h *harness) build(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(h.cfg, Deps{
		Cache:    h.cache,
		Search:   h.search,
		Oracle:   h.oracle,
		Planner:  h.planner,
		Jobs:     h.jobs,
		Profiles: h.profiles,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}
