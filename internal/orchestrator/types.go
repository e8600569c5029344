package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/identity"
	"github.com/fyrsmithlabs/recalld/internal/jobs"
	"github.com/fyrsmithlabs/recalld/internal/memorystore"
	"github.com/fyrsmithlabs/recalld/internal/narrative"
	"github.com/fyrsmithlabs/recalld/internal/oracle"
	"github.com/fyrsmithlabs/recalld/internal/strategy"
)

// NarrativeCache is the part of narrative.Cache used on the request path.
type NarrativeCache interface {
	TryGet(ctx context.Context, userID string) (*narrative.NarrativeEntry, bool)
	ScheduleSynthesized(ctx context.Context, jc identity.JobContext, content string, snapshot []memorystore.MemoryRecord) bool
}

// Searcher runs a fan-out search. search.Aggregator satisfies it.
type Searcher interface {
	Run(ctx context.Context, queries []string, perQueryLimit int) ([]memorystore.MemoryRecord, error)
}

// Planner produces search queries and a persistence decision.
type Planner interface {
	Plan(ctx context.Context, text string) (oracle.PlanResult, error)
}

// JobSubmitter accepts background jobs without blocking.
type JobSubmitter interface {
	Submit(job jobs.Job) bool
}

// Config holds the deadline and the share of the remaining budget each tier
// may spend.
type Config struct {
	Deadline            time.Duration
	DeepSynthesisShare  float64
	TargetedSearchShare float64
	PlannerShare        float64
	CacheLookupTimeout  time.Duration
}

// ConfigFrom converts loaded settings.
func ConfigFrom(c config.OrchestratorConfig) Config {
	return Config{
		Deadline:            c.Deadline,
		DeepSynthesisShare:  c.DeepSynthesisShare,
		TargetedSearchShare: c.TargetedSearchShare,
		PlannerShare:        c.PlannerShare,
		CacheLookupTimeout:  c.CacheLookupTimeout,
	}
}

func (c *Config) applyDefaults() {
	if c.Deadline <= 0 {
		c.Deadline = 2 * time.Second
	}
	if c.DeepSynthesisShare <= 0 || c.DeepSynthesisShare > 1 {
		c.DeepSynthesisShare = 0.6
	}
	if c.TargetedSearchShare <= 0 || c.TargetedSearchShare > 1 {
		c.TargetedSearchShare = 0.7
	}
	if c.PlannerShare <= 0 || c.PlannerShare > 1 {
		c.PlannerShare = 0.3
	}
	if c.CacheLookupTimeout <= 0 {
		c.CacheLookupTimeout = 100 * time.Millisecond
	}
}

// State is a step of the per-turn state machine.
type State string

const (
	StateSelectingStrategy State = "selecting_strategy"
	StateExecutingStrategy State = "executing_strategy"
	StateSucceeded         State = "succeeded"
	StateFallingBack       State = "falling_back"
	StateDone              State = "done"
)

// Result describes how a turn's context was produced.
type Result struct {
	Context string
	// Strategy is the tier that produced Context. It is empty when the
	// turn was rejected before a strategy was chosen.
	Strategy  strategy.Strategy
	Tried     []strategy.Strategy
	Persisted bool
	Elapsed   time.Duration
}
