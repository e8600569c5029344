package oracle

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

const maxPlannedQueries = 4

// PlanResult is the planner's view of a turn. The orchestrator attaches the
// strategy.
type PlanResult struct {
	Queries             []string `json:"search_queries"`
	ShouldPersistMemory bool     `json:"should_persist_memory"`
	MemorableContent    string   `json:"memorable_content"`
}

// Planner turns a message into search queries and a persistence decision.
type Planner struct {
	oracle Oracle
	logger *zap.Logger
}

// NewPlanner creates a planner over o.
func NewPlanner(o Oracle, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{oracle: o, logger: logger}
}

// FallbackPlan searches with the raw text and persists nothing.
func FallbackPlan(text string) PlanResult {
	return PlanResult{Queries: []string{text}}
}

// Plan calls the oracle. Any failure, including unparseable output, yields
// FallbackPlan; the error is returned alongside for logging.
func (p *Planner) Plan(ctx context.Context, text string) (PlanResult, error) {
	out, err := p.oracle.Generate(ctx, PlanningPrompt(text, maxPlannedQueries))
	if err != nil {
		return FallbackPlan(text), err
	}

	plan, err := parsePlan(out)
	if err != nil {
		p.logger.Debug("unparseable plan", zap.Error(err))
		return FallbackPlan(text), err
	}
	if len(plan.Queries) == 0 {
		plan.Queries = []string{text}
	}
	if len(plan.Queries) > maxPlannedQueries {
		plan.Queries = plan.Queries[:maxPlannedQueries]
	}
	plan.MemorableContent = strings.TrimSpace(plan.MemorableContent)
	if plan.ShouldPersistMemory && plan.MemorableContent == "" {
		plan.MemorableContent = text
	}
	return plan, nil
}

// parsePlan accepts raw JSON or JSON wrapped in a markdown code block.
func parsePlan(content string) (PlanResult, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		content = content[start : end+1]
	}

	var plan PlanResult
	if err := json.Unmarshal([]byte(content), &plan); err != nil {
		return PlanResult{}, err
	}

	queries := plan.Queries[:0]
	for _, q := range plan.Queries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	plan.Queries = queries
	return plan, nil
}
