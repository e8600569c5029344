// Package strategy decides how context is assembled for a conversational
// turn. Everything here is pure: no I/O, no clocks, no shared state.
package strategy

import (
	"strings"

	"github.com/fyrsmithlabs/recalld/internal/rerrors"
)

// Strategy is a retrieval tier, ordered from richest to cheapest.
type Strategy string

const (
	// CachedNarrative serves the user's pre-synthesised narrative.
	CachedNarrative Strategy = "cached_narrative"

	// DeepSynthesis runs an expanded search and one oracle call.
	DeepSynthesis Strategy = "deep_synthesis"

	// TargetedSearch runs the planned queries and formats the records.
	TargetedSearch Strategy = "targeted_search"

	// MinimalFallback runs one small search with the raw turn text.
	MinimalFallback Strategy = "minimal_fallback"
)

// AllStrategies returns every strategy from richest to cheapest.
func AllStrategies() []Strategy {
	return []Strategy{CachedNarrative, DeepSynthesis, TargetedSearch, MinimalFallback}
}

// ConversationTurn is the input to context assembly. IsFirstTurnOfSession is
// supplied by the caller and trusted as-is.
type ConversationTurn struct {
	UserID               string `json:"user_id"`
	ClientID             string `json:"client_id"`
	Text                 string `json:"text"`
	IsFirstTurnOfSession bool   `json:"first_turn"`
}

// ContextPlan is produced once per turn and consumed in the same request.
type ContextPlan struct {
	Strategy            Strategy `json:"strategy"`
	SearchQueries       []string `json:"search_queries"`
	ShouldPersistMemory bool     `json:"should_persist_memory"`
	MemorableContent    string   `json:"memorable_content,omitempty"`
}

// Select picks the initial strategy for a turn.
func Select(turn ConversationTurn, cacheHit bool) Strategy {
	if turn.IsFirstTurnOfSession {
		if cacheHit {
			return CachedNarrative
		}
		return DeepSynthesis
	}
	return TargetedSearch
}

// Fallback returns the next tier down. MinimalFallback is the floor and
// falls back to itself.
func Fallback(s Strategy) Strategy {
	switch s {
	case CachedNarrative, DeepSynthesis:
		return TargetedSearch
	default:
		return MinimalFallback
	}
}

// ValidateQueries trims queries and drops blank ones. An empty result is an
// invariant violation: a plan must always carry at least one query.
func ValidateQueries(queries []string) ([]string, error) {
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return nil, rerrors.Invariant("strategy.validate_queries", "plan has no search queries (got %d blank)", len(queries))
	}
	return out, nil
}
