// Package orchestrator assembles the context attached to a conversational
// turn.
//
// GetContext moves through SelectingStrategy, ExecutingStrategy and, on
// failure, FallingBack one tier at a time:
//
//	CachedNarrative  serve the fresh cached narrative, no external call
//	DeepSynthesis    expanded search, one oracle call, schedule a refresh
//	TargetedSearch   planned queries, formatted under a character budget
//	MinimalFallback  one small search with the turn text, or ""
//
// Each tier runs under its own slice of the remaining deadline, so the
// whole call is bounded by the caller's deadline. Collaborators that ignore
// their context are abandoned when the slice ends. GetContext always
// returns a string and never panics.
package orchestrator
