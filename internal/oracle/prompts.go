package oracle

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/recalld/internal/memorystore"
)

const planningTemplate = `Plan memory retrieval for the user's message below.

Respond with JSON only, using this shape:
{"search_queries": ["..."], "should_persist_memory": true|false, "memorable_content": "..."}

search_queries: 1 to %d short queries that would find relevant stored facts.
should_persist_memory: true when the message states a durable fact about the user.
memorable_content: that fact restated in one sentence, or "".

Message:
%s`

const synthesisTemplate = `Here is what is known about the user:
%s
Write a short briefing (at most %d characters) that gives an assistant the context it needs at the start of a conversation with this user. Do not invent facts.`

const narrativeTemplate = `Here is what is known about the user, newest first:
%s
Write a concise third-person narrative of who this user is: preferences, relationships, ongoing projects. Do not invent facts.`

// PlanningPrompt asks for a ContextPlan as JSON.
func PlanningPrompt(text string, maxQueries int) string {
	return fmt.Sprintf(planningTemplate, maxQueries, text)
}

// SynthesisPrompt asks for a session-opening briefing over records. It does
// not include the turn text, so the answer can be cached as the narrative.
func SynthesisPrompt(records []memorystore.MemoryRecord, charBudget int) string {
	return fmt.Sprintf(synthesisTemplate, bulletList(records), charBudget)
}

// NarrativePrompt asks for a standalone narrative over a memory snapshot.
func NarrativePrompt(records []memorystore.MemoryRecord) string {
	return fmt.Sprintf(narrativeTemplate, bulletList(records))
}

func bulletList(records []memorystore.MemoryRecord) string {
	var b strings.Builder
	for _, r := range records {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			continue
		}
		b.WriteString("- ")
		b.WriteString(content)
		b.WriteByte('\n')
	}
	return b.String()
}
