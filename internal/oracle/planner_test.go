package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOracle struct {
	out   string
	err   error
	calls int
}

func (s *stubOracle) Generate(_ context.Context, _ string) (string, error) {
	s.calls++
	return s.out, s.err
}

func TestPlanner_Plan(t *testing.T) {
	tests := []struct {
		name        string
		out         string
		wantQueries []string
		wantPersist bool
		wantContent string
	}{
		{
			name:        "plain json",
			out:         `{"search_queries":["hobbies","weekend"],"should_persist_memory":true,"memorable_content":"Likes hiking."}`,
			wantQueries: []string{"hobbies", "weekend"},
			wantPersist: true,
			wantContent: "Likes hiking.",
		},
		{
			name:        "fenced json with blanks",
			out:         "```json\n{\"search_queries\":[\" pets \",\"\"],\"should_persist_memory\":false}\n```",
			wantQueries: []string{"pets"},
		},
		{
			name:        "no queries falls back to text",
			out:         `Sure! {"search_queries":[],"should_persist_memory":false}`,
			wantQueries: []string{"I like hiking"},
		},
		{
			name:        "persist without content keeps text",
			out:         `{"search_queries":["x"],"should_persist_memory":true}`,
			wantQueries: []string{"x"},
			wantPersist: true,
			wantContent: "I like hiking",
		},
		{
			name:        "too many queries are truncated",
			out:         `{"search_queries":["a","b","c","d","e","f"]}`,
			wantQueries: []string{"a", "b", "c", "d"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPlanner(&stubOracle{out: tt.out}, nil)
			plan, err := p.Plan(context.Background(), "I like hiking")
			require.NoError(t, err)
			assert.Equal(t, tt.wantQueries, plan.Queries)
			assert.Equal(t, tt.wantPersist, plan.ShouldPersistMemory)
			assert.Equal(t, tt.wantContent, plan.MemorableContent)
		})
	}
}

func TestPlanner_FallbackOnError(t *testing.T) {
	p := NewPlanner(&stubOracle{err: errors.New("down")}, nil)
	plan, err := p.Plan(context.Background(), "project status")
	assert.Error(t, err)
	assert.Equal(t, FallbackPlan("project status"), plan)
	assert.False(t, plan.ShouldPersistMemory)
}

func TestPlanner_FallbackOnGarbage(t *testing.T) {
	p := NewPlanner(&stubOracle{out: "not json at all"}, nil)
	plan, err := p.Plan(context.Background(), "project status")
	assert.Error(t, err)
	assert.Equal(t, []string{"project status"}, plan.Queries)
}
