package oracle

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/memorystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.OracleConfig
		want    interface{}
		wantErr bool
	}{
		{"none", config.OracleConfig{Provider: "none"}, Disabled{}, false},
		{"empty is disabled", config.OracleConfig{}, Disabled{}, false},
		{"anthropic", config.OracleConfig{Provider: "anthropic", APIKey: "k"}, &AnthropicOracle{}, false},
		{"anthropic without key", config.OracleConfig{Provider: "anthropic"}, nil, true},
		{"openai", config.OracleConfig{Provider: "OpenAI", BaseURL: "http://localhost:1/v1"}, &LangchainOracle{}, false},
		{"unknown", config.OracleConfig{Provider: "bard"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := New(tt.cfg, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, o)
		})
	}
}

func TestDisabled(t *testing.T) {
	_, err := Disabled{}.Generate(context.Background(), "x")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestPrompts(t *testing.T) {
	records := []memorystore.MemoryRecord{
		{ID: "1", Content: "Likes hiking."},
		{ID: "2", Content: "  "},
		{ID: "3", Content: "Has a dog."},
	}

	p := NarrativePrompt(records)
	assert.Contains(t, p, "- Likes hiking.\n- Has a dog.\n")

	s := SynthesisPrompt(records, 500)
	assert.Contains(t, s, "- Likes hiking.\n- Has a dog.\n")
	assert.Contains(t, s, "500")

	assert.Contains(t, PlanningPrompt("I moved to Oslo", 4), "I moved to Oslo")
}
