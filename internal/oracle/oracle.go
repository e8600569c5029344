// Package oracle wraps the language models used to plan turns and
// synthesise narratives.
//
// Every Generate call is bounded by its context; adapters retry transient
// failures only while the context allows it.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"go.uber.org/zap"
)

// Oracle errors.
var (
	// ErrDisabled is returned by the disabled oracle.
	ErrDisabled = errors.New("oracle disabled")

	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("empty response from oracle")

	// ErrEmptyPrompt is returned for blank prompts.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")
)

// Oracle produces text from a prompt.
type Oracle interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Provider names accepted in configuration.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderNone      = "none"
)

// New builds the configured oracle.
func New(cfg config.OracleConfig, logger *zap.Logger) (Oracle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Provider) {
	case ProviderAnthropic:
		return NewAnthropicOracle(cfg, logger)
	case ProviderOpenAI:
		return NewLangchainOracle(cfg, logger)
	case ProviderNone, "":
		logger.Warn("oracle disabled; deep synthesis and planning will fall back")
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unsupported oracle provider: %s", cfg.Provider)
	}
}

// Disabled always fails with ErrDisabled.
type Disabled struct{}

// Generate implements Oracle.
func (Disabled) Generate(context.Context, string) (string, error) {
	return "", ErrDisabled
}

var _ Oracle = Disabled{}
