package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/rerrors"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultOpenAIModel = "gpt-4o-mini"

// LangchainOracle calls any OpenAI-compatible chat endpoint through
// langchaingo.
type LangchainOracle struct {
	llm       llms.Model
	model     string
	maxTokens int
	limiter   *rate.Limiter
	logger    *zap.Logger
	metrics   *Metrics
}

// NewLangchainOracle creates an OpenAI-compatible oracle.
func NewLangchainOracle(cfg config.OracleConfig, logger *zap.Logger) (*LangchainOracle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	// Local OpenAI-compatible servers accept any token.
	token := cfg.APIKey.Value()
	if token == "" {
		token = "placeholder"
	}
	opts := []openai.Option{
		openai.WithModel(model),
		openai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &LangchainOracle{
		llm:       llm,
		model:     model,
		maxTokens: maxTokens,
		limiter:   newLimiter(cfg),
		logger:    logger,
		metrics:   DefaultMetrics(),
	}, nil
}

// Generate implements Oracle.
func (l *LangchainOracle) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, span := tracer.Start(ctx, "LangchainOracle.Generate")
	defer span.End()

	start := time.Now()
	text, err := l.generate(ctx, prompt)
	l.metrics.record(ProviderOpenAI, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return text, nil
}

func (l *LangchainOracle) generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", rerrors.Permanent("oracle.generate", ErrEmptyPrompt)
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return "", rerrors.Transient("oracle.generate", fmt.Errorf("rate limiter: %w", err))
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, l.llm, systemPrompt+"\n\n"+prompt,
		llms.WithMaxTokens(l.maxTokens),
		llms.WithTemperature(0.2),
	)
	if err != nil {
		return "", rerrors.Wrap("oracle.generate", fmt.Errorf("%s: %w", l.model, err))
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", rerrors.Permanent("oracle.generate", ErrEmptyResponse)
	}
	return out, nil
}

var _ Oracle = (*LangchainOracle)(nil)
