package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/rerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("recalld.oracle")

const (
	defaultAnthropicModel = "claude-3-5-haiku-latest"
	defaultMaxTokens      = 1024
	defaultBaseBackoff    = 200 * time.Millisecond

	systemPrompt = "You maintain long-term memory for a personal assistant. Answer only with what is asked."
)

// AnthropicOracle calls the Anthropic Messages API.
type AnthropicOracle struct {
	client     *anthropic.Client
	model      string
	maxTokens  int64
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
	metrics    *Metrics
}

// AnthropicOption customises the oracle.
type AnthropicOption func(*anthropicOptions)

type anthropicOptions struct {
	httpClient *http.Client
	backoff    time.Duration
}

// WithHTTPClient sets the HTTP client used by the SDK.
func WithHTTPClient(c *http.Client) AnthropicOption {
	return func(o *anthropicOptions) { o.httpClient = c }
}

// WithBackoff sets the base retry backoff.
func WithBackoff(d time.Duration) AnthropicOption {
	return func(o *anthropicOptions) { o.backoff = d }
}

// NewAnthropicOracle creates an oracle backed by anthropic-sdk-go. Retries
// are handled here, not by the SDK, so they share the rate limiter and the
// caller's deadline.
func NewAnthropicOracle(cfg config.OracleConfig, logger *zap.Logger, opts ...AnthropicOption) (*AnthropicOracle, error) {
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("anthropic API key required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := anthropicOptions{backoff: defaultBaseBackoff}
	for _, opt := range opts {
		opt(&o)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey.Value()),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if o.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(o.httpClient))
	}
	client := anthropic.NewClient(reqOpts...)

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &AnthropicOracle{
		client:     &client,
		model:      model,
		maxTokens:  maxTokens,
		limiter:    newLimiter(cfg),
		maxRetries: cfg.MaxRetries,
		backoff:    o.backoff,
		logger:     logger,
		metrics:    DefaultMetrics(),
	}, nil
}

func newLimiter(cfg config.OracleConfig) *rate.Limiter {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Generate sends prompt as a single user message.
func (a *AnthropicOracle) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, span := tracer.Start(ctx, "AnthropicOracle.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("oracle.model", a.model))

	start := time.Now()
	text, err := a.generate(ctx, prompt)
	a.metrics.record(ProviderAnthropic, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetStatus(codes.Ok, "success")
	return text, nil
}

func (a *AnthropicOracle) generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", rerrors.Permanent("oracle.generate", ErrEmptyPrompt)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", rerrors.Transient("oracle.generate", ctx.Err())
			}
		}

		if err := a.limiter.Wait(ctx); err != nil {
			return "", rerrors.Transient("oracle.generate", fmt.Errorf("rate limiter: %w", err))
		}

		text, err := a.call(ctx, params)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !rerrors.IsTransient(err) {
			return "", err
		}
		a.logger.Debug("retrying oracle call", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (a *AnthropicOracle) call(ctx context.Context, params anthropic.MessageNewParams) (string, error) {
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			if rerrors.FromHTTPStatus(apiErr.StatusCode) == rerrors.KindTransient {
				return "", rerrors.Transient("oracle.generate", err)
			}
			return "", rerrors.Permanent("oracle.generate", err)
		}
		return "", rerrors.Wrap("oracle.generate", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", rerrors.Permanent("oracle.generate", ErrEmptyResponse)
	}
	return text, nil
}

var _ Oracle = (*AnthropicOracle)(nil)
