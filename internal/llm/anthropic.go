package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
)

// AnthropicClient calls the Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	models    Models
	maxTokens int64
	cb        *circuitbreaker.CircuitBreaker
	logger    *zap.Logger
}

func NewAnthropicClient(models Models, maxTokens int64, logger *zap.Logger, opts ...option.RequestOption) *AnthropicClient {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		models:    models,
		maxTokens: maxTokens,
		cb:        circuitbreaker.NewCircuitBreaker("anthropic", circuitbreaker.FromEnv("llm", circuitbreaker.LLMDefaults).ToConfig("llm"), logger),
		logger:    logger,
	}
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := c.models.pick(req.Variant, string(anthropic.ModelClaude3_5Sonnet20241022))
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	start := time.Now()
	resp, err := circuitbreaker.Do(ctx, c.cb, func() (*anthropic.Message, error) {
		return c.client.Messages.New(ctx, params)
	})
	metrics.RecordLLMRequest("anthropic", model, err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	return &Response{Text: sb.String(), ModelUsed: string(resp.Model), Provider: "anthropic"}, nil
}
