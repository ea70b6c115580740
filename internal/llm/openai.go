package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
)

// OpenAIClient calls the Chat Completions API.
type OpenAIClient struct {
	client    openai.Client
	models    Models
	maxTokens int64
	cb        *circuitbreaker.CircuitBreaker
	logger    *zap.Logger
}

// NewOpenAIClient builds a client; opts are passed to the SDK (API key, base URL, retries).
func NewOpenAIClient(models Models, maxTokens int64, logger *zap.Logger, opts ...option.RequestOption) *OpenAIClient {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &OpenAIClient{
		client:    openai.NewClient(opts...),
		models:    models,
		maxTokens: maxTokens,
		cb:        circuitbreaker.NewCircuitBreaker("openai", circuitbreaker.FromEnv("llm", circuitbreaker.LLMDefaults).ToConfig("llm"), logger),
		logger:    logger,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := c.models.pick(req.Variant, string(openai.ChatModelGPT4oMini))
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(maxTokens),
	}

	start := time.Now()
	resp, err := circuitbreaker.Do(ctx, c.cb, func() (*openai.ChatCompletion, error) {
		return c.client.Chat.Completions.New(ctx, params)
	})
	metrics.RecordLLMRequest("openai", model, err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai completion: empty choices")
	}
	return &Response{Text: resp.Choices[0].Message.Content, ModelUsed: resp.Model, Provider: "openai"}, nil
}
