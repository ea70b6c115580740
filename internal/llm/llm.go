// Package llm is the language model invocation adapter. Agents bottom out
// here; prompt content is owned by callers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Variant selects a model tier.
type Variant string

const (
	VariantFast      Variant = "fast"
	VariantStandard  Variant = "standard"
	VariantReasoning Variant = "reasoning"
)

var ErrNoProvider = errors.New("no language model provider configured")

// Request is one completion call.
type Request struct {
	Prompt       string
	System       string
	Variant      Variant
	Capabilities []string
	MaxTokens    int64
}

// Response is the provider's answer.
type Response struct {
	Text      string `json:"text"`
	ModelUsed string `json:"model_used"`
	Provider  string `json:"provider"`
}

// Client completes prompts.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Models maps variants to provider model names.
type Models map[Variant]string

func (m Models) pick(v Variant, fallback string) string {
	if name, ok := m[v]; ok && name != "" {
		return name
	}
	if name, ok := m[VariantStandard]; ok && name != "" {
		return name
	}
	return fallback
}

// ModelsFromConfig converts a string-keyed map from configuration.
func ModelsFromConfig(in map[string]string) Models {
	out := Models{}
	for k, v := range in {
		out[Variant(strings.ToLower(k))] = v
	}
	return out
}

// Chain tries each client in order and returns the first success.
type Chain struct {
	clients []Client
	logger  *zap.Logger
}

func NewChain(logger *zap.Logger, clients ...Client) *Chain {
	var live []Client
	for _, c := range clients {
		if c != nil {
			live = append(live, c)
		}
	}
	return &Chain{clients: live, logger: logger}
}

// Len returns the number of configured providers.
func (c *Chain) Len() int { return len(c.clients) }

func (c *Chain) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(c.clients) == 0 {
		return nil, ErrNoProvider
	}
	var errs []error
	for i, client := range c.clients {
		resp, err := client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("Language model provider failed, trying next",
			zap.Int("provider_index", i),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}
