package intelligence

import (
	"context"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/llm"
)

// Scorer suggests a category. Its answer is advisory; the classifier accepts
// it only when it names a known category and the rule-based result is weak.
type Scorer interface {
	Suggest(ctx context.Context, message string, f Features) (Category, error)
}

// LLMScorer asks a language model for a category.
type LLMScorer struct {
	client llm.Client
}

func NewLLMScorer(client llm.Client) *LLMScorer {
	return &LLMScorer{client: client}
}

const scorerSystem = "You label user requests for an assistant router. Reply with exactly one label and nothing else."

func (s *LLMScorer) Suggest(ctx context.Context, message string, f Features) (Category, error) {
	labels := make([]string, len(Categories))
	for i, c := range Categories {
		labels[i] = string(c)
	}
	prompt := fmt.Sprintf("Labels: %s\n\nRequest (%d words, code=%t):\n%s\n\nLabel:",
		strings.Join(labels, ", "), f.WordCount, f.HasCode, message)

	resp, err := s.client.Complete(ctx, llm.Request{
		System:    scorerSystem,
		Prompt:    prompt,
		Variant:   llm.VariantFast,
		MaxTokens: 16,
	})
	if err != nil {
		return "", err
	}
	answer := strings.Trim(strings.ToLower(strings.TrimSpace(resp.Text)), "`\"'.")
	cat, ok := ParseCategory(answer)
	if !ok {
		return "", fmt.Errorf("unrecognized category %q", resp.Text)
	}
	return cat, nil
}
