package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubClient struct {
	resp *Response
	err  error
	hits int
}

func (s *stubClient) Complete(context.Context, Request) (*Response, error) {
	s.hits++
	return s.resp, s.err
}

func TestChainFallsThrough(t *testing.T) {
	first := &stubClient{err: errors.New("rate limited")}
	second := &stubClient{resp: &Response{Text: "ok", ModelUsed: "m"}}
	chain := NewChain(zaptest.NewLogger(t), first, nil, second)

	resp, err := chain.Complete(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 1, first.hits)
	assert.Equal(t, 2, chain.Len())
}

func TestChainEmptyAndAllFailing(t *testing.T) {
	_, err := NewChain(zaptest.NewLogger(t)).Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoProvider)

	boom := errors.New("boom")
	_, err = NewChain(zaptest.NewLogger(t), &stubClient{err: boom}).Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, boom)
}

func TestModelsPick(t *testing.T) {
	m := ModelsFromConfig(map[string]string{"Standard": "std", "fast": "quick"})
	assert.Equal(t, "quick", m.pick(VariantFast, "x"))
	assert.Equal(t, "std", m.pick(VariantReasoning, "x"))
	assert.Equal(t, "x", Models{}.pick(VariantFast, "x"))
}

func TestOpenAIClientComplete(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(Models{VariantFast: "gpt-4o-mini"}, 128, zaptest.NewLogger(t),
		openaiopt.WithAPIKey("test"), openaiopt.WithBaseURL(srv.URL+"/"), openaiopt.WithMaxRetries(0))
	resp, err := c.Complete(context.Background(), Request{Prompt: "hi", System: "be brief", Variant: VariantFast})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, "gpt-4o-mini", resp.ModelUsed)
	assert.Equal(t, "gpt-4o-mini", got["model"])
	assert.Len(t, got["messages"], 2)
}

func TestAnthropicClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"hi "},{"type":"text","text":"there"}],
			"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":2}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(Models{VariantStandard: "claude-test"}, 128, zaptest.NewLogger(t),
		anthropicopt.WithAPIKey("test"), anthropicopt.WithBaseURL(srv.URL+"/"), anthropicopt.WithMaxRetries(0))
	resp, err := c.Complete(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Text)
	assert.Equal(t, "claude-test", resp.ModelUsed)
}
