package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/sandbox"
)

// LLMHandler answers tasks with a single language model completion using
// the agent's description as the system prompt.
func LLMHandler(def Definition, client llm.Client) Handler {
	system := fmt.Sprintf("You are %s. %s", nameOr(def), def.Description)
	return HandlerFunc(func(ctx context.Context, task Task) (*Result, error) {
		resp, err := client.Complete(ctx, llm.Request{
			System:       system,
			Prompt:       buildPrompt(task),
			Variant:      llm.Variant(def.Variant),
			Capabilities: def.Capabilities,
		})
		if err != nil {
			return nil, err
		}
		return &Result{
			Output:    resp.Text,
			ModelUsed: resp.ModelUsed,
			Metadata:  map[string]interface{}{"provider": resp.Provider},
		}, nil
	})
}

// SandboxHandler runs tasks in a fresh remote instance. The instance is
// always terminated, including on failure.
func SandboxHandler(def Definition, client sandbox.Client, timeout time.Duration) Handler {
	typ := sandbox.InstanceType(def.Sandbox)
	if typ == "" {
		typ = sandbox.InstanceBrowser
	}
	return HandlerFunc(func(ctx context.Context, task Task) (res *Result, err error) {
		id, err := client.CreateInstance(ctx, typ, timeout)
		if err != nil {
			return nil, fmt.Errorf("create %s instance: %w", typ, err)
		}
		defer func() {
			// Terminate on a fresh context so cancellation does not leak instances.
			tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if terr := client.Terminate(tctx, id); terr != nil && err == nil {
				err = fmt.Errorf("terminate instance %s: %w", id, terr)
			}
		}()

		out, err := client.Execute(ctx, id, sandbox.Task{Instruction: buildPrompt(task), Context: task.Context})
		if err != nil {
			return nil, err
		}
		if !out.Success {
			return nil, fmt.Errorf("instance %s reported failure: %s", id, out.Output)
		}
		return &Result{Output: out.Output, Metadata: out.Metadata}, nil
	})
}

func nameOr(def Definition) string {
	if def.Name != "" {
		return def.Name
	}
	return def.ID
}

func buildPrompt(task Task) string {
	var b strings.Builder
	if task.Instructions != "" {
		b.WriteString(task.Instructions)
		b.WriteString("\n\n")
	}
	b.WriteString(task.Query)
	if prev, ok := task.Context["previous_output"].(string); ok && prev != "" {
		b.WriteString("\n\nPrevious step output:\n")
		b.WriteString(prev)
	}
	return b.String()
}
