package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/intelligence"
)

// Phase is one step of a lead agent's plan.
type Phase struct {
	Name         string   `json:"name"`
	Agents       []string `json:"agents"`
	Parallel     bool     `json:"parallel"`
	Instructions string   `json:"instructions,omitempty"`
}

// Plan is the lead agent's execution plan.
type Plan struct {
	Phases   []Phase `json:"phases"`
	Fallback bool    `json:"fallback,omitempty"`
}

// FallbackPlan runs every worker in parallel in a single phase.
func FallbackPlan(workers []string) *Plan {
	return &Plan{
		Phases:   []Phase{{Name: "execute", Agents: append([]string(nil), workers...), Parallel: true}},
		Fallback: true,
	}
}

// ParsePlan extracts a plan from free-form lead output. Agents outside
// allowed are dropped, as are phases left empty.
func ParsePlan(text string, allowed []string) (*Plan, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 {
		return nil, errors.New("no plan object in lead output")
	}
	raw := text[start:]
	if end > start {
		raw = text[start : end+1]
	}

	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		fixed, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return nil, fmt.Errorf("repair plan: %w", rerr)
		}
		if err := json.Unmarshal([]byte(fixed), &plan); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
	}

	ok := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		ok[id] = true
	}
	phases := plan.Phases[:0]
	for i, ph := range plan.Phases {
		var keep []string
		seen := map[string]bool{}
		for _, id := range ph.Agents {
			if ok[id] && !seen[id] {
				keep = append(keep, id)
				seen[id] = true
			}
		}
		if len(keep) == 0 {
			continue
		}
		ph.Agents = keep
		if ph.Name == "" {
			ph.Name = fmt.Sprintf("phase-%d", i+1)
		}
		phases = append(phases, ph)
	}
	if len(phases) == 0 {
		return nil, errors.New("plan assigns no known agents")
	}
	plan.Phases = phases
	return &plan, nil
}

func planningInstructions(workers []string) string {
	return fmt.Sprintf(`You coordinate these agents: %s.
Split the request into ordered phases. Reply with JSON only:
{"phases":[{"name":"...","agents":["..."],"parallel":true,"instructions":"..."}]}`,
		strings.Join(workers, ", "))
}

const synthesisInstructions = "Combine the agent outputs below into one complete answer for the user."

// hierarchical lets the lead plan, runs the plan, then has the lead synthesize.
func (r *run) hierarchical(ctx context.Context, d intelligence.Decision) error {
	lead, ok := r.o.invoker.Lead()
	if !ok {
		lead = d.Primary()
	}
	var workers []string
	for _, id := range d.SelectedAgents {
		if id != lead {
			workers = append(workers, id)
		}
	}
	if len(workers) == 0 {
		workers = []string{lead}
	}

	if r.interrupted() {
		return ErrInterrupted
	}
	r.planned(1)
	plan := FallbackPlan(workers)
	res, err := r.invoke(ctx, "planning", lead, r.req.Message, planningInstructions(workers), nil)
	if err == nil {
		if parsed, perr := ParsePlan(res.Output, workers); perr == nil {
			plan = parsed
		} else {
			r.o.logger.Warn("Lead plan unusable, using fallback plan",
				zap.String("task_id", r.req.TaskID),
				zap.String("lead", lead),
				zap.Error(perr),
			)
		}
	}
	r.result.Plan = plan
	from := r.resultCount()

	for _, ph := range plan.Phases {
		r.planned(len(ph.Agents))
		var perr error
		if ph.Parallel && len(ph.Agents) > 1 {
			perr = r.parallel(ctx, ph.Name, ph.Agents, r.req.Message, ph.Instructions)
		} else {
			perr = r.sequential(ctx, ph.Name, ph.Agents, r.req.Message, ph.Instructions)
		}
		if errors.Is(perr, ErrInterrupted) {
			return perr
		}
		if perr != nil {
			r.o.logger.Warn("Plan phase failed",
				zap.String("task_id", r.req.TaskID),
				zap.String("phase", ph.Name),
				zap.Error(perr),
			)
		}
	}

	outputs := r.resultsSince(from)
	if len(outputs) == 0 {
		return joinAgentErrors(r.result.Errors)
	}

	merged := Synthesize(outputs)
	if r.interrupted() {
		return ErrInterrupted
	}
	r.planned(1)
	final, err := r.invoke(ctx, "synthesis", lead, r.req.Message, synthesisInstructions,
		map[string]interface{}{"previous_output": merged})
	if err != nil || strings.TrimSpace(final.Output) == "" {
		r.result.Response = merged
		return nil
	}
	r.result.Response = final.Output
	return nil
}

func (r *run) resultCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.result.AgentResults)
}

// resultsSince returns the results recorded after the first n. The lead's
// planning output is never among them, even when the lead is the only worker.
func (r *run) resultsSince(n int) []agents.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agents.Result(nil), r.result.AgentResults[n:]...)
}

// Synthesize merges successful outputs in execution order.
func Synthesize(results []agents.Result) string {
	var parts []agents.Result
	for _, r := range results {
		if r.Success && strings.TrimSpace(r.Output) != "" {
			parts = append(parts, r)
		}
	}
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0].Output
	}
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### %s\n%s", p.AgentID, strings.TrimSpace(p.Output))
	}
	return b.String()
}
