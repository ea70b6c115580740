// Package collaboration runs a workflow decision with one or many agents.
package collaboration

import (
	"context"
	"errors"
	"time"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/agents"
)

// Strategy is how agents are combined.
type Strategy string

const (
	StrategySimple       Strategy = "simple"
	StrategySequential   Strategy = "sequential"
	StrategyParallel     Strategy = "parallel"
	StrategyHierarchical Strategy = "hierarchical"
)

var (
	ErrNoAgents    = errors.New("decision selects no agents")
	ErrInterrupted = errors.New("collaboration interrupted")
	ErrAllFailed   = errors.New("no agent succeeded")
)

// SelectStrategy is a pure function of the agent count and complexity.
func SelectStrategy(agentCount, complexity int) Strategy {
	switch {
	case agentCount <= 1:
		return StrategySimple
	case complexity <= 4:
		return StrategySequential
	case complexity <= 7:
		return StrategyParallel
	default:
		return StrategyHierarchical
	}
}

// Invoker is the registry surface the orchestrator drives.
type Invoker interface {
	Invoke(ctx context.Context, id string, task agents.Task) (*agents.Result, error)
	Lead() (string, bool)
}

// AgentError records one failed invocation.
type AgentError struct {
	AgentID string `json:"agent_id"`
	Phase   string `json:"phase,omitempty"`
	Error   string `json:"error"`
}

// Result is the outcome of a collaboration.
type Result struct {
	Strategy     Strategy        `json:"strategy"`
	Success      bool            `json:"success"`
	Response     string          `json:"response"`
	AgentResults []agents.Result `json:"agent_results"`
	Errors       []AgentError    `json:"errors,omitempty"`
	Plan         *Plan           `json:"plan,omitempty"`
	Duration     time.Duration   `json:"duration"`
}

// Succeeded returns the successful agent results in execution order.
func (r *Result) Succeeded() []agents.Result {
	var out []agents.Result
	for _, ar := range r.AgentResults {
		if ar.Success {
			out = append(out, ar)
		}
	}
	return out
}

// AgentEvent is emitted around each agent invocation.
type AgentEvent struct {
	Type    string // agent.started, agent.completed, agent.failed
	AgentID string
	Slot    int
	Error   string
}

// Hooks observe and steer a running collaboration. All fields are optional.
type Hooks struct {
	// Interrupt is checked before every agent invocation; returning true
	// stops the collaboration with ErrInterrupted.
	Interrupt func() bool
	// OnProgress reports completed invocations out of the planned total.
	OnProgress func(done, total int)
	OnAgent    func(AgentEvent)
}

// Request carries the per-run inputs beyond the decision.
type Request struct {
	TaskID    string
	SessionID string
	Message   string
	Context   map[string]interface{}
	Hooks     Hooks
}
