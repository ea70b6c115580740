package agents

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrDuplicateAgent = errors.New("agent already registered")
	ErrInvalidAgent   = errors.New("invalid agent definition")
)

// State is the live activity state of an agent.
type State string

const (
	StateIdle          State = "idle"
	StateThinking      State = "thinking"
	StateWorking       State = "working"
	StateWaiting       State = "waiting"
	StateCollaborating State = "collaborating"
	StateError         State = "error"
)

// Role distinguishes the coordinating lead from specialists.
type Role string

const (
	RoleSpecialist Role = "specialist"
	RoleLead       Role = "lead"
)

// Definition describes an agent as loaded from the catalog.
type Definition struct {
	ID                 string   `yaml:"id" json:"id"`
	Name               string   `yaml:"name" json:"name"`
	Description        string   `yaml:"description" json:"description"`
	Capabilities       []string `yaml:"capabilities" json:"capabilities"`
	Role               Role     `yaml:"role" json:"role"`
	Reentrant          *bool    `yaml:"reentrant,omitempty" json:"reentrant,omitempty"`
	Variant            string   `yaml:"variant" json:"variant"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	Sandbox            string   `yaml:"sandbox,omitempty" json:"sandbox,omitempty"`
}

// IsReentrant defaults to true when unset.
func (d Definition) IsReentrant() bool {
	return d.Reentrant == nil || *d.Reentrant
}

// HasCapability reports whether the agent declares tag.
func (d Definition) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Agent is a point-in-time view of a registered agent.
type Agent struct {
	Definition
	State       State       `json:"state"`
	Performance Performance `json:"performance"`
}

// Task is the unit of work handed to an agent.
type Task struct {
	TaskID       string                 `json:"task_id"`
	SessionID    string                 `json:"session_id"`
	Query        string                 `json:"query"`
	Instructions string                 `json:"instructions,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// Result is an agent's answer to a Task.
type Result struct {
	AgentID   string                 `json:"agent_id"`
	Output    string                 `json:"output"`
	ModelUsed string                 `json:"model_used,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Handler executes tasks for one agent. A non-nil error marks the
// invocation failed.
type Handler interface {
	Handle(ctx context.Context, task Task) (*Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task) (*Result, error)

func (f HandlerFunc) Handle(ctx context.Context, task Task) (*Result, error) { return f(ctx, task) }
