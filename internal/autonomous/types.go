// Package autonomous supervises long-running tasks: it drives execution
// through the collaboration orchestrator and applies the checkpoint,
// overrun, stuck-task and auto-recovery policies on a periodic tick.
package autonomous

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/intelligence"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskRunning   = errors.New("task is still running")
	ErrTaskCompleted = errors.New("task already completed")
	ErrSuspended     = errors.New("task is suspended pending human approval")
	ErrStopped       = errors.New("supervisor stopped")
)

// State is the lifecycle state of an autonomous task.
type State string

const (
	StatePlanning      State = "planning"
	StateExecuting     State = "executing"
	StateCollaborating State = "collaborating"
	StateCheckpointing State = "checkpointing"
	StateMonitoring    State = "monitoring"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateSuspended     State = "suspended"
)

// Terminal reports whether the task will not run again without a resume.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Running reports whether an execution attempt may be in flight.
func (s State) Running() bool {
	switch s {
	case StatePlanning, StateExecuting, StateCollaborating, StateCheckpointing, StateMonitoring:
		return true
	}
	return false
}

// Adaptation kinds.
const (
	AdaptFallbackAgent = "fallback_agent"
	AdaptSimplified    = "simplified_request"
	AdaptEscalateLead  = "escalate_lead"
	AdaptExtendTime    = "extend_deadline"
	AdaptSuspend       = "suspend"
	AdaptResume        = "resume"
)

// Adaptation records one supervisory intervention.
type Adaptation struct {
	Kind      string    `json:"kind"`
	Attempt   int       `json:"attempt,omitempty"`
	Trigger   string    `json:"trigger"`
	Error     string    `json:"error,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is the task view served to callers and stored in checkpoints.
type Status struct {
	TaskID                string                   `json:"task_id"`
	SessionID             string                   `json:"session_id"`
	UserID                string                   `json:"user_id"`
	Request               string                   `json:"request"`
	Context               map[string]interface{}   `json:"context,omitempty"`
	Decision              intelligence.Decision    `json:"decision"`
	State                 State                    `json:"state"`
	Progress              float64                  `json:"progress_percentage"`
	CurrentPhase          string                   `json:"current_phase"`
	ActiveAgents          []string                 `json:"active_agents"`
	AgentResults          map[string]agents.Result `json:"agent_results"`
	Response              string                   `json:"response,omitempty"`
	Error                 string                   `json:"error,omitempty"`
	RecoveryAttempts      int                      `json:"auto_recovery_attempts"`
	MaxAutoRecovery       int                      `json:"max_auto_recovery"`
	RequiresHumanApproval bool                     `json:"requires_human_approval"`
	Adaptations           []Adaptation             `json:"adaptations"`
	OwnsSession           bool                     `json:"owns_session"`
	CreatedAt             time.Time                `json:"created_at"`
	RunningSince          time.Time                `json:"running_since"`
	EstimatedCompletion   time.Time                `json:"estimated_completion"`
	Deadline              *time.Time               `json:"deadline,omitempty"`
	OriginalEstimate      time.Duration            `json:"original_estimate"`
	LastCheckpointAt      time.Time                `json:"last_checkpoint_at"`
	LastCheckpointID      string                   `json:"last_checkpoint_id,omitempty"`
	FinishedAt            *time.Time               `json:"finished_at,omitempty"`
}

func (s *Status) clone() *Status {
	out := *s
	out.Context = cloneMap(s.Context)
	out.Decision = s.Decision.Clone()
	out.ActiveAgents = append([]string(nil), s.ActiveAgents...)
	out.AgentResults = make(map[string]agents.Result, len(s.AgentResults))
	for k, v := range s.AgentResults {
		out.AgentResults[k] = v
	}
	out.Adaptations = append([]Adaptation(nil), s.Adaptations...)
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	if s.Deadline != nil {
		t := *s.Deadline
		out.Deadline = &t
	}
	return &out
}

// stateData renders the status as a JSON-compatible map for a checkpoint.
func (s *Status) stateData() map[string]interface{} {
	var snapshot map[string]interface{}
	if b, err := json.Marshal(s); err == nil {
		_ = json.Unmarshal(b, &snapshot)
	}
	return map[string]interface{}{
		"task":                snapshot,
		"progress_percentage": s.Progress,
		"current_phase":       s.CurrentPhase,
		"task_state":          string(s.State),
	}
}

// statusFromStateData rebuilds a task snapshot stored by stateData.
func statusFromStateData(data map[string]interface{}) (*Status, error) {
	raw, ok := data["task"]
	if !ok || raw == nil {
		return nil, fmt.Errorf("checkpoint carries no task snapshot")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode task snapshot: %w", err)
	}
	var st Status
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode task snapshot: %w", err)
	}
	if st.TaskID == "" {
		return nil, fmt.Errorf("task snapshot has no id")
	}
	return &st, nil
}

// Submission is the input to Supervisor.Submit.
type Submission struct {
	UserID    string
	SessionID string
	// OwnsSession marks a session created for this task alone; its state
	// follows the task's.
	OwnsSession bool
	Request     string
	Context     map[string]interface{}
	Decision    intelligence.Decision
	// Deadline caps the completion estimate and every recovery window,
	// typically the session expiry.
	Deadline *time.Time
}

// Config holds the supervisory policy.
type Config struct {
	TickInterval          time.Duration
	CheckpointInterval    time.Duration
	MaxAutoRecovery       int
	StuckAfter            time.Duration
	StuckProgress         float64
	OverrunExtendProgress float64
	TerminalRetention     time.Duration
	LeadAgent             string
}

// DefaultConfig matches the shipped configuration defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:          60 * time.Second,
		CheckpointInterval:    300 * time.Second,
		MaxAutoRecovery:       3,
		StuckAfter:            time.Hour,
		StuckProgress:         10,
		OverrunExtendProgress: 50,
		TerminalRetention:     24 * time.Hour,
		LeadAgent:             "project-coordinator",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.MaxAutoRecovery < 0 {
		c.MaxAutoRecovery = d.MaxAutoRecovery
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = d.StuckAfter
	}
	if c.StuckProgress <= 0 {
		c.StuckProgress = d.StuckProgress
	}
	if c.OverrunExtendProgress <= 0 {
		c.OverrunExtendProgress = d.OverrunExtendProgress
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = d.TerminalRetention
	}
	return c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
