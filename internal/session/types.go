package session

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned for a state change the lifecycle forbids
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrSessionCompleted is returned when resuming a completed session
	ErrSessionCompleted = errors.New("session is completed")

	// ErrCheckpointNotFound is returned when a checkpoint id is not in the session's log
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrNoExpiry is returned when extending a session that never expires
	ErrNoExpiry = errors.New("session has no expiry")
)

// Type classifies what a session is used for.
type Type string

const (
	TypeChat          Type = "chat"
	TypeLongRunning   Type = "long_running"
	TypeCollaboration Type = "collaboration"
	TypeResearch      Type = "research"
	TypeWorkflow      Type = "workflow"
	TypeComputerUse   Type = "scrapybara"
)

// ParseType accepts the known session types.
func ParseType(s string) (Type, bool) {
	switch t := Type(s); t {
	case TypeChat, TypeLongRunning, TypeCollaboration, TypeResearch, TypeWorkflow, TypeComputerUse:
		return t, true
	}
	return "", false
}

// State is the lifecycle state of a session.
type State string

const (
	StateActive       State = "active"
	StatePaused       State = "paused"
	StateSuspended    State = "suspended"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCheckpointed State = "checkpointed"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

var transitions = map[State][]State{
	StateActive:       {StatePaused, StateSuspended, StateCompleted, StateFailed, StateCheckpointed},
	StatePaused:       {StateActive, StateSuspended, StateCompleted, StateFailed},
	StateCheckpointed: {StateActive, StatePaused, StateSuspended, StateCompleted, StateFailed},
	StateSuspended:    {StateActive, StateCompleted, StateFailed},
}

// CanTransition reports whether from -> to is allowed. Staying put is always allowed
// for non-terminal states.
func CanTransition(from, to State) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is durable conversational or task state.
type Session struct {
	ID               string                 `json:"session_id"`
	UserID           string                 `json:"user_id"`
	Type             Type                   `json:"session_type"`
	State            State                  `json:"state"`
	CreatedAt        time.Time              `json:"created_at"`
	LastActivity     time.Time              `json:"last_activity"`
	ExpiresAt        *time.Time             `json:"expires_at,omitempty"`
	Metadata         map[string]interface{} `json:"metadata"`
	Context          map[string]interface{} `json:"context"`
	Progress         float64                `json:"progress_percentage"`
	Checkpoints      []string               `json:"checkpoints"`
	LastCheckpointAt *time.Time             `json:"last_checkpoint_at,omitempty"`
}

// Expired reports whether the session has an expiry in the past.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

func (s *Session) clone() *Session {
	c := *s
	c.Metadata = cloneMap(s.Metadata)
	c.Context = cloneMap(s.Context)
	c.Checkpoints = append([]string(nil), s.Checkpoints...)
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	if s.LastCheckpointAt != nil {
		t := *s.LastCheckpointAt
		c.LastCheckpointAt = &t
	}
	return &c
}

// Checkpoint is an immutable snapshot used for resume.
type Checkpoint struct {
	ID          string                 `json:"checkpoint_id"`
	SessionID   string                 `json:"session_id"`
	Timestamp   time.Time              `json:"timestamp"`
	StateData   map[string]interface{} `json:"state_data"`
	Progress    float64                `json:"progress_percentage"`
	Description string                 `json:"description"`
	Trigger     string                 `json:"trigger"`
}

// Checkpoint triggers.
const (
	TriggerExplicit = "explicit"
	TriggerInterval = "interval"
	TriggerProgress = "progress"
	TriggerPaused   = "paused"
)

// Patch is a partial update. Nil fields are left unchanged; maps are merged.
type Patch struct {
	State    *State
	Metadata map[string]interface{}
	Context  map[string]interface{}
	Progress *float64
	// Checkpoint forces a checkpoint after the patch is applied.
	Checkpoint  bool
	Description string
	StateData   map[string]interface{}
}

// Policy holds the tunable lifecycle settings.
type Policy struct {
	Retention          time.Duration
	DefaultMaxRuntime  time.Duration
	CheckpointInterval time.Duration
	ProgressStep       float64
	SweepInterval      time.Duration
}

// DefaultPolicy matches the shipped configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		Retention:          7 * 24 * time.Hour,
		DefaultMaxRuntime:  24 * time.Hour,
		CheckpointInterval: 300 * time.Second,
		ProgressStep:       25,
		SweepInterval:      5 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Retention <= 0 {
		p.Retention = d.Retention
	}
	if p.DefaultMaxRuntime <= 0 {
		p.DefaultMaxRuntime = d.DefaultMaxRuntime
	}
	if p.CheckpointInterval <= 0 {
		p.CheckpointInterval = d.CheckpointInterval
	}
	if p.ProgressStep <= 0 {
		p.ProgressStep = d.ProgressStep
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = d.SweepInterval
	}
	return p
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

// Number reads a numeric state_data value.
func Number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
