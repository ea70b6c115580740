// Package engine is the inbound facade: classify and route a request, report
// and resume tasks, and open autonomous sessions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/autonomous"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/clock"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/contextstore"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/intelligence"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/session"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/store"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

var ErrInvalidRequest = errors.New("invalid request")

// Thresholds above which a routed request gets a long-running session.
const (
	LongRunningComplexity = 7
	LongRunningDuration   = 60 * time.Minute
)

// Classifier turns a message into a routing decision.
type Classifier interface {
	Classify(ctx context.Context, message string, in intelligence.Input) intelligence.Decision
	Forget(userID string)
}

// Deps are the components the engine composes.
type Deps struct {
	Classifier Classifier
	Sessions   *session.Manager
	Executor   autonomous.Executor
	Agents     autonomous.AgentDirectory
	Contexts   contextstore.Store
	Events     *streaming.Manager
	Store      store.Store
	Supervisor autonomous.Config
	Clock      clock.Clock
}

// Engine implements the inbound operations.
type Engine struct {
	classifier Classifier
	sessions   *session.Manager
	supervisor *autonomous.Supervisor
	contexts   contextstore.Store
	events     *streaming.Manager
	logger     *zap.Logger
}

// New wires the supervisor with the engine's completion hooks.
func New(deps Deps, logger *zap.Logger) *Engine {
	e := &Engine{
		classifier: deps.Classifier,
		sessions:   deps.Sessions,
		contexts:   contextstore.OrNop(deps.Contexts),
		events:     deps.Events,
		logger:     logger,
	}
	opts := autonomous.Options{
		Config:   deps.Supervisor,
		Clock:    deps.Clock,
		Agents:   deps.Agents,
		Store:    deps.Store,
		OnFinish: e.taskFinished,
		OnPurge:  e.taskPurged,
	}
	if deps.Events != nil {
		opts.Events = deps.Events
	}
	e.supervisor = autonomous.NewSupervisor(deps.Executor, deps.Sessions, opts, logger)
	return e
}

// Supervisor exposes the task supervisor for policy reloads.
func (e *Engine) Supervisor() *autonomous.Supervisor { return e.supervisor }

// Events returns the task event hub, or nil.
func (e *Engine) Events() *streaming.Manager { return e.events }

// Start runs the supervisor tick.
func (e *Engine) Start() { e.supervisor.Start() }

// Stop halts the supervisor.
func (e *Engine) Stop() { e.supervisor.Stop() }

// RouteRequest is the input to ClassifyAndRoute.
type RouteRequest struct {
	Message     string                 `json:"message"`
	UserID      string                 `json:"user_id"`
	SessionID   string                 `json:"session_id,omitempty"`
	PageContext map[string]interface{} `json:"page_context,omitempty"`
}

// RouteResult is what ClassifyAndRoute returns.
type RouteResult struct {
	Decision intelligence.Decision `json:"decision"`
	Session  *session.Session      `json:"session"`
	TaskID   string                `json:"task_id"`
}

// ClassifyAndRoute classifies the message, attaches or creates a session and
// starts a supervised task for it.
func (e *Engine) ClassifyAndRoute(ctx context.Context, req RouteRequest) (*RouteResult, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	e.logger.Info("Received route request",
		zap.String("user_id", req.UserID),
		zap.String("session_id", req.SessionID),
	)

	d := e.classifier.Classify(ctx, req.Message, intelligence.Input{
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		PageContext: req.PageContext,
	})

	sess, owns, err := e.attachSession(ctx, req, d)
	if err != nil {
		return nil, err
	}
	st, err := e.supervisor.Submit(ctx, autonomous.Submission{
		UserID:      req.UserID,
		SessionID:   sess.ID,
		OwnsSession: owns,
		Request:     req.Message,
		Context:     req.PageContext,
		Decision:    d,
		Deadline:    sess.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("submit task: %w", err)
	}
	return &RouteResult{Decision: d, Session: sess, TaskID: st.TaskID}, nil
}

// attachSession reuses the caller's session when it exists, belongs to the
// same user and is still open; otherwise it creates one owned by the task.
func (e *Engine) attachSession(ctx context.Context, req RouteRequest, d intelligence.Decision) (*session.Session, bool, error) {
	if req.SessionID != "" {
		sess, err := e.sessions.Get(ctx, req.SessionID)
		switch {
		case err != nil && !errors.Is(err, session.ErrSessionNotFound):
			e.logger.Warn("Failed to retrieve session", zap.String("session_id", req.SessionID), zap.Error(err))
		case err == nil && sess.UserID != req.UserID:
			// Treated as missing so session existence does not leak.
			e.logger.Warn("User attempted to use another user's session",
				zap.String("requesting_user", req.UserID),
				zap.String("session_owner", sess.UserID),
				zap.String("session_id", req.SessionID),
			)
		case err == nil && !sess.State.Terminal():
			return sess, false, nil
		}
	}

	typ := session.TypeChat
	if d.Complexity >= LongRunningComplexity || d.EstimatedDuration() >= LongRunningDuration {
		typ = session.TypeLongRunning
	}
	sess, err := e.sessions.Create(ctx, req.UserID, typ, map[string]interface{}{
		"created_from": "route",
		"category":     string(d.Category),
	})
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	return sess, true, nil
}

// GetTaskStatus returns the task view.
func (e *Engine) GetTaskStatus(ctx context.Context, taskID string) (*autonomous.Status, error) {
	return e.supervisor.Status(ctx, taskID)
}

// ResumeTask resumes a suspended or failed task from a checkpoint.
func (e *Engine) ResumeTask(ctx context.Context, taskID, checkpointID string) (*autonomous.Status, error) {
	return e.supervisor.ResumeTask(ctx, taskID, checkpointID)
}

// AutonomousRequest is the input to CreateAutonomousSession.
type AutonomousRequest struct {
	UserID     string                 `json:"user_id"`
	Request    string                 `json:"request"`
	Context    map[string]interface{} `json:"context,omitempty"`
	MaxRuntime time.Duration          `json:"-"`
}

// CreateAutonomousSession opens a long-running session and starts a task
// bounded by maxRuntime (the session default when zero).
func (e *Engine) CreateAutonomousSession(ctx context.Context, req AutonomousRequest) (*session.Session, *autonomous.Status, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Request) == "" {
		return nil, nil, fmt.Errorf("%w: user_id and request are required", ErrInvalidRequest)
	}
	if req.MaxRuntime < 0 {
		return nil, nil, fmt.Errorf("%w: max runtime must be positive", ErrInvalidRequest)
	}
	d := e.classifier.Classify(ctx, req.Request, intelligence.Input{UserID: req.UserID, PageContext: req.Context})

	var opts []session.CreateOption
	if req.MaxRuntime > 0 {
		opts = append(opts, session.WithMaxRuntime(req.MaxRuntime))
	}
	sess, err := e.sessions.Create(ctx, req.UserID, session.TypeLongRunning, map[string]interface{}{
		"created_from": "autonomous",
		"category":     string(d.Category),
		"autonomous":   true,
	}, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}
	st, err := e.supervisor.Submit(ctx, autonomous.Submission{
		UserID:      req.UserID,
		SessionID:   sess.ID,
		OwnsSession: true,
		Request:     req.Request,
		Context:     req.Context,
		Decision:    d,
		Deadline:    sess.ExpiresAt,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("submit task: %w", err)
	}
	e.logger.Info("Autonomous session created",
		zap.String("session_id", sess.ID),
		zap.String("task_id", st.TaskID),
		zap.Time("expires_at", *sess.ExpiresAt),
	)
	return sess, st, nil
}

// ListSessions lists a user's sessions, newest first.
func (e *Engine) ListSessions(ctx context.Context, userID string, typ session.Type, activeOnly bool) ([]*session.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	return e.sessions.ListForUser(ctx, userID, typ, activeOnly)
}

// taskFinished saves the interaction so later classifications see the
// per-agent outcome, and drops the user's cached knowledge.
func (e *Engine) taskFinished(st autonomous.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	used := make([]string, 0, len(st.AgentResults))
	for _, id := range st.Decision.SelectedAgents {
		if _, ok := st.AgentResults[id]; ok {
			used = append(used, id)
		}
	}
	if len(used) == 0 {
		used = append(used, st.Decision.SelectedAgents...)
	}
	err := e.contexts.SaveInteraction(ctx, contextstore.Interaction{
		UserID:   st.UserID,
		Message:  st.Request,
		Response: st.Response,
		Metadata: map[string]interface{}{
			contextstore.MetaAgents:   used,
			contextstore.MetaCategory: string(st.Decision.Category),
			contextstore.MetaSuccess:  st.State == autonomous.StateCompleted,
			"task_id":                 st.TaskID,
		},
	})
	if err != nil {
		e.logger.Warn("Failed to save interaction",
			zap.String("task_id", st.TaskID),
			zap.String("user_id", st.UserID),
			zap.Error(err),
		)
	}
	e.classifier.Forget(st.UserID)
}

func (e *Engine) taskPurged(taskID string) {
	if e.events != nil {
		e.events.Forget(taskID)
	}
}
