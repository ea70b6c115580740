package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/autonomous"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/clock"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/collaboration"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/contextstore"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/intelligence"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/session"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/store"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type stubClassifier struct {
	mu        sync.Mutex
	d         intelligence.Decision
	forgotten []string
}

func (s *stubClassifier) Classify(context.Context, string, intelligence.Input) intelligence.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.Clone()
}

func (s *stubClassifier) Forget(userID string) {
	s.mu.Lock()
	s.forgotten = append(s.forgotten, userID)
	s.mu.Unlock()
}

type okExecutor struct{}

func (okExecutor) Execute(_ context.Context, d intelligence.Decision, _ collaboration.Request) (*collaboration.Result, error) {
	return &collaboration.Result{
		Strategy:     collaboration.StrategySimple,
		Success:      true,
		Response:     "ok",
		AgentResults: []agents.Result{{AgentID: d.Primary(), Output: "ok", Success: true}},
	}, nil
}

func newStubEngine(t *testing.T, d intelligence.Decision) (*Engine, *stubClassifier, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	cls := &stubClassifier{d: d}
	sessions := session.NewManager(store.NewMemoryStore(), session.DefaultPolicy(), clk, zap.NewNop())
	e := New(Deps{
		Classifier: cls,
		Sessions:   sessions,
		Executor:   okExecutor{},
		Contexts:   contextstore.NewMemoryStore(50, clk),
		Events:     streaming.NewManager(32, zap.NewNop()),
		Store:      store.NewMemoryStore(),
		Supervisor: autonomous.DefaultConfig(),
		Clock:      clk,
	}, zap.NewNop())
	t.Cleanup(e.Stop)
	return e, cls, clk
}

func simpleDecision() intelligence.Decision {
	return intelligence.Decision{
		Category:        intelligence.CategorySimpleQuery,
		Confidence:      intelligence.ConfidenceMedium,
		SelectedAgents:  []string{"general-assistant"},
		Complexity:      2,
		DurationMinutes: 5,
	}
}

func waitCompleted(t *testing.T, e *Engine, taskID string) *autonomous.Status {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := e.GetTaskStatus(context.Background(), taskID)
		return err == nil && st.State == autonomous.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
	st, err := e.GetTaskStatus(context.Background(), taskID)
	require.NoError(t, err)
	return st
}

func TestClassifyAndRouteEndToEnd(t *testing.T) {
	logger := zap.NewNop()
	clk := clock.NewManual(epoch)
	registry := agents.NewRegistry(agents.Options{Alpha: 0.1, DefaultAgent: "general-assistant"}, logger)
	catalog, err := agents.DefaultCatalog()
	require.NoError(t, err)
	require.NoError(t, registry.RegisterAll(catalog, func(def agents.Definition) agents.Handler {
		return agents.HandlerFunc(func(_ context.Context, task agents.Task) (*agents.Result, error) {
			return &agents.Result{Output: fmt.Sprintf("%s handled %q", def.ID, task.Query)}, nil
		})
	}))
	contexts := contextstore.NewMemoryStore(50, clk)
	sessions := session.NewManager(store.NewMemoryStore(), session.DefaultPolicy(), clk, logger)
	classifier := intelligence.NewClassifier(registry, contexts, intelligence.Options{Clock: clk}, zaptest.NewLogger(t))

	e := New(Deps{
		Classifier: classifier,
		Sessions:   sessions,
		Executor:   collaboration.NewOrchestrator(registry, collaboration.Config{}, logger),
		Agents:     registry,
		Contexts:   contexts,
		Events:     streaming.NewManager(64, zap.NewNop()),
		Supervisor: autonomous.DefaultConfig(),
		Clock:      clk,
	}, zap.NewNop())
	t.Cleanup(e.Stop)

	ctx := context.Background()
	res, err := e.ClassifyAndRoute(ctx, RouteRequest{Message: "deploy my app to production with docker", UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, intelligence.CategoryDeployment, res.Decision.Category)
	assert.Equal(t, "devops-specialist", res.Decision.Primary())
	assert.True(t, res.Decision.Confidence.AtLeast(intelligence.ConfidenceMedium))
	require.NotNil(t, res.Session)
	assert.Equal(t, "user-1", res.Session.UserID)

	st := waitCompleted(t, e, res.TaskID)
	assert.Contains(t, st.Response, "devops-specialist handled")

	require.Eventually(t, func() bool {
		p, err := contexts.GetUserPatterns(ctx, "user-1")
		return err == nil && p.AgentUsage["devops-specialist"] == 1
	}, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, e.Events().ReplaySince(res.TaskID, 0))
}

func TestRouteReusesOpenSessionOfSameUser(t *testing.T) {
	e, cls, _ := newStubEngine(t, simpleDecision())
	ctx := context.Background()

	first, err := e.ClassifyAndRoute(ctx, RouteRequest{Message: "hello", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, session.TypeChat, first.Session.Type)
	waitCompleted(t, e, first.TaskID)

	// The task owns the session it created, so the session closed with it.
	again, err := e.ClassifyAndRoute(ctx, RouteRequest{Message: "again", UserID: "u1", SessionID: first.Session.ID})
	require.NoError(t, err)
	assert.NotEqual(t, first.Session.ID, again.Session.ID)

	shared, err := e.sessions.Create(ctx, "u1", session.TypeChat, nil)
	require.NoError(t, err)
	routed, err := e.ClassifyAndRoute(ctx, RouteRequest{Message: "in session", UserID: "u1", SessionID: shared.ID})
	require.NoError(t, err)
	assert.Equal(t, shared.ID, routed.Session.ID)
	waitCompleted(t, e, routed.TaskID)
	got, _ := e.sessions.Get(ctx, shared.ID)
	assert.Equal(t, session.StateActive, got.State)

	stolen, err := e.ClassifyAndRoute(ctx, RouteRequest{Message: "sneaky", UserID: "u2", SessionID: shared.ID})
	require.NoError(t, err)
	assert.NotEqual(t, shared.ID, stolen.Session.ID)
	assert.Equal(t, "u2", stolen.Session.UserID)

	require.Eventually(t, func() bool {
		cls.mu.Lock()
		defer cls.mu.Unlock()
		for _, u := range cls.forgotten {
			if u == "u1" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestRouteOpensLongRunningSessionForHeavyDecisions(t *testing.T) {
	tests := []struct {
		name       string
		complexity int
		minutes    int
		want       session.Type
	}{
		{"simple", 2, 5, session.TypeChat},
		{"complex", 7, 45, session.TypeLongRunning},
		{"long", 5, 60, session.TypeLongRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := simpleDecision()
			d.Complexity = tt.complexity
			d.DurationMinutes = tt.minutes
			e, _, _ := newStubEngine(t, d)
			res, err := e.ClassifyAndRoute(context.Background(), RouteRequest{Message: "do it", UserID: "u"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Session.Type)
			assert.Equal(t, tt.want == session.TypeLongRunning, res.Session.ExpiresAt != nil)
		})
	}
}

func TestCreateAutonomousSession(t *testing.T) {
	d := simpleDecision()
	d.DurationMinutes = 240
	e, _, clk := newStubEngine(t, d)

	sess, st, err := e.CreateAutonomousSession(context.Background(), AutonomousRequest{
		UserID:     "u",
		Request:    "keep the docs in sync",
		MaxRuntime: time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, session.TypeLongRunning, sess.Type)
	require.NotNil(t, sess.ExpiresAt)
	assert.Equal(t, clk.Now().Add(time.Hour), *sess.ExpiresAt)
	assert.True(t, st.OwnsSession)
	assert.Equal(t, *sess.ExpiresAt, st.EstimatedCompletion)

	list, err := e.ListSessions(context.Background(), "u", session.TypeLongRunning, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, sess.ID, list[0].ID)
}

func TestValidation(t *testing.T) {
	e, _, _ := newStubEngine(t, simpleDecision())
	ctx := context.Background()

	_, err := e.ClassifyAndRoute(ctx, RouteRequest{Message: "hi"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.ClassifyAndRoute(ctx, RouteRequest{UserID: "u", Message: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, _, err = e.CreateAutonomousSession(ctx, AutonomousRequest{UserID: "u"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.ListSessions(ctx, "", "", false)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.GetTaskStatus(ctx, "nope")
	assert.ErrorIs(t, err, autonomous.ErrTaskNotFound)
	_, err = e.ResumeTask(ctx, "nope", "")
	assert.ErrorIs(t, err, autonomous.ErrTaskNotFound)
}
