package autonomous

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/clock"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/collaboration"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/intelligence"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/session"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/store"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type step func(ctx context.Context, d intelligence.Decision, req collaboration.Request) (*collaboration.Result, error)

type call struct {
	decision intelligence.Decision
	req      collaboration.Request
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []call
	steps []step
	def   step
}

func (f *fakeExecutor) Execute(ctx context.Context, d intelligence.Decision, req collaboration.Request) (*collaboration.Result, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, call{decision: d, req: req})
	st := f.def
	if n < len(f.steps) {
		st = f.steps[n]
	}
	f.mu.Unlock()
	return st(ctx, d, req)
}

func (f *fakeExecutor) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func succeed(out string) step {
	return func(_ context.Context, d intelligence.Decision, _ collaboration.Request) (*collaboration.Result, error) {
		return &collaboration.Result{
			Strategy:     collaboration.StrategySimple,
			Success:      true,
			Response:     out,
			AgentResults: []agents.Result{{AgentID: d.Primary(), Output: out, Success: true}},
		}, nil
	}
}

func fail(msg string) step {
	return func(_ context.Context, d intelligence.Decision, _ collaboration.Request) (*collaboration.Result, error) {
		return &collaboration.Result{
			Strategy: collaboration.StrategySimple,
			Errors:   []collaboration.AgentError{{AgentID: d.Primary(), Error: msg}},
		}, errors.New(msg)
	}
}

// block reports done/total progress and waits for cancellation or release.
func block(done, total int, release <-chan struct{}) step {
	return func(ctx context.Context, _ intelligence.Decision, req collaboration.Request) (*collaboration.Result, error) {
		if total > 0 {
			req.Hooks.OnProgress(done, total)
		}
		select {
		case <-ctx.Done():
			return &collaboration.Result{}, ctx.Err()
		case <-release:
			return &collaboration.Result{}, errors.New("agent gave up")
		}
	}
}

type fakeDirectory struct{ lead string }

func (f fakeDirectory) Has(id string) bool { return id != "" }
func (f fakeDirectory) Lead() (string, bool) { return f.lead, f.lead != "" }

type harness struct {
	sup      *Supervisor
	sessions *session.Manager
	events   *streaming.Manager
	clk      *clock.Manual
	index    *store.MemoryStore
	finished chan Status
}

func newHarness(t *testing.T, exec Executor, cfg Config) *harness {
	t.Helper()
	clk := clock.NewManual(epoch)
	h := &harness{
		sessions: session.NewManager(store.NewMemoryStore(), session.DefaultPolicy(), clk, zap.NewNop()),
		events:   streaming.NewManager(64, zap.NewNop()),
		clk:      clk,
		index:    store.NewMemoryStore(),
		finished: make(chan Status, 8),
	}
	h.sup = h.supervisor(t, exec, cfg)
	return h
}

// supervisor builds another supervisor over the harness's sessions and task
// index, as a restarted process would.
func (h *harness) supervisor(t *testing.T, exec Executor, cfg Config) *Supervisor {
	t.Helper()
	sup := NewSupervisor(exec, h.sessions, Options{
		Config:   cfg,
		Clock:    h.clk,
		Events:   h.events,
		Agents:   fakeDirectory{lead: "project-coordinator"},
		Store:    h.index,
		OnFinish: func(st Status) { h.finished <- st },
	}, zap.NewNop())
	t.Cleanup(sup.Stop)
	return sup
}

func (h *harness) session(t *testing.T, typ session.Type, opts ...session.CreateOption) *session.Session {
	t.Helper()
	s, err := h.sessions.Create(context.Background(), "user-1", typ, nil, opts...)
	require.NoError(t, err)
	return s
}

func decision(minutes int, ids ...string) intelligence.Decision {
	return intelligence.Decision{
		Category:        intelligence.CategoryCodeGeneration,
		Confidence:      intelligence.ConfidenceMedium,
		SelectedAgents:  ids,
		Complexity:      5,
		DurationMinutes: minutes,
		FallbackAgents:  []string{"debug-specialist", "general-assistant"},
	}
}

func waitFor(t *testing.T, sup *Supervisor, id string, cond func(*Status) bool) *Status {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := sup.Status(context.Background(), id)
		return err == nil && cond(st)
	}, 2*time.Second, 5*time.Millisecond)
	st, err := sup.Status(context.Background(), id)
	require.NoError(t, err)
	return st
}

func inState(s State) func(*Status) bool {
	return func(st *Status) bool { return st.State == s }
}

func eventTypes(m *streaming.Manager, taskID string) []string {
	var out []string
	for _, e := range m.ReplaySince(taskID, 0) {
		out = append(out, e.Type)
	}
	return out
}

func adaptationKinds(st *Status) []string {
	var out []string
	for _, a := range st.Adaptations {
		out = append(out, a.Kind)
	}
	return out
}

func TestTaskCompletes(t *testing.T) {
	exec := &fakeExecutor{def: succeed("parser written")}
	h := newHarness(t, exec, DefaultConfig())
	ctx := context.Background()
	sess := h.session(t, session.TypeChat)

	sub, err := h.sup.Submit(ctx, Submission{
		UserID:      "user-1",
		SessionID:   sess.ID,
		OwnsSession: true,
		Request:     "write a parser",
		Decision:    decision(30, "code-specialist"),
	})
	require.NoError(t, err)

	st := waitFor(t, h.sup, sub.TaskID, inState(StateCompleted))
	assert.Equal(t, 100.0, st.Progress)
	assert.Equal(t, "parser written", st.Response)
	assert.True(t, st.AgentResults["code-specialist"].Success)
	assert.NotNil(t, st.FinishedAt)

	got, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, got.State)

	cps, err := h.sessions.Checkpoints(ctx, sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, cps)
	snap, err := statusFromStateData(cps[len(cps)-1].StateData)
	require.NoError(t, err)
	assert.Equal(t, sub.TaskID, snap.TaskID)
	assert.Equal(t, StateCompleted, snap.State)

	select {
	case done := <-h.finished:
		assert.Equal(t, sub.TaskID, done.TaskID)
	case <-time.After(time.Second):
		t.Fatal("finish hook not called")
	}

	types := eventTypes(h.events, sub.TaskID)
	require.NotEmpty(t, types)
	assert.Equal(t, streaming.EventTaskStarted, types[0])
	assert.Equal(t, streaming.EventTaskCompleted, types[len(types)-1])
}

func TestSharedSessionKeepsItsState(t *testing.T) {
	exec := &fakeExecutor{def: succeed("ok")}
	h := newHarness(t, exec, DefaultConfig())
	ctx := context.Background()
	sess := h.session(t, session.TypeChat)

	sub, err := h.sup.Submit(ctx, Submission{UserID: "user-1", SessionID: sess.ID, Request: "hi", Decision: decision(2, "general-assistant")})
	require.NoError(t, err)
	waitFor(t, h.sup, sub.TaskID, inState(StateCompleted))

	got, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, got.State)
	assert.Equal(t, 0.0, got.Progress)
	require.Len(t, got.Checkpoints, 1)
}

func TestRecoveryLadderExhaustsToFailed(t *testing.T) {
	exec := &fakeExecutor{def: fail("boom")}
	h := newHarness(t, exec, DefaultConfig())
	ctx := context.Background()
	sess := h.session(t, session.TypeChat)

	sub, err := h.sup.Submit(ctx, Submission{
		UserID:      "user-1",
		SessionID:   sess.ID,
		OwnsSession: true,
		Request:     "Build the billing service. Then deploy it to every region.",
		Decision:    decision(30, "code-specialist"),
	})
	require.NoError(t, err)

	st := waitFor(t, h.sup, sub.TaskID, inState(StateFailed))
	assert.Equal(t, 3, st.RecoveryAttempts)
	assert.Equal(t, []string{AdaptFallbackAgent, AdaptSimplified, AdaptEscalateLead}, adaptationKinds(st))
	assert.Contains(t, st.Error, "auto-recovery exhausted")
	for i, a := range st.Adaptations {
		assert.Equal(t, i+1, a.Attempt)
		assert.Equal(t, "boom", a.Error)
	}

	calls := exec.snapshot()
	require.Len(t, calls, 4)
	assert.Equal(t, []string{"code-specialist"}, calls[0].decision.SelectedAgents)
	assert.Equal(t, []string{"debug-specialist"}, calls[1].decision.SelectedAgents)
	assert.Equal(t, []string{"code-specialist"}, calls[2].decision.SelectedAgents)
	assert.Equal(t, "Build the billing service.", calls[2].req.Message)
	assert.Equal(t, []string{"project-coordinator"}, calls[3].decision.SelectedAgents)
	assert.Equal(t, "boom", calls[3].req.Context["previous_failure"])
	assert.True(t, strings.Contains(calls[3].req.Message, "A previous attempt failed: boom"))

	got, _ := h.sessions.Get(ctx, sess.ID)
	assert.Equal(t, session.StateFailed, got.State)
	assert.Contains(t, eventTypes(h.events, sub.TaskID), streaming.EventTaskFailed)
}

func TestRecoveryFallsBackToFallbackAgent(t *testing.T) {
	exec := &fakeExecutor{steps: []step{fail("primary down")}, def: succeed("from fallback")}
	h := newHarness(t, exec, DefaultConfig())
	sess := h.session(t, session.TypeChat)

	sub, err := h.sup.Submit(context.Background(), Submission{UserID: "user-1", SessionID: sess.ID, OwnsSession: true, Request: "fix it", Decision: decision(5, "code-specialist")})
	require.NoError(t, err)

	st := waitFor(t, h.sup, sub.TaskID, inState(StateCompleted))
	assert.Equal(t, 1, st.RecoveryAttempts)
	assert.Equal(t, []string{AdaptFallbackAgent}, adaptationKinds(st))
	assert.Equal(t, "from fallback", st.Response)
	assert.Contains(t, eventTypes(h.events, sub.TaskID), streaming.EventTaskAdapted)
}

func TestOverrunWithLowProgressTriggersRecovery(t *testing.T) {
	exec := &fakeExecutor{def: block(1, 4, nil)}
	h := newHarness(t, exec, DefaultConfig())
	ctx := context.Background()
	sess := h.session(t, session.TypeLongRunning, session.WithMaxRuntime(3*time.Hour))

	sub, err := h.sup.Submit(ctx, Submission{
		UserID:      "user-1",
		SessionID:   sess.ID,
		OwnsSession: true,
		Request:     "migrate the database",
		Decision:    decision(60, "code-specialist"),
		Deadline:    sess.ExpiresAt,
	})
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Hour), sub.EstimatedCompletion)
	waitFor(t, h.sup, sub.TaskID, func(st *Status) bool { return st.Progress == 25 })

	h.clk.Advance(61 * time.Minute)
	h.sup.Tick(ctx)

	st, err := h.sup.Status(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.RecoveryAttempts)
	require.Len(t, st.Adaptations, 1)
	assert.Equal(t, "overrun", st.Adaptations[0].Trigger)
	assert.Equal(t, AdaptFallbackAgent, st.Adaptations[0].Kind)
	assert.NotContains(t, adaptationKinds(st), AdaptExtendTime)
	assert.Equal(t, h.clk.Now().Add(time.Hour), st.EstimatedCompletion)
	assert.True(t, st.State.Running())

	require.Eventually(t, func() bool { return len(exec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"debug-specialist"}, exec.snapshot()[1].decision.SelectedAgents)

	got, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, got.State)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, epoch.Add(3*time.Hour), *got.ExpiresAt)
}

func TestRecoveryStaysInsideSessionWindow(t *testing.T) {
	exec := &fakeExecutor{def: block(1, 4, nil)}
	h := newHarness(t, exec, DefaultConfig())
	ctx := context.Background()
	sess := h.session(t, session.TypeLongRunning, session.WithMaxRuntime(2*time.Hour))
	expires := epoch.Add(2 * time.Hour)

	sub, err := h.sup.Submit(ctx, Submission{
		UserID:      "user-1",
		SessionID:   sess.ID,
		OwnsSession: true,
		Request:     "migrate the database",
		Decision:    decision(60, "code-specialist"),
		Deadline:    sess.ExpiresAt,
	})
	require.NoError(t, err)
	require.NotNil(t, sub.Deadline)
	assert.Equal(t, expires, *sub.Deadline)
	waitFor(t, h.sup, sub.TaskID, func(st *Status) bool { return st.Progress == 25 })

	h.clk.Advance(61 * time.Minute)
	h.sup.Tick(ctx)

	st, err := h.sup.Status(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.RecoveryAttempts)
	assert.Equal(t, expires, st.EstimatedCompletion)
	got, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, expires, *got.ExpiresAt)
	require.Eventually(t, func() bool { return len(exec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	h.clk.Advance(time.Hour)
	h.sup.Tick(ctx)

	st, err = h.sup.Status(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Error, "session max runtime exhausted")
	assert.Equal(t, 1, st.RecoveryAttempts)
	assert.Equal(t, []string{AdaptFallbackAgent}, adaptationKinds(st))
	assert.Len(t, exec.snapshot(), 2)

	got, err = h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.State.Terminal())
	assert.Equal(t, expires, *got.ExpiresAt)

	// The cancelled attempt returning late neither relaunches nor fails again.
	assert.Never(t, func() bool { return len(exec.snapshot()) > 2 }, 100*time.Millisecond, 10*time.Millisecond)
	failed := 0
	for _, typ := range eventTypes(h.events, sub.TaskID) {
		if typ == streaming.EventTaskFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestOverrunPastMaxRuntimeFailsWithoutExtending(t *testing.T) {
	exec := &fakeExecutor{def: block(1, 4, nil)}
	h := newHarness(t, exec, DefaultConfig())
	ctx := context.Background()
	sess := h.session(t, session.TypeLongRunning, session.WithMaxRuntime(time.Hour))

	sub, err := h.sup.Submit(ctx, Submission{UserID: "user-1", SessionID: sess.ID, OwnsSession: true, Request: "migrate the database", Decision: decision(120, "code-specialist"), Deadline: sess.ExpiresAt})
	require.NoError(t, err)
	waitFor(t, h.sup, sub.TaskID, func(st *Status) bool { return st.Progress == 25 })

	for i := 0; i < 3; i++ {
		h.clk.Advance(61 * time.Minute)
		h.sup.Tick(ctx)
	}

	st, err := h.sup.Status(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, 0, st.RecoveryAttempts)
	assert.Contains(t, st.Error, "session max runtime exhausted")
	assert.Contains(t, st.Error, "overran estimate")
	assert.NotContains(t, adaptationKinds(st), AdaptExtendTime)
	assert.Len(t, exec.snapshot(), 1)

	got, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.State.Terminal())
	assert.Equal(t, epoch.Add(time.Hour), *got.ExpiresAt)
}

func TestOverrunWithHighProgressExtendsDeadline(t *testing.T) {
	exec := &fakeExecutor{def: block(3, 4, nil)}
	h := newHarness(t, exec, DefaultConfig())
	ctx := context.Background()
	sess := h.session(t, session.TypeLongRunning, session.WithMaxRuntime(time.Hour))

	sub, err := h.sup.Submit(ctx, Submission{UserID: "user-1", SessionID: sess.ID, OwnsSession: true, Request: "index the corpus", Decision: decision(60, "research-specialist"), Deadline: sess.ExpiresAt})
	require.NoError(t, err)
	waitFor(t, h.sup, sub.TaskID, func(st *Status) bool { return st.Progress == 75 })

	h.clk.Advance(61 * time.Minute)
	h.sup.Tick(ctx)

	st, err := h.sup.Status(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 0, st.RecoveryAttempts)
	assert.Equal(t, []string{AdaptExtendTime}, adaptationKinds(st))
	assert.Equal(t, epoch.Add(90*time.Minute), st.EstimatedCompletion)
	assert.Len(t, exec.snapshot(), 1)

	got, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, got.State)
	assert.True(t, got.ExpiresAt.After(epoch.Add(90*time.Minute)))
	require.NotNil(t, st.Deadline)
	assert.Equal(t, *got.ExpiresAt, *st.Deadline)

	// The next tick inside the new window changes nothing.
	h.clk.Advance(10 * time.Minute)
	h.sup.Tick(ctx)
	st, _ = h.sup.Status(ctx, sub.TaskID)
	assert.Len(t, st.Adaptations, 1)
}

func submitStuck(t *testing.T, h *harness) (*Status, *session.Session) {
	t.Helper()
	sess := h.session(t, session.TypeLongRunning, session.WithMaxRuntime(4*time.Hour))
	sub, err := h.sup.Submit(context.Background(), Submission{
		UserID:      "user-1",
		SessionID:   sess.ID,
		OwnsSession: true,
		Request:     "audit every repository",
		Decision:    decision(240, "code-specialist"),
		Deadline:    sess.ExpiresAt,
	})
	require.NoError(t, err)
	return sub, sess
}

func TestStuckTaskIsSuspended(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{steps: []step{block(0, 0, release)}, def: succeed("done")}
	h := newHarness(t, exec, DefaultConfig())
	ctx := context.Background()
	sub, sess := submitStuck(t, h)

	h.clk.Advance(61 * time.Minute)
	h.sup.Tick(ctx)

	st, err := h.sup.Status(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, st.State)
	assert.True(t, st.RequiresHumanApproval)
	assert.Equal(t, []string{AdaptSuspend}, adaptationKinds(st))

	got, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateSuspended, got.State)
	cps, err := h.sessions.Checkpoints(ctx, sess.ID)
	require.NoError(t, err)
	last := cps[len(cps)-1]
	assert.Equal(t, "stuck task diagnostic", last.Description)
	assert.Contains(t, last.StateData, "diagnostic")

	// The in-flight attempt failing later does not start recovery.
	close(release)
	assert.Never(t, func() bool {
		st, _ := h.sup.Status(ctx, sub.TaskID)
		return st.RecoveryAttempts > 0 || st.State != StateSuspended
	}, 100*time.Millisecond, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		h.clk.Advance(time.Hour)
		h.sup.Tick(ctx)
	}
	st, _ = h.sup.Status(ctx, sub.TaskID)
	assert.Equal(t, StateSuspended, st.State)
	assert.Equal(t, 0, st.RecoveryAttempts)
	assert.Len(t, exec.snapshot(), 1)
	assert.Contains(t, eventTypes(h.events, sub.TaskID), streaming.EventTaskSuspended)
}

func TestResumeSuspendedTask(t *testing.T) {
	exec := &fakeExecutor{steps: []step{block(0, 0, nil)}, def: succeed("audited")}
	h := newHarness(t, exec, DefaultConfig())
	ctx := context.Background()
	sub, sess := submitStuck(t, h)

	h.clk.Advance(61 * time.Minute)
	h.sup.Tick(ctx)
	st, _ := h.sup.Status(ctx, sub.TaskID)
	require.Equal(t, StateSuspended, st.State)

	resumed, err := h.sup.ResumeTask(ctx, sub.TaskID, "")
	require.NoError(t, err)
	assert.False(t, resumed.RequiresHumanApproval)
	assert.Equal(t, AdaptResume, resumed.Adaptations[len(resumed.Adaptations)-1].Kind)
	assert.Equal(t, h.clk.Now(), resumed.RunningSince)

	st = waitFor(t, h.sup, sub.TaskID, inState(StateCompleted))
	assert.Equal(t, "audited", st.Response)
	assert.Len(t, exec.snapshot(), 2)

	got, _ := h.sessions.Get(ctx, sess.ID)
	assert.Equal(t, session.StateCompleted, got.State)
	assert.Contains(t, eventTypes(h.events, sub.TaskID), streaming.EventTaskResumed)
}

func TestResumeRejectsRunningAndCompleted(t *testing.T) {
	exec := &fakeExecutor{steps: []step{block(0, 0, nil)}, def: succeed("ok")}
	h := newHarness(t, exec, DefaultConfig())
	ctx := context.Background()
	sess := h.session(t, session.TypeChat)

	running, err := h.sup.Submit(ctx, Submission{UserID: "user-1", SessionID: sess.ID, Request: "a", Decision: decision(5, "code-specialist")})
	require.NoError(t, err)
	_, err = h.sup.ResumeTask(ctx, running.TaskID, "")
	assert.ErrorIs(t, err, ErrTaskRunning)

	done, err := h.sup.Submit(ctx, Submission{UserID: "user-1", SessionID: sess.ID, Request: "b", Decision: decision(5, "code-specialist")})
	require.NoError(t, err)
	waitFor(t, h.sup, done.TaskID, inState(StateCompleted))
	_, err = h.sup.ResumeTask(ctx, done.TaskID, "")
	assert.ErrorIs(t, err, ErrTaskCompleted)

	_, err = h.sup.ResumeTask(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestPurgedTaskIsRebuiltOnResume(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAutoRecovery = 0
	exec := &fakeExecutor{steps: []step{fail("boom")}, def: succeed("second time lucky")}
	h := newHarness(t, exec, cfg)
	ctx := context.Background()
	sess := h.session(t, session.TypeChat)

	sub, err := h.sup.Submit(ctx, Submission{UserID: "user-1", SessionID: sess.ID, OwnsSession: true, Request: "generate report", Decision: decision(10, "research-specialist")})
	require.NoError(t, err)
	waitFor(t, h.sup, sub.TaskID, inState(StateFailed))

	h.clk.Advance(23 * time.Hour)
	h.sup.Tick(ctx)
	assert.Equal(t, 1, h.sup.Len())

	h.clk.Advance(2 * time.Hour)
	h.sup.Tick(ctx)
	assert.Equal(t, 0, h.sup.Len())

	st, err := h.sup.Status(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)

	_, err = h.sup.ResumeTask(ctx, sub.TaskID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, h.sup.Len())
	st = waitFor(t, h.sup, sub.TaskID, inState(StateCompleted))
	assert.Equal(t, "second time lucky", st.Response)
	assert.Equal(t, "generate report", exec.snapshot()[1].req.Message)
}

func TestRejectedResumeAfterRestartLeavesNoTask(t *testing.T) {
	exec := &fakeExecutor{steps: []step{block(0, 0, nil)}, def: succeed("ran anyway")}
	h := newHarness(t, exec, DefaultConfig())
	ctx := context.Background()
	sess := h.session(t, session.TypeChat)

	sub, err := h.sup.Submit(ctx, Submission{UserID: "user-1", SessionID: sess.ID, OwnsSession: true, Request: "reindex search", Decision: decision(10, "code-specialist")})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(exec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	h.sup.Stop()

	restarted := h.supervisor(t, exec, DefaultConfig())
	_, err = restarted.ResumeTask(ctx, sub.TaskID, "no-such-checkpoint")
	assert.ErrorIs(t, err, session.ErrCheckpointNotFound)
	assert.Equal(t, 0, restarted.Len())

	h.clk.Advance(11 * time.Minute)
	restarted.Tick(ctx)
	assert.Equal(t, 0, restarted.Len())
	assert.Len(t, exec.snapshot(), 1)

	st, err := restarted.Status(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StateExecuting, st.State)
	assert.Empty(t, st.Adaptations)

	// A valid resume still rebuilds the task.
	_, err = restarted.ResumeTask(ctx, sub.TaskID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, restarted.Len())
	st = waitFor(t, restarted, sub.TaskID, inState(StateCompleted))
	assert.Equal(t, "ran anyway", st.Response)
}

func TestPeriodicCheckpoint(t *testing.T) {
	exec := &fakeExecutor{def: block(0, 0, nil)}
	h := newHarness(t, exec, DefaultConfig())
	ctx := context.Background()
	sess := h.session(t, session.TypeChat)

	sub, err := h.sup.Submit(ctx, Submission{UserID: "user-1", SessionID: sess.ID, OwnsSession: true, Request: "crawl", Decision: decision(120, "exploration-agent")})
	require.NoError(t, err)

	h.clk.Advance(4 * time.Minute)
	h.sup.Tick(ctx)
	cps, _ := h.sessions.Checkpoints(ctx, sess.ID)
	assert.Empty(t, cps)

	h.clk.Advance(time.Minute)
	h.sup.Tick(ctx)
	cps, _ = h.sessions.Checkpoints(ctx, sess.ID)
	require.Len(t, cps, 1)
	assert.Equal(t, "periodic checkpoint", cps[0].Description)

	st, _ := h.sup.Status(ctx, sub.TaskID)
	assert.Equal(t, cps[0].ID, st.LastCheckpointID)
	assert.Equal(t, StateExecuting, st.State)
	assert.Contains(t, eventTypes(h.events, sub.TaskID), streaming.EventTaskCheckpointed)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, &fakeExecutor{def: succeed("x")}, DefaultConfig())
	_, err := h.sup.Submit(context.Background(), Submission{UserID: "u", Decision: intelligence.Decision{}})
	assert.ErrorIs(t, err, collaboration.ErrNoAgents)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, &fakeExecutor{def: succeed("x")}, DefaultConfig())
	h.sup.Start()
	h.sup.Stop()
	h.sup.Stop()
	_, err := h.sup.Submit(context.Background(), Submission{Decision: decision(1, "a")})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSimplify(t *testing.T) {
	assert.Equal(t, "Build the service.", simplify("Build the service. Then deploy it."))
	assert.Equal(t, "Why does it crash?", simplify("Why does it crash? It worked yesterday."))
	assert.Equal(t, "first line", simplify("first line\nsecond line"))
	long := strings.Repeat("word ", 60)
	assert.Len(t, strings.Fields(simplify(long)), simplifiedWords)
	assert.Equal(t, "", simplify("   "))
}
