package autonomous

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/collaboration"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/intelligence"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/session"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

// launchLocked starts a new execution attempt, superseding any attempt still
// in flight. Caller holds t.mu.
func (s *Supervisor) launchLocked(t *task, d intelligence.Decision, message string, extra map[string]interface{}, phase string) {
	t.gen++
	gen := t.gen
	if t.cancel != nil {
		t.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	next := StateExecuting
	if len(d.SelectedAgents) > 1 {
		next = StateCollaborating
	}
	s.setStateLocked(t, next)
	t.st.CurrentPhase = phase
	t.st.ActiveAgents = append([]string(nil), d.SelectedAgents...)

	reqCtx := cloneMap(t.st.Context)
	if reqCtx == nil {
		reqCtx = map[string]interface{}{}
	}
	for k, v := range extra {
		reqCtx[k] = v
	}
	req := collaboration.Request{
		TaskID:    t.st.TaskID,
		SessionID: t.st.SessionID,
		Message:   message,
		Context:   reqCtx,
		Hooks:     s.hooks(t, gen),
	}
	go func() {
		defer cancel()
		res, err := s.exec.Execute(ctx, d, req)
		s.finish(t, gen, res, err)
	}()
}

func (s *Supervisor) hooks(t *task, gen int) collaboration.Hooks {
	return collaboration.Hooks{
		Interrupt: func() bool {
			t.mu.Lock()
			defer t.mu.Unlock()
			return t.gen != gen || t.st.State == StateSuspended || s.stopped()
		},
		OnProgress: func(done, total int) {
			s.progress(t, gen, done, total)
		},
		OnAgent: func(ev collaboration.AgentEvent) {
			t.mu.Lock()
			stale, id := t.gen != gen, t.st.TaskID
			t.mu.Unlock()
			if stale || s.events == nil {
				return
			}
			s.events.Publish(id, streaming.Event{
				Type:      ev.Type,
				AgentID:   ev.AgentID,
				Message:   ev.Error,
				Payload:   map[string]interface{}{"slot": ev.Slot},
				Timestamp: s.clock.Now(),
			})
		},
	}
}

// progress maps completed invocations onto the task's percentage. Only
// completion reaches 100.
func (s *Supervisor) progress(t *task, gen, done, total int) {
	if total <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen || !t.st.State.Running() {
		return
	}
	p := math.Min(99, 100*float64(done)/float64(total))
	if p <= t.st.Progress {
		return
	}
	t.st.Progress = p
	if t.st.OwnsSession {
		s.updateSessionLocked(context.Background(), t, session.Patch{Progress: &p, StateData: t.st.stateData()})
	}
	s.emit(t.st, streaming.EventTaskProgress, "", map[string]interface{}{
		"progress_percentage": p,
		"done":                done,
		"total":               total,
	})
	t.publish()
}

// finish applies the outcome of an attempt. Results from superseded attempts,
// or arriving after the task went terminal, are dropped.
func (s *Supervisor) finish(t *task, gen int, res *collaboration.Result, err error) {
	ctx := context.Background()
	t.mu.Lock()
	if t.gen != gen || s.stopped() || t.st.State.Terminal() {
		t.mu.Unlock()
		s.logger.Debug("Dropping result of superseded attempt", zap.Int("generation", gen))
		return
	}
	t.cancel = nil
	if res != nil {
		for _, r := range res.AgentResults {
			t.st.AgentResults[r.AgentID] = r
		}
	}
	if t.st.State == StateSuspended {
		s.logger.Info("Attempt finished while task suspended",
			zap.String("task_id", t.st.TaskID),
			zap.Bool("success", err == nil && res != nil && res.Success),
		)
		t.publish()
		t.mu.Unlock()
		return
	}

	if err == nil && res != nil && res.Success {
		s.completeLocked(ctx, t, res)
	} else {
		cause := "execution failed"
		if err != nil {
			cause = err.Error()
		}
		s.recoverLocked(ctx, t, "execution_error", cause)
	}
	t.publish()
	var finished *Status
	if t.st.State.Terminal() {
		finished = t.st.clone()
	}
	t.mu.Unlock()
	s.finished(finished)
}

func (s *Supervisor) finished(st *Status) {
	if st == nil || s.onFinish == nil {
		return
	}
	s.onFinish(*st)
}

func (s *Supervisor) completeLocked(ctx context.Context, t *task, res *collaboration.Result) {
	now := s.clock.Now()
	t.st.Progress = 100
	t.st.Response = res.Response
	t.st.Error = ""
	t.st.FinishedAt = &now
	t.st.ActiveAgents = nil
	s.setStateLocked(t, StateCompleted)
	s.closeSessionLocked(ctx, t, session.StateCompleted, "task completed")
	s.saveLocked(ctx, t)
	s.emit(t.st, streaming.EventTaskCompleted, "task completed", map[string]interface{}{
		"strategy":          string(res.Strategy),
		"recovery_attempts": t.st.RecoveryAttempts,
	})
	s.logger.Info("Autonomous task completed",
		zap.String("task_id", t.st.TaskID),
		zap.String("strategy", string(res.Strategy)),
		zap.Int("recovery_attempts", t.st.RecoveryAttempts),
	)
}

func (s *Supervisor) failLocked(ctx context.Context, t *task, cause string) {
	now := s.clock.Now()
	t.st.Error = cause
	t.st.FinishedAt = &now
	t.st.ActiveAgents = nil
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	s.setStateLocked(t, StateFailed)
	s.closeSessionLocked(ctx, t, session.StateFailed, "task failed: "+cause)
	s.saveLocked(ctx, t)
	s.emit(t.st, streaming.EventTaskFailed, cause, map[string]interface{}{
		"adaptations":       t.st.Adaptations,
		"recovery_attempts": t.st.RecoveryAttempts,
	})
	s.logger.Error("Autonomous task failed",
		zap.String("task_id", t.st.TaskID),
		zap.Int("recovery_attempts", t.st.RecoveryAttempts),
		zap.Int("adaptations", len(t.st.Adaptations)),
		zap.String("error", cause),
	)
}

// recoverLocked starts the next auto-recovery attempt, or fails the task
// once the budget or the session window is spent. Recovery never moves the
// session expiry.
func (s *Supervisor) recoverLocked(ctx context.Context, t *task, trigger, cause string) {
	now := s.clock.Now()
	if dl := t.st.Deadline; dl != nil && !now.Before(*dl) {
		s.failLocked(ctx, t, "session max runtime exhausted after "+strconv.Itoa(t.st.RecoveryAttempts)+" recovery attempts: "+cause)
		return
	}
	if t.st.RecoveryAttempts >= t.st.MaxAutoRecovery {
		s.failLocked(ctx, t, "auto-recovery exhausted after "+strconv.Itoa(t.st.RecoveryAttempts)+" attempts: "+cause)
		return
	}
	t.st.RecoveryAttempts++
	n := t.st.RecoveryAttempts
	d, msg, extra, kind, detail := s.recoveryPlan(t.st, n, cause)
	t.st.Adaptations = append(t.st.Adaptations, Adaptation{
		Kind:      kind,
		Attempt:   n,
		Trigger:   trigger,
		Error:     cause,
		Detail:    detail,
		Timestamp: now,
	})
	metrics.RecoveryAttempts.WithLabelValues(strconv.Itoa(n)).Inc()
	metrics.TaskAdaptations.WithLabelValues(kind).Inc()
	s.logger.Warn("Auto-recovery attempt",
		zap.String("task_id", t.st.TaskID),
		zap.Int("attempt", n),
		zap.String("kind", kind),
		zap.String("trigger", trigger),
		zap.String("error", cause),
	)

	// A fresh attempt gets a fresh window, but never past the deadline.
	t.st.EstimatedCompletion = capAt(now.Add(t.st.OriginalEstimate), t.st.Deadline)
	s.emit(t.st, streaming.EventTaskAdapted, detail, map[string]interface{}{
		"kind":    kind,
		"attempt": n,
		"trigger": trigger,
		"error":   cause,
	})
	s.launchLocked(t, d, msg, extra, "recovery-"+strconv.Itoa(n))
}

// recoveryPlan returns what attempt n runs: the first fallback agent, then
// the primary with a simplified request, then the lead with the failure as
// context.
func (s *Supervisor) recoveryPlan(st *Status, n int, cause string) (intelligence.Decision, string, map[string]interface{}, string, string) {
	base := st.Decision
	switch n {
	case 1:
		agent := base.Primary()
		if len(base.FallbackAgents) > 0 {
			agent = base.FallbackAgents[0]
		}
		return single(base, agent), st.Request, nil, AdaptFallbackAgent, "falling back to " + agent
	case 2:
		return single(base, base.Primary()), simplify(st.Request), nil, AdaptSimplified, "retrying with a simplified request"
	default:
		lead := s.leadAgent(base)
		msg := st.Request + "\n\nA previous attempt failed: " + cause
		extra := map[string]interface{}{
			"previous_failure":  cause,
			"previous_attempts": n - 1,
		}
		return single(base, lead), msg, extra, AdaptEscalateLead, "escalating to " + lead
	}
}

func capAt(eta time.Time, deadline *time.Time) time.Time {
	if deadline != nil && deadline.Before(eta) {
		return *deadline
	}
	return eta
}

func single(base intelligence.Decision, agent string) intelligence.Decision {
	d := base.Clone()
	d.SelectedAgents = []string{agent}
	return d
}

const simplifiedWords = 40

// simplify keeps the first sentence of a request, capped in length.
func simplify(request string) string {
	text := strings.TrimSpace(request)
	if i := strings.IndexAny(text, "\n"); i > 0 {
		text = text[:i]
	}
	for _, sep := range []string{". ", "? ", "! "} {
		if i := strings.Index(text, sep); i > 0 {
			text = text[:i+1]
		}
	}
	words := strings.Fields(text)
	if len(words) > simplifiedWords {
		words = words[:simplifiedWords]
	}
	if len(words) == 0 {
		return strings.TrimSpace(request)
	}
	return strings.Join(words, " ")
}

// checkpointData is the state_data written for this task. A shared session's
// progress is not the task's, so it is left out there.
func checkpointData(st *Status) map[string]interface{} {
	data := st.stateData()
	if !st.OwnsSession {
		delete(data, "progress_percentage")
	}
	return data
}

func (s *Supervisor) updateSessionLocked(ctx context.Context, t *task, p session.Patch) {
	sess, err := s.sessions.Update(ctx, t.st.SessionID, p)
	if err != nil {
		s.logger.Warn("Session update failed",
			zap.String("task_id", t.st.TaskID),
			zap.String("session_id", t.st.SessionID),
			zap.Error(err),
		)
		return
	}
	if sess.LastCheckpointAt != nil && len(sess.Checkpoints) > 0 && p.Checkpoint {
		t.st.LastCheckpointID = sess.Checkpoints[len(sess.Checkpoints)-1]
		t.st.LastCheckpointAt = *sess.LastCheckpointAt
	}
}

// checkpointLocked writes an explicit checkpoint of the task.
func (s *Supervisor) checkpointLocked(ctx context.Context, t *task, description string, extra map[string]interface{}) {
	prev := t.st.State
	running := prev.Running()
	if running {
		s.setStateLocked(t, StateCheckpointing)
	}
	data := checkpointData(t.st)
	for k, v := range extra {
		data[k] = v
	}
	cp, err := s.sessions.Checkpoint(ctx, t.st.SessionID, description, data)
	if running {
		s.setStateLocked(t, prev)
	}
	// The interval restarts even when the write fails.
	t.st.LastCheckpointAt = s.clock.Now()
	if err != nil {
		s.logger.Warn("Task checkpoint failed",
			zap.String("task_id", t.st.TaskID),
			zap.String("session_id", t.st.SessionID),
			zap.Error(err),
		)
		return
	}
	t.st.LastCheckpointID = cp.ID
	s.emit(t.st, streaming.EventTaskCheckpointed, description, map[string]interface{}{
		"checkpoint_id":       cp.ID,
		"progress_percentage": cp.Progress,
	})
}

// closeSessionLocked records the terminal checkpoint; an owned session
// follows the task into the terminal state.
func (s *Supervisor) closeSessionLocked(ctx context.Context, t *task, to session.State, description string) {
	if !t.st.OwnsSession {
		s.checkpointLocked(ctx, t, description, nil)
		return
	}
	progress := t.st.Progress
	s.updateSessionLocked(ctx, t, session.Patch{
		State:       &to,
		Progress:    &progress,
		Checkpoint:  true,
		Description: description,
		StateData:   checkpointData(t.st),
	})
}
