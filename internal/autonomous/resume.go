package autonomous

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/collaboration"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/session"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

// ResumeTask restarts a suspended or failed task from a checkpoint (the
// latest one when checkpointID is empty). A task no longer in the active
// table is rebuilt from the task snapshot the checkpoint carries.
func (s *Supervisor) ResumeTask(ctx context.Context, taskID, checkpointID string) (*Status, error) {
	if s.stopped() {
		return nil, ErrStopped
	}
	t := s.lookup(taskID)
	adopted := false
	if t == nil {
		st, err := s.loadIndex(ctx, taskID)
		if err != nil {
			return nil, err
		}
		t, adopted = s.adopt(st)
	}

	if !adopted {
		t.mu.Lock()
	}
	defer t.mu.Unlock()
	st := t.st
	switch {
	case t.detached:
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	case st.State == StateCompleted:
		s.detachLocked(t, adopted)
		return nil, fmt.Errorf("%w: %s", ErrTaskCompleted, taskID)
	case st.State.Running() && !adopted:
		return nil, fmt.Errorf("%w: %s", ErrTaskRunning, taskID)
	}

	cp, err := s.resumeSessionLocked(ctx, st, checkpointID)
	if err != nil {
		s.detachLocked(t, adopted)
		if errors.Is(err, session.ErrSessionNotFound) {
			s.forgetIndex(ctx, taskID)
		}
		return nil, err
	}
	if cp != nil {
		snap, err := statusFromStateData(cp.StateData)
		switch {
		case err != nil:
			s.logger.Debug("Checkpoint carries no usable task snapshot",
				zap.String("checkpoint_id", cp.ID),
				zap.Error(err),
			)
		case snap.TaskID == st.TaskID:
			st.Progress = snap.Progress
			st.CurrentPhase = snap.CurrentPhase
			if len(snap.AgentResults) > 0 {
				st.AgentResults = snap.AgentResults
			}
		}
	}

	now := s.clock.Now()
	detail := "resumed without checkpoint"
	extra := map[string]interface{}{}
	if cp != nil {
		detail = "resumed from checkpoint " + cp.ID
		extra["resumed_from"] = cp.ID
	}
	if prior := collaboration.Synthesize(priorResults(st)); prior != "" {
		extra["previous_output"] = prior
	}
	st.RequiresHumanApproval = false
	st.RecoveryAttempts = 0
	st.Error = ""
	st.Response = ""
	st.FinishedAt = nil
	st.RunningSince = now
	st.EstimatedCompletion = now.Add(st.OriginalEstimate)
	st.LastCheckpointAt = now
	st.Adaptations = append(st.Adaptations, Adaptation{
		Kind:      AdaptResume,
		Trigger:   "human",
		Detail:    detail,
		Timestamp: now,
	})
	metrics.TaskAdaptations.WithLabelValues(AdaptResume).Inc()
	if st.OwnsSession {
		sess, err := s.sessions.ExtendExpiry(ctx, st.SessionID, st.OriginalEstimate)
		if err != nil {
			s.logger.Debug("Session expiry not extended", zap.String("session_id", st.SessionID), zap.Error(err))
		} else if sess.ExpiresAt != nil {
			st.Deadline = sess.ExpiresAt
		}
	}
	st.EstimatedCompletion = capAt(st.EstimatedCompletion, st.Deadline)

	s.emit(st, streaming.EventTaskResumed, detail, map[string]interface{}{
		"progress_percentage": st.Progress,
		"rebuilt":             adopted,
	})
	s.logger.Info("Autonomous task resumed",
		zap.String("task_id", st.TaskID),
		zap.String("session_id", st.SessionID),
		zap.Bool("rebuilt", adopted),
		zap.Float64("progress", st.Progress),
	)
	s.launchLocked(t, st.Decision, st.Request, extra, "resumed")
	s.saveLocked(ctx, t)
	t.publish()
	return st.clone(), nil
}

// adopt inserts a task rebuilt from the index unless another caller got
// there first. An adopted task is returned with t.mu held, so nothing acts on
// it before the resume is validated.
func (s *Supervisor) adopt(st *Status) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[st.TaskID]; ok {
		return t, false
	}
	t := &task{st: st}
	t.mu.Lock()
	t.publish()
	s.tasks[st.TaskID] = t
	if !st.State.Terminal() {
		metrics.TasksActive.Inc()
	}
	return t, true
}

// detachLocked takes back an adoption whose resume was rejected. Caller
// holds t.mu.
func (s *Supervisor) detachLocked(t *task, adopted bool) {
	if !adopted {
		return
	}
	t.detached = true
	s.mu.Lock()
	if s.tasks[t.st.TaskID] == t {
		delete(s.tasks, t.st.TaskID)
		if !t.st.State.Terminal() {
			metrics.TasksActive.Dec()
		}
	}
	s.mu.Unlock()
}

func (s *Supervisor) resumeSessionLocked(ctx context.Context, st *Status, checkpointID string) (*session.Checkpoint, error) {
	if st.OwnsSession {
		_, cp, err := s.sessions.Resume(ctx, st.SessionID, checkpointID)
		if err != nil {
			return nil, fmt.Errorf("resume session %s: %w", st.SessionID, err)
		}
		return cp, nil
	}

	// A shared session holds checkpoints of other tasks too.
	cps, err := s.sessions.Checkpoints(ctx, st.SessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints of %s: %w", st.SessionID, err)
	}
	var best *session.Checkpoint
	for i := range cps {
		c := &cps[i]
		if checkpointID != "" {
			if c.ID == checkpointID {
				return c, nil
			}
			continue
		}
		snap, err := statusFromStateData(c.StateData)
		if err != nil || snap.TaskID != st.TaskID {
			continue
		}
		if best == nil || c.Timestamp.After(best.Timestamp) {
			best = c
		}
	}
	if checkpointID != "" {
		return nil, fmt.Errorf("%w: %s", session.ErrCheckpointNotFound, checkpointID)
	}
	return best, nil
}

// priorResults orders the successful results by the decision's agent order.
func priorResults(st *Status) []agents.Result {
	rank := make(map[string]int, len(st.Decision.SelectedAgents))
	for i, id := range st.Decision.SelectedAgents {
		rank[id] = i
	}
	out := make([]agents.Result, 0, len(st.AgentResults))
	for _, r := range st.AgentResults {
		if r.Success {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, iok := rank[out[i].AgentID]
		rj, jok := rank[out[j].AgentID]
		if iok != jok {
			return iok
		}
		if ri != rj {
			return ri < rj
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}
