package autonomous

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/session"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

// Tick applies the supervisory policies to every task once: stuck-task
// detection, overrun handling, periodic checkpoints and terminal cleanup.
func (s *Supervisor) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.SupervisorTickDuration.Observe(time.Since(start).Seconds())
	}()
	cfg := s.Config()
	now := s.clock.Now()

	var purge []string
	for _, t := range s.snapshotTasks() {
		expired, finished := s.supervise(ctx, t, cfg, now)
		s.finished(finished)
		if expired != "" {
			purge = append(purge, expired)
		}
	}
	if len(purge) == 0 {
		return
	}
	s.mu.Lock()
	for _, id := range purge {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	if s.onPurge != nil {
		for _, id := range purge {
			s.onPurge(id)
		}
	}
	s.logger.Info("Purged terminal tasks", zap.Int("count", len(purge)))
}

// supervise returns the task id when it should be purged, and the final
// status when this tick drove it terminal.
func (s *Supervisor) supervise(ctx context.Context, t *task, cfg Config, now time.Time) (string, *Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.st
	if t.detached {
		return "", nil
	}

	if st.State.Terminal() {
		if st.FinishedAt != nil && now.Sub(*st.FinishedAt) > cfg.TerminalRetention {
			t.detached = true
			return st.TaskID, nil
		}
		return "", nil
	}
	// Suspended tasks wait for a human.
	if st.State == StateSuspended {
		return "", nil
	}

	running := now.Sub(st.RunningSince)
	if running > cfg.StuckAfter && st.Progress < cfg.StuckProgress {
		s.suspendLocked(ctx, t, running)
		t.publish()
		return "", nil
	}

	if now.After(st.EstimatedCompletion) {
		if st.Progress > cfg.OverrunExtendProgress {
			s.extendLocked(ctx, t, now)
		} else {
			cause := fmt.Sprintf("overran estimate by %s at %.0f%% progress",
				now.Sub(st.EstimatedCompletion).Round(time.Second), st.Progress)
			s.recoverLocked(ctx, t, "overrun", cause)
		}
	}

	if st.State.Running() && now.Sub(st.LastCheckpointAt) >= cfg.CheckpointInterval {
		s.checkpointLocked(ctx, t, "periodic checkpoint", nil)
	}
	t.publish()
	if st.State.Terminal() {
		return "", st.clone()
	}
	return "", nil
}

// suspendLocked parks a stuck task for human disposition and writes a
// diagnostic checkpoint.
func (s *Supervisor) suspendLocked(ctx context.Context, t *task, running time.Duration) {
	st := t.st
	now := s.clock.Now()
	detail := fmt.Sprintf("no meaningful progress (%.0f%%) after %s", st.Progress, running.Round(time.Second))
	st.RequiresHumanApproval = true
	st.Adaptations = append(st.Adaptations, Adaptation{
		Kind:      AdaptSuspend,
		Trigger:   "stuck",
		Detail:    detail,
		Timestamp: now,
	})
	s.setStateLocked(t, StateSuspended)
	metrics.TaskAdaptations.WithLabelValues(AdaptSuspend).Inc()

	diagnostic := map[string]interface{}{
		"reason":            detail,
		"running_seconds":   running.Seconds(),
		"active_agents":     st.ActiveAgents,
		"recovery_attempts": st.RecoveryAttempts,
		"current_phase":     st.CurrentPhase,
	}
	if st.OwnsSession {
		suspended := session.StateSuspended
		data := checkpointData(st)
		data["diagnostic"] = diagnostic
		s.updateSessionLocked(ctx, t, session.Patch{
			State:       &suspended,
			Checkpoint:  true,
			Description: "stuck task diagnostic",
			StateData:   data,
		})
	} else {
		s.checkpointLocked(ctx, t, "stuck task diagnostic", map[string]interface{}{"diagnostic": diagnostic})
	}
	s.saveLocked(ctx, t)
	s.emit(st, streaming.EventTaskSuspended, detail, map[string]interface{}{
		"requires_human_approval": true,
	})
	s.logger.Warn("Task suspended pending human approval",
		zap.String("task_id", st.TaskID),
		zap.Duration("running", running),
		zap.Float64("progress", st.Progress),
	)
}

// extendLocked pushes the deadline out by half the original estimate.
func (s *Supervisor) extendLocked(ctx context.Context, t *task, now time.Time) {
	st := t.st
	ext := st.OriginalEstimate / 2
	if ext <= 0 {
		ext = s.Config().TickInterval
	}
	st.EstimatedCompletion = st.EstimatedCompletion.Add(ext)
	detail := fmt.Sprintf("extended deadline by %s at %.0f%% progress", ext, st.Progress)
	st.Adaptations = append(st.Adaptations, Adaptation{
		Kind:      AdaptExtendTime,
		Trigger:   "overrun",
		Detail:    detail,
		Timestamp: now,
	})
	metrics.TaskAdaptations.WithLabelValues(AdaptExtendTime).Inc()
	if st.OwnsSession {
		sess, err := s.sessions.ExtendExpiry(ctx, st.SessionID, ext)
		if err != nil {
			s.logger.Warn("Session expiry not extended",
				zap.String("task_id", st.TaskID),
				zap.String("session_id", st.SessionID),
				zap.Error(err),
			)
		} else if sess.ExpiresAt != nil {
			st.Deadline = sess.ExpiresAt
		}
	}
	s.emit(st, streaming.EventTaskAdapted, detail, map[string]interface{}{
		"kind":                 AdaptExtendTime,
		"trigger":              "overrun",
		"estimated_completion": st.EstimatedCompletion,
	})
	s.logger.Info("Task deadline extended",
		zap.String("task_id", st.TaskID),
		zap.Duration("extension", ext),
		zap.Time("estimated_completion", st.EstimatedCompletion),
	)
}
