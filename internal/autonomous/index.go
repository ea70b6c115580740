package autonomous

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/store"
)

const (
	taskPrefix = "task:"
	metaKind   = "kind"
	kindTask   = "task"
)

// saveLocked writes the task index record. Failures are logged only; the
// checkpoint log remains the source for resume.
func (s *Supervisor) saveLocked(ctx context.Context, t *task) {
	if s.store == nil {
		return
	}
	data, err := json.Marshal(t.st)
	if err != nil {
		s.logger.Error("Failed to encode task", zap.String("task_id", t.st.TaskID), zap.Error(err))
		return
	}
	meta := map[string]string{
		metaKind:     kindTask,
		"session_id": t.st.SessionID,
		"user_id":    t.st.UserID,
		"state":      string(t.st.State),
	}
	if err := s.store.Put(ctx, taskPrefix+t.st.TaskID, data, meta); err != nil {
		metrics.PersistenceFailures.WithLabelValues("task_put").Inc()
		s.logger.Warn("Failed to persist task index",
			zap.String("task_id", t.st.TaskID),
			zap.Error(err),
		)
	}
}

func (s *Supervisor) loadIndex(ctx context.Context, taskID string) (*Status, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	key := taskPrefix + taskID
	recs, err := s.store.Search(ctx, store.Query{Prefix: key, Match: map[string]string{metaKind: kindTask}})
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	for _, r := range recs {
		if r.Key != key {
			continue
		}
		var st Status
		if err := json.Unmarshal(r.Data, &st); err != nil {
			metrics.CorruptRecords.Inc()
			return nil, fmt.Errorf("decode task %s: %w", taskID, err)
		}
		if st.AgentResults == nil {
			st.AgentResults = map[string]agents.Result{}
		}
		return &st, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

func (s *Supervisor) forgetIndex(ctx context.Context, taskID string) {
	if s.store == nil {
		return
	}
	if err := s.store.Delete(ctx, taskPrefix+taskID); err != nil {
		s.logger.Debug("Failed to delete task index", zap.String("task_id", taskID), zap.Error(err))
	}
}
