package session

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/store"
)

const (
	sessionPrefix    = "session:"
	checkpointPrefix = "checkpoint:"

	metaKind    = "kind"
	metaUser    = "user_id"
	metaType    = "type"
	metaState   = "state"
	metaSession = "session_id"

	kindSession    = "session"
	kindCheckpoint = "checkpoint"
)

func sessionKey(id string) string { return sessionPrefix + id }

func checkpointKeyPrefix(sessionID string) string { return checkpointPrefix + sessionID + ":" }

// checkpointKey sorts lexically in timestamp order.
func checkpointKey(cp *Checkpoint) string {
	return fmt.Sprintf("%s%020d", checkpointKeyPrefix(cp.SessionID), cp.Timestamp.UnixNano())
}

// persist writes the session and any pending checkpoints. Failures are
// logged and leave the entry dirty for the sweep to reconcile. Caller holds e.mu.
func (m *Manager) persist(ctx context.Context, e *entry) {
	if len(e.pending) > 0 {
		remaining := e.pending[:0]
		for _, cp := range e.pending {
			if err := m.putCheckpoint(ctx, cp); err != nil {
				remaining = append(remaining, cp)
			}
		}
		e.pending = remaining
	}

	s := e.s
	data, err := json.Marshal(s)
	if err != nil {
		m.logger.Error("Failed to marshal session", zap.String("session_id", s.ID), zap.Error(err))
		e.dirty = true
		return
	}
	meta := map[string]string{
		metaKind:  kindSession,
		metaUser:  s.UserID,
		metaType:  string(s.Type),
		metaState: string(s.State),
	}
	if err := m.store.Put(ctx, sessionKey(s.ID), data, meta); err != nil {
		metrics.PersistenceFailures.WithLabelValues("session_put").Inc()
		if !e.dirty {
			m.logger.Warn("Session write failed, serving from memory",
				zap.String("session_id", s.ID),
				zap.Error(err),
			)
		}
		e.dirty = true
		return
	}
	if e.dirty {
		m.logger.Info("Session reconciled with store", zap.String("session_id", s.ID))
	}
	e.dirty = false
}

func (m *Manager) putCheckpoint(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	meta := map[string]string{metaKind: kindCheckpoint, metaSession: cp.SessionID}
	if err := m.store.Put(ctx, checkpointKey(cp), data, meta); err != nil {
		metrics.PersistenceFailures.WithLabelValues("checkpoint_put").Inc()
		m.logger.Warn("Checkpoint write failed, will retry",
			zap.String("session_id", cp.SessionID),
			zap.String("checkpoint_id", cp.ID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (m *Manager) loadSession(ctx context.Context, id string) (*Session, error) {
	key := sessionKey(id)
	recs, err := m.store.Search(ctx, store.Query{Prefix: key, Match: map[string]string{metaKind: kindSession}})
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("session_get").Inc()
		return nil, fmt.Errorf("%w: %s (store unavailable: %v)", ErrSessionNotFound, id, err)
	}
	for _, r := range recs {
		if r.Key != key {
			continue
		}
		s, err := decodeSession(r)
		if err != nil {
			m.corrupt(r.Key, err)
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// ensureCheckpoints loads the checkpoint log for a session adopted from the
// store. Caller holds e.mu.
func (m *Manager) ensureCheckpoints(ctx context.Context, e *entry) {
	if e.cpLoaded {
		return
	}
	recs, err := m.store.Search(ctx, store.Query{
		Prefix: checkpointKeyPrefix(e.s.ID),
		Match:  map[string]string{metaKind: kindCheckpoint},
	})
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("checkpoint_search").Inc()
		m.logger.Warn("Checkpoint log unavailable", zap.String("session_id", e.s.ID), zap.Error(err))
		return
	}
	loaded := make([]*Checkpoint, 0, len(recs))
	for _, r := range recs {
		var cp Checkpoint
		if err := json.Unmarshal(r.Data, &cp); err != nil || cp.ID == "" {
			m.corrupt(r.Key, err)
			continue
		}
		loaded = append(loaded, &cp)
	}
	// Checkpoints written while the log was not loaded come after the stored ones.
	seen := make(map[string]bool, len(loaded))
	for _, cp := range loaded {
		seen[cp.ID] = true
	}
	for _, cp := range e.checkpoints {
		if !seen[cp.ID] {
			loaded = append(loaded, cp)
		}
	}
	e.checkpoints = loaded
	e.cpLoaded = true
}

// adoptFromStore caches every stored session matching q. Store failures fall
// back to whatever is cached.
func (m *Manager) adoptFromStore(ctx context.Context, q store.Query) int {
	recs, err := m.store.Search(ctx, q)
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("session_search").Inc()
		m.logger.Warn("Session search failed, using cache only", zap.Error(err))
		return 0
	}
	corrupt := 0
	for _, r := range recs {
		if m.lookup(r.Key[len(sessionPrefix):]) != nil {
			continue
		}
		s, err := decodeSession(r)
		if err != nil {
			m.corrupt(r.Key, err)
			corrupt++
			continue
		}
		m.adopt(s)
	}
	return corrupt
}

func decodeSession(r store.Record) (*Session, error) {
	var s Session
	if err := json.Unmarshal(r.Data, &s); err != nil {
		return nil, err
	}
	if s.ID == "" || s.UserID == "" || s.State == "" {
		return nil, fmt.Errorf("incomplete session record")
	}
	if s.Metadata == nil {
		s.Metadata = map[string]interface{}{}
	}
	if s.Context == nil {
		s.Context = map[string]interface{}{}
	}
	return &s, nil
}

func (m *Manager) corrupt(key string, err error) {
	metrics.CorruptRecords.Inc()
	m.logger.Warn("Skipping corrupt record", zap.String("key", key), zap.Error(err))
}
