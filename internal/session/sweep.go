package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/store"
)

// SweepReport summarizes one retention sweep.
type SweepReport struct {
	Expired    int `json:"expired"`
	Purged     int `json:"purged"`
	Reconciled int `json:"reconciled"`
	Corrupt    int `json:"corrupt"`
}

// SweepExpired reconciles failed writes, completes expired sessions and
// purges terminal sessions idle past the retention window. Corrupt records
// are skipped.
func (m *Manager) SweepExpired(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	report.Corrupt = m.adoptFromStore(ctx, store.Query{
		Prefix: sessionPrefix,
		Match:  map[string]string{metaKind: kindSession},
	})

	m.mu.RLock()
	all := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	m.mu.RUnlock()

	retention := m.Policy().Retention
	now := m.clock.Now()
	var purge []*entry
	for _, e := range all {
		e.mu.Lock()
		if e.dirty || len(e.pending) > 0 {
			m.persist(ctx, e)
			if !e.dirty && len(e.pending) == 0 {
				report.Reconciled++
			}
		}
		wasTerminal := e.s.State.Terminal()
		m.observe(ctx, e)
		if !wasTerminal && e.s.State.Terminal() {
			report.Expired++
		}
		if e.s.State.Terminal() && now.Sub(idleSince(e.s)) > retention {
			purge = append(purge, e)
		}
		e.mu.Unlock()
	}

	var firstErr error
	for _, e := range purge {
		if err := m.purge(ctx, e); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		report.Purged++
	}

	if report.Expired+report.Purged+report.Reconciled+report.Corrupt > 0 {
		m.logger.Info("Session sweep completed",
			zap.Int("expired", report.Expired),
			zap.Int("purged", report.Purged),
			zap.Int("reconciled", report.Reconciled),
			zap.Int("corrupt", report.Corrupt),
		)
	}
	return report, firstErr
}

// idleSince is the later of the last activity and the expiry.
func idleSince(s *Session) time.Time {
	if s.ExpiresAt != nil && s.ExpiresAt.After(s.LastActivity) {
		return *s.ExpiresAt
	}
	return s.LastActivity
}

// purge deletes a session and its checkpoint log.
func (m *Manager) purge(ctx context.Context, e *entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.s.ID

	keys := []string{sessionKey(id)}
	recs, err := m.store.Search(ctx, store.Query{Prefix: checkpointKeyPrefix(id)})
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("purge").Inc()
		return err
	}
	for _, r := range recs {
		keys = append(keys, r.Key)
	}
	if err := m.store.Delete(ctx, keys...); err != nil {
		metrics.PersistenceFailures.WithLabelValues("purge").Inc()
		m.logger.Warn("Session purge failed", zap.String("session_id", id), zap.Error(err))
		return err
	}

	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	metrics.SessionsPurged.Inc()
	m.logger.Debug("Session purged", zap.String("session_id", id), zap.Int("checkpoints", len(recs)))
	return nil
}

// Start runs the sweep every SweepInterval until Stop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			interval := m.Policy().SweepInterval
			timer := time.NewTimer(interval)
			select {
			case <-m.stopCh:
				timer.Stop()
				return
			case <-timer.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := m.SweepExpired(ctx); err != nil {
					m.logger.Warn("Session sweep incomplete", zap.Error(err))
				}
				cancel()
			}
		}
	}()
	m.logger.Info("Session sweeper started", zap.Duration("interval", m.Policy().SweepInterval))
}

// Stop ends the sweep loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
