package session

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/clock"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/store"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/tracing"
)

// Manager owns the session state machine and checkpoint log. Mutations of a
// session are serialized on that session's lock; reads are served from the
// last published snapshot.
type Manager struct {
	store  store.Store
	clock  clock.Clock
	logger *zap.Logger

	policyMu sync.RWMutex
	policy   Policy

	mu      sync.RWMutex
	entries map[string]*entry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type entry struct {
	mu          sync.Mutex
	s           *Session
	checkpoints []*Checkpoint
	cpLoaded    bool

	// dirty marks a session whose last write failed; pending holds
	// checkpoints not yet persisted.
	dirty   bool
	pending []*Checkpoint

	snap atomic.Pointer[Session]
}

func (e *entry) publish() { e.snap.Store(e.s.clone()) }

// NewManager creates a session manager over a durable store.
func NewManager(st store.Store, policy Policy, clk clock.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		store:   st,
		clock:   clock.OrSystem(clk),
		logger:  logger,
		policy:  policy.withDefaults(),
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
}

// Policy returns the current lifecycle settings.
func (m *Manager) Policy() Policy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// SetPolicy replaces the lifecycle settings; used on config reload.
func (m *Manager) SetPolicy(p Policy) {
	m.policyMu.Lock()
	m.policy = p.withDefaults()
	m.policyMu.Unlock()
}

// CreateOption customizes Create.
type CreateOption func(*Session, Policy)

// WithMaxRuntime overrides the default runtime of a long-running session.
func WithMaxRuntime(d time.Duration) CreateOption {
	return func(s *Session, _ Policy) {
		if s.ExpiresAt != nil && d > 0 {
			t := s.CreatedAt.Add(d)
			s.ExpiresAt = &t
		}
	}
}

// Create starts a session. Long-running sessions get an expiry.
func (m *Manager) Create(ctx context.Context, userID string, typ Type, metadata map[string]interface{}, opts ...CreateOption) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if typ == "" {
		typ = TypeChat
	}
	if _, ok := ParseType(string(typ)); !ok {
		return nil, fmt.Errorf("unknown session type %q", typ)
	}
	policy := m.Policy()
	now := m.clock.Now()
	s := &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		Type:         typ,
		State:        StateActive,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     cloneMap(metadata),
		Context:      map[string]interface{}{},
		Checkpoints:  []string{},
	}
	if s.Metadata == nil {
		s.Metadata = map[string]interface{}{}
	}
	if typ == TypeLongRunning {
		exp := now.Add(policy.DefaultMaxRuntime)
		s.ExpiresAt = &exp
	}
	for _, opt := range opts {
		opt(s, policy)
	}

	e := &entry{s: s, cpLoaded: true}
	m.mu.Lock()
	m.entries[s.ID] = e
	m.mu.Unlock()

	e.mu.Lock()
	m.persist(ctx, e)
	e.publish()
	e.mu.Unlock()

	metrics.SessionsCreated.WithLabelValues(string(typ)).Inc()
	metrics.SessionsActive.Inc()
	m.logger.Info("Created new session",
		zap.String("session_id", s.ID),
		zap.String("user_id", userID),
		zap.String("type", string(typ)),
	)
	return s.clone(), nil
}

// Get returns the session, applying lazy expiry.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	e, err := m.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.SessionCacheHits.Inc()
	if snap := e.snap.Load(); !snap.Expired(m.clock.Now()) || snap.State.Terminal() {
		return snap.clone(), nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.observe(ctx, e)
	return e.s.clone(), nil
}

// Update applies a patch and takes any checkpoint the policy requires.
func (m *Manager) Update(ctx context.Context, id string, p Patch) (*Session, error) {
	e, err := m.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.observe(ctx, e)

	s := e.s
	prevState, prevProgress := s.State, s.Progress
	if p.State != nil && *p.State != s.State {
		if !CanTransition(s.State, *p.State) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, *p.State)
		}
	} else if s.State.Terminal() && (p.Progress != nil || len(p.Context) > 0 || p.Checkpoint) {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.State)
	}

	now := m.clock.Now()
	for k, v := range p.Metadata {
		s.Metadata[k] = v
	}
	for k, v := range p.Context {
		s.Context[k] = v
	}
	if p.Progress != nil {
		s.Progress = math.Max(s.Progress, clampProgress(*p.Progress))
	}
	s.LastActivity = now
	if p.State != nil && *p.State != prevState {
		m.transition(e, *p.State)
	}

	if trigger := m.checkpointTrigger(e, p, prevState, prevProgress, now); trigger != "" {
		desc := p.Description
		if desc == "" {
			desc = "automatic checkpoint (" + trigger + ")"
		}
		m.checkpointLocked(ctx, e, desc, p.StateData, trigger)
	}
	m.persist(ctx, e)
	e.publish()
	return s.clone(), nil
}

// checkpointTrigger returns which auto-checkpoint rule fires, if any.
func (m *Manager) checkpointTrigger(e *entry, p Patch, prevState State, prevProgress float64, now time.Time) string {
	s := e.s
	policy := m.Policy()
	switch {
	case p.Checkpoint:
		return TriggerExplicit
	case s.State == StatePaused && prevState != StatePaused:
		return TriggerPaused
	case s.State.Terminal():
		return ""
	case math.Floor(s.Progress/policy.ProgressStep) > math.Floor(prevProgress/policy.ProgressStep):
		return TriggerProgress
	}
	last := s.CreatedAt
	if s.LastCheckpointAt != nil {
		last = *s.LastCheckpointAt
	}
	if now.Sub(last) >= policy.CheckpointInterval {
		return TriggerInterval
	}
	return ""
}

// Checkpoint appends an explicit checkpoint. Two calls always produce two
// distinct checkpoints with increasing timestamps.
func (m *Manager) Checkpoint(ctx context.Context, id, description string, stateData map[string]interface{}) (*Checkpoint, error) {
	e, err := m.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.observe(ctx, e)
	cp := m.checkpointLocked(ctx, e, description, stateData, TriggerExplicit)
	m.persist(ctx, e)
	e.publish()
	return cp.clone(), nil
}

func (m *Manager) checkpointLocked(ctx context.Context, e *entry, description string, stateData map[string]interface{}, trigger string) *Checkpoint {
	_, span := tracing.StartSpan(ctx, "session.checkpoint", "session_id", e.s.ID, "trigger", trigger)
	defer tracing.End(span, nil)
	m.ensureCheckpoints(ctx, e)

	s := e.s
	ts := m.clock.Now()
	var floor float64
	if n := len(e.checkpoints); n > 0 {
		last := e.checkpoints[n-1]
		if !ts.After(last.Timestamp) {
			ts = last.Timestamp.Add(time.Nanosecond)
		}
		floor = last.Progress
	}

	progress := s.Progress
	if v, ok := Number(stateData["progress_percentage"]); ok {
		progress = clampProgress(v)
	}
	progress = math.Max(progress, floor)

	data := cloneMap(stateData)
	if data == nil {
		data = map[string]interface{}{}
	}
	if _, ok := data["context"]; !ok {
		data["context"] = cloneMap(s.Context)
	}
	data["progress_percentage"] = progress
	data["session_state"] = string(s.State)

	cp := &Checkpoint{
		ID:          uuid.New().String(),
		SessionID:   s.ID,
		Timestamp:   ts,
		StateData:   data,
		Progress:    progress,
		Description: description,
		Trigger:     trigger,
	}
	e.checkpoints = append(e.checkpoints, cp)
	s.Checkpoints = append(s.Checkpoints, cp.ID)
	s.LastCheckpointAt = &ts
	s.Progress = math.Max(s.Progress, progress)

	if err := m.putCheckpoint(ctx, cp); err != nil {
		e.pending = append(e.pending, cp)
	}
	metrics.CheckpointsCreated.WithLabelValues(trigger).Inc()
	m.logger.Debug("Checkpoint created",
		zap.String("session_id", s.ID),
		zap.String("checkpoint_id", cp.ID),
		zap.String("trigger", trigger),
		zap.Float64("progress", progress),
	)
	return cp
}

// Resume restores context and progress from a checkpoint (the latest by
// timestamp when checkpointID is empty) and forces the session active.
func (m *Manager) Resume(ctx context.Context, id, checkpointID string) (*Session, *Checkpoint, error) {
	e, err := m.entry(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.observe(ctx, e)
	if e.s.State == StateCompleted {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionCompleted, id)
	}
	m.ensureCheckpoints(ctx, e)

	var cp *Checkpoint
	if checkpointID != "" {
		for _, c := range e.checkpoints {
			if c.ID == checkpointID {
				cp = c
				break
			}
		}
		if cp == nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
		}
	} else {
		cp = latest(e.checkpoints)
	}

	s := e.s
	if cp != nil {
		if ctxData, ok := cp.StateData["context"].(map[string]interface{}); ok {
			s.Context = cloneMap(ctxData)
		}
		s.Progress = cp.Progress
	}
	if s.State != StateActive {
		m.transition(e, StateActive)
	}
	s.LastActivity = m.clock.Now()
	m.persist(ctx, e)
	e.publish()

	fields := []zap.Field{zap.String("session_id", id)}
	if cp != nil {
		fields = append(fields, zap.String("checkpoint_id", cp.ID), zap.Float64("progress", cp.Progress))
		m.logger.Info("Session resumed", fields...)
		return s.clone(), cp.clone(), nil
	}
	m.logger.Info("Session resumed without checkpoint", fields...)
	return s.clone(), nil, nil
}

func latest(cps []*Checkpoint) *Checkpoint {
	var best *Checkpoint
	for _, c := range cps {
		if best == nil || c.Timestamp.After(best.Timestamp) {
			best = c
		}
	}
	return best
}

// Checkpoints returns the session's checkpoints in creation order.
func (m *Manager) Checkpoints(ctx context.Context, id string) ([]Checkpoint, error) {
	e, err := m.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.ensureCheckpoints(ctx, e)
	out := make([]Checkpoint, 0, len(e.checkpoints))
	for _, c := range e.checkpoints {
		out = append(out, *c.clone())
	}
	return out, nil
}

// ExtendExpiry pushes a long-running session's deadline out by d. This is the
// only way an expiry moves. A session past its deadline that nobody has
// observed yet is still extendable; one already completed is not.
func (m *Manager) ExtendExpiry(ctx context.Context, id string, d time.Duration) (*Session, error) {
	if d <= 0 {
		return nil, fmt.Errorf("extension must be positive")
	}
	e, err := m.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.s
	if s.State.Terminal() {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.State)
	}
	if s.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoExpiry, id)
	}
	base := m.clock.Now()
	if s.ExpiresAt.After(base) {
		base = *s.ExpiresAt
	}
	exp := base.Add(d)
	s.ExpiresAt = &exp
	m.persist(ctx, e)
	e.publish()
	m.logger.Info("Session expiry extended",
		zap.String("session_id", id),
		zap.Time("expires_at", exp),
	)
	return s.clone(), nil
}

// ListForUser returns the user's sessions, newest first.
func (m *Manager) ListForUser(ctx context.Context, userID string, typ Type, activeOnly bool) ([]*Session, error) {
	m.adoptFromStore(ctx, store.Query{Prefix: sessionPrefix, Match: map[string]string{metaKind: kindSession, metaUser: userID}})

	m.mu.RLock()
	candidates := make([]*entry, 0)
	for _, e := range m.entries {
		if snap := e.snap.Load(); snap != nil && snap.UserID == userID {
			candidates = append(candidates, e)
		}
	}
	m.mu.RUnlock()

	now := m.clock.Now()
	out := make([]*Session, 0, len(candidates))
	for _, e := range candidates {
		snap := e.snap.Load()
		if snap.Expired(now) && !snap.State.Terminal() {
			e.mu.Lock()
			m.observe(ctx, e)
			e.mu.Unlock()
			snap = e.snap.Load()
		}
		if typ != "" && snap.Type != typ {
			continue
		}
		if activeOnly && snap.State != StateActive {
			continue
		}
		out = append(out, snap.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// observe applies lazy expiry: a long-running session past its deadline is
// completed on first observation. Caller holds e.mu.
func (m *Manager) observe(ctx context.Context, e *entry) {
	s := e.s
	if s.State.Terminal() || !s.Expired(m.clock.Now()) {
		return
	}
	m.transition(e, StateCompleted)
	metrics.SessionsExpired.Inc()
	m.logger.Info("Session expired",
		zap.String("session_id", s.ID),
		zap.Time("expires_at", *s.ExpiresAt),
	)
	m.persist(ctx, e)
	e.publish()
}

// transition changes state and keeps the gauges right. Caller holds e.mu.
func (m *Manager) transition(e *entry, to State) {
	from := e.s.State
	e.s.State = to
	metrics.SessionTransitions.WithLabelValues(string(from), string(to)).Inc()
	if from == StateActive {
		metrics.SessionsActive.Dec()
	}
	if to == StateActive {
		metrics.SessionsActive.Inc()
	}
}

func (m *Manager) lookup(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id]
}

// entry returns the cached entry, loading it from the store on a miss.
func (m *Manager) entry(ctx context.Context, id string) (*entry, error) {
	if e := m.lookup(id); e != nil {
		return e, nil
	}
	metrics.SessionCacheMisses.Inc()
	s, err := m.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.adopt(s), nil
}

// adopt caches a session loaded from the store unless one is already cached.
func (m *Manager) adopt(s *Session) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[s.ID]; ok {
		return e
	}
	e := &entry{s: s}
	e.publish()
	m.entries[s.ID] = e
	if s.State == StateActive {
		metrics.SessionsActive.Inc()
	}
	return e
}

// Len returns the number of cached sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (c *Checkpoint) clone() *Checkpoint {
	cp := *c
	cp.StateData = cloneMap(c.StateData)
	return &cp
}
