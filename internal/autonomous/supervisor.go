package autonomous

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/clock"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/collaboration"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/intelligence"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/session"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/store"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

// Executor runs one attempt of a task.
type Executor interface {
	Execute(ctx context.Context, d intelligence.Decision, req collaboration.Request) (*collaboration.Result, error)
}

// Sessions is the part of the session manager the supervisor drives.
type Sessions interface {
	Update(ctx context.Context, id string, p session.Patch) (*session.Session, error)
	Checkpoint(ctx context.Context, id, description string, stateData map[string]interface{}) (*session.Checkpoint, error)
	Checkpoints(ctx context.Context, id string) ([]session.Checkpoint, error)
	Resume(ctx context.Context, id, checkpointID string) (*session.Session, *session.Checkpoint, error)
	ExtendExpiry(ctx context.Context, id string, d time.Duration) (*session.Session, error)
}

// Publisher receives task events.
type Publisher interface {
	Publish(taskID string, evt streaming.Event) streaming.Event
}

// AgentDirectory resolves the lead agent for escalation.
type AgentDirectory interface {
	Has(id string) bool
	Lead() (string, bool)
}

// Options wires optional collaborators.
type Options struct {
	Config Config
	Clock  clock.Clock
	Events Publisher
	Agents AgentDirectory
	// Store keeps a task index so purged or pre-restart tasks can be found
	// by id.
	Store store.Store
	// OnFinish runs after a task reaches completed or failed.
	OnFinish func(Status)
	// OnPurge runs after a terminal task leaves the active table.
	OnPurge func(taskID string)
}

const minEstimate = 5 * time.Minute

// Supervisor owns the active-task table and the per-task execution loops.
type Supervisor struct {
	exec     Executor
	sessions Sessions
	events   Publisher
	agents   AgentDirectory
	store    store.Store
	onFinish func(Status)
	onPurge  func(string)
	clock    clock.Clock
	logger   *zap.Logger

	cfgMu sync.RWMutex
	cfg   Config

	mu    sync.RWMutex
	tasks map[string]*task

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type task struct {
	mu     sync.Mutex
	st     *Status
	gen    int
	cancel context.CancelFunc
	snap   atomic.Pointer[Status]

	// detached is set once the task has left the active table.
	detached bool
}

func (t *task) publish() { t.snap.Store(t.st.clone()) }

// NewSupervisor creates a supervisor. Call Start to run the periodic tick.
func NewSupervisor(exec Executor, sessions Sessions, opts Options, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		exec:     exec,
		sessions: sessions,
		events:   opts.Events,
		agents:   opts.Agents,
		store:    opts.Store,
		onFinish: opts.OnFinish,
		onPurge:  opts.OnPurge,
		clock:    clock.OrSystem(opts.Clock),
		logger:   logger,
		cfg:      opts.Config.withDefaults(),
		tasks:    make(map[string]*task),
		stopCh:   make(chan struct{}),
	}
}

// Config returns the current policy.
func (s *Supervisor) Config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// SetConfig replaces the policy; loops pick it up on their next iteration.
// Tasks keep the recovery budget they were submitted with.
func (s *Supervisor) SetConfig(c Config) {
	s.cfgMu.Lock()
	s.cfg = c.withDefaults()
	s.cfgMu.Unlock()
}

func (s *Supervisor) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Submit promotes a decision to a supervised task and starts its first
// execution attempt.
func (s *Supervisor) Submit(ctx context.Context, sub Submission) (*Status, error) {
	if s.stopped() {
		return nil, ErrStopped
	}
	if len(sub.Decision.SelectedAgents) == 0 {
		return nil, collaboration.ErrNoAgents
	}
	cfg := s.Config()
	now := s.clock.Now()
	estimate := sub.Decision.EstimatedDuration()
	if estimate <= 0 {
		estimate = minEstimate
	}
	eta := now.Add(estimate)
	var deadline *time.Time
	if sub.Deadline != nil {
		d := *sub.Deadline
		deadline = &d
		if d.After(now) && d.Before(eta) {
			eta = d
		}
	}

	t := &task{st: &Status{
		TaskID:              uuid.New().String(),
		SessionID:           sub.SessionID,
		UserID:              sub.UserID,
		Request:             sub.Request,
		Context:             cloneMap(sub.Context),
		Decision:            sub.Decision.Clone(),
		State:               StatePlanning,
		AgentResults:        map[string]agents.Result{},
		MaxAutoRecovery:     cfg.MaxAutoRecovery,
		OwnsSession:         sub.OwnsSession,
		CreatedAt:           now,
		RunningSince:        now,
		EstimatedCompletion: eta,
		Deadline:            deadline,
		OriginalEstimate:    eta.Sub(now),
		LastCheckpointAt:    now,
	}}

	s.mu.Lock()
	s.tasks[t.st.TaskID] = t
	s.mu.Unlock()
	metrics.TasksSubmitted.Inc()
	metrics.TasksActive.Inc()
	metrics.TaskTransitions.WithLabelValues(string(StatePlanning)).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	s.emit(t.st, streaming.EventTaskStarted, "task started", map[string]interface{}{
		"category": string(t.st.Decision.Category),
		"agents":   t.st.Decision.SelectedAgents,
	})
	s.logger.Info("Autonomous task submitted",
		zap.String("task_id", t.st.TaskID),
		zap.String("session_id", t.st.SessionID),
		zap.String("category", string(t.st.Decision.Category)),
		zap.Strings("agents", t.st.Decision.SelectedAgents),
		zap.Time("estimated_completion", eta),
	)
	s.launchLocked(t, t.st.Decision, t.st.Request, nil, "initial")
	s.saveLocked(ctx, t)
	t.publish()
	return t.st.clone(), nil
}

// Status returns a snapshot of the task. Tasks no longer in the active table
// are read back from the task index.
func (s *Supervisor) Status(ctx context.Context, taskID string) (*Status, error) {
	if t := s.lookup(taskID); t != nil {
		if st := t.snap.Load(); st != nil {
			return st.clone(), nil
		}
	}
	st, err := s.loadIndex(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Len returns the number of tasks in the active table.
func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func (s *Supervisor) lookup(id string) *task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[id]
}

func (s *Supervisor) snapshotTasks() []*task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// setStateLocked changes task state and keeps the gauges right.
func (s *Supervisor) setStateLocked(t *task, to State) {
	from := t.st.State
	if from == to {
		return
	}
	t.st.State = to
	metrics.TaskTransitions.WithLabelValues(string(to)).Inc()
	switch {
	case !from.Terminal() && to.Terminal():
		metrics.TasksActive.Dec()
	case from.Terminal() && !to.Terminal():
		metrics.TasksActive.Inc()
	}
}

func (s *Supervisor) emit(st *Status, typ, msg string, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(st.TaskID, streaming.Event{
		Type:      typ,
		Message:   msg,
		Payload:   payload,
		Timestamp: s.clock.Now(),
	})
}

func (s *Supervisor) leadAgent(d intelligence.Decision) string {
	lead := s.Config().LeadAgent
	if lead != "" && (s.agents == nil || s.agents.Has(lead)) {
		return lead
	}
	if s.agents != nil {
		if id, ok := s.agents.Lead(); ok {
			return id
		}
	}
	return d.Primary()
}

// Start runs the periodic supervisor tick until Stop.
func (s *Supervisor) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.Config().TickInterval)
		defer timer.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-timer.C:
				s.Tick(context.Background())
				timer.Reset(s.Config().TickInterval)
			}
		}
	}()
	s.logger.Info("Autonomous supervisor started", zap.Duration("tick_interval", s.Config().TickInterval))
}

// Stop ends the tick loop and abandons in-flight attempts. Task state is left
// as last checkpointed so it can be resumed later.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		for _, t := range s.snapshotTasks() {
			t.mu.Lock()
			if t.cancel != nil {
				t.cancel()
				t.cancel = nil
			}
			t.mu.Unlock()
		}
	})
	s.wg.Wait()
}
