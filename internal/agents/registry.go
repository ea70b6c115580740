package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/clock"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/tracing"
)

// Registry owns the registered agents and their performance history. All
// orchestration reaches agents through Invoke.
type Registry struct {
	mu           sync.RWMutex
	entries      map[string]*entry
	defaultAgent string

	perf   *tracker
	clock  clock.Clock
	logger *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type entry struct {
	def     Definition
	handler Handler
	limiter *rate.Limiter

	// callMu serializes invocations of non-reentrant agents.
	callMu sync.Mutex

	stateMu sync.Mutex
	state   State
	active  int
}

// Options configure a Registry.
type Options struct {
	Alpha        float64
	DefaultAgent string
	Clock        clock.Clock
}

func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	return &Registry{
		entries:      map[string]*entry{},
		defaultAgent: opts.DefaultAgent,
		perf:         newTracker(opts.Alpha),
		clock:        clock.OrSystem(opts.Clock),
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// Register adds an agent. IDs are unique for the registry's lifetime.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.ID == "" || handler == nil {
		return fmt.Errorf("%w: id and handler are required", ErrInvalidAgent)
	}
	if def.Role == "" {
		def.Role = RoleSpecialist
	}
	e := &entry{def: def, handler: handler, state: StateIdle}
	if def.RateLimitPerMinute > 0 {
		e.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(def.RateLimitPerMinute)), 1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, def.ID)
	}
	r.entries[def.ID] = e
	r.logger.Info("Agent registered",
		zap.String("agent_id", def.ID),
		zap.String("role", string(def.Role)),
		zap.Bool("reentrant", def.IsReentrant()),
	)
	return nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Get returns a snapshot of the agent.
func (r *Registry) Get(id string) (Agent, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	perf, _ := r.perf.get(id)
	e.stateMu.Lock()
	state := e.state
	e.stateMu.Unlock()
	return Agent{Definition: e.def, State: state, Performance: perf}, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.lookup(id)
	return ok
}

// List returns every agent sorted by id.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Agent, 0, len(ids))
	for _, id := range ids {
		if a, err := r.Get(id); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// DefaultAgent is the agent used when nothing better is known.
func (r *Registry) DefaultAgent() string { return r.defaultAgent }

// Lead returns the first registered agent with the lead role, if any.
func (r *Registry) Lead() (string, bool) {
	for _, a := range r.List() {
		if a.Role == RoleLead {
			return a.ID, true
		}
	}
	return "", false
}

// Invoke runs task on agent id and records the outcome.
func (r *Registry) Invoke(ctx context.Context, id string, task Task) (*Result, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("agent %s rate limit: %w", id, err)
		}
	}
	if !e.def.IsReentrant() {
		e.callMu.Lock()
		defer e.callMu.Unlock()
	}

	ctx, span := tracing.StartSpan(ctx, "agent.invoke", "agent_id", id, "task_id", task.TaskID)
	e.begin()
	start := time.Now()
	res, err := r.safeHandle(ctx, e.handler, task)
	elapsed := time.Since(start)
	if err == nil && res == nil {
		err = fmt.Errorf("agent %s returned no result", id)
	}
	success := err == nil
	e.end(success)
	tracing.End(span, err)

	perf := r.perf.record(id, success, elapsed, r.clock.Now())
	metrics.RecordAgentMetrics(id, success, float64(elapsed.Milliseconds()))
	metrics.AgentSuccessRate.WithLabelValues(id).Set(perf.SuccessRate)

	if res == nil {
		res = &Result{}
	}
	res.AgentID = id
	res.Duration = elapsed
	res.Success = success
	if err != nil {
		res.Error = err.Error()
		r.logger.Warn("Agent invocation failed",
			zap.String("agent_id", id),
			zap.String("task_id", task.TaskID),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return res, fmt.Errorf("agent %s: %w", id, err)
	}
	return res, nil
}

func (r *Registry) safeHandle(ctx context.Context, h Handler, task Task) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent panicked: %v", p)
		}
	}()
	return h.Handle(ctx, task)
}

// RecordPerformance folds an externally observed outcome into the agent's EMA.
func (r *Registry) RecordPerformance(id string, success bool, d time.Duration) Performance {
	return r.perf.record(id, success, d, r.clock.Now())
}

// Performance returns the agent's current EMA, and whether any outcome was recorded.
func (r *Registry) Performance(id string) (Performance, bool) {
	return r.perf.get(id)
}

// Performances returns every agent's EMA.
func (r *Registry) Performances() map[string]Performance {
	return r.perf.snapshot()
}

// SetState records a coordination state (waiting, collaborating) for an idle agent.
func (r *Registry) SetState(id string, s State) {
	if e, ok := r.lookup(id); ok {
		e.stateMu.Lock()
		if e.active == 0 {
			e.state = s
		}
		e.stateMu.Unlock()
	}
}

func (e *entry) begin() {
	e.stateMu.Lock()
	e.active++
	e.state = StateWorking
	e.stateMu.Unlock()
}

func (e *entry) end(success bool) {
	e.stateMu.Lock()
	e.active--
	if e.active == 0 {
		if success {
			e.state = StateIdle
		} else {
			e.state = StateError
		}
	}
	e.stateMu.Unlock()
}

// StartAggregation publishes performance gauges every interval until Stop.
func (r *Registry) StartAggregation(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.aggregate()
			}
		}
	}()
}

func (r *Registry) aggregate() {
	perfs := r.perf.snapshot()
	for id, p := range perfs {
		metrics.AgentSuccessRate.WithLabelValues(id).Set(p.SuccessRate)
		metrics.AgentAvgLatency.WithLabelValues(id).Set(float64(p.AvgLatency.Milliseconds()))
	}
	r.logger.Debug("Agent performance aggregated", zap.Int("agents", len(perfs)))
}

// Stop ends background aggregation.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
