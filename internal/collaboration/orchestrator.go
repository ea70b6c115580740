package collaboration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/intelligence"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/tracing"
)

// Config bounds parallel fan-out.
type Config struct {
	ParallelTimeout time.Duration
	MaxConcurrency  int
}

// Orchestrator executes decisions through the agent registry.
type Orchestrator struct {
	invoker Invoker
	cfg     Config
	logger  *zap.Logger
}

func NewOrchestrator(invoker Invoker, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.ParallelTimeout <= 0 {
		cfg.ParallelTimeout = 5 * time.Minute
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	return &Orchestrator{invoker: invoker, cfg: cfg, logger: logger}
}

// Execute runs the decision. The returned Result is never nil; err is set
// whenever Result.Success is false.
func (o *Orchestrator) Execute(ctx context.Context, d intelligence.Decision, req Request) (*Result, error) {
	strategy := SelectStrategy(len(d.SelectedAgents), d.Complexity)
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "collaboration.execute",
		"strategy", string(strategy), "task_id", req.TaskID)

	r := &run{o: o, req: req, result: &Result{Strategy: strategy}}
	var err error
	if len(d.SelectedAgents) == 0 {
		err = ErrNoAgents
	} else {
		switch strategy {
		case StrategySimple:
			r.planned(1)
			err = r.simple(ctx, d.SelectedAgents[0])
		case StrategySequential:
			r.planned(len(d.SelectedAgents))
			err = r.sequential(ctx, "", d.SelectedAgents, req.Message, "")
		case StrategyParallel:
			r.planned(len(d.SelectedAgents))
			err = r.parallel(ctx, "", d.SelectedAgents, req.Message, "")
		case StrategyHierarchical:
			err = r.hierarchical(ctx, d)
		}
	}

	res := r.result
	res.Duration = time.Since(start)
	res.Success = err == nil
	if err == nil && res.Response == "" {
		res.Response = Synthesize(res.Succeeded())
	}
	tracing.End(span, err)
	metrics.RecordCollaboration(string(strategy), res.Success, res.Duration.Seconds())

	fields := []zap.Field{
		zap.String("task_id", req.TaskID),
		zap.String("strategy", string(strategy)),
		zap.Int("agents", len(d.SelectedAgents)),
		zap.Int("succeeded", len(res.Succeeded())),
		zap.Duration("duration", res.Duration),
	}
	if err != nil {
		o.logger.Warn("Collaboration failed", append(fields, zap.Error(err))...)
		return res, err
	}
	o.logger.Info("Collaboration completed", fields...)
	return res, nil
}

// run is the state of one Execute call.
type run struct {
	o   *Orchestrator
	req Request

	mu     sync.Mutex
	result *Result
	slot   int
	done   int
	total  int
}

func (r *run) planned(n int) {
	r.mu.Lock()
	r.total += n
	r.mu.Unlock()
}

func (r *run) interrupted() bool {
	return r.req.Hooks.Interrupt != nil && r.req.Hooks.Interrupt()
}

func (r *run) emit(ev AgentEvent) {
	if r.req.Hooks.OnAgent != nil {
		r.req.Hooks.OnAgent(ev)
	}
}

func (r *run) nextSlot() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := r.slot
	r.slot++
	return slot
}

func (r *run) task(query, instructions string, extra map[string]interface{}) agents.Task {
	return agents.Task{
		TaskID:       r.req.TaskID,
		SessionID:    r.req.SessionID,
		Query:        query,
		Instructions: instructions,
		Context:      mergeContext(r.req.Context, extra),
	}
}

// invoke calls one agent and records the outcome on the shared result.
func (r *run) invoke(ctx context.Context, phase, agentID, query, instructions string, extra map[string]interface{}) (*agents.Result, error) {
	slot := r.nextSlot()
	r.emit(AgentEvent{Type: "agent.started", AgentID: agentID, Slot: slot})
	res, err := r.o.invoker.Invoke(ctx, agentID, r.task(query, instructions, extra))
	r.record(phase, agentID, slot, res, err)
	return res, err
}

func (r *run) record(phase, agentID string, slot int, res *agents.Result, err error) {
	r.mu.Lock()
	if err != nil {
		r.result.Errors = append(r.result.Errors, AgentError{AgentID: agentID, Phase: phase, Error: err.Error()})
	} else if res != nil {
		r.result.AgentResults = append(r.result.AgentResults, *res)
	}
	r.done++
	done, total := r.done, r.total
	r.mu.Unlock()

	if err != nil {
		r.emit(AgentEvent{Type: "agent.failed", AgentID: agentID, Slot: slot, Error: err.Error()})
	} else {
		r.emit(AgentEvent{Type: "agent.completed", AgentID: agentID, Slot: slot})
	}
	if r.req.Hooks.OnProgress != nil {
		r.req.Hooks.OnProgress(done, total)
	}
}

func (r *run) simple(ctx context.Context, agentID string) error {
	if r.interrupted() {
		return ErrInterrupted
	}
	res, err := r.invoke(ctx, "", agentID, r.req.Message, "", nil)
	if err != nil {
		return err
	}
	r.result.Response = res.Output
	return nil
}

// sequential feeds each output to the next agent. The first failure ends the chain.
func (r *run) sequential(ctx context.Context, phase string, ids []string, query, instructions string) error {
	prev := ""
	for _, id := range ids {
		if r.interrupted() {
			return ErrInterrupted
		}
		var extra map[string]interface{}
		if prev != "" {
			extra = map[string]interface{}{"previous_output": prev}
		}
		res, err := r.invoke(ctx, phase, id, query, instructions, extra)
		if err != nil {
			return fmt.Errorf("sequential step %s: %w", id, err)
		}
		prev = res.Output
	}
	if phase == "" {
		r.result.Response = prev
	}
	return nil
}

func mergeContext(base, extra map[string]interface{}) map[string]interface{} {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func joinAgentErrors(errs []AgentError) error {
	joined := make([]error, 0, len(errs))
	for _, e := range errs {
		joined = append(joined, fmt.Errorf("%s: %s", e.AgentID, e.Error))
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(joined...))
}
