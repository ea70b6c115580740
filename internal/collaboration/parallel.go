package collaboration

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/agents"
)

type outcome struct {
	index   int
	slot    int
	agentID string
	res     *agents.Result
	err     error
}

// parallel invokes every agent concurrently and waits for all of them or the
// timeout. Failures are isolated; the call fails only when nobody succeeded.
func (r *run) parallel(parent context.Context, phase string, ids []string, query, instructions string) error {
	ctx, cancel := context.WithTimeout(parent, r.o.cfg.ParallelTimeout)
	defer cancel()

	sem := semaphore.NewWeighted(int64(r.o.cfg.MaxConcurrency))
	// Buffered so late agents never block after the collector gives up.
	results := make(chan outcome, len(ids))
	launched := make([]bool, len(ids))
	slots := make([]int, len(ids))
	var firstErr error

	for i, id := range ids {
		if r.interrupted() {
			firstErr = ErrInterrupted
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		slot := r.nextSlot()
		launched[i], slots[i] = true, slot
		r.emit(AgentEvent{Type: "agent.started", AgentID: id, Slot: slot})

		task := r.task(query, instructions, nil)
		go func(i int, id string) {
			defer sem.Release(1)
			res, err := r.o.invoker.Invoke(ctx, id, task)
			results <- outcome{index: i, slot: slot, agentID: id, res: res, err: err}
		}(i, id)
	}

	pending := 0
	for _, l := range launched {
		if l {
			pending++
		}
	}
	got := make([]*outcome, len(ids))
collect:
	for pending > 0 {
		select {
		case out := <-results:
			got[out.index] = &out
			pending--
		case <-ctx.Done():
			r.o.logger.Warn("Parallel collaboration abandoned pending agents",
				zap.String("task_id", r.req.TaskID),
				zap.Int("pending", pending),
				zap.Error(abandoned(parent, r.o.cfg.ParallelTimeout)),
			)
			break collect
		}
	}

	// Record in decision order so results are deterministic.
	succeeded := 0
	for i := range ids {
		switch {
		case got[i] != nil:
			r.record(phase, ids[i], got[i].slot, got[i].res, got[i].err)
			if got[i].err == nil {
				succeeded++
			}
		case launched[i]:
			r.record(phase, ids[i], slots[i], nil, abandoned(parent, r.o.cfg.ParallelTimeout))
		case firstErr == nil:
			r.record(phase, ids[i], -1, nil, fmt.Errorf("not started: %w", ctx.Err()))
		}
	}

	if firstErr != nil {
		return firstErr
	}
	if succeeded == 0 {
		r.mu.Lock()
		errs := append([]AgentError(nil), r.result.Errors...)
		r.mu.Unlock()
		return joinAgentErrors(errs)
	}
	return nil
}

// abandoned says why a launched agent never reported back: the caller went
// away, or the phase ran out of time.
func abandoned(parent context.Context, timeout time.Duration) error {
	if parent.Err() != nil {
		return fmt.Errorf("cancelled: %w", context.Cause(parent))
	}
	return fmt.Errorf("timed out after %s", timeout)
}
