package agents

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/clock"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(Options{DefaultAgent: "general-assistant", Clock: clock.NewManual(time.Unix(1700000000, 0))}, zaptest.NewLogger(t))
}

func echo(out string) Handler {
	return HandlerFunc(func(ctx context.Context, task Task) (*Result, error) {
		return &Result{Output: out}, nil
	})
}

func TestRegisterRejectsDuplicatesAndInvalid(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Definition{ID: "a"}, echo("x")))

	err := r.Register(Definition{ID: "a"}, echo("y"))
	assert.ErrorIs(t, err, ErrDuplicateAgent)

	err = r.Register(Definition{}, echo("y"))
	assert.ErrorIs(t, err, ErrInvalidAgent)

	err = r.Register(Definition{ID: "b"}, nil)
	assert.ErrorIs(t, err, ErrInvalidAgent)
}

func TestInvokeUnknownAgent(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Invoke(context.Background(), "ghost", Task{})
	assert.ErrorIs(t, err, ErrAgentNotFound)

	_, err = r.Get("ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestInvokeRecordsEMA(t *testing.T) {
	r := newTestRegistry(t)
	fail := false
	require.NoError(t, r.Register(Definition{ID: "a"}, HandlerFunc(func(ctx context.Context, task Task) (*Result, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return &Result{Output: "ok"}, nil
	})))

	res, err := r.Invoke(context.Background(), "a", Task{Query: "q"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "a", res.AgentID)

	perf, ok := r.Performance("a")
	require.True(t, ok)
	assert.Equal(t, 1.0, perf.SuccessRate)

	fail = true
	res, err = r.Invoke(context.Background(), "a", Task{Query: "q"})
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "boom")

	perf, _ = r.Performance("a")
	assert.InDelta(t, 0.9, perf.SuccessRate, 1e-9)
	assert.Equal(t, int64(2), perf.Invocations)
	assert.Equal(t, int64(1), perf.Failures)

	a, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StateError, a.State)
}

func TestRecordPerformanceSequence(t *testing.T) {
	r := newTestRegistry(t)
	outcomes := []bool{true, false, false, true}
	want := 1.0
	for i, ok := range outcomes {
		r.RecordPerformance("a", ok, 100*time.Millisecond)
		if i > 0 {
			x := 0.0
			if ok {
				x = 1
			}
			want = 0.9*want + 0.1*x
		}
	}
	perf, _ := r.Performance("a")
	assert.InDelta(t, want, perf.SuccessRate, 1e-9)
	assert.Equal(t, 100*time.Millisecond, perf.AvgLatency)
}

func TestConcurrentUpdatesAreAllApplied(t *testing.T) {
	r := newTestRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordPerformance("a", true, time.Millisecond)
		}()
	}
	wg.Wait()
	perf, _ := r.Performance("a")
	assert.Equal(t, int64(50), perf.Invocations)
	assert.Equal(t, 1.0, perf.SuccessRate)
}

func TestNonReentrantAgentIsSerialized(t *testing.T) {
	r := newTestRegistry(t)
	no := false
	var inFlight, peak int32
	require.NoError(t, r.Register(Definition{ID: "solo", Reentrant: &no}, HandlerFunc(func(ctx context.Context, task Task) (*Result, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &Result{Output: "done"}, nil
	})))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Invoke(context.Background(), "solo", Task{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestInvokeRecoversPanics(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Definition{ID: "p"}, HandlerFunc(func(ctx context.Context, task Task) (*Result, error) {
		panic("bad agent")
	})))
	res, err := r.Invoke(context.Background(), "p", Task{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.False(t, res.Success)
}

func TestRateLimitedAgentHonorsContext(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Definition{ID: "slow", RateLimitPerMinute: 1}, echo("ok")))

	_, err := r.Invoke(context.Background(), "slow", Task{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Invoke(ctx, "slow", Task{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestLeadAndList(t *testing.T) {
	r := newTestRegistry(t)
	cat, err := DefaultCatalog()
	require.NoError(t, err)
	require.NoError(t, r.RegisterAll(cat, func(Definition) Handler { return echo("ok") }))

	lead, ok := r.Lead()
	require.True(t, ok)
	assert.Equal(t, "project-coordinator", lead)

	list := r.List()
	require.Len(t, list, 8)
	assert.Equal(t, "code-specialist", list[0].ID)
	assert.True(t, r.Has("devops-specialist"))
	assert.Equal(t, "general-assistant", r.DefaultAgent())
}

func TestAggregationStops(t *testing.T) {
	r := newTestRegistry(t)
	r.RecordPerformance("a", true, time.Millisecond)
	r.StartAggregation(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	r.Stop()
	r.Stop()
}
