package agents

import (
	"sync"
	"time"
)

// DefaultAlpha is the EMA smoothing factor.
const DefaultAlpha = 0.1

// Performance is an agent's smoothed track record.
type Performance struct {
	AgentID     string        `json:"agent_id"`
	SuccessRate float64       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
	Invocations int64         `json:"invocations"`
	Failures    int64         `json:"failures"`
	LastUpdated time.Time     `json:"last_updated"`
}

// tracker keeps one EMA per agent. Updates for different agents do not
// contend; updates for the same agent are applied under that agent's lock in
// arrival order.
type tracker struct {
	alpha float64
	mu    sync.RWMutex
	byID  map[string]*agentPerf
}

type agentPerf struct {
	mu   sync.Mutex
	perf Performance
}

func newTracker(alpha float64) *tracker {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &tracker{alpha: alpha, byID: map[string]*agentPerf{}}
}

func (t *tracker) slot(id string) *agentPerf {
	t.mu.RLock()
	p := t.byID[id]
	t.mu.RUnlock()
	if p != nil {
		return p
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p = t.byID[id]; p == nil {
		p = &agentPerf{perf: Performance{AgentID: id}}
		t.byID[id] = p
	}
	return p
}

// record folds one observation into the agent's EMA. The first observation
// seeds the average.
func (t *tracker) record(id string, success bool, d time.Duration, at time.Time) Performance {
	p := t.slot(id)
	x := 0.0
	if success {
		x = 1.0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.perf.Invocations == 0 {
		p.perf.SuccessRate = x
		p.perf.AvgLatency = d
	} else {
		p.perf.SuccessRate = (1-t.alpha)*p.perf.SuccessRate + t.alpha*x
		p.perf.AvgLatency = time.Duration((1-t.alpha)*float64(p.perf.AvgLatency) + t.alpha*float64(d))
	}
	p.perf.Invocations++
	if !success {
		p.perf.Failures++
	}
	p.perf.LastUpdated = at
	return p.perf
}

func (t *tracker) get(id string) (Performance, bool) {
	t.mu.RLock()
	p := t.byID[id]
	t.mu.RUnlock()
	if p == nil {
		return Performance{AgentID: id}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.perf, true
}

func (t *tracker) snapshot() map[string]Performance {
	t.mu.RLock()
	slots := make(map[string]*agentPerf, len(t.byID))
	for id, p := range t.byID {
		slots[id] = p
	}
	t.mu.RUnlock()

	out := make(map[string]Performance, len(slots))
	for id, p := range slots {
		p.mu.Lock()
		out[id] = p.perf
		p.mu.Unlock()
	}
	return out
}
