package contextstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/clock"
)

type userHistory struct {
	items     []Item
	successes map[string]int
	totals    map[string]int
	cats      map[string]int
}

// MemoryStore keeps a capped interaction history per user in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*userHistory
	max   int
	clock clock.Clock
	seq   int64
}

// NewMemoryStore keeps at most maxItems interactions per user.
func NewMemoryStore(maxItems int, clk clock.Clock) *MemoryStore {
	if maxItems <= 0 {
		maxItems = 200
	}
	return &MemoryStore{users: map[string]*userHistory{}, max: maxItems, clock: clock.OrSystem(clk)}
}

func (m *MemoryStore) GetRelevantContext(_ context.Context, userID, query string, limit int) ([]Item, error) {
	m.mu.RLock()
	h := m.users[userID]
	var items []Item
	if h != nil {
		items = make([]Item, 0, len(h.items))
		for i := len(h.items) - 1; i >= 0; i-- {
			items = append(items, h.items[i])
		}
	}
	m.mu.RUnlock()
	return rank(items, query, limit), nil
}

func (m *MemoryStore) GetUserPatterns(_ context.Context, userID string) (*Patterns, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := &Patterns{AgentSuccessRates: map[string]float64{}, AgentUsage: map[string]int{}, Categories: map[string]int{}}
	h := m.users[userID]
	if h == nil {
		return p, nil
	}
	for agent, total := range h.totals {
		p.AgentUsage[agent] = total
		if total > 0 {
			p.AgentSuccessRates[agent] = float64(h.successes[agent]) / float64(total)
		}
	}
	for c, n := range h.cats {
		p.Categories[c] = n
	}
	p.Interactions = len(h.items)
	return p, nil
}

func (m *MemoryStore) SaveInteraction(_ context.Context, in Interaction) error {
	if in.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.users[in.UserID]
	if h == nil {
		h = &userHistory{successes: map[string]int{}, totals: map[string]int{}, cats: map[string]int{}}
		m.users[in.UserID] = h
	}
	m.seq++
	h.items = append(h.items, Item{
		ID:        fmt.Sprintf("%s-%d", in.UserID, m.seq),
		Content:   in.Message + "\n" + in.Response,
		Metadata:  in.Metadata,
		CreatedAt: now,
	})
	if len(h.items) > m.max {
		h.items = h.items[len(h.items)-m.max:]
	}
	success := interactionSuccess(in.Metadata)
	for _, a := range interactionAgents(in.Metadata) {
		h.totals[a]++
		if success {
			h.successes[a]++
		}
	}
	if c := interactionCategory(in.Metadata); c != "" {
		h.cats[c]++
	}
	return nil
}
