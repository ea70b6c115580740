package intelligence

import (
	"fmt"
	"sync"
	"time"
)

// DefaultPatternCapacity bounds each (category, complexity) ring.
const DefaultPatternCapacity = 100

// PatternEntry is one recorded classification.
type PatternEntry struct {
	Features   Features   `json:"features"`
	Category   Category   `json:"category"`
	Confidence Confidence `json:"confidence"`
	Primary    string     `json:"primary_agent"`
	Complexity int        `json:"complexity"`
	At         time.Time  `json:"at"`
}

type ring struct {
	buf  []PatternEntry
	next int
	full bool
}

func (r *ring) push(e PatternEntry) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// entries returns oldest first.
func (r *ring) entries() []PatternEntry {
	if !r.full {
		return append([]PatternEntry(nil), r.buf[:r.next]...)
	}
	out := make([]PatternEntry, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// PatternLog keeps the most recent classifications per (category, complexity).
type PatternLog struct {
	mu       sync.Mutex
	capacity int
	rings    map[string]*ring
}

func NewPatternLog(capacity int) *PatternLog {
	if capacity <= 0 {
		capacity = DefaultPatternCapacity
	}
	return &PatternLog{capacity: capacity, rings: map[string]*ring{}}
}

func patternKey(cat Category, complexity int) string {
	return fmt.Sprintf("%s:%d", cat, complexity)
}

// Record appends e, evicting the oldest entry of a full ring.
func (p *PatternLog) Record(e PatternEntry) {
	key := patternKey(e.Category, e.Complexity)
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rings[key]
	if !ok {
		r = &ring{buf: make([]PatternEntry, p.capacity)}
		p.rings[key] = r
	}
	r.push(e)
}

// Snapshot returns the entries for a key, oldest first.
func (p *PatternLog) Snapshot(cat Category, complexity int) []PatternEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rings[patternKey(cat, complexity)]
	if !ok {
		return nil
	}
	return r.entries()
}
