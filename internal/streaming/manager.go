// Package streaming fans task events out to live subscribers and keeps a
// bounded replay history per task.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Task event types.
const (
	EventTaskStarted      = "task.started"
	EventTaskProgress     = "task.progress"
	EventTaskCheckpointed = "task.checkpointed"
	EventTaskAdapted      = "task.adapted"
	EventTaskSuspended    = "task.suspended"
	EventTaskResumed      = "task.resumed"
	EventTaskCompleted    = "task.completed"
	EventTaskFailed       = "task.failed"
	EventAgentStarted     = "agent.started"
	EventAgentCompleted   = "agent.completed"
	EventAgentFailed      = "agent.failed"
)

// Event is a task event delivered over SSE and WebSocket.
type Event struct {
	TaskID    string                 `json:"task_id"`
	Type      string                 `json:"type"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Terminal reports whether no further events follow for the task.
func (e Event) Terminal() bool {
	return e.Type == EventTaskCompleted || e.Type == EventTaskFailed
}

const DefaultCapacity = 256

// Manager provides in-memory pub/sub for task events, optionally mirrored to
// Redis Streams so history survives a restart.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-task ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int

	redis     *redis.Client
	streamLen int64
	streamTTL time.Duration
	logger    *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRedisStreams mirrors every event to a capped Redis stream per task.
func WithRedisStreams(client *redis.Client, maxLen int64, ttl time.Duration) Option {
	return func(m *Manager) {
		m.redis = client
		m.streamLen = maxLen
		m.streamTTL = ttl
	}
}

func NewManager(capacity int, logger *zap.Logger, opts ...Option) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.streamLen <= 0 {
		m.streamLen = int64(capacity)
	}
	if m.streamTTL <= 0 {
		m.streamTTL = 24 * time.Hour
	}
	return m
}

// Subscribe adds a subscriber channel for a task; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(taskID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[taskID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[taskID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(taskID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[taskID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, taskID)
		}
	}
}

// Publish assigns the next sequence number and delivers evt to every
// subscriber without blocking. Slow subscribers miss events and must replay.
func (m *Manager) Publish(taskID string, evt Event) Event {
	evt.TaskID = taskID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	rg := m.history[taskID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[taskID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	// Deliver under the lock so Unsubscribe cannot close a channel mid-send.
	for ch := range m.subscribers[taskID] {
		select {
		case ch <- evt:
		default:
		}
	}
	m.mu.Unlock()

	if m.redis != nil {
		m.mirror(evt)
	}
	return evt
}

func streamKey(taskID string) string { return "autopilot:task:events:" + taskID }

func (m *Manager) mirror(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := streamKey(evt.TaskID)
	_, err := m.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: m.streamLen,
			Approx: true,
			Values: map[string]interface{}{"event": evt.Marshal()},
		})
		p.Expire(ctx, key, m.streamTTL)
		return nil
	})
	if err != nil {
		m.logger.Debug("Event mirror failed",
			zap.String("task_id", evt.TaskID),
			zap.String("type", evt.Type),
			zap.Error(err),
		)
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring
// capacity). Tasks unknown to this process are read back from Redis when
// streams are enabled.
func (m *Manager) ReplaySince(taskID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[taskID]
	var out []Event
	if rg != nil {
		out = rg.since(since)
	}
	m.mu.RUnlock()
	if rg != nil || m.redis == nil {
		return out
	}
	return m.replayFromRedis(taskID, since)
}

func (m *Manager) replayFromRedis(taskID string, since uint64) []Event {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs, err := m.redis.XRange(ctx, streamKey(taskID), "-", "+").Result()
	if err != nil {
		m.logger.Debug("Event replay from redis failed", zap.String("task_id", taskID), zap.Error(err))
		return nil
	}
	var out []Event
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out
}

// Forget drops the in-memory history of a task.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	delete(m.history, taskID)
	m.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
