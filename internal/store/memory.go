package store

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte, metadata map[string]string) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	m.mu.Lock()
	m.records[key] = Record{Key: key, Data: buf, Metadata: cloneMeta(metadata)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Search(_ context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if q.Matches(r) {
			buf := make([]byte, len(r.Data))
			copy(buf, r.Data)
			out = append(out, Record{Key: r.Key, Data: buf, Metadata: cloneMeta(r.Metadata)})
		}
	}
	return Finish(q, out), nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.records, k)
	}
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
