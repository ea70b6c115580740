// Package store is the durable key/value adapter used for session and
// checkpoint persistence.
package store

import (
	"context"
	"sort"
	"strings"
)

// Record is one persisted blob with its searchable metadata.
type Record struct {
	Key      string
	Data     []byte
	Metadata map[string]string
}

// Query selects records by key prefix and exact metadata matches.
type Query struct {
	Prefix string
	Match  map[string]string
	Limit  int
}

// Store persists opaque blobs. Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error
	Search(ctx context.Context, q Query) ([]Record, error)
	Delete(ctx context.Context, keys ...string) error
}

// Matches reports whether r satisfies q.
func (q Query) Matches(r Record) bool {
	if !strings.HasPrefix(r.Key, q.Prefix) {
		return false
	}
	for k, v := range q.Match {
		if r.Metadata[k] != v {
			return false
		}
	}
	return true
}

// Finish sorts records by key and applies the query limit.
func Finish(q Query, out []Record) []Record {
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
