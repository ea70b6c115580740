package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/circuitbreaker"
)

// RedisStore keeps each record as a string value plus a metadata hash.
//
//	<ns>:rec:<key>   -> data
//	<ns>:meta:<key>  -> metadata hash
type RedisStore struct {
	client *circuitbreaker.RedisWrapper
	ns     string
	logger *zap.Logger
}

// NewRedisStore wraps client with a circuit breaker and stores under namespace.
func NewRedisStore(client *redis.Client, namespace string, logger *zap.Logger) *RedisStore {
	if namespace == "" {
		namespace = "autopilot"
	}
	return &RedisStore{
		client: circuitbreaker.NewRedisWrapper(client, "durable-store", logger),
		ns:     namespace,
		logger: logger,
	}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) dataKey(key string) string { return s.ns + ":rec:" + key }
func (s *RedisStore) metaKey(key string) string { return s.ns + ":meta:" + key }

func (s *RedisStore) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	if err := s.client.SetWithMeta(ctx, s.dataKey(key), data, s.metaKey(key), metadata, 0); err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Search(ctx context.Context, q Query) ([]Record, error) {
	pattern := s.dataKey(escapeGlob(q.Prefix)) + "*"
	trim := len(s.dataKey(""))

	var out []Record
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, full := range keys {
			key := full[trim:]
			data, err := s.client.Get(ctx, full).Bytes()
			if errors.Is(err, redis.Nil) {
				continue // deleted between SCAN and GET
			}
			if err != nil {
				return nil, fmt.Errorf("redis get %s: %w", key, err)
			}
			meta, err := s.client.HGetAll(ctx, s.metaKey(key)).Result()
			if err != nil {
				return nil, fmt.Errorf("redis meta %s: %w", key, err)
			}
			r := Record{Key: key, Data: data, Metadata: meta}
			if q.Matches(r) {
				out = append(out, r)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return Finish(q, out), nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	all := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		all = append(all, s.dataKey(k), s.metaKey(k))
	}
	if err := s.client.Del(ctx, all...).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
