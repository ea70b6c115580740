package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with a circuit breaker. redis.Nil is a
// normal answer and never trips the breaker.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper for service using CB_REDIS_* settings.
func NewRedisWrapper(client *redis.Client, service string, logger *zap.Logger) *RedisWrapper {
	config := FromEnv("redis", StoreDefaults).ToConfig(service)
	config.IsFailure = func(err error) bool { return !errors.Is(err, redis.Nil) }
	return &RedisWrapper{
		client: client,
		cb:     NewCircuitBreaker("redis", config, logger),
		logger: logger,
	}
}

func (rw *RedisWrapper) run(ctx context.Context, cmd redis.Cmder, fn func() error) {
	if err := rw.cb.Execute(ctx, fn); err != nil && cmd.Err() == nil {
		cmd.SetErr(err)
	}
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	result := redis.NewStatusCmd(ctx)
	rw.run(ctx, result, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	})
	return result
}

// Get wraps Redis Get with circuit breaker
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	result := redis.NewStringCmd(ctx)
	rw.run(ctx, result, func() error {
		result = rw.client.Get(ctx, key)
		return result.Err()
	})
	return result
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	result := redis.NewIntCmd(ctx)
	rw.run(ctx, result, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	})
	return result
}

// HGetAll wraps Redis HGetAll with circuit breaker
func (rw *RedisWrapper) HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd {
	result := redis.NewStringStringMapCmd(ctx)
	rw.run(ctx, result, func() error {
		result = rw.client.HGetAll(ctx, key)
		return result.Err()
	})
	return result
}

// Scan wraps one SCAN page with circuit breaker
func (rw *RedisWrapper) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	result := redis.NewScanCmd(ctx, nil)
	rw.run(ctx, result, func() error {
		result = rw.client.Scan(ctx, cursor, match, count)
		return result.Err()
	})
	return result
}

// TxPipelined runs fn in a MULTI/EXEC block with circuit breaker
func (rw *RedisWrapper) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	return rw.cb.Execute(ctx, func() error {
		_, err := rw.client.TxPipelined(ctx, fn)
		return err
	})
}

// SetWithMeta writes a value and its metadata hash atomically.
func (rw *RedisWrapper) SetWithMeta(ctx context.Context, key string, value []byte, metaKey string, meta map[string]string, ttl time.Duration) error {
	return rw.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, value, ttl)
		p.Del(ctx, metaKey)
		if len(meta) > 0 {
			fields := make([]interface{}, 0, len(meta)*2)
			for k, v := range meta {
				fields = append(fields, k, v)
			}
			p.HSet(ctx, metaKey, fields...)
			if ttl > 0 {
				p.Expire(ctx, metaKey, ttl)
			}
		}
		return nil
	})
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
