package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestCheckAggregatesCriticality(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(NewPingChecker("store", pingFunc(func(context.Context) error { return nil }), true))
	m.Register(NewFuncChecker("context_store", false, func(context.Context) (map[string]interface{}, error) {
		return nil, errors.New("connection refused")
	}))

	report := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.True(t, report.Ready)
	assert.Equal(t, StatusUnhealthy, report.Components["context_store"].Status)
	assert.False(t, report.Components["context_store"].Critical)

	m.Register(NewPingChecker("store", pingFunc(func(context.Context) error { return errors.New("down") }), true))
	report = m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.False(t, report.Ready)
}

func TestPingCheckerReportsSlowBackendDegraded(t *testing.T) {
	c := NewPingChecker("store", pingFunc(func(context.Context) error {
		time.Sleep(150 * time.Millisecond)
		return nil
	}), true)
	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)
}

func TestRedisPing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewPingChecker("redis", pingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() }), true)
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	mr.Close()
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(NewPingChecker("store", pingFunc(func(context.Context) error { return errors.New("down") }), true))
	mux := http.NewServeMux()
	m.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body["status"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
