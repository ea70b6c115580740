package health

import (
	"context"
	"time"
)

// Pinger is anything with a connectivity probe: the redis and sql stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a backend unhealthy when its ping fails and degraded
// when it answers slowly.
type PingChecker struct {
	name     string
	pinger   Pinger
	critical bool
	slow     time.Duration
}

func NewPingChecker(name string, p Pinger, critical bool) *PingChecker {
	return &PingChecker{name: name, pinger: p, critical: critical, slow: 100 * time.Millisecond}
}

func (c *PingChecker) Name() string           { return c.name }
func (c *PingChecker) IsCritical() bool       { return c.critical }
func (c *PingChecker) Timeout() time.Duration { return 5 * time.Second }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := c.pinger.Ping(ctx)
	latency := time.Since(start)
	details := map[string]interface{}{"latency_ms": latency.Milliseconds()}
	switch {
	case err != nil:
		return CheckResult{Status: StatusUnhealthy, Message: c.name + " ping failed", Error: err.Error(), Details: details}
	case latency > c.slow:
		return CheckResult{Status: StatusDegraded, Message: c.name + " responding with high latency", Details: details}
	}
	return CheckResult{Status: StatusHealthy, Message: c.name + " healthy", Details: details}
}

// FuncChecker adapts a function. A nil error is healthy.
type FuncChecker struct {
	name     string
	critical bool
	fn       func(ctx context.Context) (map[string]interface{}, error)
}

func NewFuncChecker(name string, critical bool, fn func(ctx context.Context) (map[string]interface{}, error)) *FuncChecker {
	return &FuncChecker{name: name, critical: critical, fn: fn}
}

func (c *FuncChecker) Name() string           { return c.name }
func (c *FuncChecker) IsCritical() bool       { return c.critical }
func (c *FuncChecker) Timeout() time.Duration { return 2 * time.Second }

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	details, err := c.fn(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Details: details}
	}
	return CheckResult{Status: StatusHealthy, Details: details}
}
