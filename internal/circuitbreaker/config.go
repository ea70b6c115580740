package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings are the tunables of one dependency's breaker.
type Settings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

var (
	// StoreDefaults guard the durable session/checkpoint store.
	StoreDefaults = Settings{MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2}
	// ContextDefaults guard the context (memory) store.
	ContextDefaults = Settings{MaxRequests: 5, Interval: 30 * time.Second, Timeout: 10 * time.Second, FailureThreshold: 5, SuccessThreshold: 2}
	// LLMDefaults guard language model providers.
	LLMDefaults = Settings{MaxRequests: 3, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 5, SuccessThreshold: 1}
)

// FromEnv overlays CB_<NAME>_* environment variables on defaults, e.g.
// CB_STORE_FAILURE_THRESHOLD=10 or CB_LLM_TIMEOUT=1m.
func FromEnv(name string, defaults Settings) Settings {
	prefix := "CB_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
	return Settings{
		MaxRequests:      getEnvUint32(prefix+"MAX_REQUESTS", defaults.MaxRequests),
		Interval:         getEnvDuration(prefix+"INTERVAL", defaults.Interval),
		Timeout:          getEnvDuration(prefix+"TIMEOUT", defaults.Timeout),
		FailureThreshold: getEnvUint32(prefix+"FAILURE_THRESHOLD", defaults.FailureThreshold),
		SuccessThreshold: getEnvUint32(prefix+"SUCCESS_THRESHOLD", defaults.SuccessThreshold),
	}
}

// ToConfig converts Settings into a breaker Config for service.
func (s Settings) ToConfig(service string) Config {
	return Config{
		MaxRequests:      s.MaxRequests,
		Interval:         s.Interval,
		Timeout:          s.Timeout,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
		Service:          service,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
