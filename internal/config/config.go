package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/tracing"
)

// Config is the full engine configuration.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Tracing       tracing.Config      `mapstructure:"tracing"`
	Store         StoreConfig         `mapstructure:"store"`
	ContextStore  ContextStoreConfig  `mapstructure:"context_store"`
	Streaming     StreamingConfig     `mapstructure:"streaming"`
	Session       SessionConfig       `mapstructure:"session"`
	Supervisor    SupervisorConfig    `mapstructure:"supervisor"`
	Agents        AgentsConfig        `mapstructure:"agents"`
	Collaboration CollaborationConfig `mapstructure:"collaboration"`
	Classifier    ClassifierConfig    `mapstructure:"classifier"`
	LLM           LLMConfig           `mapstructure:"llm"`
}

type ServiceConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig selects the durable session/checkpoint backend.
type StoreConfig struct {
	Backend string      `mapstructure:"backend"` // memory, redis, postgres, sqlite
	Redis   RedisConfig `mapstructure:"redis"`
	DSN     string      `mapstructure:"dsn"`
	Prefix  string      `mapstructure:"prefix"`
}

type ContextStoreConfig struct {
	Backend         string      `mapstructure:"backend"` // none, memory, redis
	Redis           RedisConfig `mapstructure:"redis"`
	MaxInteractions int         `mapstructure:"max_interactions"`
}

// StreamingConfig sizes the task event history. With Redis enabled events are
// mirrored to a capped stream per task so replay survives restarts.
type StreamingConfig struct {
	Capacity     int           `mapstructure:"capacity"`
	RedisEnabled bool          `mapstructure:"redis_enabled"`
	Redis        RedisConfig   `mapstructure:"redis"`
	MaxLen       int64         `mapstructure:"max_len"`
	TTL          time.Duration `mapstructure:"ttl"`
}

type SessionConfig struct {
	Retention          time.Duration `mapstructure:"retention"`
	DefaultMaxRuntime  time.Duration `mapstructure:"default_max_runtime"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	ProgressStep       float64       `mapstructure:"progress_step"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

type SupervisorConfig struct {
	TickInterval          time.Duration `mapstructure:"tick_interval"`
	CheckpointInterval    time.Duration `mapstructure:"checkpoint_interval"`
	MaxAutoRecovery       int           `mapstructure:"max_auto_recovery"`
	StuckAfter            time.Duration `mapstructure:"stuck_after"`
	StuckProgress         float64       `mapstructure:"stuck_progress"`
	OverrunExtendProgress float64       `mapstructure:"overrun_extend_progress"`
	TerminalRetention     time.Duration `mapstructure:"terminal_retention"`
	LeadAgent             string        `mapstructure:"lead_agent"`
}

type AgentsConfig struct {
	CatalogPath         string        `mapstructure:"catalog_path"`
	DefaultAgent        string        `mapstructure:"default_agent"`
	EMAAlpha            float64       `mapstructure:"ema_alpha"`
	AggregationInterval time.Duration `mapstructure:"aggregation_interval"`
}

type CollaborationConfig struct {
	ParallelTimeout time.Duration `mapstructure:"parallel_timeout"`
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
}

type ClassifierConfig struct {
	PatternCapacity int           `mapstructure:"pattern_capacity"`
	KnowledgeTTL    time.Duration `mapstructure:"knowledge_ttl"`
	KnowledgeSize   int           `mapstructure:"knowledge_size"`
	UseLLMScorer    bool          `mapstructure:"use_llm_scorer"`
	ContextLimit    int           `mapstructure:"context_limit"`
}

// LLMConfig configures the language model providers. Keys are read from the
// environment (OPENAI_API_KEY, ANTHROPIC_API_KEY) when left empty.
type LLMConfig struct {
	Provider        string            `mapstructure:"provider"` // openai, anthropic, none; the other keyed provider is the fallback
	OpenAIAPIKey    string            `mapstructure:"openai_api_key"`
	OpenAIBaseURL   string            `mapstructure:"openai_base_url"`
	AnthropicAPIKey string            `mapstructure:"anthropic_api_key"`
	Models          map[string]string `mapstructure:"models"`           // variant -> OpenAI model
	AnthropicModels map[string]string `mapstructure:"anthropic_models"` // variant -> Anthropic model
	MaxTokens       int               `mapstructure:"max_tokens"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("service.http_port", 8090)
	v.SetDefault("service.metrics_port", 2112)
	v.SetDefault("service.shutdown_timeout", 15*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "shannon-autopilot")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.prefix", "autopilot")

	v.SetDefault("context_store.backend", "memory")
	v.SetDefault("context_store.redis.addr", "localhost:6379")
	v.SetDefault("context_store.max_interactions", 200)

	v.SetDefault("streaming.capacity", 256)
	v.SetDefault("streaming.redis_enabled", false)
	v.SetDefault("streaming.redis.addr", "localhost:6379")
	v.SetDefault("streaming.max_len", 1000)
	v.SetDefault("streaming.ttl", 24*time.Hour)

	v.SetDefault("session.retention", 7*24*time.Hour)
	v.SetDefault("session.default_max_runtime", 24*time.Hour)
	v.SetDefault("session.checkpoint_interval", 300*time.Second)
	v.SetDefault("session.progress_step", 25.0)
	v.SetDefault("session.sweep_interval", 5*time.Minute)

	v.SetDefault("supervisor.tick_interval", 60*time.Second)
	v.SetDefault("supervisor.checkpoint_interval", 300*time.Second)
	v.SetDefault("supervisor.max_auto_recovery", 3)
	v.SetDefault("supervisor.stuck_after", time.Hour)
	v.SetDefault("supervisor.stuck_progress", 10.0)
	v.SetDefault("supervisor.overrun_extend_progress", 50.0)
	v.SetDefault("supervisor.terminal_retention", 24*time.Hour)
	v.SetDefault("supervisor.lead_agent", "project-coordinator")

	v.SetDefault("agents.default_agent", "general-assistant")
	v.SetDefault("agents.ema_alpha", 0.1)
	v.SetDefault("agents.aggregation_interval", 30*time.Second)

	v.SetDefault("collaboration.parallel_timeout", 5*time.Minute)
	v.SetDefault("collaboration.max_concurrency", 8)

	v.SetDefault("classifier.pattern_capacity", 100)
	v.SetDefault("classifier.knowledge_ttl", 2*time.Minute)
	v.SetDefault("classifier.knowledge_size", 1024)
	v.SetDefault("classifier.use_llm_scorer", false)
	v.SetDefault("classifier.context_limit", 10)

	v.SetDefault("llm.provider", "none")
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.models", map[string]string{
		"fast":      "gpt-4o-mini",
		"standard":  "gpt-4o",
		"reasoning": "o3-mini",
	})
	v.SetDefault("llm.anthropic_models", map[string]string{
		"fast":      "claude-3-5-haiku-latest",
		"standard":  "claude-3-5-sonnet-latest",
		"reasoning": "claude-3-7-sonnet-latest",
	})
}

// NewViper returns a viper instance with defaults and AUTOPILOT_* env overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("AUTOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Path returns CONFIG_PATH or the default location.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/autopilot.yaml"
}

// Load reads path (if it exists) over the defaults. A missing file is not an
// error; the defaults plus environment overrides are used.
func Load(path string) (*Config, error) {
	v := NewViper()
	if err := read(v, path); err != nil {
		return nil, err
	}
	return decode(v)
}

func read(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnvFallbacks()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvFallbacks() {
	if c.LLM.OpenAIAPIKey == "" {
		c.LLM.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.AnthropicAPIKey == "" {
		c.LLM.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Store.Redis.Password == "" {
		c.Store.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
	if c.ContextStore.Redis.Password == "" {
		c.ContextStore.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
	if c.Streaming.Redis.Password == "" {
		c.Streaming.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.ContextStore.Backend {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("unknown context store backend %q", c.ContextStore.Backend)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic", "none":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if (c.Store.Backend == "postgres" || c.Store.Backend == "sqlite") && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for backend %q", c.Store.Backend)
	}
	if c.Agents.EMAAlpha <= 0 || c.Agents.EMAAlpha > 1 {
		return fmt.Errorf("agents.ema_alpha must be in (0,1], got %v", c.Agents.EMAAlpha)
	}
	if c.Supervisor.MaxAutoRecovery < 0 {
		return fmt.Errorf("supervisor.max_auto_recovery must be >= 0")
	}
	if c.Supervisor.TickInterval <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("tick and sweep intervals must be positive")
	}
	return nil
}
