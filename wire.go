package main

import (
	"context"
	"fmt"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	redisv8 "github.com/go-redis/redis/v8"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/autonomous"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/config"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/contextstore"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/db"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/health"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/session"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/store"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

// newLogger builds the process logger. The returned level is adjusted on
// configuration reload.
func newLogger(c config.LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, level, err
	}
	zc.Level = level
	logger, err := zc.Build()
	return logger, level, err
}

func openStore(ctx context.Context, c config.StoreConfig, hm *health.Manager, logger *zap.Logger) (store.Store, func(), error) {
	switch c.Backend {
	case "redis":
		client := redisv8.NewClient(&redisv8.Options{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB})
		rs := store.NewRedisStore(client, c.Prefix, logger)
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("Redis durable store not reachable yet", zap.String("addr", c.Redis.Addr), zap.Error(err))
		}
		hm.Register(health.NewPingChecker("store", rs, true))
		logger.Info("Durable store: redis", zap.String("addr", c.Redis.Addr))
		return rs, func() { _ = rs.Close() }, nil
	case "postgres", "sqlite":
		client, err := db.Open(ctx, db.Config{Driver: c.Backend, DSN: c.DSN}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s store: %w", c.Backend, err)
		}
		hm.Register(health.NewPingChecker("store", client, true))
		return client, func() { _ = client.Close() }, nil
	default:
		logger.Info("Durable store: memory (state is lost on restart)")
		return store.NewMemoryStore(), func() {}, nil
	}
}

// openContextStore returns a nil store for backend "none"; consumers fall
// back to a no-op store.
func openContextStore(c config.ContextStoreConfig, hm *health.Manager, logger *zap.Logger) (contextstore.Store, func()) {
	switch c.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB})
		hm.Register(health.NewFuncChecker("context_store", false, func(ctx context.Context) (map[string]interface{}, error) {
			return nil, client.Ping(ctx).Err()
		}))
		return contextstore.NewRedisStore(client, c.MaxInteractions, nil, logger), func() { _ = client.Close() }
	case "memory":
		return contextstore.NewMemoryStore(c.MaxInteractions, nil), func() {}
	default:
		logger.Info("Context store disabled")
		return nil, func() {}
	}
}

// buildLLM orders the keyed providers with the configured one first.
func buildLLM(c config.LLMConfig, logger *zap.Logger) *llm.Chain {
	if c.Provider == "none" {
		return llm.NewChain(logger)
	}
	var openai, anthropic llm.Client
	if c.OpenAIAPIKey != "" {
		opts := []openaiopt.RequestOption{openaiopt.WithAPIKey(c.OpenAIAPIKey)}
		if c.OpenAIBaseURL != "" {
			opts = append(opts, openaiopt.WithBaseURL(c.OpenAIBaseURL))
		}
		openai = llm.NewOpenAIClient(llm.ModelsFromConfig(c.Models), int64(c.MaxTokens), logger, opts...)
	}
	if c.AnthropicAPIKey != "" {
		anthropic = llm.NewAnthropicClient(llm.ModelsFromConfig(c.AnthropicModels), int64(c.MaxTokens), logger,
			anthropicopt.WithAPIKey(c.AnthropicAPIKey))
	}
	var chain *llm.Chain
	if c.Provider == "anthropic" {
		chain = llm.NewChain(logger, anthropic, openai)
	} else {
		chain = llm.NewChain(logger, openai, anthropic)
	}
	if chain.Len() == 0 {
		logger.Warn("No language model provider has an API key; agent invocations will fail",
			zap.String("provider", c.Provider))
	}
	return chain
}

// registerAgents loads the catalog and binds every agent to the model chain.
// No sandbox backend ships, so sandbox agents answer through the model too.
func registerAgents(r *agents.Registry, c config.AgentsConfig, client llm.Client, logger *zap.Logger) error {
	var (
		catalog *agents.Catalog
		err     error
	)
	if c.CatalogPath != "" {
		catalog, err = agents.LoadCatalog(c.CatalogPath)
	} else {
		catalog, err = agents.DefaultCatalog()
	}
	if err != nil {
		return fmt.Errorf("load agent catalog: %w", err)
	}
	if err := r.RegisterAll(catalog, func(def agents.Definition) agents.Handler {
		if def.Sandbox != "" {
			logger.Debug("Sandbox agent bound to language model", zap.String("agent_id", def.ID))
		}
		return agents.LLMHandler(def, client)
	}); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}
	logger.Info("Agents registered", zap.Int("count", len(r.List())))
	return nil
}

func newEvents(c config.StreamingConfig, logger *zap.Logger) (*streaming.Manager, func()) {
	if !c.RedisEnabled {
		return streaming.NewManager(c.Capacity, logger), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB})
	logger.Info("Task events mirrored to Redis Streams", zap.String("addr", c.Redis.Addr))
	return streaming.NewManager(c.Capacity, logger, streaming.WithRedisStreams(client, c.MaxLen, c.TTL)),
		func() { _ = client.Close() }
}

func sessionPolicy(c config.SessionConfig) session.Policy {
	return session.Policy{
		Retention:          c.Retention,
		DefaultMaxRuntime:  c.DefaultMaxRuntime,
		CheckpointInterval: c.CheckpointInterval,
		ProgressStep:       c.ProgressStep,
		SweepInterval:      c.SweepInterval,
	}
}

func supervisorConfig(c config.SupervisorConfig) autonomous.Config {
	return autonomous.Config{
		TickInterval:          c.TickInterval,
		CheckpointInterval:    c.CheckpointInterval,
		MaxAutoRecovery:       c.MaxAutoRecovery,
		StuckAfter:            c.StuckAfter,
		StuckProgress:         c.StuckProgress,
		OverrunExtendProgress: c.OverrunExtendProgress,
		TerminalRetention:     c.TerminalRetention,
		LeadAgent:             c.LeadAgent,
	}
}
