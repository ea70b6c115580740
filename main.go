package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/collaboration"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/config"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/engine"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/health"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/intelligence"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/session"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("autopilot: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := config.Path()
	boot, err := config.Load(path)
	if err != nil {
		return err
	}
	logger, level, err := newLogger(boot.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	cfgMgr, err := config.NewManager(path, logger)
	if err != nil {
		return err
	}
	cfg := cfgMgr.Current()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	hm := health.NewManager(logger)

	st, closeStore, err := openStore(ctx, cfg.Store, hm, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	contexts, closeContexts := openContextStore(cfg.ContextStore, hm, logger)
	defer closeContexts()

	chain := buildLLM(cfg.LLM, logger)

	registry := agents.NewRegistry(agents.Options{
		Alpha:        cfg.Agents.EMAAlpha,
		DefaultAgent: cfg.Agents.DefaultAgent,
	}, logger)
	if err := registerAgents(registry, cfg.Agents, chain, logger); err != nil {
		return err
	}
	registry.StartAggregation(cfg.Agents.AggregationInterval)
	defer registry.Stop()

	classifierOpts := intelligence.Options{
		PatternCapacity: cfg.Classifier.PatternCapacity,
		KnowledgeTTL:    cfg.Classifier.KnowledgeTTL,
		KnowledgeSize:   cfg.Classifier.KnowledgeSize,
		ContextLimit:    cfg.Classifier.ContextLimit,
	}
	if cfg.Classifier.UseLLMScorer && chain.Len() > 0 {
		classifierOpts.Scorer = intelligence.NewLLMScorer(chain)
	}
	classifier := intelligence.NewClassifier(registry, contexts, classifierOpts, logger)

	orchestrator := collaboration.NewOrchestrator(registry, collaboration.Config{
		ParallelTimeout: cfg.Collaboration.ParallelTimeout,
		MaxConcurrency:  cfg.Collaboration.MaxConcurrency,
	}, logger)

	sessions := session.NewManager(st, sessionPolicy(cfg.Session), nil, logger)
	sessions.Start()
	defer sessions.Stop()

	events, closeEvents := newEvents(cfg.Streaming, logger)
	defer closeEvents()

	eng := engine.New(engine.Deps{
		Classifier: classifier,
		Sessions:   sessions,
		Executor:   orchestrator,
		Agents:     registry,
		Contexts:   contexts,
		Events:     events,
		Store:      st,
		Supervisor: supervisorConfig(cfg.Supervisor),
	}, logger)
	eng.Start()
	defer eng.Stop()

	hm.Register(health.NewFuncChecker("supervisor", false, func(context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{
			"tasks":             eng.Supervisor().Len(),
			"registered_agents": len(registry.List()),
		}, nil
	}))

	cfgMgr.OnChange(func(c *config.Config) {
		if l, err := zapcore.ParseLevel(c.Logging.Level); err == nil {
			level.SetLevel(l)
		}
		sessions.SetPolicy(sessionPolicy(c.Session))
		eng.Supervisor().SetConfig(supervisorConfig(c.Supervisor))
	})
	cfgMgr.Watch()

	mux := http.NewServeMux()
	httpapi.NewHandler(eng, events, logger).RegisterRoutes(mux)
	hm.RegisterRoutes(mux)
	api := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Service.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		logger.Info("HTTP server listening", zap.String("server", name), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go serve("api", api)
	go serve("metrics", metricsSrv)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down autopilot")
	case serveErr = <-errCh:
		logger.Error("Server failed, shutting down", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown", zap.Error(err))
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown", zap.Error(err))
		}
	}
	return serveErr
}
