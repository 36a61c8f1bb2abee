package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/analyticsrec"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/config"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/directory"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/disambiguation"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/feeengine"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/logger"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/memory"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/observability"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/orchestrator"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/provider"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/redisclient"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/retrieval"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/router"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/ruledb"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/seed"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("core starting")

	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("redis client init failed")
	}
	if err := rc.Ping(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — disambiguation stays on the redis backend and its token operations fail until redis is reachable")
	} else {
		log.Info().Msg("redis connected")
	}

	feeStore := loadFeeStore(cfg, log)

	disambigStore := disambiguation.New(disambiguation.NewRedisBackend(rc))

	feeResolver := feeengine.New(feeStore, disambigStore, cfg.DisambiguationTTL)

	source := retrieval.NewStaticSource(seed.KnowledgeBase())
	retrievalClient, err := retrieval.New(log, source, cfg.RetrievalCacheTTL, cfg.FinancialSourcePatternCSV)
	if err != nil {
		log.Fatal().Err(err).Msg("retrieval client init failed")
	}
	if cfg.RetrievalCachePersistent {
		retrievalClient = retrievalClient.WithCacheBackend(retrieval.NewRedisCacheBackend(rc))
		log.Info().Msg("retrieval cache backed by redis")
	}

	directoryStore := directory.New(seed.Employees())
	memoryStore := memory.New(cfg.ConversationHistoryDepth)

	registry := provider.NewRegistry()
	registerProviders(cfg, registry, log)

	metrics := observability.New(log)

	analytics := analyticsrec.New(log, analyticsrec.NopSink{}, analyticsrec.DefaultPipelineConfig())
	analytics.Start(context.Background())

	orchDeps := orchestrator.Dependencies{
		Directory:         directoryStore,
		Retrieval:         retrievalClient,
		FeeResolver:       feeResolver,
		Disambiguation:    disambigStore,
		Memory:            memoryStore,
		Analytics:         analytics,
		Providers:         registry,
		Metrics:           metrics,
		ModelProvider:     cfg.ModelProvider,
		ModelName:         cfg.ModelName,
		Temperature:       cfg.ModelTemperature,
		MaxTokens:         cfg.ModelMaxTokens,
		RetrievalTimeout:  cfg.RetrievalTimeout,
		FeeEngineTimeout:  cfg.FeeEngineTimeout,
		ModelTotalTimeout: cfg.ModelTotalTimeout,
		Logger:            log,
	}
	orch := orchestrator.New(orchDeps)

	r := router.NewRouter(cfg, log, router.Dependencies{
		Orchestrator:   orch,
		OrchDeps:       orchDeps,
		FeeStore:       feeStore,
		Disambiguation: disambigStore,
		FeeEngine:      feeResolver,
		Analytics:      analytics,
		Providers:      registry,
		Redis:          rc,
		Metrics:        metrics,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ModelTotalTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	healthPoller := provider.NewHealthPoller(registry, log, 30*time.Second)
	healthPoller.OnStatusChange(func(name string, healthy bool, status provider.HealthStatus) {
		if healthy {
			log.Info().Str("provider", name).Msg("provider recovered")
		} else {
			log.Error().Str("provider", name).Str("error", status.Error).Msg("provider degraded")
		}
		metrics.TrackProviderHealth(name, healthy)
	})
	healthPoller.Start()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("core listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	healthPoller.Stop()
	analytics.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("core stopped gracefully")
	}
}

// loadFeeStore loads the master fee table from Postgres when DatabaseURL
// is reachable, falling back to the in-process seed table otherwise — so
// a standalone deploy without a provisioned database still serves the
// fee-calculation scenarios this core implements.
func loadFeeStore(cfg *config.Config, log zerolog.Logger) *ruledb.Store {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("postgres pool init failed — using in-process seed fee table")
		return seedFeeStore()
	}
	if err := pool.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("postgres unreachable — using in-process seed fee table")
		pool.Close()
		return seedFeeStore()
	}

	store, err := ruledb.LoadFromPostgres(ctx, pool)
	if err != nil {
		log.Warn().Err(err).Msg("loading fee_rules from postgres failed — using in-process seed fee table")
		pool.Close()
		return seedFeeStore()
	}
	log.Info().Msg("fee rule table loaded from postgres")
	return store
}

func seedFeeStore() *ruledb.Store {
	store := ruledb.New()
	for _, rule := range seed.FeeRules() {
		if err := store.Insert(rule); err != nil {
			panic("seed fee rule violates store invariants: " + err.Error())
		}
	}
	return store
}

func registerProviders(cfg *config.Config, registry *provider.Registry, log zerolog.Logger) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		registry.Register(provider.NewAnthropicProvider(provider.ProviderConfig{
			Name:    "anthropic",
			APIKey:  key,
			Timeout: cfg.ModelTotalTimeout,
		}))
		log.Info().Msg("registered anthropic provider")
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		registry.Register(provider.NewOpenAIProvider(provider.ProviderConfig{
			Name:    "openai",
			APIKey:  key,
			Timeout: cfg.ModelTotalTimeout,
		}))
		log.Info().Msg("registered openai provider")
	}

	log.Info().Int("providers", len(registry.List())).Msg("provider registration complete")
}
