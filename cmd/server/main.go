package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vantage-pos/sync-service/internal/api"
	"github.com/vantage-pos/sync-service/internal/breaker"
	"github.com/vantage-pos/sync-service/internal/config"
	"github.com/vantage-pos/sync-service/internal/conflict"
	"github.com/vantage-pos/sync-service/internal/connector"
	"github.com/vantage-pos/sync-service/internal/crypto"
	"github.com/vantage-pos/sync-service/internal/lock"
	"github.com/vantage-pos/sync-service/internal/model"
	"github.com/vantage-pos/sync-service/internal/monitoring"
	"github.com/vantage-pos/sync-service/internal/orchestrator"
	"github.com/vantage-pos/sync-service/internal/store"
	"github.com/vantage-pos/sync-service/internal/syncq"
	"github.com/vantage-pos/sync-service/internal/tenant"
	"github.com/vantage-pos/sync-service/internal/vault"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	applyLogConfig(cfg.Log)

	masterKey, err := cfg.Crypto.MasterKey()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid credential master key")
	}
	cipher, err := crypto.New(masterKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential cipher")
	}

	db, err := store.Open(cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	credRepo := store.NewCredentialRepository(db)
	mappingRepo := store.NewMappingRepository(db)
	queueRepo := store.NewQueueRepository(db)
	stateRepo := store.NewSyncStateRepository(db)
	conflictRepo := store.NewConflictRepository(db)
	auditRepo := store.NewAuditRepository(db)
	identifierRepo := store.NewIdentifierRepository(db)

	defaultTenant := uuid.Nil
	if cfg.Tenant.DefaultTenant != "" {
		defaultTenant, err = uuid.Parse(cfg.Tenant.DefaultTenant)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid default tenant id")
		}
	}
	resolver := tenant.NewResolver(identifierRepo, store.ErrNotFound, rdb, defaultTenant)
	credVault := vault.New(cipher, credRepo, store.ErrNotFound, resolver.InvalidateTenant)

	registry := connector.NewRegistry()
	for _, platform := range []model.Platform{
		model.PlatformPOS, model.PlatformStorefront, model.PlatformLedger,
		model.PlatformPayments, model.PlatformWarehouse,
	} {
		registry.Register(connector.NewRESTConnector(platform, cfg.Sync.DispatchTimeout))
	}

	locks := lock.NewKeyedLock()
	breakers := breaker.New(cfg.Breaker.Threshold, cfg.Breaker.Cooldown)
	conflictResolver := conflict.NewResolver(conflictRepo, queueRepo, auditRepo,
		conflict.StrategyFromName(cfg.Conflict.Strategy))

	entities := orchestrator.NewConnectorEntitySource(credVault, registry)
	orch := orchestrator.New(
		orchestrator.Config{LockWait: cfg.Sync.LockWait, MaxDepth: cfg.Sync.MaxDepth},
		credVault, entities, registry, mappingRepo, stateRepo, auditRepo,
		conflictResolver, breakers, locks,
	)

	queue := syncq.NewQueue(queueRepo, cfg.Sync.QueueCapacity, cfg.Sync.MaxAttempts)
	processor := syncq.NewProcessor(syncq.ProcessorConfig{
		Workers:         cfg.Sync.Workers,
		PollInterval:    cfg.Sync.PollInterval,
		DispatchTimeout: cfg.Sync.DispatchTimeout,
		LockWait:        cfg.Sync.LockWait,
	}, queueRepo, conflictRepo, orch, locks, syncq.NewBackoff(cfg.Sync.BaseDelay, cfg.Sync.MaxDelay))

	monitoring.InitMetrics()
	collector := monitoring.NewCollector(queueRepo, conflictRepo)
	if err := collector.Start(cfg.Stats.CronSchedule); err != nil {
		log.Fatal().Err(err).Msg("Failed to start metrics collector")
	}

	processor.Start()

	handler := api.NewHandler(queue, orch, resolver, credVault, processor,
		conflictRepo, conflictResolver, stateRepo, auditRepo, registry, breakers)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting sync service")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
		log.Info().Int("port", cfg.Server.MetricsPort).Msg("Metrics server started")
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.MetricsPort), mux); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}
	processor.Stop()
	collector.Stop()
	log.Info().Msg("Server exiting")
}

func applyLogConfig(lc config.LogConfig) {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if lc.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
