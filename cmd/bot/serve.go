package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"clonehost/internal/access"
	"clonehost/internal/config"
	"clonehost/internal/corpus"
	"clonehost/internal/crypto"
	"clonehost/internal/engine"
	"clonehost/internal/language"
	"clonehost/internal/metrics"
	"clonehost/internal/prefs"
	"clonehost/internal/providers/registry"
	"clonehost/internal/queue"
	clones "clonehost/internal/registry"
	"clonehost/internal/storage"
	"clonehost/internal/supervisor"
	"clonehost/internal/telegram"
	"clonehost/internal/worker"
)

const workerConcurrency = 4

func serve(ctx context.Context, cfg *config.Config) error {
	log.Info().
		Str("db_driver", cfg.DB.Driver).
		Int64("owner_id", cfg.OwnerID).
		Bool("extended", cfg.ExtendedBotToken != "").
		Msg("starting clonehost")

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	sealer, err := crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		return fmt.Errorf("initialize sealer: %w", err)
	}

	m := metrics.Global()
	reg := clones.New(clones.Config{Store: store, Sealer: sealer, Logger: log.Logger})
	// Owner checks read the mirror, so it must be filled before commands arrive.
	if _, err := reg.ListAll(ctx); err != nil {
		return fmt.Errorf("load clones: %w", err)
	}
	responses := corpus.New(store, log.Logger)
	if err := responses.Load(ctx); err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}
	chatPrefs := prefs.New(store)
	if err := chatPrefs.Load(ctx); err != nil {
		return fmt.Errorf("load chat preferences: %w", err)
	}
	acl := access.New(cfg.OwnerID, store)
	if err := acl.Load(ctx); err != nil {
		return fmt.Errorf("load sudoers: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.External.Timeout}
	detector, err := registry.BuildDetector(registry.BuildOptions{
		Kind:        cfg.Detect.Kind,
		URL:         cfg.Detect.URL,
		APIKey:      cfg.Detect.APIKey,
		Model:       cfg.Detect.Model,
		HTTPClient:  httpClient,
		MaxRetries:  cfg.External.MaxRetries,
		BackoffBase: cfg.External.BackoffBase,
	})
	if err != nil {
		return err
	}
	translator, err := registry.BuildTranslator(registry.BuildOptions{
		Kind:        cfg.Translate.Kind,
		URL:         cfg.Translate.URL,
		APIKey:      cfg.Translate.APIKey,
		Model:       cfg.Translate.Model,
		HTTPClient:  httpClient,
		MaxRetries:  cfg.External.MaxRetries,
		BackoffBase: cfg.External.BackoffBase,
	})
	if err != nil {
		return err
	}

	pipeline := language.New(language.Config{
		Detector:   detector,
		Limiter:    queue.NewRateLimiter(rdb, "detect", cfg.Detect.RatePerHour),
		BufferSize: cfg.Detect.BufferSize,
		BufferTTL:  cfg.Detect.BufferTTL,
		MinTexts:   cfg.Detect.MinTexts,
		MaxChats:   cfg.Detect.MaxChats,
		Timeout:    cfg.External.Timeout,
		Logger:     log.Logger,
	})
	chatEngine := engine.New(engine.Config{
		Corpus:     responses,
		Prefs:      chatPrefs,
		Translator: translator,
		Sampler:    pipeline,
		Timeout:    cfg.External.Timeout,
		Logger:     log.Logger,
	})

	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.LifecycleStream, cfg.Redis.LifecycleGroup, cfg.Redis.ConsumerName, cfg.Redis.QueueBlock)
	if err := jobQueue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("create lifecycle group: %w", err)
	}

	primaryID, err := clones.InstanceIDFromToken(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("BOT_TOKEN: %w", err)
	}
	reserved := []string{primaryID}
	extendedID := ""
	if cfg.ExtendedBotToken != "" {
		extendedID, err = clones.InstanceIDFromToken(cfg.ExtendedBotToken)
		if err != nil {
			return fmt.Errorf("EXTENDED_BOT_TOKEN: %w", err)
		}
		reserved = append(reserved, extendedID)
	}

	svc := telegram.NewService(telegram.Config{
		Store:         store,
		Registry:      reg,
		Queue:         jobQueue,
		Corpus:        responses,
		Prefs:         chatPrefs,
		Pipeline:      pipeline,
		Access:        acl,
		CloneLimiter:  queue.NewRateLimiter(rdb, "clone", cfg.Rate.ClonesPerHour),
		Redis:         rdb,
		Logger:        log.Logger,
		Metrics:       m,
		ReservedIDs:   reserved,
		AdminCacheTTL: cfg.Redis.AdminCacheTTL,
		WizardTTL:     cfg.Redis.WizardTTL,
	})
	connector := telegram.NewConnector(telegram.ConnectorConfig{
		Service: svc,
		Dedupe:  queue.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL),
		Metrics: m,
		Logger:  log.Logger,
	})
	sup := supervisor.New(supervisor.Config{
		Connector:    connector,
		Handler:      chatEngine,
		Registry:     reg,
		StartTimeout: cfg.Instances.StartTimeout,
		Grace:        cfg.Instances.ShutdownGrace,
		Concurrency:  cfg.Instances.StartConcurrency,
		Logger:       log.Logger,
	})
	svc.UseInstances(sup)

	if err := sup.StartOne(ctx, supervisor.Credential{
		InstanceID: primaryID,
		OwnerID:    cfg.OwnerID,
		Token:      cfg.BotToken,
		Kind:       supervisor.KindPrimary,
	}); err != nil {
		return fmt.Errorf("start primary bot: %w", err)
	}
	log.Info().Str("instance_id", primaryID).Msg("primary bot started")

	if extendedID != "" {
		if err := sup.StartOne(ctx, supervisor.Credential{
			InstanceID: extendedID,
			OwnerID:    cfg.OwnerID,
			Token:      cfg.ExtendedBotToken,
			Kind:       supervisor.KindExtended,
		}); err != nil {
			log.Error().Err(err).Str("instance_id", extendedID).Msg("extended bot failed to start")
		}
	}

	report, err := sup.RestartBots(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to start clones")
	} else {
		log.Info().Int("started", report.Started).Int("failed", len(report.Failed)).Msg("clones started")
		if err := connector.Notify(ctx, cfg.OwnerID, telegram.ReportText(report)); err != nil {
			log.Warn().Err(err).Msg("failed to send startup report")
		}
	}

	errCh := make(chan error, 2)
	w := worker.New(worker.Config{
		Queue:      jobQueue,
		Registry:   reg,
		Supervisor: sup,
		Notifier:   connector,
		Logger:     log.Logger,
		Metrics:    m,
	})
	go func() {
		if err := w.Start(ctx, workerConcurrency); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("worker failed: %w", err)
		}
	}()
	log.Info().Int("concurrency", workerConcurrency).Msg("worker started")

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HTTP.HealthPath, healthHandler(sup))
	mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("runtime error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Instances.ShutdownGrace+5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}
	stopped := sup.StopAll(shutdownCtx)
	for _, f := range stopped.Failed {
		log.Warn().Err(f.Cause).Str("instance_id", f.InstanceID).Msg("instance did not stop cleanly")
	}
	if err := pipeline.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("language detections still running at shutdown")
	}

	log.Info().Int("instances", stopped.Stopped).Msg("stopped")
	return runErr
}

type healthCounts interface {
	Counts() map[supervisor.Status]int
}

func healthHandler(sup healthCounts) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"instances": sup.Counts(),
		})
	}
}
