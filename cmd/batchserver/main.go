// Command batchserver is the multi-tenant HTTP control plane plus
// queue-driven worker process (spec.md §1 "a multi-tenant HTTP
// control plane that persists jobs, stores files in an object store,
// and dispatches work to worker processes through a database-backed
// task queue"). Wiring sequence follows the teacher's
// internal/app.New()/internal/inference/app.New(): config -> logger ->
// db -> stores -> services -> router -> server, collapsed into a
// single binary that both serves the API and runs the dispatcher
// loop, since this domain has no separate API-only deployment mode.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/batchlm/engine/internal/batch/admission"
	"github.com/batchlm/engine/internal/batch/lm"
	"github.com/batchlm/engine/internal/batch/lm/mock"
	"github.com/batchlm/engine/internal/batch/lm/oaihttp"
	"github.com/batchlm/engine/internal/batch/usage"
	"github.com/batchlm/engine/internal/dispatcher"
	"github.com/batchlm/engine/internal/httpapi"
	"github.com/batchlm/engine/internal/objectstore"
	"github.com/batchlm/engine/internal/platform/config"
	"github.com/batchlm/engine/internal/platform/logger"
	"github.com/batchlm/engine/internal/platform/pgdb"
	"github.com/batchlm/engine/internal/platform/shutdown"
	"github.com/batchlm/engine/internal/platform/tracing"
	"github.com/batchlm/engine/internal/queue/gormqueue"
	"github.com/batchlm/engine/internal/secrets"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "batchserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	shutdownTracing := tracing.Init(context.Background(), log, tracing.Config{
		ServiceName: "batchlm-server",
		Environment: cfg.Env,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	db, err := pgdb.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	if err := pgdb.AutoMigrate(db); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}

	jobs := gormqueue.NewJobStore(db, log)
	tasks := gormqueue.NewTaskStore(db, log)

	vault, err := secrets.NewVault(cfg.SecretBoxKeyHex, "batchlm", 24*time.Hour)
	if err != nil {
		return fmt.Errorf("init secrets vault: %w", err)
	}

	prices := defaultPriceTable()

	var ledger usage.Ledger = usage.NewGormLedger(db)
	if cfg.RedisURL != "" {
		rdb, err := usage.NewRedisClient(context.Background(), cfg.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, falling back to uncached usage ledger", "error", err)
		} else {
			ledger = usage.NewCachedLedger(ledger, rdb, time.Minute)
		}
	}

	adm := admission.New(admission.Policy{
		AllowedModels:     toSet(cfg.Admission.AllowedModels),
		ModerationEnabled: cfg.Admission.ContentModeration,
		BudgetEnforcement: cfg.Admission.MonthlyBudgetEnforcement,
		MaxJobUnits:       cfg.Admission.MaxJobUnits,
		Prices:            prices,
	}, ledger)

	var store objectstore.Store
	if cfg.ObjectStoreBucket != "" {
		store, err = objectstore.NewGCSStore(context.Background(), cfg.ObjectStoreBucket)
		if err != nil {
			return fmt.Errorf("init object store: %w", err)
		}
	} else {
		log.Warn("object_store_bucket not set, using in-memory object store (dev only)")
		store = objectstore.NewMemStore()
	}

	lmClient, err := buildLMClient(cfg)
	if err != nil {
		return fmt.Errorf("init lm client: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics := dispatcher.NewMetrics(reg)

	disp := dispatcher.New(tasks, jobs, store, vault, ledger, adm, lmClient, log, metrics, dispatcher.Options{
		Concurrency:          cfg.ConcurrencyDefault,
		PollInterval:         cfg.Queue.PollInterval.Duration,
		StaleTaskTimeout:     cfg.Queue.StuckTaskTimeout.Duration,
		MaxAttempts:          cfg.Queue.MaxAttempts,
		HeartbeatInterval:    cfg.Queue.HeartbeatInterval.Duration,
		FlushEveryResults:    cfg.Queue.FlushEveryResults,
		FlushEveryInterval:   cfg.Queue.FlushEveryInterval.Duration,
		DrainDeadline:        cfg.Queue.DrainDeadline.Duration,
		CheckpointRoot:       cfg.CheckpointRoot,
		DeadLetterRescanCron: cfg.Queue.DeadLetterRescanCron,
	})

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Health:         httpapi.NewHealthHandler(),
		Jobs:           httpapi.NewJobHandler(log, jobs, tasks, vault, adm, cfg.Queue.MaxAttempts),
		Files:          httpapi.NewFileHandler(log, store),
		MetricsEnabled: cfg.HTTP.MetricsEnabled,
		MetricsReg:     reg,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout.Duration,
		IdleTimeout:       cfg.HTTP.IdleTimeout.Duration,
	}

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	go disp.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info("control plane listening", "addr", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// buildLMClient mirrors cmd/batchcli's buildClient: an OpenAI-compatible
// HTTP engine when BATCHLM_API_KEY is set, otherwise a deterministic
// mock engine so the control plane is runnable without upstream
// credentials during local development.
func buildLMClient(cfg *config.Config) (lm.Client, error) {
	apiKey := os.Getenv("BATCHLM_API_KEY")
	if apiKey == "" {
		return mock.New(), nil
	}
	return oaihttp.New(oaihttp.Config{
		BaseURL:             envOr("BATCHLM_API_BASE_URL", "https://api.openai.com"),
		APIKey:              apiKey,
		ChatCompletionsPath: envOr("BATCHLM_CHAT_COMPLETIONS_PATH", "/v1/chat/completions"),
		BackoffBase:         cfg.Retry.BaseDelay.Duration,
		BackoffCap:          cfg.Retry.MaxDelay.Duration,
		BackoffJitter:       cfg.Retry.Jitter.Duration,
	})
}

func defaultPriceTable() lm.PriceTable {
	return lm.PriceTable{
		"gpt-4o-mini": {PromptPerMillion: 0.15, CompletionPerMillion: 0.6},
		"gpt-4o":      {PromptPerMillion: 2.5, CompletionPerMillion: 10},
	}
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
