// Command orchestrator runs the scheduling side: router, one worker per
// controlled account, and the lease reaper. It shares the Postgres store
// with the HTTP front-end and needs no other coordination with it.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/browser/stub"
	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/composer"
	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/events"
	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/outreach-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/outreach-orchestrator/internal/config"
	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
	"github.com/fairyhunter13/outreach-orchestrator/internal/scheduler"
	"github.com/fairyhunter13/outreach-orchestrator/internal/service/ratelimiter"
	"github.com/fairyhunter13/outreach-orchestrator/internal/service/secretbox"
	"github.com/fairyhunter13/outreach-orchestrator/internal/usecase"
)

// loadCredentials decrypts the configured account secrets. Values already in
// plaintext pass through untouched per the storage contract.
func loadCredentials(cfg config.Config, box *secretbox.Box) (map[string]string, error) {
	creds := make(map[string]string, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		raw, ok := cfg.CredentialFor(account)
		if !ok {
			slog.Warn("account has no configured credential", slog.String("account", account))
			continue
		}
		if box != nil {
			plain, err := box.Decrypt(raw)
			if err != nil {
				return nil, err
			}
			raw = plain
		}
		creds[account] = raw
	}
	return creds, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	if len(cfg.Accounts) == 0 {
		slog.Error("ACCOUNTS is empty; nothing to schedule")
		os.Exit(1)
	}

	rootCtx := context.Background()
	pool, err := postgres.NewPool(rootCtx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	var publisher domain.EventPublisher = domain.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(rootCtx, cfg.KafkaBrokers)
		if err != nil {
			slog.Error("kafka publisher connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = kp.Close() }()
		publisher = kp
	}

	var box *secretbox.Box
	if cfg.EncryptionMasterKey != "" {
		box, err = secretbox.New(cfg.EncryptionMasterKey)
		if err != nil {
			slog.Error("secretbox init failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
	creds, err := loadCredentials(cfg, box)
	if err != nil {
		slog.Error("credential decryption failed", slog.Any("error", err))
		os.Exit(1)
	}
	browser := stub.New(creds, 0)

	msgComposer, err := composer.New(nil)
	if err != nil {
		slog.Error("composer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	router := scheduler.NewRouter(store, publisher, scheduler.Options{
		MaxInflightPerAccount: cfg.MaxInflightPerAccount,
		WorkerChannelCapacity: cfg.WorkerChannelCapacity,
		TickInterval:          cfg.RouterTickInterval,
		DefaultMaxAttempts:    cfg.TaskMaxAttempts,
		LeaseTTLFor: func(kind domain.JobKind) time.Duration {
			return cfg.LeaseTTLFor(string(kind))
		},
	})
	reaper := scheduler.NewReaper(store, publisher, cfg.LeaseCleanupInterval, cfg.LeaseCleanupMaxPerRun, router.Wake)

	ctx, stop := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); router.Run(ctx) }()
	go func() { defer wg.Done(); reaper.Run(ctx) }()

	allKinds := []domain.JobKind{
		domain.KindAnalyzeProfiles,
		domain.KindSendMessages,
		domain.KindFetchFollowings,
		domain.KindLoginCheck,
	}
	for _, account := range cfg.Accounts {
		limiter := ratelimiter.NewAccountLimiter(ratelimiter.Options{
			HourlyWindow:    cfg.RateWindowHourly,
			HourlyMax:       cfg.RateMaxEventsHourly,
			DailyWindow:     cfg.RateWindowDaily,
			DailyMax:        cfg.RateMaxEventsDaily,
			PerTargetWindow: cfg.PerTargetWindow,
			PerTargetMax:    cfg.PerTargetMaxEvents,
			CooldownMin:     cfg.RateCooldownMin,
			CooldownMax:     cfg.RateCooldownMax,
			MaxWait:         cfg.RateMaxWait,
		})
		dispatcher := scheduler.NewDispatcher(cfg.TaskMaxAttempts,
			usecase.NewAnalyzeProfiles(account, browser, limiter),
			usecase.NewSendDM(account, browser, msgComposer, limiter),
			usecase.NewFetchFollowings(account, browser, limiter),
			usecase.NewLoginCheck(account, browser),
		)
		handle := scheduler.NewWorkerHandle(account, allKinds, cfg.WorkerChannelCapacity)
		worker := scheduler.NewWorker(handle, router, dispatcher, browser, limiter)
		wg.Add(1)
		go func(account string) {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil {
				slog.Error("worker exited", slog.String("account", account), slog.Any("error", err))
			}
		}(account)
	}

	slog.Info("orchestrator running",
		slog.Int("accounts", len(cfg.Accounts)),
		slog.Duration("tick", cfg.RouterTickInterval),
		slog.Duration("reap_interval", cfg.LeaseCleanupInterval))

	<-ctx.Done()
	slog.Info("shutting down; in-flight leases will expire naturally")
	wg.Wait()
}
