package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"

	"github.com/starforgehq/starforge-backend/internal/jobs"
	"github.com/starforgehq/starforge-backend/internal/ledger"
	"github.com/starforgehq/starforge-backend/internal/notifications"
	"github.com/starforgehq/starforge-backend/internal/poller"
	"github.com/starforgehq/starforge-backend/internal/provider"
	"github.com/starforgehq/starforge-backend/internal/settlement"
	"github.com/starforgehq/starforge-backend/pkg/config"
	"github.com/starforgehq/starforge-backend/pkg/db"
	"github.com/starforgehq/starforge-backend/pkg/instance"
	"github.com/starforgehq/starforge-backend/pkg/logger"
	"github.com/starforgehq/starforge-backend/pkg/metrics"
	"github.com/starforgehq/starforge-backend/pkg/pubsub"
	"github.com/starforgehq/starforge-backend/pkg/redis"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(ctx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(ctx, "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"instance": instance.GetID(),
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "error closing redis", err)
		}
	}()

	notifier := notifications.NewNoopNotifier()
	if cfg.GCP.ProjectID != "" {
		pubsubClient, psErr := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if psErr != nil {
			logg.Error(ctx, "failed to bootstrap pubsub", psErr)
			os.Exit(1)
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logg.Error(ctx, "error closing pubsub", err)
			}
		}()
		notifier = notifications.NewPubSubNotifier(pubsubClient.JobEventsPublisher(), logg)
	}

	ledgerService, err := ledger.NewService(ledger.NewRepository(dbClient.DB()), dbClient)
	if err != nil {
		logg.Error(ctx, "failed to create ledger service", err)
		os.Exit(1)
	}

	jobsRepo := jobs.NewRepository(dbClient.DB())
	jobMetrics := metrics.NewJobMetrics(nil)

	coordinator, err := settlement.NewCoordinator(ledgerService, jobsRepo, dbClient, notifier, jobMetrics, logg)
	if err != nil {
		logg.Error(ctx, "failed to create settlement coordinator", err)
		os.Exit(1)
	}

	providerClient, err := provider.NewClient(cfg.Provider, logg)
	if err != nil {
		logg.Error(ctx, "failed to create provider client", err)
		os.Exit(1)
	}

	jobLeases, err := poller.NewJobLeases(redisClient, cfg.Jobs.PollLeaseTTL)
	if err != nil {
		logg.Error(ctx, "failed to create job lease registry", err)
		os.Exit(1)
	}

	progressCache := poller.NewCache(cfg.Jobs.ProgressRetention)
	jobPoller := poller.New(providerClient, coordinator, progressCache, cfg.Provider, jobMetrics, logg)
	supervisor := poller.NewSupervisor(jobPoller, jobsRepo, coordinator, jobLeases, logg)

	service, err := NewService(ServiceParams{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Redis:      redisClient,
		Supervisor: supervisor,
	})
	if err != nil {
		logg.Error(ctx, "failed to create worker service", err)
		os.Exit(1)
	}

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(context.Background(), "worker shutting down gracefully")
}
