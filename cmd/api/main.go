package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/starforgehq/starforge-backend/api/routes"
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
	"github.com/starforgehq/starforge-backend/pkg/migrate"
	"github.com/starforgehq/starforge-backend/pkg/pubsub"
	"github.com/starforgehq/starforge-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	notifier := notifications.NewNoopNotifier()
	if cfg.GCP.ProjectID != "" {
		pubsubClient, psErr := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
		if psErr != nil {
			logg.Error(context.Background(), "failed to bootstrap pubsub", psErr)
			os.Exit(1)
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub", err)
			}
		}()
		notifier = notifications.NewPubSubNotifier(pubsubClient.JobEventsPublisher(), logg)
	} else {
		logg.Warn(context.Background(), "gcp project not configured, job events will not be published")
	}

	registry := prometheus.NewRegistry()
	jobMetrics := metrics.NewJobMetrics(registry)

	ledgerService, err := ledger.NewService(ledger.NewRepository(dbClient.DB()), dbClient)
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	jobsRepo := jobs.NewRepository(dbClient.DB())

	coordinator, err := settlement.NewCoordinator(ledgerService, jobsRepo, dbClient, notifier, jobMetrics, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create settlement coordinator", err)
		os.Exit(1)
	}

	providerClient, err := provider.NewClient(cfg.Provider, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create provider client", err)
		os.Exit(1)
	}

	jobLeases, err := poller.NewJobLeases(redisClient, cfg.Jobs.PollLeaseTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create job lease registry", err)
		os.Exit(1)
	}

	progressCache := poller.NewCache(cfg.Jobs.ProgressRetention)
	jobPoller := poller.New(providerClient, coordinator, progressCache, cfg.Provider, jobMetrics, logg)
	supervisor := poller.NewSupervisor(jobPoller, jobsRepo, coordinator, jobLeases, logg)

	jobService, err := settlement.NewService(coordinator, providerClient, supervisor, progressCache, jobsRepo, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create job service", err)
		os.Exit(1)
	}

	// Pick up jobs that were mid-flight when the previous process died.
	if err := supervisor.Resume(context.Background(), cfg.Jobs.ResumeBatchSize); err != nil {
		logg.Error(context.Background(), "failed to resume running jobs", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: routes.NewRouter(cfg, logg, dbClient, redisClient, ledgerService, jobService, registry),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
