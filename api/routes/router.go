package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/starforgehq/starforge-backend/api/controllers"
	"github.com/starforgehq/starforge-backend/api/middleware"
	"github.com/starforgehq/starforge-backend/internal/ledger"
	"github.com/starforgehq/starforge-backend/internal/settlement"
	"github.com/starforgehq/starforge-backend/pkg/config"
	"github.com/starforgehq/starforge-backend/pkg/db"
	"github.com/starforgehq/starforge-backend/pkg/logger"
	"github.com/starforgehq/starforge-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	ledgerService ledger.Service,
	jobService settlement.Service,
	registry *prometheus.Registry,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	var redisPinger redis.Pinger
	if redisClient != nil {
		redisPinger = redisClient
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisPinger))
	})

	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AccountContext(logg))
		if redisClient != nil {
			r.Use(middleware.Idempotency(redisClient, logg))
		}

		r.Route("/wallet", func(r chi.Router) {
			r.Get("/balance", controllers.WalletBalance(ledgerService, logg))
			r.Get("/history", controllers.WalletHistory(ledgerService, logg))
			r.Post("/purchase", controllers.WalletPurchase(ledgerService, logg))
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", controllers.ListJobs(jobService, logg))
			r.Post("/generation", controllers.RequestGenerationJob(jobService, logg))
			r.Post("/training", controllers.RequestTrainingJob(jobService, logg))
			r.Get("/{jobID}", controllers.JobStatus(jobService, logg))
			r.Post("/{jobID}/cancel", controllers.CancelJob(jobService, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.AccountContext(logg))
		if redisClient != nil {
			r.Use(middleware.Idempotency(redisClient, logg))
		}

		r.Post("/accounts/{accountID}/grant", controllers.AdminGrantStars(ledgerService, logg))
	})

	return r
}
