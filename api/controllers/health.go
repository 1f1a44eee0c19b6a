package controllers

import (
	"context"
	"net/http"

	"github.com/starforgehq/starforge-backend/api/responses"
	"github.com/starforgehq/starforge-backend/pkg/config"
	"github.com/starforgehq/starforge-backend/pkg/db"
	pkgerrors "github.com/starforgehq/starforge-backend/pkg/errors"
	"github.com/starforgehq/starforge-backend/pkg/logger"
	pkgredis "github.com/starforgehq/starforge-backend/pkg/redis"
)

const envHeader = "X-Starforge-Env"

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

func HealthReady(cfg *config.Config, logg *logger.Logger, dbP db.Pinger, redisP pkgredis.Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)

		checks := map[string]string{}
		healthy := true

		checks["database"] = checkDependency(r.Context(), dbP.Ping, &healthy)
		if redisP != nil {
			checks["redis"] = checkDependency(r.Context(), redisP.Ping, &healthy)
		}

		if !healthy {
			responses.WriteError(r.Context(), logg, w,
				pkgerrors.New(pkgerrors.CodeDependency, "dependency not ready").WithDetails(checks))
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}

func checkDependency(ctx context.Context, ping func(context.Context) error, healthy *bool) string {
	if err := ping(ctx); err != nil {
		*healthy = false
		return err.Error()
	}
	return "ok"
}
