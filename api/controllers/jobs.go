package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starforgehq/starforge-backend/api/middleware"
	"github.com/starforgehq/starforge-backend/api/responses"
	"github.com/starforgehq/starforge-backend/api/validators"
	"github.com/starforgehq/starforge-backend/internal/settlement"
	"github.com/starforgehq/starforge-backend/pkg/db/models"
	"github.com/starforgehq/starforge-backend/pkg/logger"
	"github.com/starforgehq/starforge-backend/pkg/pagination"
)

type jobRequest struct {
	Cost       int64          `json:"cost" validate:"required,gt=0"`
	Parameters map[string]any `json:"parameters"`
}

// RequestGenerationJob charges the caller and queues an image generation
// job. Insufficient balance is a normal decision branch for the client, not
// a server fault.
func RequestGenerationJob(svc settlement.Service, logg *logger.Logger) http.HandlerFunc {
	return requestJob(logg, svc.RequestGeneration)
}

// RequestTrainingJob charges the caller and queues a model training job.
func RequestTrainingJob(svc settlement.Service, logg *logger.Logger) http.HandlerFunc {
	return requestJob(logg, svc.RequestTraining)
}

type jobStarter func(ctx context.Context, input settlement.JobRequest) (*models.Job, error)

func requestJob(logg *logger.Logger, start jobStarter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := middleware.AccountIDFromContext(r.Context())

		var body jobRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		job, err := start(r.Context(), settlement.JobRequest{
			AccountID:  accountID,
			Cost:       body.Cost,
			Parameters: body.Parameters,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]any{"job": job})
	}
}

// JobStatus returns the merged durable state and advisory progress of a job.
func JobStatus(svc settlement.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := validators.ParsePathUUID(chi.URLParam(r, "jobID"), "jobID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status, err := svc.GetJobStatus(r.Context(), jobID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, status)
	}
}

// CancelJob fails a running job on the caller's behalf; the refund lands
// before the response is written.
func CancelJob(svc settlement.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := middleware.AccountIDFromContext(r.Context())
		jobID, err := validators.ParsePathUUID(chi.URLParam(r, "jobID"), "jobID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if err := svc.CancelJob(r.Context(), accountID, jobID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"status": "cancelled"})
	}
}

// ListJobs pages through the caller's jobs, newest first.
func ListJobs(svc settlement.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := middleware.AccountIDFromContext(r.Context())

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.ListJobs(r.Context(), settlement.ListJobsParams{
			AccountID: accountID,
			Limit:     limit,
			Cursor:    validators.SanitizeString(r.URL.Query().Get("cursor"), 256),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
