package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/starforgehq/starforge-backend/internal/jobs"
	"github.com/starforgehq/starforge-backend/internal/poller"
	"github.com/starforgehq/starforge-backend/internal/provider"
	"github.com/starforgehq/starforge-backend/pkg/db/models"
	"github.com/starforgehq/starforge-backend/pkg/enums"
	pkgerrors "github.com/starforgehq/starforge-backend/pkg/errors"
	"github.com/starforgehq/starforge-backend/pkg/logger"
	"github.com/starforgehq/starforge-backend/pkg/pagination"
)

// attacher starts a poller for a submitted job; at most one per job.
type attacher interface {
	Attach(ctx context.Context, jobID uuid.UUID, externalRequestID string) bool
}

// progressReader exposes the advisory progress snapshots.
type progressReader interface {
	Get(jobID uuid.UUID) (poller.Snapshot, bool)
}

// Service is the entry point for job requests. It charges first through the
// coordinator, submits to the provider, and hands the job to the poller.
type Service interface {
	RequestGeneration(ctx context.Context, input JobRequest) (*models.Job, error)
	RequestTraining(ctx context.Context, input JobRequest) (*models.Job, error)
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (*JobStatus, error)
	CancelJob(ctx context.Context, accountID, jobID uuid.UUID) error
	ListJobs(ctx context.Context, params ListJobsParams) (*JobList, error)
}

// JobRequest describes a caller-priced job submission.
type JobRequest struct {
	AccountID  uuid.UUID
	Cost       int64
	Parameters map[string]any
}

// JobStatus merges the durable job record with the advisory progress view.
type JobStatus struct {
	JobID       uuid.UUID      `json:"job_id"`
	Kind        enums.JobKind  `json:"kind"`
	State       enums.JobState `json:"state"`
	Percent     int            `json:"percent"`
	Message     string         `json:"message"`
	Cost        int64          `json:"cost"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// ListJobsParams configures a paginated job listing for one account.
type ListJobsParams struct {
	AccountID uuid.UUID
	Limit     int
	Cursor    string
}

// JobList wraps returned jobs and the cursor for the next page.
type JobList struct {
	Items  []models.Job `json:"items"`
	Cursor string       `json:"cursor"`
}

type service struct {
	coordinator *Coordinator
	provider    provider.Client
	attacher    attacher
	progress    progressReader
	repo        jobs.Repository
	logger      *logger.Logger
}

// NewService wires the job request service.
func NewService(coordinator *Coordinator, client provider.Client, att attacher, progress progressReader, repo jobs.Repository, logg *logger.Logger) (Service, error) {
	if coordinator == nil {
		return nil, errors.New("coordinator required")
	}
	if client == nil {
		return nil, errors.New("provider client required")
	}
	if att == nil {
		return nil, errors.New("poller attacher required")
	}
	if progress == nil {
		return nil, errors.New("progress reader required")
	}
	if repo == nil {
		return nil, errors.New("job repository required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}
	return &service{
		coordinator: coordinator,
		provider:    client,
		attacher:    att,
		progress:    progress,
		repo:        repo,
		logger:      logg,
	}, nil
}

func (s *service) RequestGeneration(ctx context.Context, input JobRequest) (*models.Job, error) {
	return s.request(ctx, enums.JobKindGeneration, input)
}

func (s *service) RequestTraining(ctx context.Context, input JobRequest) (*models.Job, error) {
	return s.request(ctx, enums.JobKindTraining, input)
}

func (s *service) request(ctx context.Context, kind enums.JobKind, input JobRequest) (*models.Job, error) {
	job, err := s.coordinator.StartJob(ctx, input.AccountID, kind, input.Cost)
	if err != nil {
		return nil, err
	}
	ctx = s.logger.WithJobID(ctx, job.ID.String())

	externalID, err := s.provider.Submit(ctx, provider.SubmitInput{
		Kind:       kind,
		Parameters: input.Parameters,
	})
	if err != nil {
		// the account was already charged; a rejected submission settles
		// as a failure so the refund happens before the caller hears back
		s.logger.Error(ctx, "submitting job to provider", err)
		if failErr := s.coordinator.FailJob(ctx, job.ID, "provider rejected the job"); failErr != nil {
			s.logger.Error(ctx, "failing unsubmittable job", failErr)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "submit job")
	}

	if err := s.repo.AttachExternalID(ctx, job.ID, externalID); err != nil {
		s.logger.Error(ctx, "recording external request id", err)
	}
	job.ExternalRequestID = &externalID

	// the poller outlives the request that spawned it
	s.attacher.Attach(context.WithoutCancel(ctx), job.ID, externalID)
	return job, nil
}

func (s *service) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	if jobID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "job id required")
	}
	job, err := s.repo.FindJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{
		JobID:       job.ID,
		Kind:        job.Kind,
		State:       job.State,
		Cost:        job.Cost,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}

	if snapshot, ok := s.progress.Get(jobID); ok {
		status.Percent = snapshot.Percent
		status.Message = snapshot.Message
		return status, nil
	}

	// no snapshot: degrade to what the durable record alone can say
	switch job.State {
	case enums.JobStateCompleted:
		status.Percent = 100
		status.Message = "completed"
	case enums.JobStateFailed:
		if job.LastError != nil {
			status.Message = *job.LastError
		} else {
			status.Message = "failed"
		}
	default:
		status.Message = job.State.String()
	}
	return status, nil
}

func (s *service) CancelJob(ctx context.Context, accountID, jobID uuid.UUID) error {
	if accountID == uuid.Nil || jobID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "account id and job id required")
	}
	job, err := s.repo.FindJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.AccountID != accountID {
		return pkgerrors.New(pkgerrors.CodeNotFound, "job not found")
	}
	if job.State.IsTerminal() {
		return pkgerrors.New(pkgerrors.CodeConflict, "job already finished")
	}
	return s.coordinator.FailJob(ctx, jobID, "cancelled by user")
}

func (s *service) ListJobs(ctx context.Context, params ListJobsParams) (*JobList, error) {
	if params.AccountID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id required")
	}

	query := jobs.ListByAccountParams{
		AccountID: params.AccountID,
		Limit:     params.Limit,
	}
	if params.Cursor != "" {
		cursor, err := pagination.ParseCursor(params.Cursor)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
		}
		query.Cursor = cursor
	}

	items, next, err := s.repo.ListByAccount(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list jobs")
	}

	cursor := ""
	if next != nil {
		cursor = pagination.EncodeCursor(*next)
	}
	return &JobList{Items: items, Cursor: cursor}, nil
}
