package settlement

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starforgehq/starforge-backend/internal/poller"
	"github.com/starforgehq/starforge-backend/internal/provider"
	"github.com/starforgehq/starforge-backend/pkg/enums"
	pkgerrors "github.com/starforgehq/starforge-backend/pkg/errors"
	"github.com/starforgehq/starforge-backend/pkg/logger"
)

type stubProvider struct {
	submitID  string
	submitErr error
	submitted []provider.SubmitInput
}

func (s *stubProvider) Submit(ctx context.Context, input provider.SubmitInput) (string, error) {
	s.submitted = append(s.submitted, input)
	if s.submitErr != nil {
		return "", s.submitErr
	}
	return s.submitID, nil
}

func (s *stubProvider) Poll(ctx context.Context, externalRequestID string) (*provider.PollResponse, error) {
	return nil, errors.New("not used")
}

func (s *stubProvider) FetchResult(ctx context.Context, externalRequestID string) (*provider.Result, error) {
	return nil, errors.New("not used")
}

type stubAttacher struct {
	jobs      []uuid.UUID
	externals []string
}

func (s *stubAttacher) Attach(ctx context.Context, jobID uuid.UUID, externalRequestID string) bool {
	s.jobs = append(s.jobs, jobID)
	s.externals = append(s.externals, externalRequestID)
	return true
}

type stubProgress struct {
	snapshots map[uuid.UUID]poller.Snapshot
}

func (s *stubProgress) Get(jobID uuid.UUID) (poller.Snapshot, bool) {
	snapshot, ok := s.snapshots[jobID]
	return snapshot, ok
}

type serviceFixture struct {
	coordinatorFixture
	service  Service
	provider *stubProvider
	attacher *stubAttacher
	progress *stubProgress
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	base := newCoordinatorFixture(t)
	sp := &stubProvider{submitID: "req-ext-1"}
	sa := &stubAttacher{}
	sg := &stubProgress{snapshots: make(map[uuid.UUID]poller.Snapshot)}

	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	svc, err := NewService(base.coordinator, sp, sa, sg, base.repo, logg)
	require.NoError(t, err)

	return &serviceFixture{
		coordinatorFixture: base,
		service:            svc,
		provider:           sp,
		attacher:           sa,
		progress:           sg,
	}
}

func TestRequestGenerationSubmitsAndAttaches(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	accountID := uuid.New()
	f.fund(t, accountID, 100)

	job, err := f.service.RequestGeneration(ctx, JobRequest{
		AccountID:  accountID,
		Cost:       25,
		Parameters: map[string]any{"prompt": "a red fox"},
	})
	require.NoError(t, err)
	assert.Equal(t, enums.JobKindGeneration, job.Kind)
	assert.Equal(t, enums.JobStateRunning, job.State)
	require.NotNil(t, job.ExternalRequestID)
	assert.Equal(t, "req-ext-1", *job.ExternalRequestID)

	require.Len(t, f.attacher.jobs, 1)
	assert.Equal(t, job.ID, f.attacher.jobs[0])
	assert.Equal(t, "req-ext-1", f.attacher.externals[0])

	stored, err := f.repo.FindJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExternalRequestID)
	assert.Equal(t, "req-ext-1", *stored.ExternalRequestID)

	require.Len(t, f.provider.submitted, 1)
	assert.Equal(t, enums.JobKindGeneration, f.provider.submitted[0].Kind)
}

func TestRequestTrainingUsesTrainingKind(t *testing.T) {
	f := newServiceFixture(t)
	accountID := uuid.New()
	f.fund(t, accountID, 500)

	job, err := f.service.RequestTraining(context.Background(), JobRequest{
		AccountID: accountID,
		Cost:      300,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.JobKindTraining, job.Kind)
}

func TestRequestRefundsWhenSubmitFails(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.submitErr = errors.New("provider rejected payload")
	ctx := context.Background()
	accountID := uuid.New()
	f.fund(t, accountID, 100)

	_, err := f.service.RequestGeneration(ctx, JobRequest{AccountID: accountID, Cost: 60})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeDependency, pkgerrors.As(err).Code())

	// charged, then refunded before the caller sees the error
	balance, err := f.ledger.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	assert.Empty(t, f.attacher.jobs, "no poller for a job the provider never accepted")
}

func TestRequestInsufficientBalanceNeverSubmits(t *testing.T) {
	f := newServiceFixture(t)
	accountID := uuid.New()
	f.fund(t, accountID, 10)

	_, err := f.service.RequestGeneration(context.Background(), JobRequest{AccountID: accountID, Cost: 50})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeInsufficientBalance, pkgerrors.As(err).Code())
	assert.Empty(t, f.provider.submitted)
}

func TestGetJobStatusPrefersSnapshot(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	accountID := uuid.New()
	f.fund(t, accountID, 100)

	job, err := f.service.RequestGeneration(ctx, JobRequest{AccountID: accountID, Cost: 10})
	require.NoError(t, err)

	f.progress.snapshots[job.ID] = poller.Snapshot{
		JobID:   job.ID,
		Percent: 37,
		Message: "rendering",
	}

	status, err := f.service.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateRunning, status.State)
	assert.Equal(t, 37, status.Percent)
	assert.Equal(t, "rendering", status.Message)
}

func TestGetJobStatusDegradesWithoutSnapshot(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	accountID := uuid.New()
	f.fund(t, accountID, 100)

	job, err := f.service.RequestGeneration(ctx, JobRequest{AccountID: accountID, Cost: 10})
	require.NoError(t, err)
	require.NoError(t, f.coordinator.CompleteJob(ctx, job.ID))

	status, err := f.service.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateCompleted, status.State)
	assert.Equal(t, 100, status.Percent)
	assert.Equal(t, "completed", status.Message)

	_, err = f.service.GetJobStatus(ctx, uuid.New())
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())
}

func TestGetJobStatusFailedShowsLastError(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	accountID := uuid.New()
	f.fund(t, accountID, 100)

	job, err := f.service.RequestGeneration(ctx, JobRequest{AccountID: accountID, Cost: 10})
	require.NoError(t, err)
	require.NoError(t, f.coordinator.FailJob(ctx, job.ID, "timed out"))

	status, err := f.service.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateFailed, status.State)
	assert.Equal(t, "timed out", status.Message)
}

func TestCancelJobRefundsAndChecksOwnership(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	accountID := uuid.New()
	f.fund(t, accountID, 100)

	job, err := f.service.RequestGeneration(ctx, JobRequest{AccountID: accountID, Cost: 30})
	require.NoError(t, err)

	// another account cannot cancel it
	err = f.service.CancelJob(ctx, uuid.New(), job.ID)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())

	require.NoError(t, f.service.CancelJob(ctx, accountID, job.ID))

	balance, err := f.ledger.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	// cancelling a finished job is a conflict
	err = f.service.CancelJob(ctx, accountID, job.ID)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeConflict, pkgerrors.As(err).Code())
}

func TestListJobsPaginates(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	accountID := uuid.New()
	f.fund(t, accountID, 1000)

	for i := 0; i < 4; i++ {
		_, err := f.service.RequestGeneration(ctx, JobRequest{AccountID: accountID, Cost: 10})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	first, err := f.service.ListJobs(ctx, ListJobsParams{AccountID: accountID, Limit: 3})
	require.NoError(t, err)
	assert.Len(t, first.Items, 3)
	require.NotEmpty(t, first.Cursor)

	second, err := f.service.ListJobs(ctx, ListJobsParams{AccountID: accountID, Limit: 3, Cursor: first.Cursor})
	require.NoError(t, err)
	assert.Len(t, second.Items, 1)
	assert.Empty(t, second.Cursor)
}
