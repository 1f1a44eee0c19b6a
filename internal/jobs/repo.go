package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/starforgehq/starforge-backend/pkg/db/models"
	"github.com/starforgehq/starforge-backend/pkg/enums"
	pkgerrors "github.com/starforgehq/starforge-backend/pkg/errors"
	"github.com/starforgehq/starforge-backend/pkg/pagination"
)

// Repository persists jobs and guards their lifecycle. State changes go
// through Transition, which is a compare-and-swap on the current state, so
// two workers racing to finish the same job can never both win.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, job *models.Job) error
	FindJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	AttachExternalID(ctx context.Context, jobID uuid.UUID, externalID string) error
	Transition(ctx context.Context, jobID uuid.UUID, from, to enums.JobState, update TransitionUpdate) error
	RecordSettlement(ctx context.Context, jobID, transactionID uuid.UUID) error
	RecordRefund(ctx context.Context, jobID, transactionID uuid.UUID) error
	ListByState(ctx context.Context, state enums.JobState, limit int) ([]models.Job, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error)
	ListByAccount(ctx context.Context, params ListByAccountParams) ([]models.Job, *pagination.Cursor, error)
}

// TransitionUpdate carries the fields written alongside a state change.
// Terminal transitions set LastError and CompletedAt in the same UPDATE as
// the state flip.
type TransitionUpdate struct {
	LastError   *string
	CompletedAt *time.Time
}

// ListByAccountParams configures a paginated job listing for one account.
type ListByAccountParams struct {
	AccountID uuid.UUID
	Limit     int
	Cursor    *pagination.Cursor
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a job repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, job *models.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.State == "" {
		job.State = enums.JobStatePending
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *repository) FindJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).
		Where("id = ?", jobID).
		First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "job not found")
		}
		return nil, err
	}
	return &job, nil
}

func (r *repository) AttachExternalID(ctx context.Context, jobID uuid.UUID, externalID string) error {
	res := r.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", jobID).
		Update("external_request_id", externalID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "job not found")
	}
	return nil
}

// Transition flips the job from one state to another. The WHERE clause on
// the current state makes this a compare-and-swap; losing the race surfaces
// as a state conflict, not a silent overwrite.
func (r *repository) Transition(ctx context.Context, jobID uuid.UUID, from, to enums.JobState, update TransitionUpdate) error {
	values := map[string]any{
		"state":      to,
		"updated_at": time.Now().UTC(),
	}
	if update.LastError != nil {
		values["last_error"] = *update.LastError
	}
	if update.CompletedAt != nil {
		values["completed_at"] = *update.CompletedAt
	}

	res := r.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND state = ?", jobID, from).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		job, err := r.FindJob(ctx, jobID)
		if err != nil {
			return err
		}
		return pkgerrors.New(pkgerrors.CodeStateConflict, "job state changed").
			WithDetails(map[string]any{
				"expected": from.String(),
				"actual":   job.State.String(),
			})
	}
	return nil
}

func (r *repository) RecordSettlement(ctx context.Context, jobID, transactionID uuid.UUID) error {
	return r.recordTransactionLink(ctx, jobID, transactionID, "settlement_transaction_id", func(job *models.Job) *uuid.UUID {
		return job.SettlementTransactionID
	})
}

func (r *repository) RecordRefund(ctx context.Context, jobID, transactionID uuid.UUID) error {
	return r.recordTransactionLink(ctx, jobID, transactionID, "refund_transaction_id", func(job *models.Job) *uuid.UUID {
		return job.RefundTransactionID
	})
}

// recordTransactionLink sets a ledger transaction reference exactly once.
// Repeating the call with the same transaction id is a no-op; a different id
// means two settlements were attempted for one job, which is an accounting
// invariant violation.
func (r *repository) recordTransactionLink(ctx context.Context, jobID, transactionID uuid.UUID, column string, current func(*models.Job) *uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND "+column+" IS NULL", jobID).
		Update(column, transactionID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	job, err := r.FindJob(ctx, jobID)
	if err != nil {
		return err
	}
	existing := current(job)
	if existing != nil && *existing == transactionID {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeInvariant, "job already settled with a different transaction").
		WithDetails(map[string]any{"column": column})
}

func (r *repository) ListByState(ctx context.Context, state enums.JobState, limit int) ([]models.Job, error) {
	var list []models.Job
	query := r.db.WithContext(ctx).
		Where("state = ?", state).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// ListStalePending returns pending jobs created before the cutoff. A job
// that old was charged but never handed to the provider, so nothing will
// ever settle it on its own.
func (r *repository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error) {
	var list []models.Job
	query := r.db.WithContext(ctx).
		Where("state = ? AND created_at < ?", enums.JobStatePending, olderThan).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *repository) ListByAccount(ctx context.Context, params ListByAccountParams) ([]models.Job, *pagination.Cursor, error) {
	limit := pagination.LimitWithBuffer(params.Limit)
	normalized := pagination.NormalizeLimit(params.Limit)
	query := r.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("account_id = ?", params.AccountID)
	if params.Cursor != nil {
		query = query.Where("(created_at, id) < (?, ?)", params.Cursor.CreatedAt, params.Cursor.ID)
	}

	var list []models.Job
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&list).Error; err != nil {
		return nil, nil, err
	}

	if len(list) > normalized {
		next := list[normalized]
		list = list[:normalized]
		return list, &pagination.Cursor{CreatedAt: next.CreatedAt, ID: next.ID}, nil
	}
	return list, nil, nil
}
