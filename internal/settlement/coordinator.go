package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/starforgehq/starforge-backend/internal/jobs"
	"github.com/starforgehq/starforge-backend/internal/ledger"
	"github.com/starforgehq/starforge-backend/internal/notifications"
	"github.com/starforgehq/starforge-backend/pkg/db"
	"github.com/starforgehq/starforge-backend/pkg/db/models"
	"github.com/starforgehq/starforge-backend/pkg/enums"
	pkgerrors "github.com/starforgehq/starforge-backend/pkg/errors"
	"github.com/starforgehq/starforge-backend/pkg/logger"
	"github.com/starforgehq/starforge-backend/pkg/metrics"
)

const settlementRetryAttempts = 3

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Coordinator is the only component allowed to decide how job outcomes move
// money. Pollers report outcomes; the coordinator settles them exactly once,
// using the job record's compare-and-swap transition as the single-winner
// gate.
type Coordinator struct {
	ledger   ledger.Service
	repo     jobs.Repository
	tx       txRunner
	notifier notifications.Notifier
	metrics  *metrics.JobMetrics
	logger   *logger.Logger
}

// NewCoordinator wires the settlement coordinator.
func NewCoordinator(ledgerSvc ledger.Service, repo jobs.Repository, tx txRunner, notifier notifications.Notifier, jm *metrics.JobMetrics, logg *logger.Logger) (*Coordinator, error) {
	if ledgerSvc == nil {
		return nil, errors.New("ledger service required")
	}
	if repo == nil {
		return nil, errors.New("job repository required")
	}
	if tx == nil {
		return nil, errors.New("transaction runner required")
	}
	if notifier == nil {
		return nil, errors.New("notifier required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}
	return &Coordinator{
		ledger:   ledgerSvc,
		repo:     repo,
		tx:       tx,
		notifier: notifier,
		metrics:  jm,
		logger:   logg,
	}, nil
}

// StartJob charges the account, creates the job record, and moves it to
// running. The debit is the irrevocable step: everything after it retries
// against the already-obtained transaction id rather than charging again.
// No job ever runs unpaid.
func (c *Coordinator) StartJob(ctx context.Context, accountID uuid.UUID, kind enums.JobKind, cost int64) (*models.Job, error) {
	if accountID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id required")
	}
	if !kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid job kind")
	}
	if cost <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cost must be positive")
	}

	if err := c.ledger.EnsureAccount(ctx, accountID); err != nil {
		return nil, err
	}

	jobID := uuid.New()
	metadata, _ := json.Marshal(map[string]string{"job_id": jobID.String()})
	txn, _, err := c.ledger.Debit(ctx, ledger.EntryInput{
		AccountID: accountID,
		Amount:    cost,
		Kind:      kind.TransactionKind(),
		Metadata:  metadata,
	})
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeInsufficientBalance) {
			c.metrics.IncInsufficientBalance()
		}
		return nil, err
	}

	job := &models.Job{
		ID:                      jobID,
		AccountID:               accountID,
		Kind:                    kind,
		Cost:                    cost,
		State:                   enums.JobStatePending,
		SettlementTransactionID: &txn.ID,
	}
	if err := withRetry(settlementRetryAttempts, func() error {
		createErr := c.repo.Create(ctx, job)
		if db.IsUniqueViolation(createErr, "") {
			// a previous attempt committed before its response was lost
			return nil
		}
		return createErr
	}); err != nil {
		// the account paid for a job that will never exist; give the
		// money back before surfacing the fault
		c.logger.Error(ctx, "creating job after successful debit", err)
		c.compensate(ctx, accountID, cost, jobID)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create job")
	}

	if err := withRetry(settlementRetryAttempts, func() error {
		return c.repo.Transition(ctx, job.ID, enums.JobStatePending, enums.JobStateRunning, jobs.TransitionUpdate{})
	}); err != nil {
		// a charged job that cannot start must not sit pending forever;
		// failing it refunds the debit
		c.logger.Error(ctx, "moving job to running", err)
		if failErr := c.FailJob(ctx, job.ID, "job could not start"); failErr != nil {
			c.logger.Error(ctx, "failing job that never started, account is owed a refund", failErr)
		}
		return nil, err
	}
	job.State = enums.JobStateRunning

	c.metrics.IncStarted(kind.String())
	c.logger.Info(c.logger.WithJobID(ctx, job.ID.String()), "job started")
	return job, nil
}

// CompleteJob settles a successful job. The ledger was already debited at
// start, so success changes no balances; the transition is the only write.
// Duplicate observers lose the compare-and-swap and get a state conflict.
func (c *Coordinator) CompleteJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := c.repo.FindJob(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := c.repo.Transition(ctx, jobID, enums.JobStateRunning, enums.JobStateCompleted, jobs.TransitionUpdate{
		CompletedAt: &now,
	}); err != nil {
		return err
	}

	c.metrics.IncCompleted(job.Kind.String())
	c.metrics.ObserveDuration(job.Kind.String(), now.Sub(job.CreatedAt))

	balance, err := c.ledger.GetBalance(ctx, job.AccountID)
	if err != nil {
		c.logger.Error(ctx, "loading balance for completion notice", err)
	}
	c.notifier.JobFinished(ctx, notifications.JobEvent{
		JobID:      jobID,
		AccountID:  job.AccountID,
		Kind:       job.Kind,
		State:      enums.JobStateCompleted,
		Balance:    balance,
		OccurredAt: now,
	})
	return nil
}

// FailJob settles a failed job: flip the record, refund the cost, then
// notify. The transition, the refund credit, and the refund link commit in
// one database transaction; a transient error rolls the whole unit back and
// retries it, so no retry can mint a second credit and no crash can leave a
// failed job without its refund. Only the caller whose transition wins
// performs the refund, so concurrent observers of the same failure produce
// exactly one credit. The refund always lands before the notification goes
// out; the user never hears "failed" without "balance restored".
func (c *Coordinator) FailJob(ctx context.Context, jobID uuid.UUID, reason string) error {
	job, err := c.repo.FindJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "job already finalized")
	}
	if reason == "" {
		reason = "job failed"
	}

	now := time.Now().UTC()
	metadata, _ := json.Marshal(map[string]string{"job_id": jobID.String(), "reason": reason})
	var balance int64
	err = withRetry(settlementRetryAttempts, func() error {
		return c.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := c.repo.WithTx(tx)
			if err := repo.Transition(ctx, jobID, job.State, enums.JobStateFailed, jobs.TransitionUpdate{
				LastError:   &reason,
				CompletedAt: &now,
			}); err != nil {
				return err
			}
			txn, newBalance, creditErr := c.ledger.WithTx(tx).Credit(ctx, ledger.EntryInput{
				AccountID: job.AccountID,
				Amount:    job.Cost,
				Kind:      enums.TransactionKindRefund,
				Metadata:  metadata,
			})
			if creditErr != nil {
				return creditErr
			}
			if err := repo.RecordRefund(ctx, jobID, txn.ID); err != nil {
				return err
			}
			balance = newBalance
			return nil
		})
	})
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
			// a concurrent observer won the transition and carries the refund
			return err
		}
		if pkgerrors.HasCode(err, pkgerrors.CodeInvariant) {
			// two distinct refunds for one job means the ledger is at
			// risk; this must never be swallowed
			c.logger.Error(ctx, "refund invariant violation", err)
			return err
		}
		c.logger.Error(ctx, "refunding failed job", err)
		return err
	}

	c.metrics.IncFailed(job.Kind.String())
	c.metrics.IncRefund()
	c.metrics.ObserveDuration(job.Kind.String(), now.Sub(job.CreatedAt))

	c.notifier.JobFinished(ctx, notifications.JobEvent{
		JobID:      jobID,
		AccountID:  job.AccountID,
		Kind:       job.Kind,
		State:      enums.JobStateFailed,
		Balance:    balance,
		Reason:     reason,
		Refunded:   true,
		OccurredAt: now,
	})
	return nil
}

// compensate credits back a debit whose job never materialized.
func (c *Coordinator) compensate(ctx context.Context, accountID uuid.UUID, cost int64, jobID uuid.UUID) {
	metadata, _ := json.Marshal(map[string]string{"job_id": jobID.String(), "reason": "job creation failed"})
	err := withRetry(settlementRetryAttempts, func() error {
		_, _, creditErr := c.ledger.Credit(ctx, ledger.EntryInput{
			AccountID: accountID,
			Amount:    cost,
			Kind:      enums.TransactionKindRefund,
			Metadata:  metadata,
		})
		return creditErr
	})
	if err != nil {
		c.logger.Error(ctx, "compensating credit failed, account is owed a refund", err)
		return
	}
	c.metrics.IncRefund()
}

func withRetry(attempts int, fn func() error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		// conflicts and invariant violations will not heal on retry
		if pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) || pkgerrors.HasCode(err, pkgerrors.CodeInvariant) {
			return err
		}
	}
	return err
}
