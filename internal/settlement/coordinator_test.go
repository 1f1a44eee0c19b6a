package settlement

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/starforgehq/starforge-backend/internal/jobs"
	"github.com/starforgehq/starforge-backend/internal/ledger"
	"github.com/starforgehq/starforge-backend/internal/notifications"
	"github.com/starforgehq/starforge-backend/pkg/enums"
	pkgerrors "github.com/starforgehq/starforge-backend/pkg/errors"
	"github.com/starforgehq/starforge-backend/pkg/logger"
	"github.com/starforgehq/starforge-backend/pkg/metrics"

	"io"
)

func setupSettlementTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, schema := range []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			balance INTEGER NOT NULL DEFAULT 0,
			total_credited INTEGER NOT NULL DEFAULT 0,
			total_debited INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME,
			updated_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS ledger_transactions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			kind TEXT NOT NULL,
			metadata TEXT,
			created_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			cost INTEGER NOT NULL,
			state TEXT NOT NULL DEFAULT 'pending',
			external_request_id TEXT,
			settlement_transaction_id TEXT,
			refund_transaction_id TEXT,
			last_error TEXT,
			completed_at DATETIME,
			created_at DATETIME,
			updated_at DATETIME
		);`,
	} {
		require.NoError(t, db.Exec(schema).Error)
	}
	return db
}

type testTxRunner struct {
	db *gorm.DB
}

func (r testTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

type coordinatorFixture struct {
	coordinator *Coordinator
	ledger      ledger.Service
	repo        jobs.Repository
}

func newCoordinatorFixture(t *testing.T) coordinatorFixture {
	t.Helper()
	db := setupSettlementTestDB(t)

	ledgerSvc, err := ledger.NewService(ledger.NewRepository(db), testTxRunner{db: db})
	require.NoError(t, err)

	repo := jobs.NewRepository(db)
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	coordinator, err := NewCoordinator(ledgerSvc, repo, testTxRunner{db: db}, notifications.NewNoopNotifier(), metrics.NewJobMetrics(nil), logg)
	require.NoError(t, err)

	return coordinatorFixture{coordinator: coordinator, ledger: ledgerSvc, repo: repo}
}

func newCoordinatorWithRepo(t *testing.T, db *gorm.DB, repo jobs.Repository) (*Coordinator, ledger.Service) {
	t.Helper()
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(db), testTxRunner{db: db})
	require.NoError(t, err)
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	coordinator, err := NewCoordinator(ledgerSvc, repo, testTxRunner{db: db}, notifications.NewNoopNotifier(), metrics.NewJobMetrics(nil), logg)
	require.NoError(t, err)
	return coordinator, ledgerSvc
}

func (f coordinatorFixture) fund(t *testing.T, accountID uuid.UUID, amount int64) {
	t.Helper()
	_, _, err := f.ledger.Credit(context.Background(), ledger.EntryInput{
		AccountID: accountID,
		Amount:    amount,
		Kind:      enums.TransactionKindPurchase,
	})
	require.NoError(t, err)
}

func TestStartJobChargesBeforeRunning(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	accountID := uuid.New()
	f.fund(t, accountID, 100)

	job, err := f.coordinator.StartJob(ctx, accountID, enums.JobKindGeneration, 40)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateRunning, job.State)
	require.NotNil(t, job.SettlementTransactionID)

	balance, err := f.ledger.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), balance)

	stored, err := f.repo.FindJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateRunning, stored.State)
	assert.Equal(t, *job.SettlementTransactionID, *stored.SettlementTransactionID)
	assert.Nil(t, stored.RefundTransactionID)
}

func TestStartJobInsufficientBalance(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	accountID := uuid.New()
	f.fund(t, accountID, 5)

	_, err := f.coordinator.StartJob(ctx, accountID, enums.JobKindGeneration, 10)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeInsufficientBalance, pkgerrors.As(err).Code())

	// the rejection must leave the balance untouched
	balance, err := f.ledger.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
}

func TestStartJobValidation(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.StartJob(ctx, uuid.Nil, enums.JobKindGeneration, 10)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	_, err = f.coordinator.StartJob(ctx, uuid.New(), enums.JobKind("bogus"), 10)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	_, err = f.coordinator.StartJob(ctx, uuid.New(), enums.JobKindGeneration, 0)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
}

func TestCompleteJobSecondCallIsStateConflict(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	accountID := uuid.New()
	f.fund(t, accountID, 100)

	job, err := f.coordinator.StartJob(ctx, accountID, enums.JobKindGeneration, 30)
	require.NoError(t, err)

	require.NoError(t, f.coordinator.CompleteJob(ctx, job.ID))

	err = f.coordinator.CompleteJob(ctx, job.ID)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.As(err).Code())

	// success settles without further ledger movement
	balance, err := f.ledger.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)

	stored, err := f.repo.FindJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateCompleted, stored.State)
	assert.NotNil(t, stored.SettlementTransactionID)
	assert.Nil(t, stored.RefundTransactionID)
	assert.NotNil(t, stored.CompletedAt)
}

func TestFailJobRefundsExactlyOnce(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	accountID := uuid.New()
	f.fund(t, accountID, 150)

	job, err := f.coordinator.StartJob(ctx, accountID, enums.JobKindTraining, 150)
	require.NoError(t, err)

	balance, err := f.ledger.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	require.NoError(t, f.coordinator.FailJob(ctx, job.ID, "provider reported failure"))

	// duplicate terminal observation loses the gate and moves no money
	err = f.coordinator.FailJob(ctx, job.ID, "provider reported failure")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.As(err).Code())

	balance, err = f.ledger.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance, "balance restored to pre-job value exactly once")

	stored, err := f.repo.FindJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateFailed, stored.State)
	assert.NotNil(t, stored.SettlementTransactionID)
	assert.NotNil(t, stored.RefundTransactionID)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "provider reported failure", *stored.LastError)
}

func TestFailThenCompleteMovesNoMoney(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	accountID := uuid.New()
	f.fund(t, accountID, 80)

	job, err := f.coordinator.StartJob(ctx, accountID, enums.JobKindGeneration, 20)
	require.NoError(t, err)
	require.NoError(t, f.coordinator.FailJob(ctx, job.ID, "timed out"))

	err = f.coordinator.CompleteJob(ctx, job.ID)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.As(err).Code())

	balance, err := f.ledger.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(80), balance)
}

func TestFailJobUnknownJob(t *testing.T) {
	f := newCoordinatorFixture(t)

	err := f.coordinator.FailJob(context.Background(), uuid.New(), "whatever")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())
}

// flakyRefundRepo fails RecordRefund a set number of times before handing
// through to the real repository.
type flakyRefundRepo struct {
	jobs.Repository
	failures *int
}

func (r flakyRefundRepo) WithTx(tx *gorm.DB) jobs.Repository {
	return flakyRefundRepo{Repository: r.Repository.WithTx(tx), failures: r.failures}
}

func (r flakyRefundRepo) RecordRefund(ctx context.Context, jobID, transactionID uuid.UUID) error {
	if *r.failures > 0 {
		*r.failures--
		return pkgerrors.New(pkgerrors.CodeDependency, "refund link write timed out")
	}
	return r.Repository.RecordRefund(ctx, jobID, transactionID)
}

func TestFailJobRetriedRefundCreditsOnce(t *testing.T) {
	db := setupSettlementTestDB(t)
	failures := 1
	repo := flakyRefundRepo{Repository: jobs.NewRepository(db), failures: &failures}
	coordinator, ledgerSvc := newCoordinatorWithRepo(t, db, repo)

	ctx := context.Background()
	accountID := uuid.New()
	_, _, err := ledgerSvc.Credit(ctx, ledger.EntryInput{AccountID: accountID, Amount: 100, Kind: enums.TransactionKindPurchase})
	require.NoError(t, err)

	job, err := coordinator.StartJob(ctx, accountID, enums.JobKindGeneration, 40)
	require.NoError(t, err)

	require.NoError(t, coordinator.FailJob(ctx, job.ID, "provider reported failure"))
	assert.Equal(t, 0, failures, "the transient write error must have been hit")

	// the first attempt rolled back whole; the retry is the only credit
	balance, err := ledgerSvc.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	history, err := ledgerSvc.History(ctx, ledger.HistoryParams{AccountID: accountID, Limit: 10})
	require.NoError(t, err)
	refunds := 0
	for _, item := range history.Items {
		if item.Kind == enums.TransactionKindRefund {
			refunds++
		}
	}
	assert.Equal(t, 1, refunds)

	stored, err := jobs.NewRepository(db).FindJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobStateFailed, stored.State)
	assert.NotNil(t, stored.RefundTransactionID)
}

// startBlockedRepo rejects the move to running, simulating a store that
// accepts the job row but cannot flip its state.
type startBlockedRepo struct {
	jobs.Repository
}

func (r startBlockedRepo) WithTx(tx *gorm.DB) jobs.Repository {
	return startBlockedRepo{Repository: r.Repository.WithTx(tx)}
}

func (r startBlockedRepo) Transition(ctx context.Context, jobID uuid.UUID, from, to enums.JobState, update jobs.TransitionUpdate) error {
	if to == enums.JobStateRunning {
		return pkgerrors.New(pkgerrors.CodeDependency, "state write timed out")
	}
	return r.Repository.Transition(ctx, jobID, from, to, update)
}

func TestStartJobRefundsWhenRunningTransitionFails(t *testing.T) {
	db := setupSettlementTestDB(t)
	repo := startBlockedRepo{Repository: jobs.NewRepository(db)}
	coordinator, ledgerSvc := newCoordinatorWithRepo(t, db, repo)

	ctx := context.Background()
	accountID := uuid.New()
	_, _, err := ledgerSvc.Credit(ctx, ledger.EntryInput{AccountID: accountID, Amount: 100, Kind: enums.TransactionKindPurchase})
	require.NoError(t, err)

	_, err = coordinator.StartJob(ctx, accountID, enums.JobKindGeneration, 40)
	require.Error(t, err)

	// the job must not linger charged-but-pending
	balance, err := ledgerSvc.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	failed, err := jobs.NewRepository(db).ListByState(ctx, enums.JobStateFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.NotNil(t, failed[0].RefundTransactionID)
	require.NotNil(t, failed[0].LastError)
	assert.Equal(t, "job could not start", *failed[0].LastError)
}

func TestFailJobHistoryShowsDebitAndRefund(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	accountID := uuid.New()
	f.fund(t, accountID, 50)

	job, err := f.coordinator.StartJob(ctx, accountID, enums.JobKindGeneration, 50)
	require.NoError(t, err)
	require.NoError(t, f.coordinator.FailJob(ctx, job.ID, "boom"))

	history, err := f.ledger.History(ctx, ledger.HistoryParams{AccountID: accountID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, history.Items, 3)

	var kinds []enums.TransactionKind
	var sum int64
	for _, item := range history.Items {
		kinds = append(kinds, item.Kind)
		sum += item.Amount
	}
	assert.Contains(t, kinds, enums.TransactionKindPurchase)
	assert.Contains(t, kinds, enums.TransactionKindGeneration)
	assert.Contains(t, kinds, enums.TransactionKindRefund)
	assert.Equal(t, int64(50), sum)
}
