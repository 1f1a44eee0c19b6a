package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/starforgehq/starforge-backend/pkg/enums"
	pkgerrors "github.com/starforgehq/starforge-backend/pkg/errors"
)

func setupLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// single connection so concurrent transactions serialize instead of
	// hitting sqlite table locks
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	accounts := `
CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  balance INTEGER NOT NULL DEFAULT 0,
  total_credited INTEGER NOT NULL DEFAULT 0,
  total_debited INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`
	transactions := `
CREATE TABLE IF NOT EXISTS ledger_transactions (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  amount INTEGER NOT NULL,
  kind TEXT NOT NULL,
  metadata TEXT,
  created_at DATETIME
);`
	require.NoError(t, db.Exec(accounts).Error)
	require.NoError(t, db.Exec(transactions).Error)
	return db
}

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
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

func newTestService(t *testing.T) (Service, *gorm.DB) {
	t.Helper()
	db := setupLedgerTestDB(t)
	svc, err := NewService(NewRepository(db), gormTxRunner{db: db})
	require.NoError(t, err)
	return svc, db
}

func TestCreditThenHistoryRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	accountID := uuid.New()

	txn, balance, err := svc.Credit(ctx, EntryInput{
		AccountID: accountID,
		Amount:    150,
		Kind:      enums.TransactionKindPurchase,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(150), txn.Amount)
	assert.Equal(t, int64(150), balance)

	got, err := svc.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), got)

	history, err := svc.History(ctx, HistoryParams{AccountID: accountID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, history.Items, 1)
	assert.Equal(t, int64(150), history.Items[0].Amount)
	assert.Equal(t, enums.TransactionKindPurchase, history.Items[0].Kind)
}

func TestDebitRejectsOverdraft(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	accountID := uuid.New()

	_, _, err := svc.Credit(ctx, EntryInput{
		AccountID: accountID,
		Amount:    100,
		Kind:      enums.TransactionKindPurchase,
	})
	require.NoError(t, err)

	_, _, err = svc.Debit(ctx, EntryInput{
		AccountID: accountID,
		Amount:    101,
		Kind:      enums.TransactionKindGeneration,
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeInsufficientBalance, pkgerrors.As(err).Code())

	balance, err := svc.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	history, err := svc.History(ctx, HistoryParams{AccountID: accountID, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, history.Items, 1, "rejected debit must not leave a transaction row")
}

func TestDebitAgainstMissingAccount(t *testing.T) {
	svc, _ := newTestService(t)

	_, _, err := svc.Debit(context.Background(), EntryInput{
		AccountID: uuid.New(),
		Amount:    1,
		Kind:      enums.TransactionKindGeneration,
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeInsufficientBalance, pkgerrors.As(err).Code())
}

func TestGetBalanceUnknownAccountIsZero(t *testing.T) {
	svc, _ := newTestService(t)

	balance, err := svc.GetBalance(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestConcurrentDebitsOnlyOneWins(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	accountID := uuid.New()

	_, _, err := svc.Credit(ctx, EntryInput{
		AccountID: accountID,
		Amount:    5,
		Kind:      enums.TransactionKindPurchase,
	})
	require.NoError(t, err)

	const attempts = 2
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = svc.Debit(ctx, EntryInput{
				AccountID: accountID,
				Amount:    5,
				Kind:      enums.TransactionKindGeneration,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	insufficient := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		if pkgerrors.As(err).Code() == pkgerrors.CodeInsufficientBalance {
			insufficient++
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one debit may win")
	assert.Equal(t, 1, insufficient, "the loser gets insufficient balance")

	balance, err := svc.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestAccountingIdentityHolds(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	accountID := uuid.New()

	for i := 0; i < 5; i++ {
		_, _, err := svc.Credit(ctx, EntryInput{
			AccountID: accountID,
			Amount:    10,
			Kind:      enums.TransactionKindPurchase,
		})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, _, err := svc.Debit(ctx, EntryInput{
			AccountID: accountID,
			Amount:    7,
			Kind:      enums.TransactionKindGeneration,
		})
		require.NoError(t, err)
	}

	account, err := NewRepository(db).FindAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, account.Balance, account.TotalCredited-account.TotalDebited)
	assert.Equal(t, int64(29), account.Balance)
	assert.GreaterOrEqual(t, account.Balance, int64(0))
}

func TestHistoryPaginates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	accountID := uuid.New()

	for i := 0; i < 7; i++ {
		_, _, err := svc.Credit(ctx, EntryInput{
			AccountID: accountID,
			Amount:    int64(i + 1),
			Kind:      enums.TransactionKindAdminGrant,
		})
		require.NoError(t, err)
	}

	first, err := svc.History(ctx, HistoryParams{AccountID: accountID, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, first.Items, 5)
	require.NotEmpty(t, first.Cursor)

	second, err := svc.History(ctx, HistoryParams{AccountID: accountID, Limit: 5, Cursor: first.Cursor})
	require.NoError(t, err)
	assert.Len(t, second.Items, 2)
	assert.Empty(t, second.Cursor)
}
