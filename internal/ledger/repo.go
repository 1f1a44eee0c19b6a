package ledger

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/starforgehq/starforge-backend/pkg/db/models"
	"github.com/starforgehq/starforge-backend/pkg/pagination"
)

// Repository manages persistence for accounts and ledger transactions.
// Balance mutations go through ApplyDebit/ApplyCredit only, so the guard on
// ApplyDebit is the single place where overdrafts are rejected.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	EnsureAccount(ctx context.Context, accountID uuid.UUID) error
	FindAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	ApplyDebit(ctx context.Context, accountID uuid.UUID, amount int64) (bool, error)
	ApplyCredit(ctx context.Context, accountID uuid.UUID, amount int64) (bool, error)
	CreateTransaction(ctx context.Context, txn *models.LedgerTransaction) error
	ListTransactions(ctx context.Context, params listTransactionsParams) ([]models.LedgerTransaction, *pagination.Cursor, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

type listTransactionsParams struct {
	AccountID uuid.UUID
	Limit     int
	Cursor    *pagination.Cursor
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) EnsureAccount(ctx context.Context, accountID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Account{ID: accountID}).Error
}

func (r *repository) FindAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).
		Where("id = ?", accountID).
		First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// ApplyDebit decrements the balance only while it stays non-negative. The
// returned bool reports whether the guard held and the row was updated.
func (r *repository) ApplyDebit(ctx context.Context, accountID uuid.UUID, amount int64) (bool, error) {
	res := r.db.WithContext(ctx).Exec(`
		UPDATE accounts
		SET balance = balance - ?,
			total_debited = total_debited + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND balance >= ?
	`, amount, amount, accountID, amount)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) ApplyCredit(ctx context.Context, accountID uuid.UUID, amount int64) (bool, error) {
	res := r.db.WithContext(ctx).Exec(`
		UPDATE accounts
		SET balance = balance + ?,
			total_credited = total_credited + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, amount, amount, accountID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) CreateTransaction(ctx context.Context, txn *models.LedgerTransaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repository) ListTransactions(ctx context.Context, params listTransactionsParams) ([]models.LedgerTransaction, *pagination.Cursor, error) {
	limit := pagination.LimitWithBuffer(params.Limit)
	normalized := pagination.NormalizeLimit(params.Limit)
	query := r.db.WithContext(ctx).
		Model(&models.LedgerTransaction{}).
		Where("account_id = ?", params.AccountID)
	if params.Cursor != nil {
		query = query.Where("(created_at, id) < (?, ?)", params.Cursor.CreatedAt, params.Cursor.ID)
	}

	var transactions []models.LedgerTransaction
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&transactions).Error; err != nil {
		return nil, nil, err
	}

	if len(transactions) > normalized {
		next := transactions[normalized]
		transactions = transactions[:normalized]
		return transactions, &pagination.Cursor{CreatedAt: next.CreatedAt, ID: next.ID}, nil
	}
	return transactions, nil, nil
}
