package ledger

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/starforgehq/starforge-backend/pkg/db/models"
	"github.com/starforgehq/starforge-backend/pkg/enums"
	pkgerrors "github.com/starforgehq/starforge-backend/pkg/errors"
	"github.com/starforgehq/starforge-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service owns every balance mutation. Debits and credits commit the account
// update and the transaction row in one database transaction, so no
// transaction row ever exists without its balance change.
type Service interface {
	// WithTx returns a variant whose balance mutations join the given
	// transaction instead of opening their own, so a caller can commit a
	// credit together with its own writes.
	WithTx(tx *gorm.DB) Service
	EnsureAccount(ctx context.Context, accountID uuid.UUID) error
	Debit(ctx context.Context, input EntryInput) (*models.LedgerTransaction, int64, error)
	Credit(ctx context.Context, input EntryInput) (*models.LedgerTransaction, int64, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (int64, error)
	History(ctx context.Context, params HistoryParams) (*HistoryResult, error)
}

type service struct {
	repo Repository
	tx   txRunner
}

// EntryInput captures one debit or credit request. Amount is the magnitude
// and must be positive; the sign is decided by the operation.
type EntryInput struct {
	AccountID uuid.UUID
	Amount    int64
	Kind      enums.TransactionKind
	Metadata  json.RawMessage
}

// HistoryParams configures a paginated transaction listing, newest first.
type HistoryParams struct {
	AccountID uuid.UUID
	Limit     int
	Cursor    string
}

// HistoryResult wraps returned transactions and the cursor for the next page.
type HistoryResult struct {
	Items  []models.LedgerTransaction `json:"items"`
	Cursor string                     `json:"cursor"`
}

// NewService wires a ledger service with the provided repository and
// transaction runner.
func NewService(repo Repository, tx txRunner) (Service, error) {
	if repo == nil {
		return nil, errors.New("ledger repository required")
	}
	if tx == nil {
		return nil, errors.New("transaction runner required")
	}
	return &service{repo: repo, tx: tx}, nil
}

// boundTx runs callbacks against an already-open transaction. Commit and
// rollback stay with whoever opened it.
type boundTx struct {
	tx *gorm.DB
}

func (b boundTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(b.tx)
}

func (s *service) WithTx(tx *gorm.DB) Service {
	if tx == nil {
		return s
	}
	return &service{repo: s.repo, tx: boundTx{tx: tx}}
}

func (s *service) EnsureAccount(ctx context.Context, accountID uuid.UUID) error {
	if accountID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "account id required")
	}
	if err := s.repo.EnsureAccount(ctx, accountID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ensure account")
	}
	return nil
}

func (s *service) Debit(ctx context.Context, input EntryInput) (*models.LedgerTransaction, int64, error) {
	if err := validateEntry(input); err != nil {
		return nil, 0, err
	}

	var (
		txn     *models.LedgerTransaction
		balance int64
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		applied, err := repo.ApplyDebit(ctx, input.AccountID, input.Amount)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply debit")
		}
		if !applied {
			return pkgerrors.New(pkgerrors.CodeInsufficientBalance, "balance too low").
				WithDetails(map[string]any{"required": input.Amount})
		}

		txn = &models.LedgerTransaction{
			ID:        uuid.New(),
			AccountID: input.AccountID,
			Amount:    -input.Amount,
			Kind:      input.Kind,
			Metadata:  input.Metadata,
		}
		if err := repo.CreateTransaction(ctx, txn); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record debit transaction")
		}

		account, err := repo.FindAccount(ctx, input.AccountID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload account")
		}
		balance = account.Balance
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return txn, balance, nil
}

func (s *service) Credit(ctx context.Context, input EntryInput) (*models.LedgerTransaction, int64, error) {
	if err := validateEntry(input); err != nil {
		return nil, 0, err
	}

	var (
		txn     *models.LedgerTransaction
		balance int64
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		if err := repo.EnsureAccount(ctx, input.AccountID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ensure account")
		}
		if _, err := repo.ApplyCredit(ctx, input.AccountID, input.Amount); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply credit")
		}

		txn = &models.LedgerTransaction{
			ID:        uuid.New(),
			AccountID: input.AccountID,
			Amount:    input.Amount,
			Kind:      input.Kind,
			Metadata:  input.Metadata,
		}
		if err := repo.CreateTransaction(ctx, txn); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record credit transaction")
		}

		account, err := repo.FindAccount(ctx, input.AccountID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload account")
		}
		balance = account.Balance
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return txn, balance, nil
}

func (s *service) GetBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	if accountID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "account id required")
	}
	account, err := s.repo.FindAccount(ctx, accountID)
	if err != nil {
		// An account nobody has touched yet holds zero stars.
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load account")
	}
	return account.Balance, nil
}

func (s *service) History(ctx context.Context, params HistoryParams) (*HistoryResult, error) {
	if params.AccountID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id required")
	}

	query := listTransactionsParams{
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

	rows, next, err := s.repo.ListTransactions(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list transactions")
	}

	cursor := ""
	if next != nil {
		cursor = pagination.EncodeCursor(*next)
	}
	return &HistoryResult{Items: rows, Cursor: cursor}, nil
}

func validateEntry(input EntryInput) error {
	if input.AccountID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "account id required")
	}
	if input.Amount <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if !input.Kind.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid transaction kind")
	}
	return nil
}
