package controllers

import (
	"net/http"

	"github.com/starforgehq/starforge-backend/api/middleware"
	"github.com/starforgehq/starforge-backend/api/responses"
	"github.com/starforgehq/starforge-backend/api/validators"
	"github.com/starforgehq/starforge-backend/internal/ledger"
	"github.com/starforgehq/starforge-backend/pkg/enums"
	pkgerrors "github.com/starforgehq/starforge-backend/pkg/errors"
	"github.com/starforgehq/starforge-backend/pkg/logger"
	"github.com/starforgehq/starforge-backend/pkg/pagination"
)

type purchaseRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

// WalletBalance reports the caller's current star balance.
func WalletBalance(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := middleware.AccountIDFromContext(r.Context())

		balance, err := svc.GetBalance(r.Context(), accountID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"balance": balance})
	}
}

// WalletHistory lists the caller's ledger transactions, newest first.
func WalletHistory(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := middleware.AccountIDFromContext(r.Context())

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.History(r.Context(), ledger.HistoryParams{
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

// WalletPurchase credits purchased stars to the caller's account. Payment
// capture happens upstream; by the time this endpoint is called the money
// side is settled.
func WalletPurchase(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		accountID := middleware.AccountIDFromContext(r.Context())

		var body purchaseRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		txn, balance, err := svc.Credit(r.Context(), ledger.EntryInput{
			AccountID: accountID,
			Amount:    body.Amount,
			Kind:      enums.TransactionKindPurchase,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, map[string]any{
			"transaction": txn,
			"balance":     balance,
		})
	}
}
