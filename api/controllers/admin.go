package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starforgehq/starforge-backend/api/responses"
	"github.com/starforgehq/starforge-backend/api/validators"
	"github.com/starforgehq/starforge-backend/internal/ledger"
	"github.com/starforgehq/starforge-backend/pkg/enums"
	"github.com/starforgehq/starforge-backend/pkg/logger"
)

type grantRequest struct {
	Amount int64  `json:"amount" validate:"required,gt=0"`
	Note   string `json:"note" validate:"max=256"`
}

// AdminGrantStars credits stars to any account without a purchase, for
// support and promotional use. The grant shows up in the account's history
// like any other transaction.
func AdminGrantStars(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := validators.ParsePathUUID(chi.URLParam(r, "accountID"), "accountID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body grantRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var metadata json.RawMessage
		if note := validators.SanitizeString(body.Note, 256); note != "" {
			metadata, _ = json.Marshal(map[string]string{"note": note})
		}

		txn, balance, err := svc.Credit(r.Context(), ledger.EntryInput{
			AccountID: accountID,
			Amount:    body.Amount,
			Kind:      enums.TransactionKindAdminGrant,
			Metadata:  metadata,
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
