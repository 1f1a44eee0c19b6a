package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/starforgehq/starforge-backend/api/responses"
	pkgerrors "github.com/starforgehq/starforge-backend/pkg/errors"
	"github.com/starforgehq/starforge-backend/pkg/logger"
)

const accountIDHeader = "X-Account-Id"

// AccountContext binds the caller's account to the request context. Identity
// verification happens upstream; this layer only requires a well-formed
// account id.
func AccountContext(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(accountIDHeader))
			if raw == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "X-Account-Id header required"))
				return
			}
			accountID, err := uuid.Parse(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "X-Account-Id must be a uuid"))
				return
			}

			ctx := WithAccountID(r.Context(), accountID)
			if logg != nil {
				ctx = logg.WithAccountID(ctx, accountID.String())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
