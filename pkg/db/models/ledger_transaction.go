package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/starforgehq/starforge-backend/pkg/enums"
)

// LedgerTransaction records one immutable balance mutation. Amount is
// positive for credits and negative for debits. Corrections are new
// compensating rows, never edits.
type LedgerTransaction struct {
	ID        uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	AccountID uuid.UUID             `gorm:"column:account_id;type:uuid;not null;index"`
	Amount    int64                 `gorm:"column:amount;not null"`
	Kind      enums.TransactionKind `gorm:"column:kind;not null"`
	Metadata  json.RawMessage       `gorm:"column:metadata;type:jsonb"`
	CreatedAt time.Time             `gorm:"column:created_at;autoCreateTime"`
}
