package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/starforgehq/starforge-backend/pkg/enums"
)

// Job is one attempt at a remote asynchronous unit of work. State moves only
// through the job repository's compare-and-swap transition.
//
// A completed job has a settlement transaction and no refund; a failed job
// has both. The attempt is always charged up front and refunded only on
// confirmed provider failure.
type Job struct {
	ID                      uuid.UUID      `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	AccountID               uuid.UUID      `gorm:"column:account_id;type:uuid;not null;index"`
	Kind                    enums.JobKind  `gorm:"column:kind;not null"`
	Cost                    int64          `gorm:"column:cost;not null"`
	State                   enums.JobState `gorm:"column:state;not null;default:'pending';index"`
	ExternalRequestID       *string        `gorm:"column:external_request_id"`
	SettlementTransactionID *uuid.UUID     `gorm:"column:settlement_transaction_id;type:uuid"`
	RefundTransactionID     *uuid.UUID     `gorm:"column:refund_transaction_id;type:uuid"`
	LastError               *string        `gorm:"column:last_error"`
	CompletedAt             *time.Time     `gorm:"column:completed_at"`
	CreatedAt               time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt               time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}
