package models

import (
	"time"

	"github.com/google/uuid"
)

// Account holds the prepaid star balance for one user. Balance fields are
// mutated only through ledger operations; balance always equals
// total_credited - total_debited and is never negative.
type Account struct {
	ID            uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Balance       int64     `gorm:"column:balance;not null;default:0"`
	TotalCredited int64     `gorm:"column:total_credited;not null;default:0"`
	TotalDebited  int64     `gorm:"column:total_debited;not null;default:0"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
