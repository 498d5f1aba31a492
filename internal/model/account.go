package model

import (
	"time"
)

// Account is an identity record only.
//
// There is deliberately no balance column here: the balance of an account is
// always the sum of its ledger entries (see LedgerEntry).
type Account struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	AccountID string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"account_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Account) TableName() string {
	return "account"
}
