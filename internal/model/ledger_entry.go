package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Ledger entry kinds
// ============================================================================

const (
	EntryKindDeposit = "DEPOSIT"
	EntryKindDebit   = "DEBIT"
	EntryKindCredit  = "CREDIT"
)

// LedgerEntry is one immutable, signed amount attributed to an account.
//
// 【Rules】
//  1. Append only. Rows are never updated or deleted once committed.
//  2. Negative amount = money leaving the account, positive = money arriving.
//  3. balance(account) = SUM(amount) over the account's rows.
//
// EntryNo is deterministic for transfer entries (<job_id>-D / <job_id>-C), so
// writing the same pair twice hits the unique index instead of double-posting.
type LedgerEntry struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryNo     string          `gorm:"type:varchar(80);uniqueIndex;not null" json:"entry_no"`
	AccountID   string          `gorm:"type:varchar(64);index;not null" json:"account_id"`
	JobID       string          `gorm:"type:varchar(64);index" json:"job_id,omitempty"`
	Kind        string          `gorm:"type:varchar(16);not null" json:"kind"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Description string          `gorm:"type:varchar(256)" json:"description"`
	CreatedAt   time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entry"
}

// DebitEntryNo returns the entry number of the sender side of a transfer job.
func DebitEntryNo(jobID string) string {
	return jobID + "-D"
}

// CreditEntryNo returns the entry number of the receiver side of a transfer job.
func CreditEntryNo(jobID string) string {
	return jobID + "-C"
}
