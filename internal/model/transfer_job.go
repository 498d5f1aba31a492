package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Job status
// ============================================================================

const (
	JobStatusQueued                  = "queued"
	JobStatusRunning                 = "running"
	JobStatusSucceeded               = "succeeded"
	JobStatusFailedInsufficientFunds = "failed_insufficient_funds"
	JobStatusFailedPermanent         = "failed_permanent"
	JobStatusCancelled               = "cancelled"
)

// Sub-reasons for JobStatusFailedPermanent. Operators need to tell
// "over budget" apart from "too much pressure on one account", and both apart
// from "the lock backend was down".
const (
	ReasonContentionExhausted  = "contention_exhausted"
	ReasonPersistenceExhausted = "persistence_exhausted"
	ReasonDispatcherStopped    = "dispatcher_stopped"
	ReasonLockLost             = "lock_lost"
	ReasonLockUnavailable      = "lock_unavailable"
)

var ValidJobTransitions = map[string][]string{
	JobStatusQueued:  {JobStatusRunning, JobStatusFailedPermanent, JobStatusCancelled},
	JobStatusRunning: {JobStatusSucceeded, JobStatusFailedInsufficientFunds, JobStatusFailedPermanent},
}

func CanJobTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidJobTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// TerminalJobStatuses lists every status IsTerminalJobStatus accepts.
var TerminalJobStatuses = []string{JobStatusSucceeded, JobStatusFailedInsufficientFunds, JobStatusFailedPermanent, JobStatusCancelled}

// IsTerminalJobStatus reports whether a job in this status will never run again.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusSucceeded, JobStatusFailedInsufficientFunds, JobStatusFailedPermanent, JobStatusCancelled:
		return true
	}
	return false
}

// TransferRequest is what the submitter hands to the engine.
// SenderID is trusted verbatim; authentication happens before the engine.
type TransferRequest struct {
	RequestID   string          `json:"request_id,omitempty"`
	SenderID    string          `json:"sender_id"`
	ReceiverID  string          `json:"receiver_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// TransferJob is the unit of work driven by the dispatcher.
//
// 【Why is the uniqueness key the sender?】
// Two different requests from the same sender are different jobs, but they
// spend from the same balance. Keying the lock on the sender means they can
// never run at the same time, which closes the check-then-debit window.
type TransferJob struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"-"`
	JobID         string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"job_id"`
	RequestID     string          `gorm:"type:varchar(64);index" json:"request_id,omitempty"`
	SenderID      string          `gorm:"type:varchar(64);index;not null" json:"sender_id"`
	ReceiverID    string          `gorm:"type:varchar(64);not null" json:"receiver_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Description   string          `gorm:"type:varchar(256)" json:"description"`
	UniquenessKey string          `gorm:"type:varchar(64);not null" json:"uniqueness_key"`
	AttemptCount  int             `gorm:"not null;default:0" json:"attempt_count"`
	Status        string          `gorm:"type:varchar(32);index;not null" json:"status"`
	Reason        string          `gorm:"type:varchar(32)" json:"reason,omitempty"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

func (TransferJob) TableName() string {
	return "transfer_job"
}

// NewTransferJob builds a queued job from a request.
func NewTransferJob(jobID string, req TransferRequest) *TransferJob {
	return &TransferJob{
		JobID:         jobID,
		RequestID:     req.RequestID,
		SenderID:      req.SenderID,
		ReceiverID:    req.ReceiverID,
		Amount:        req.Amount,
		Description:   req.Description,
		UniquenessKey: req.SenderID,
		Status:        JobStatusQueued,
		CreatedAt:     time.Now(),
	}
}
