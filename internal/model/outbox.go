package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// TransferOutcome is the outbox payload published when a job reaches a
// terminal status.
type TransferOutcome struct {
	JobID        string     `json:"job_id"`
	RequestID    string     `json:"request_id,omitempty"`
	SenderID     string     `json:"sender_id"`
	ReceiverID   string     `json:"receiver_id"`
	Amount       string     `json:"amount"`
	Status       string     `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

func NewTransferOutcome(job *TransferJob) TransferOutcome {
	return TransferOutcome{
		JobID:        job.JobID,
		RequestID:    job.RequestID,
		SenderID:     job.SenderID,
		ReceiverID:   job.ReceiverID,
		Amount:       job.Amount.String(),
		Status:       job.Status,
		Reason:       job.Reason,
		AttemptCount: job.AttemptCount,
		FinishedAt:   job.FinishedAt,
	}
}
