package service

import (
	"context"
	"errors"
	"fmt"

	"transferd/internal/engine"
	"transferd/internal/model"
	"transferd/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// amountScale is the number of decimals a ledger amount can carry,
// matching decimal(20,4) in the schema.
const amountScale = 4

var (
	ErrInvalidAmount    = errors.New("amount must be greater than 0")
	ErrAmountPrecision  = fmt.Errorf("amount must have at most %d decimal places", amountScale)
	ErrInvalidAccount   = errors.New("account id must be 1-64 characters")
	ErrSameAccount      = errors.New("sender and receiver must differ")
	ErrAccountNotFound  = errors.New("account not found")
	ErrJobNotFound      = errors.New("transfer job not found")
	ErrJobNotCancelable = engine.ErrJobNotCancelable
	ErrServiceStopping  = engine.ErrDispatcherStopped
)

// IsValidationError reports whether err is a submitter mistake rather than a
// system fault.
func IsValidationError(err error) bool {
	for _, target := range []error{ErrInvalidAmount, ErrAmountPrecision, ErrInvalidAccount, ErrSameAccount, ErrAccountNotFound} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type TransferService struct {
	accountRepo *repository.AccountRepository
	jobRepo     *repository.JobRepository
	dispatcher  *engine.Dispatcher
	logger      *zap.Logger
}

func NewTransferService(accountRepo *repository.AccountRepository, jobRepo *repository.JobRepository, dispatcher *engine.Dispatcher, logger *zap.Logger) *TransferService {
	return &TransferService{
		accountRepo: accountRepo,
		jobRepo:     jobRepo,
		dispatcher:  dispatcher,
		logger:      logger.Named("transfer"),
	}
}

type SubmitRequest struct {
	RequestID   string          `json:"request_id"`
	SenderID    string          `json:"sender_id" binding:"required"`
	ReceiverID  string          `json:"receiver_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// SubmitTransfer validates the request and hands it to the dispatcher. It
// returns as soon as the job is queued; validation failures never become jobs.
func (s *TransferService) SubmitTransfer(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if err := validateAccountID(req.SenderID); err != nil {
		return nil, err
	}
	if err := validateAccountID(req.ReceiverID); err != nil {
		return nil, err
	}
	if req.SenderID == req.ReceiverID {
		return nil, ErrSameAccount
	}

	for _, id := range []string{req.SenderID, req.ReceiverID} {
		exists, err := s.accountRepo.Exists(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("check account %s: %w", id, err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
	}

	// idempotency across restarts; the dispatcher covers its own lifetime
	if req.RequestID != "" {
		existing, err := s.jobRepo.GetByRequestID(ctx, req.RequestID)
		if err != nil {
			return nil, fmt.Errorf("query job by request id: %w", err)
		}
		if existing != nil {
			return &SubmitResponse{JobID: existing.JobID, Status: existing.Status}, nil
		}
	}

	jobID, err := s.dispatcher.Submit(ctx, model.TransferRequest{
		RequestID:   req.RequestID,
		SenderID:    req.SenderID,
		ReceiverID:  req.ReceiverID,
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("transfer accepted",
		zap.String("job_id", jobID),
		zap.String("sender", req.SenderID),
		zap.String("receiver", req.ReceiverID),
		zap.String("amount", req.Amount.String()))

	return &SubmitResponse{JobID: jobID, Status: model.JobStatusQueued}, nil
}

type JobStatusResponse struct {
	JobID        string          `json:"job_id"`
	SenderID     string          `json:"sender_id"`
	ReceiverID   string          `json:"receiver_id"`
	Amount       decimal.Decimal `json:"amount"`
	Status       string          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	AttemptCount int             `json:"attempt_count"`
}

// GetJobStatus asks the dispatcher first and falls back to the job table for
// jobs that were pruned from memory or ran in an earlier process.
func (s *TransferService) GetJobStatus(ctx context.Context, jobID string) (*JobStatusResponse, error) {
	job, err := s.dispatcher.Status(jobID)
	if err == nil {
		return statusResponse(&job), nil
	}
	if !errors.Is(err, engine.ErrJobNotFound) {
		return nil, err
	}

	persisted, err := s.jobRepo.GetByJobID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return statusResponse(persisted), nil
}

// CancelTransfer cancels a job that has not started yet.
func (s *TransferService) CancelTransfer(ctx context.Context, jobID string) error {
	err := s.dispatcher.Cancel(ctx, jobID)
	if !errors.Is(err, engine.ErrJobNotFound) {
		return err
	}

	// not in memory: either unknown, or finished long enough ago to be pruned
	if _, err := s.jobRepo.GetByJobID(ctx, jobID); err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("query job: %w", err)
	}
	return ErrJobNotCancelable
}

func statusResponse(job *model.TransferJob) *JobStatusResponse {
	return &JobStatusResponse{
		JobID:        job.JobID,
		SenderID:     job.SenderID,
		ReceiverID:   job.ReceiverID,
		Amount:       job.Amount,
		Status:       job.Status,
		Reason:       job.Reason,
		AttemptCount: job.AttemptCount,
	}
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(amountScale)) {
		return ErrAmountPrecision
	}
	return nil
}

func validateAccountID(id string) error {
	if id == "" || len(id) > 64 {
		return ErrInvalidAccount
	}
	return nil
}
