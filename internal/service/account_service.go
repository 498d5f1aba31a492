package service

import (
	"context"
	"errors"
	"fmt"

	"transferd/internal/model"
	"transferd/internal/repository"
	"transferd/pkg/idgen"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AccountService covers the plumbing around the engine: opening accounts,
// seeding funds and reading the ledger back.
type AccountService struct {
	accountRepo *repository.AccountRepository
	ledgerRepo  *repository.LedgerRepository
	logger      *zap.Logger
}

func NewAccountService(accountRepo *repository.AccountRepository, ledgerRepo *repository.LedgerRepository, logger *zap.Logger) *AccountService {
	return &AccountService{
		accountRepo: accountRepo,
		ledgerRepo:  ledgerRepo,
		logger:      logger.Named("account"),
	}
}

// OpenAccount is idempotent: opening an existing account returns it.
func (s *AccountService) OpenAccount(ctx context.Context, accountID string) (*model.Account, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}
	return s.accountRepo.GetOrCreate(ctx, accountID)
}

type DepositRequest struct {
	AccountID   string          `json:"account_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// Deposit appends a single positive entry, opening the account if needed.
// It does not go through the dispatcher: a credit cannot overdraw anything.
func (s *AccountService) Deposit(ctx context.Context, req *DepositRequest) (*model.LedgerEntry, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if _, err := s.OpenAccount(ctx, req.AccountID); err != nil {
		return nil, err
	}

	entry, err := s.ledgerRepo.Append(ctx, &model.LedgerEntry{
		EntryNo:     idgen.GenerateEntryNo(),
		AccountID:   req.AccountID,
		Kind:        model.EntryKindDeposit,
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("append deposit: %w", err)
	}

	s.logger.Info("deposit committed",
		zap.String("account_id", req.AccountID),
		zap.String("entry_no", entry.EntryNo),
		zap.String("amount", req.Amount.String()))
	return entry, nil
}

func (s *AccountService) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if err := s.mustExist(ctx, accountID); err != nil {
		return decimal.Zero, err
	}
	return s.ledgerRepo.Balance(ctx, accountID)
}

func (s *AccountService) ListEntries(ctx context.Context, accountID string, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	if err := s.mustExist(ctx, accountID); err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.ledgerRepo.ListByAccount(ctx, accountID, page, pageSize)
}

func (s *AccountService) mustExist(ctx context.Context, accountID string) error {
	_, err := s.accountRepo.GetByAccountID(ctx, accountID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return ErrAccountNotFound
	}
	return err
}
