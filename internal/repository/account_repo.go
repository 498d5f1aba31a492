package repository

import (
	"context"
	"errors"
	"fmt"

	"transferd/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound = errors.New("account not found")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByAccountID(ctx context.Context, accountID string) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) Exists(ctx context.Context, accountID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Account{}).Where("account_id = ?", accountID).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetOrCreate is safe to race: the loser of a concurrent insert hits the
// unique index, does nothing, and reads the winner's row.
func (r *AccountRepository) GetOrCreate(ctx context.Context, accountID string) (*model.Account, error) {
	account, err := r.GetByAccountID(ctx, accountID)
	if err == nil {
		return account, nil
	}

	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.Account{AccountID: accountID}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", accountID, err)
	}

	return r.GetByAccountID(ctx, accountID)
}
