package repository

import (
	"context"
	"errors"
	"fmt"

	"transferd/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	// ErrPersistence wraps every fault of the backing store. Nothing was
	// committed when it is returned.
	ErrPersistence = errors.New("ledger store unavailable")
	// ErrDuplicateEntry means the entry number is already committed, i.e. an
	// earlier attempt of the same write went through.
	ErrDuplicateEntry = errors.New("ledger entry already committed")
)

// LedgerRepository is the append-only ledger. It has no update or delete
// methods on purpose: balances are derived by summing entries.
type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Append commits a single entry and returns the committed copy.
func (r *LedgerRepository) Append(ctx context.Context, entry *model.LedgerEntry) (*model.LedgerEntry, error) {
	row := *entry
	row.ID = 0

	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, r.classify(ctx, err, entry.EntryNo)
	}
	return &row, nil
}

// AppendPair commits debit and credit in one transaction: both rows or none.
func (r *LedgerRepository) AppendPair(ctx context.Context, debit, credit *model.LedgerEntry) (*model.LedgerEntry, *model.LedgerEntry, error) {
	d, c := *debit, *credit
	d.ID, c.ID = 0, 0

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&d).Error; err != nil {
			return err
		}
		return tx.Create(&c).Error
	})
	if err != nil {
		return nil, nil, r.classify(ctx, err, debit.EntryNo)
	}
	return &d, &c, nil
}

// Balance sums the account's entries. An account without entries has balance 0.
func (r *LedgerRepository) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	db := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("account_id = ?", accountID)

	// sqlite has no exact decimal arithmetic; SUM there would go through float64
	if r.db.Dialector.Name() == "sqlite" {
		var entries []model.LedgerEntry
		if err := db.Select("amount").Find(&entries).Error; err != nil {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		balance := decimal.Zero
		for _, e := range entries {
			balance = balance.Add(e.Amount)
		}
		return balance, nil
	}

	var balance decimal.Decimal
	if err := db.Select("COALESCE(SUM(amount), 0)").Row().Scan(&balance); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return balance, nil
}

// ListByAccount pages through an account's entries, newest first.
func (r *LedgerRepository) ListByAccount(ctx context.Context, accountID string, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	var entries []*model.LedgerEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("account_id = ?", accountID).Session(&gorm.Session{})

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return entries, total, nil
}

// PairCommitted reports whether the debit side of jobID's transfer exists.
// Since the pair commits atomically the credit side exists too.
func (r *LedgerRepository) PairCommitted(ctx context.Context, jobID string) (bool, error) {
	exists, err := r.entryExists(ctx, model.DebitEntryNo(jobID))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return exists, nil
}

func (r *LedgerRepository) entryExists(ctx context.Context, entryNo string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("entry_no = ?", entryNo).Count(&count).Error
	return count > 0, err
}

// classify turns a failed write into ErrDuplicateEntry or ErrPersistence.
// The unique index on entry_no is the source of truth: if the row is there
// after a rolled back write, an earlier write already committed it.
func (r *LedgerRepository) classify(ctx context.Context, err error, entryNo string) error {
	if exists, lookupErr := r.entryExists(ctx, entryNo); lookupErr == nil && exists {
		return ErrDuplicateEntry
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}
