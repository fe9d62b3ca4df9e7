package ledger

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lastpush.com/pkg/orm"
)

type store struct {
	db *gorm.DB
}

func (s *store) getDb(ctx context.Context) *gorm.DB {
	return orm.DB(ctx, s.db)
}

// lockAccount reads the account row FOR UPDATE. found=false when the account
// has never been credited.
func (s *store) lockAccount(ctx context.Context, accountID int64) (*Account, bool, error) {
	var acc Account
	err := s.getDb(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		Take(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &acc, true, nil
}

func (s *store) createAccount(ctx context.Context, accountID int64) error {
	return s.getDb(ctx).Create(&Account{AccountID: accountID}).Error
}

// updateBalance is a compare-and-set on version; 0 rows means someone else
// moved the account since it was read.
func (s *store) updateBalance(ctx context.Context, acc *Account, newBalance interface{}) (int64, error) {
	res := s.getDb(ctx).Model(&Account{}).
		Where("account_id = ? AND version = ?", acc.AccountID, acc.Version).
		Updates(map[string]interface{}{
			"balance": newBalance,
			"version": gorm.Expr("version + 1"),
		})
	return res.RowsAffected, res.Error
}

func (s *store) findEntry(ctx context.Context, referenceID string, kind Kind) (*Entry, error) {
	var e Entry
	err := s.getDb(ctx).
		Where("reference_id = ? AND kind = ?", referenceID, kind).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *store) insertEntry(ctx context.Context, e *Entry) error {
	return s.getDb(ctx).Create(e).Error
}

func (s *store) getAccount(ctx context.Context, accountID int64) (*Account, error) {
	var acc Account
	err := s.getDb(ctx).Where("account_id = ?", accountID).Take(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &acc, err
}

func (s *store) listEntries(ctx context.Context, accountID int64, page, limit int) ([]Entry, int64, error) {
	var (
		rows  []Entry
		total int64
	)
	base := func() *gorm.DB {
		return s.getDb(ctx).Model(&Entry{}).Where("account_id = ?", accountID)
	}
	if err := base().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := orm.ApplyPagination(base().Order("id DESC"), page, limit).Find(&rows).Error
	return rows, total, err
}

func (s *store) allDeltas(ctx context.Context, accountID int64) ([]Entry, error) {
	var rows []Entry
	err := s.getDb(ctx).Select("delta").Where("account_id = ?", accountID).Find(&rows).Error
	return rows, err
}
