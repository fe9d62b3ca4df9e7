package deposit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"lastpush.com/pkg/orm"
)

var openStates = []State{StateAwaiting, StateConfirming}

type store struct {
	db *gorm.DB
}

func (s *store) getDb(ctx context.Context) *gorm.DB {
	return orm.DB(ctx, s.db)
}

func (s *store) get(ctx context.Context, id string) (*Intent, error) {
	var in Intent
	err := s.getDb(ctx).Where("id = ?", id).Take(&in).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// findReusable returns an awaiting, unexpired intent for the same request.
func (s *store) findReusable(ctx context.Context, accountID, chainID int64, token, amount string, now time.Time) (*Intent, error) {
	var in Intent
	err := s.getDb(ctx).
		Where("account_id = ? AND chain_id = ? AND token = ? AND amount = ? AND state = ? AND expires_at > ?",
			accountID, chainID, token, amount, StateAwaiting, now).
		Order("created_at DESC").
		Take(&in).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *store) create(ctx context.Context, in *Intent) error {
	return s.getDb(ctx).Create(in).Error
}

func (s *store) listOpen(ctx context.Context, accountID int64) ([]Intent, error) {
	var rows []Intent
	err := s.getDb(ctx).
		Where("account_id = ? AND state IN ?", accountID, openStates).
		Order("created_at DESC").
		Find(&rows).Error
	return rows, err
}

func (s *store) listExpirable(ctx context.Context, now time.Time, limit int) ([]Intent, error) {
	var rows []Intent
	err := s.getDb(ctx).
		Where("state = ? AND expires_at <= ?", StateAwaiting, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// transition moves id from one of from to the target state, setting fields.
// Zero rows means the intent was not in any of from.
func (s *store) transition(ctx context.Context, id string, from []State, fields map[string]interface{}) (int64, error) {
	res := s.getDb(ctx).Model(&Intent{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(fields)
	return res.RowsAffected, res.Error
}

// claimFreeAddress hands an address of the owner that no open intent holds
// to intentID. The conditional update is the claim, so two instances racing
// for the same row cannot both win it.
func (s *store) claimFreeAddress(ctx context.Context, accountID, chainID int64, token, intentID string) (*Address, error) {
	var candidates []Address
	err := s.getDb(ctx).
		Where("account_id = ? AND chain_id = ? AND token = ? AND intent_id IS NULL", accountID, chainID, token).
		Order("id ASC").
		Limit(5).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		res := s.getDb(ctx).Model(&Address{}).
			Where("id = ? AND intent_id IS NULL", candidates[i].ID).
			Update("intent_id", intentID)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			candidates[i].IntentID = &intentID
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// reserveIndex inserts a placeholder row; its auto-increment id becomes the
// derivation index of the new address.
func (s *store) reserveIndex(ctx context.Context, accountID, chainID int64, token, intentID string) (*Address, error) {
	a := &Address{
		AccountID: accountID,
		ChainID:   chainID,
		Token:     token,
		Address:   "pending:" + uuid.NewString(),
		IntentID:  &intentID,
	}
	if err := s.getDb(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

func (s *store) setAddress(ctx context.Context, id int64, address string) error {
	return s.getDb(ctx).Model(&Address{}).Where("id = ?", id).Update("address", address).Error
}

func (s *store) releaseAddress(ctx context.Context, intentID string) error {
	return s.getDb(ctx).Model(&Address{}).Where("intent_id = ?", intentID).Update("intent_id", nil).Error
}
