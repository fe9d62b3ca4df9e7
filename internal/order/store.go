package order

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"lastpush.com/internal/deposit"
	"lastpush.com/pkg/orm"
)

type store struct {
	db *gorm.DB
}

func (s *store) getDb(ctx context.Context) *gorm.DB {
	return orm.DB(ctx, s.db)
}

func (s *store) get(ctx context.Context, id string) (*Order, error) {
	var o Order
	err := s.getDb(ctx).Where("id = ?", id).Take(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *store) findByIntent(ctx context.Context, intentID string) (*Order, error) {
	var o Order
	err := s.getDb(ctx).Where("deposit_intent_id = ?", intentID).Take(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *store) create(ctx context.Context, o *Order) error {
	return s.getDb(ctx).Create(o).Error
}

// transitionPayment is the only way the payment state changes: a
// conditional update from an expected state.
func (s *store) transitionPayment(ctx context.Context, id string, from PaymentState, fields map[string]interface{}) (int64, error) {
	res := s.getDb(ctx).Model(&Order{}).
		Where("id = ? AND payment_state = ?", id, from).
		Updates(fields)
	return res.RowsAffected, res.Error
}

func (s *store) transitionFulfillment(ctx context.Context, id string, from []FulfillmentState, fields map[string]interface{}) (int64, error) {
	res := s.getDb(ctx).Model(&Order{}).
		Where("id = ? AND payment_state = ? AND fulfillment_state IN ?", id, PaymentPaid, from).
		Updates(fields)
	return res.RowsAffected, res.Error
}

func (s *store) list(ctx context.Context, accountID int64, page, limit int) ([]Order, int64, error) {
	var (
		rows  []Order
		total int64
	)
	base := func() *gorm.DB {
		return s.getDb(ctx).Model(&Order{}).Where("account_id = ?", accountID)
	}
	if err := base().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := orm.ApplyPagination(base().Order("created_at DESC").Order("id DESC"), page, limit).Find(&rows).Error
	return rows, total, err
}

// listSettleable returns PENDING_PAYMENT orders whose intent is already
// terminal, so intents still waiting on the chain never crowd out the batch.
func (s *store) listSettleable(ctx context.Context, limit int) ([]Order, error) {
	var rows []Order
	err := s.getDb(ctx).
		Select("orders.*").
		Joins("JOIN deposit_intents ON deposit_intents.id = orders.deposit_intent_id").
		Where("orders.payment_state = ? AND deposit_intents.state IN ?", PaymentPending,
			[]deposit.State{deposit.StateConfirmed, deposit.StateExpired, deposit.StateFailed}).
		Order("orders.updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *store) listFulfillable(ctx context.Context, limit int) ([]Order, error) {
	var rows []Order
	err := s.getDb(ctx).
		Where("payment_state = ? AND fulfillment_state IN ?", PaymentPaid, InFlightFulfillment).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
