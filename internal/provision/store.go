package provision

import (
	"context"
	"time"

	"gorm.io/gorm"

	"lastpush.com/pkg/orm"
)

type store struct {
	db *gorm.DB
}

func (s *store) getDb(ctx context.Context) *gorm.DB {
	return orm.DB(ctx, s.db)
}

func (s *store) attempts(ctx context.Context, orderID string, step Step) ([]Attempt, error) {
	var rows []Attempt
	q := s.getDb(ctx).Where("order_id = ?", orderID)
	if step != "" {
		q = q.Where("step = ?", step)
	}
	err := q.Order("started_at ASC").Order("id ASC").Find(&rows).Error
	return rows, err
}

func (s *store) insert(ctx context.Context, a *Attempt) error {
	return s.getDb(ctx).Create(a).Error
}

// finish closes an in-flight attempt. Zero rows means it was already closed,
// e.g. declared lost after its lease ran out.
func (s *store) finish(ctx context.Context, id int64, status AttemptStatus, errMsg string, at time.Time) (int64, error) {
	if len(errMsg) > 512 {
		errMsg = errMsg[:512]
	}
	res := s.getDb(ctx).Model(&Attempt{}).
		Where("id = ? AND status = ?", id, AttemptInFlight).
		Updates(map[string]interface{}{
			"status":      status,
			"error":       errMsg,
			"finished_at": at,
		})
	return res.RowsAffected, res.Error
}

func (s *store) remove(ctx context.Context, id int64) error {
	return s.getDb(ctx).Where("id = ? AND status = ?", id, AttemptInFlight).Delete(&Attempt{}).Error
}
