package provision

import (
	"time"

	"lastpush.com/internal/order"
)

type Step string

const (
	StepPurchase Step = "PURCHASE"
	StepActivate Step = "ACTIVATE"
)

type AttemptStatus string

const (
	AttemptInFlight  AttemptStatus = "IN_FLIGHT"
	AttemptSucceeded AttemptStatus = "SUCCEEDED"
	AttemptRetryable AttemptStatus = "RETRYABLE"
	AttemptFatal     AttemptStatus = "FATAL"
)

// Attempt is one call to the registrar or the DNS provider. The unique
// (order, step, attempt) row inserted before the call is what keeps two
// instances from calling at the same time.
type Attempt struct {
	ID         int64         `gorm:"primaryKey" json:"-"`
	OrderID    string        `gorm:"type:varchar(36);not null;uniqueIndex:uk_order_step_attempt,priority:1" json:"order_id"`
	Step       Step          `gorm:"type:varchar(16);not null;uniqueIndex:uk_order_step_attempt,priority:2" json:"step"`
	Attempt    int           `gorm:"not null;uniqueIndex:uk_order_step_attempt,priority:3" json:"attempt"`
	Status     AttemptStatus `gorm:"type:varchar(16);not null" json:"status"`
	Error      string        `gorm:"type:varchar(512)" json:"error,omitempty"`
	StartedAt  time.Time     `gorm:"not null" json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

func (Attempt) TableName() string { return "provision_attempts" }

func Models() []interface{} { return []interface{}{&Attempt{}} }

// Status is what a polling client sees: the order and its step timeline.
type Status struct {
	Order    order.Order `json:"order"`
	Attempts []Attempt   `json:"attempts"`
}
