package order

import (
	"time"

	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeRegister Type = "REGISTER"
	TypeRenew    Type = "RENEW"
	TypeTransfer Type = "TRANSFER"
)

func (t Type) Valid() bool {
	return t == TypeRegister || t == TypeRenew || t == TypeTransfer
}

type PaymentState string

const (
	PaymentCreated PaymentState = "CREATED"
	PaymentPending PaymentState = "PENDING_PAYMENT"
	PaymentPaid    PaymentState = "PAID"
	PaymentFailed  PaymentState = "FAILED"
)

type FulfillmentState string

const (
	FulfillmentNone              FulfillmentState = ""
	FulfillmentPurchasing        FulfillmentState = "PURCHASING"
	FulfillmentPurchased         FulfillmentState = "PURCHASED"
	FulfillmentCloudflarePending FulfillmentState = "CLOUDFLARE_PENDING"
	FulfillmentOnline            FulfillmentState = "ONLINE"
	FulfillmentFailed            FulfillmentState = "FAILED"
)

func (s FulfillmentState) Terminal() bool {
	return s == FulfillmentOnline || s == FulfillmentFailed
}

// InFlightFulfillment are the states a paid order can be left in by a crash.
var InFlightFulfillment = []FulfillmentState{
	FulfillmentPurchasing, FulfillmentPurchased, FulfillmentCloudflarePending,
}

// Order is one domain purchase. Orders are never deleted.
type Order struct {
	ID               string           `gorm:"primaryKey;type:varchar(36)" json:"id"`
	AccountID        int64            `gorm:"not null;index:idx_account_created,priority:1" json:"account_id"`
	Type             Type             `gorm:"type:varchar(16);not null" json:"type"`
	Domain           string           `gorm:"type:varchar(253);not null" json:"domain"`
	Years            int              `gorm:"not null;default:1" json:"years"`
	Amount           decimal.Decimal  `gorm:"type:decimal(20,2);not null" json:"amount"`
	PaymentState     PaymentState     `gorm:"type:varchar(24);not null;index:idx_payment_fulfillment,priority:1" json:"payment_state"`
	FulfillmentState FulfillmentState `gorm:"type:varchar(24);not null;default:'';index:idx_payment_fulfillment,priority:2" json:"fulfillment_state"`
	DepositIntentID  *string          `gorm:"type:varchar(36);uniqueIndex:uk_deposit_intent" json:"deposit_intent_id,omitempty"`
	FailReason       string           `gorm:"type:varchar(255)" json:"fail_reason,omitempty"`
	PaidAt           *time.Time       `json:"paid_at,omitempty"`
	CreatedAt        time.Time        `gorm:"index:idx_account_created,priority:2" json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

func Models() []interface{} { return []interface{}{&Order{}} }
