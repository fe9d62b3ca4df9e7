package deposit

import (
	"time"

	"github.com/shopspring/decimal"
)

type State string

const (
	StateAwaiting   State = "AWAITING_DEPOSIT"
	StateConfirming State = "CONFIRMING"
	StateConfirmed  State = "CONFIRMED"
	StateExpired    State = "EXPIRED"
	StateFailed     State = "FAILED"
)

// Terminal states never change again.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateExpired || s == StateFailed
}

// Intent is one crypto top-up the user has started.
type Intent struct {
	ID          string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	AccountID   int64           `gorm:"not null;index:idx_account_state,priority:1" json:"account_id"`
	ChainID     int64           `gorm:"not null;uniqueIndex:uk_chain_tx,priority:1" json:"chain_id"`
	Token       string          `gorm:"type:varchar(16);not null" json:"token"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Address     string          `gorm:"type:varchar(42);not null" json:"address"`
	State       State           `gorm:"type:varchar(24);not null;index:idx_account_state,priority:2;index:idx_state_expires,priority:1" json:"state"`
	ExpiresAt   time.Time       `gorm:"not null;index:idx_state_expires,priority:2" json:"expires_at"`
	TxHash      *string         `gorm:"type:varchar(66);uniqueIndex:uk_chain_tx,priority:2" json:"tx_hash,omitempty"`
	FromAddress string          `gorm:"type:varchar(42)" json:"from_address,omitempty"`
	Attestation string          `gorm:"type:text" json:"-"`
	Signature   string          `gorm:"type:varchar(132)" json:"-"`
	FailReason  string          `gorm:"type:varchar(255)" json:"fail_reason,omitempty"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (Intent) TableName() string { return "deposit_intents" }

// Address is a derived deposit address. ID doubles as the BIP44 address
// index; IntentID is set while an open intent holds the address.
type Address struct {
	ID        int64   `gorm:"primaryKey"`
	AccountID int64   `gorm:"not null;index:idx_owner,priority:1"`
	ChainID   int64   `gorm:"not null;index:idx_owner,priority:2;uniqueIndex:uk_chain_token_address,priority:1"`
	Token     string  `gorm:"type:varchar(16);not null;index:idx_owner,priority:3;uniqueIndex:uk_chain_token_address,priority:2"`
	Address   string  `gorm:"type:varchar(48);not null;uniqueIndex:uk_chain_token_address,priority:3"`
	IntentID  *string `gorm:"type:varchar(36)"`
	CreatedAt time.Time
}

func (Address) TableName() string { return "deposit_addresses" }

func Models() []interface{} { return []interface{}{&Address{}, &Intent{}} }

func txHashOf(in *Intent) string {
	if in.TxHash == nil {
		return ""
	}
	return *in.TxHash
}
