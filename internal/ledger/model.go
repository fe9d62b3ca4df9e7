package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindDepositCredit Kind = "DEPOSIT_CREDIT"
	KindOrderDebit    Kind = "ORDER_DEBIT"
	KindManualCredit  Kind = "MANUAL_CREDIT"
)

func (k Kind) isCredit() bool { return k != KindOrderDebit }

// Account holds the running balance. It is only ever changed together with
// the entry that explains the change.
type Account struct {
	AccountID int64           `gorm:"primaryKey;autoIncrement:false" json:"account_id"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"balance"`
	Version   int64           `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (Account) TableName() string { return "ledger_accounts" }

// Entry is append-only. (ReferenceID, Kind) is unique: the same order can be
// debited once and the same intent credited once.
type Entry struct {
	ID           int64           `gorm:"primaryKey" json:"id"`
	AccountID    int64           `gorm:"not null;index:idx_account_id" json:"account_id"`
	Kind         Kind            `gorm:"type:varchar(32);not null;uniqueIndex:uk_reference_kind,priority:2" json:"kind"`
	Delta        decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"delta"`
	BalanceAfter decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"balance_after"`
	ReferenceID  string          `gorm:"type:varchar(64);not null;uniqueIndex:uk_reference_kind,priority:1" json:"reference_id"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (Entry) TableName() string { return "ledger_entries" }

// Models lists the tables this package owns, for migrations.
func Models() []interface{} { return []interface{}{&Account{}, &Entry{}} }

// Posting is one balance movement. Amount is always positive; Kind decides
// the sign.
type Posting struct {
	AccountID   int64
	Kind        Kind
	Amount      decimal.Decimal
	ReferenceID string
}

// Result of a posting. Replayed means the entry already existed and nothing
// was applied this time.
type Result struct {
	Entry    Entry
	Replayed bool
}
