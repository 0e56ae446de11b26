package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	CreditTypeEarned  = "earned"
	CreditTypeSpent   = "spent"
	CreditTypeExpired = "expired"
)

// CreditTransaction is one immutable entry in a family's account credit
// ledger. Amount is signed (spent/expired entries are negative) and
// BalanceAfter snapshots the running sum at write time. Rows are append-only
// and never updated or deleted; the balance is always the sum over the
// family's rows.
type CreditTransaction struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	TenantID     uint            `gorm:"not null;index" json:"tenant_id"`
	FamilyID     uint            `gorm:"not null;index:idx_credit_transactions_family,priority:1" json:"family_id"`
	Type         string          `gorm:"type:varchar(10);not null" json:"type"`
	Amount       decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	BalanceAfter decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"balance_after"`
	Reason       string          `gorm:"type:varchar(255);not null" json:"reason"`
	LinkedType   string          `gorm:"type:varchar(30);not null;default:''" json:"linked_type"`
	LinkedID     uint            `gorm:"not null;default:0" json:"linked_id"`
	CreatedAt    time.Time       `gorm:"autoCreateTime;index:idx_credit_transactions_family,priority:2" json:"created_at"`
}
