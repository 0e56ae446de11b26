package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RefundStatusPending  = "pending"
	RefundStatusApproved = "approved"
	RefundStatusRejected = "rejected"
)

// RefundRequest gates every cash refund behind an explicit admin decision.
// A request leaves pending exactly once; the transition is enforced with a
// conditional update keyed on the pending status, so concurrent approvals
// collapse to a single winner.
type RefundRequest struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	TenantID     uint            `gorm:"not null;index" json:"tenant_id"`
	EnrollmentID uint            `gorm:"not null;index" json:"enrollment_id"`
	PaymentID    *uint           `gorm:"index" json:"payment_id,omitempty"`
	Amount       decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	Status       string          `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Reason       string          `gorm:"type:varchar(255);not null;default:''" json:"reason"`
	ApproverID   uint            `gorm:"not null;default:0" json:"approver_id"`
	RequestedAt  time.Time       `gorm:"autoCreateTime" json:"requested_at"`
	DecidedAt    *time.Time      `gorm:"type:timestamp;default:null" json:"decided_at,omitempty"`
}
