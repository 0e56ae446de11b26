package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	PaymentKindOneTime     = "one_time"
	PaymentKindInstallment = "installment"
)

const (
	PaymentStatusPending     = "pending"
	PaymentStatusSucceeded   = "succeeded"
	PaymentStatusFailed      = "failed"
	PaymentStatusNeedsReview = "needs_review"
	PaymentStatusCancelled   = "cancelled"
)

// Payment is a single one-time or installment charge attempt against an
// enrollment. Retry bookkeeping lives here; the sweep reads NextRetryAt and
// re-checks Status before acting so an overlapping run cannot double-charge.
type Payment struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	TenantID          uint            `gorm:"not null;index" json:"tenant_id"`
	EnrollmentID      uint            `gorm:"not null;index" json:"enrollment_id"`
	FamilyID          uint            `gorm:"not null;index" json:"family_id"`
	Kind              string          `gorm:"type:varchar(20);not null;default:'one_time'" json:"kind"`
	InstallmentNum    int             `gorm:"not null;default:1" json:"installment_num"`
	InstallmentCount  int             `gorm:"not null;default:1" json:"installment_count"`
	Amount            decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	Status            string          `gorm:"type:varchar(20);not null;default:'pending';index:idx_payments_status_retry,priority:1" json:"status"`
	RetryCount        int             `gorm:"not null;default:0" json:"retry_count"`
	NextRetryAt       *time.Time      `gorm:"type:timestamp;default:null;index:idx_payments_status_retry,priority:2" json:"next_retry_at,omitempty"`
	LastRetryAt       *time.Time      `gorm:"type:timestamp;default:null" json:"last_retry_at,omitempty"`
	ProviderPaymentID string          `gorm:"type:varchar(191);not null;default:'';index" json:"provider_payment_id"`
	IdempotencyKey    string          `gorm:"type:varchar(36);not null;uniqueIndex" json:"-"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt         gorm.DeletedAt  `gorm:"index" json:"-"`
}

// RetryDue reports whether the payment is waiting on a scheduled retry that
// has come due.
func (p *Payment) RetryDue(now time.Time) bool {
	return p.Status == PaymentStatusFailed && p.NextRetryAt != nil && !now.Before(*p.NextRetryAt)
}
