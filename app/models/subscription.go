package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusPastDue   = "past_due"
	SubscriptionStatusCancelled = "cancelled"
)

// Subscription mirrors a provider subscription attached to an enrollment.
// The local row is authoritative for lifecycle decisions; provider webhook
// events are reconciled against it, not blindly applied.
type Subscription struct {
	ID                     uint            `gorm:"primaryKey" json:"id"`
	TenantID               uint            `gorm:"not null;index" json:"tenant_id"`
	EnrollmentID           uint            `gorm:"not null;index" json:"enrollment_id"`
	FamilyID               uint            `gorm:"not null;index" json:"family_id"`
	ProviderSubscriptionID string          `gorm:"type:varchar(191);not null;uniqueIndex" json:"provider_subscription_id"`
	Amount                 decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	BillingInterval        string          `gorm:"type:varchar(16);not null" json:"billing_interval"`
	Status                 string          `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	CurrentPeriodStart     *time.Time      `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time      `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool            `gorm:"default:false" json:"cancel_at_period_end"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt              gorm.DeletedAt  `gorm:"index" json:"-"`
}

// PeriodRemaining returns the unused fraction of the current billing period
// at the given instant, in [0,1]. Used for proration on immediate cancels.
func (s *Subscription) PeriodRemaining(now time.Time) decimal.Decimal {
	if s.CurrentPeriodStart == nil || s.CurrentPeriodEnd == nil {
		return decimal.Zero
	}
	total := s.CurrentPeriodEnd.Sub(*s.CurrentPeriodStart)
	if total <= 0 {
		return decimal.Zero
	}
	left := s.CurrentPeriodEnd.Sub(now)
	if left <= 0 {
		return decimal.Zero
	}
	if left > total {
		left = total
	}
	return decimal.NewFromFloat(left.Seconds()).Div(decimal.NewFromFloat(total.Seconds()))
}
