package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	BillingIntervalMonth   = "month"
	BillingIntervalQuarter = "quarter"
	BillingIntervalYear    = "year"
)

const (
	OfferingStatusDraft    = "draft"
	OfferingStatusOpen     = "open"
	OfferingStatusClosed   = "closed"
	OfferingStatusArchived = "archived"
)

// ErrMissingBillingInterval marks an offering whose recurring price has no
// billing interval. Such offerings must not accept subscription enrollments
// until the configuration is fixed.
var ErrMissingBillingInterval = errors.New("offering: recurring price configured without billing interval")

// Offering is a scheduled class or session children enroll into. Capacity
// bounds the number of simultaneously active enrollments; the waitlist takes
// the overflow.
type Offering struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	TenantID        uint            `gorm:"not null;index" json:"tenant_id"`
	Name            string          `gorm:"type:varchar(191);not null" json:"name"`
	Status          string          `gorm:"type:varchar(20);not null;default:'open';index" json:"status"`
	Capacity        int             `gorm:"not null" json:"capacity"`
	StartDate       time.Time       `gorm:"type:date;not null;index" json:"start_date"`
	EndDate         time.Time       `gorm:"type:date;not null" json:"end_date"`
	AgeMin          int             `gorm:"not null;default:0" json:"age_min"`
	AgeMax          int             `gorm:"not null;default:0" json:"age_max"`
	SessionCount    int             `gorm:"not null;default:1" json:"session_count"`
	OneTimePrice    decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"one_time_price"`
	RecurringPrice  decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"recurring_price"`
	BillingInterval string          `gorm:"type:varchar(16);not null;default:''" json:"billing_interval"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt       gorm.DeletedAt  `gorm:"index" json:"-"`
}

// HasRecurringBilling reports whether the offering is sold as a
// subscription at all.
func (o *Offering) HasRecurringBilling() bool {
	return o.RecurringPrice.IsPositive()
}

// ValidateSubscriptionConfig checks the recurring billing configuration.
// A recurring price without a valid interval is a setup fault, not a
// caller mistake.
func (o *Offering) ValidateSubscriptionConfig() error {
	if !o.HasRecurringBilling() {
		return nil
	}
	switch o.BillingInterval {
	case BillingIntervalMonth, BillingIntervalQuarter, BillingIntervalYear:
		return nil
	default:
		return ErrMissingBillingInterval
	}
}

// AgeEligible reports whether a child of the given age (at StartDate) fits
// the offering's age window. A zero AgeMax means no upper bound.
func (o *Offering) AgeEligible(age int) bool {
	if age < o.AgeMin {
		return false
	}
	if o.AgeMax > 0 && age > o.AgeMax {
		return false
	}
	return true
}
