package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Scholarship grants a child a percentage or fixed reduction. When bound to
// a specific offering its effective validity runs to that offering's end
// date regardless of the stored expiry.
type Scholarship struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	TenantID   uint            `gorm:"not null;index" json:"tenant_id"`
	ChildID    uint            `gorm:"not null;index" json:"child_id"`
	OfferingID *uint           `gorm:"index" json:"offering_id,omitempty"`
	PercentOff decimal.Decimal `gorm:"type:decimal(5,2);not null;default:0" json:"percent_off"`
	AmountOff  decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"amount_off"`
	ExpiresAt  *time.Time      `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt  `gorm:"index" json:"-"`
}

// EffectiveExpiry resolves the scholarship's real cutoff. Offering-bound
// scholarships follow the offering's end date; otherwise the stored expiry
// applies (nil means no cutoff).
func (s *Scholarship) EffectiveExpiry(offering *Offering) *time.Time {
	if s.OfferingID != nil && offering != nil && offering.ID == *s.OfferingID {
		end := offering.EndDate
		return &end
	}
	return s.ExpiresAt
}

// ValidFor reports whether the scholarship applies to the given offering at
// the given instant.
func (s *Scholarship) ValidFor(offering *Offering, now time.Time) bool {
	if s.OfferingID != nil && (offering == nil || offering.ID != *s.OfferingID) {
		return false
	}
	exp := s.EffectiveExpiry(offering)
	return exp == nil || !now.After(*exp)
}
