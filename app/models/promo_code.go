package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PromoCode is an order-level discount code. Either PercentOff or AmountOff
// is set, not both. A code may be redeemed once per distinct offering by the
// same family; PromoRedemption rows carry that bookkeeping.
type PromoCode struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	TenantID       uint            `gorm:"not null;uniqueIndex:ux_promo_codes_tenant_code,priority:1" json:"tenant_id"`
	Code           string          `gorm:"type:varchar(64);not null;uniqueIndex:ux_promo_codes_tenant_code,priority:2" json:"code"`
	PercentOff     decimal.Decimal `gorm:"type:decimal(5,2);not null;default:0" json:"percent_off"`
	AmountOff      decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"amount_off"`
	MinOrderAmount decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"min_order_amount"`
	MaxUses        int             `gorm:"not null;default:0" json:"max_uses"`
	UsedCount      int             `gorm:"not null;default:0" json:"used_count"`
	ExpiresAt      *time.Time      `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt  `gorm:"index" json:"-"`
}

// Expired reports whether the code is past its expiry at the given instant.
// Codes without an expiry never expire.
func (p *PromoCode) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// Exhausted reports whether the global usage cap is spent. Zero MaxUses
// means unlimited.
func (p *PromoCode) Exhausted() bool {
	return p.MaxUses > 0 && p.UsedCount >= p.MaxUses
}

// PromoRedemption records one use of a promo code by a family for one
// offering. The unique index makes the per-offering single-use rule hold
// under concurrent checkouts.
type PromoRedemption struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TenantID    uint      `gorm:"not null;index" json:"tenant_id"`
	PromoCodeID uint      `gorm:"not null;uniqueIndex:ux_promo_redemptions_code_family_offering,priority:1" json:"promo_code_id"`
	FamilyID    uint      `gorm:"not null;uniqueIndex:ux_promo_redemptions_code_family_offering,priority:2" json:"family_id"`
	OfferingID  uint      `gorm:"not null;uniqueIndex:ux_promo_redemptions_code_family_offering,priority:3" json:"offering_id"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
