package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DiscountKindSibling     = "sibling"
	DiscountKindPromo       = "promo"
	DiscountKindScholarship = "scholarship"
)

// DiscountApplication records one discount applied to one enrollment line
// item, with the amount taken off and the price left after it. Rows are
// written once at pricing time and never revised; discounts are sticky.
type DiscountApplication struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	TenantID       uint            `gorm:"not null;index" json:"tenant_id"`
	EnrollmentID   uint            `gorm:"not null;index" json:"enrollment_id"`
	Kind           string          `gorm:"type:varchar(20);not null;index" json:"kind"`
	SourceRef      string          `gorm:"type:varchar(191);not null;default:''" json:"source_ref"`
	Amount         decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	ResultingPrice decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"resulting_price"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
