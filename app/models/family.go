package models

import (
	"time"

	"gorm.io/gorm"
)

// Family is the unit across which sibling discounts and account credit are
// scoped. Children always belong to exactly one family.
type Family struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	TenantID         uint           `gorm:"not null;index" json:"tenant_id"`
	Name             string         `gorm:"type:varchar(191);not null" json:"name"`
	Email            string         `gorm:"type:varchar(191);not null;index" json:"email"`
	PaymentMethodRef string         `gorm:"type:varchar(191)" json:"payment_method_ref"`
	Children         []Child        `gorm:"foreignKey:FamilyID" json:"children,omitempty"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

// HasPaymentMethod reports whether the family stored a reusable payment
// method with the provider. Families with one are eligible for the priority
// waitlist tier.
func (f *Family) HasPaymentMethod() bool {
	return f.PaymentMethodRef != ""
}

type Child struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	TenantID  uint           `gorm:"not null;index" json:"tenant_id"`
	FamilyID  uint           `gorm:"not null;index" json:"family_id"`
	Family    Family         `gorm:"foreignKey:FamilyID" json:"family,omitempty"`
	Name      string         `gorm:"type:varchar(191);not null" json:"name"`
	BirthDate time.Time      `gorm:"type:date;not null" json:"birth_date"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// AgeAt returns the child's age in whole years at the given date. Eligibility
// checks always use the offering's start date, never the current date.
func (c *Child) AgeAt(date time.Time) int {
	age := date.Year() - c.BirthDate.Year()
	anniversary := time.Date(date.Year(), c.BirthDate.Month(), c.BirthDate.Day(), 0, 0, 0, 0, time.UTC)
	if date.Before(anniversary) {
		age--
	}
	return age
}
