package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	EnrollmentStatePendingPayment = "pending_payment"
	EnrollmentStateActive         = "active"
	EnrollmentStateWaitlisted     = "waitlisted"
	EnrollmentStateCancelled      = "cancelled"
	EnrollmentStateTransferred    = "transferred"
)

const (
	WaitlistTierNone     = "none"
	WaitlistTierPriority = "priority"
	WaitlistTierRegular  = "regular"
)

// Enrollment links one child to one offering. At most one non-terminal
// enrollment may exist per (child, offering) pair; ActiveKey backs that
// invariant at the database so concurrent duplicate creates cannot both
// succeed.
type Enrollment struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	TenantID       uint            `gorm:"not null;index" json:"tenant_id"`
	ChildID        uint            `gorm:"not null;index" json:"child_id"`
	Child          Child           `gorm:"foreignKey:ChildID" json:"child,omitempty"`
	FamilyID       uint            `gorm:"not null;index" json:"family_id"`
	OfferingID     uint            `gorm:"not null;index:idx_enrollments_offering_state,priority:1" json:"offering_id"`
	Offering       Offering        `gorm:"foreignKey:OfferingID" json:"offering,omitempty"`
	State          string          `gorm:"type:varchar(20);not null;index:idx_enrollments_offering_state,priority:2" json:"state"`
	WaitlistTier   string          `gorm:"type:varchar(10);not null;default:'none';index" json:"waitlist_tier"`
	ActiveKey      *string         `gorm:"type:varchar(64);uniqueIndex:ux_enrollments_active_key" json:"-"`
	SiblingRank    int             `gorm:"not null;default:1" json:"sibling_rank"`
	ClaimToken     string          `gorm:"type:varchar(36);not null;default:''" json:"-"`
	ClaimExpiresAt *time.Time      `gorm:"type:timestamp;default:null" json:"claim_expires_at,omitempty"`
	AmountDue      decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"amount_due"`
	AmountPaid     decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"amount_paid"`
	PaymentID      *uint           `gorm:"index" json:"payment_id,omitempty"`
	SubscriptionID *uint           `gorm:"index" json:"subscription_id,omitempty"`
	AdminReview    bool            `gorm:"default:false;index" json:"admin_review"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt  `gorm:"index" json:"-"`
}

// ActiveKeyFor builds the uniqueness key held by every non-terminal
// enrollment of a (child, offering) pair. Terminal enrollments carry NULL,
// which MySQL exempts from the unique index, so history is kept while only
// one live row can exist.
func ActiveKeyFor(childID, offeringID uint) *string {
	k := fmt.Sprintf("%d:%d", childID, offeringID)
	return &k
}

// IsTerminal reports whether the enrollment reached a final state.
func (e *Enrollment) IsTerminal() bool {
	return e.State == EnrollmentStateCancelled || e.State == EnrollmentStateTransferred
}

// CountsAgainstCapacity reports whether the enrollment occupies a seat.
// Waitlisted entries do not; a pending payment does, since the seat is
// reserved while the first charge settles.
func (e *Enrollment) CountsAgainstCapacity() bool {
	return e.State == EnrollmentStateActive || e.State == EnrollmentStatePendingPayment
}

// ClaimOpen reports whether a regular-tier seat offer is still claimable at
// the given instant.
func (e *Enrollment) ClaimOpen(now time.Time) bool {
	return e.ClaimExpiresAt != nil && now.Before(*e.ClaimExpiresAt)
}
