package waitlist

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
)

// Repository provides the atomic queue and seat operations the manager
// needs. Every state-changing method is a conditional update returning
// whether this caller won; concurrent sweeps and cancellations race on the
// same rows and only one writer may act per transition.
type Repository interface {
	// FreeSeats returns capacity minus occupied seats minus open regular
	// offers. An outstanding claim holds its seat so the same seat is never
	// offered twice.
	FreeSeats(ctx context.Context, tenantID, offeringID uint, now time.Time) (int, error)

	// NextWaitlisted returns the oldest waitlisted entry of the tier with no
	// open claim, or nil when the queue is empty.
	NextWaitlisted(ctx context.Context, tenantID, offeringID uint, tier string, now time.Time) (*models.Enrollment, error)

	// ReserveSeat moves a waitlisted entry to pending_payment iff a seat is
	// free. The occupancy check and the state change are one atomic unit.
	ReserveSeat(ctx context.Context, tenantID, offeringID, enrollmentID uint, now time.Time) (bool, error)

	// MarkActive settles a reserved seat after a successful charge, adding
	// the charged amount to what the entry already paid.
	MarkActive(ctx context.Context, tenantID, enrollmentID uint, amountPaid decimal.Decimal) (bool, error)

	// RevertReservation puts a reserved entry back at its queue position
	// after an ambiguous charge outcome.
	RevertReservation(ctx context.Context, tenantID, enrollmentID uint, tier string) error

	// RestoreOffer reopens the claim a reserved entry held before an
	// ambiguous charge outcome, keeping the original window.
	RestoreOffer(ctx context.Context, tenantID, enrollmentID uint, token string, expiresAt time.Time) error

	// DropEntry removes an entry from the waitlist for good.
	DropEntry(ctx context.Context, tenantID, enrollmentID uint) error

	// OfferSeat opens a claim window on a regular entry.
	OfferSeat(ctx context.Context, tenantID, enrollmentID uint, token string, expiresAt time.Time) (bool, error)

	// ClaimSeat converts an open offer into a seat reservation. Fails when
	// the token mismatches or the window has passed.
	ClaimSeat(ctx context.Context, tenantID, enrollmentID uint, token string, now time.Time) (bool, error)

	// ExpiredClaims lists regular entries whose claim window has lapsed.
	ExpiredClaims(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error)

	// ClearExpiredClaim drops one lapsed offer. The token match makes the
	// expiry sweep idempotent: a re-run finds the token already cleared and
	// does nothing.
	ClearExpiredClaim(ctx context.Context, tenantID, enrollmentID uint, token string, now time.Time) (bool, error)

	GetEnrollment(ctx context.Context, tenantID, id uint) (*models.Enrollment, error)
	GetFamilyBilling(ctx context.Context, tenantID, familyID uint) (email, paymentMethodRef string, err error)

	// RecordPayment persists a settled promotion charge and links it to its
	// enrollment so a later refund can find the provider payment.
	RecordPayment(ctx context.Context, p *models.Payment) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a waitlist repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FreeSeats(ctx context.Context, tenantID, offeringID uint, now time.Time) (int, error) {
	return r.freeSeats(r.db.WithContext(ctx), tenantID, offeringID, now)
}

func (r *gormRepository) freeSeats(tx *gorm.DB, tenantID, offeringID uint, now time.Time) (int, error) {
	var offering models.Offering
	if err := tx.Where("id = ? AND tenant_id = ?", offeringID, tenantID).First(&offering).Error; err != nil {
		return 0, err
	}

	var occupied int64
	if err := tx.Model(&models.Enrollment{}).
		Where("offering_id = ? AND tenant_id = ? AND state IN ?", offeringID, tenantID,
			[]string{models.EnrollmentStateActive, models.EnrollmentStatePendingPayment}).
		Count(&occupied).Error; err != nil {
		return 0, err
	}

	var offered int64
	if err := tx.Model(&models.Enrollment{}).
		Where("offering_id = ? AND tenant_id = ? AND state = ? AND claim_expires_at > ?",
			offeringID, tenantID, models.EnrollmentStateWaitlisted, now).
		Count(&offered).Error; err != nil {
		return 0, err
	}

	return offering.Capacity - int(occupied) - int(offered), nil
}

func (r *gormRepository) NextWaitlisted(ctx context.Context, tenantID, offeringID uint, tier string, now time.Time) (*models.Enrollment, error) {
	var e models.Enrollment
	err := r.db.WithContext(ctx).
		Where("offering_id = ? AND tenant_id = ? AND state = ? AND waitlist_tier = ?",
			offeringID, tenantID, models.EnrollmentStateWaitlisted, tier).
		Where("claim_expires_at IS NULL OR claim_expires_at <= ?", now).
		Order("created_at ASC, id ASC").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ReserveSeat serializes on the offering row: the SELECT FOR UPDATE makes
// concurrent reservations for the same offering queue up, so the occupancy
// count each one sees is authoritative.
func (r *gormRepository) ReserveSeat(ctx context.Context, tenantID, offeringID, enrollmentID uint, now time.Time) (bool, error) {
	reserved := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var offering models.Offering
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND tenant_id = ?", offeringID, tenantID).
			First(&offering).Error; err != nil {
			return err
		}

		free, err := r.freeSeats(tx, tenantID, offeringID, now)
		if err != nil {
			return err
		}
		if free <= 0 {
			return nil
		}

		res := tx.Model(&models.Enrollment{}).
			Where("id = ? AND tenant_id = ? AND state = ?", enrollmentID, tenantID, models.EnrollmentStateWaitlisted).
			Updates(map[string]interface{}{
				"state":            models.EnrollmentStatePendingPayment,
				"claim_token":      "",
				"claim_expires_at": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		reserved = res.RowsAffected > 0
		return nil
	})
	return reserved, err
}

func (r *gormRepository) MarkActive(ctx context.Context, tenantID, enrollmentID uint, amountPaid decimal.Decimal) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND tenant_id = ? AND state = ?", enrollmentID, tenantID, models.EnrollmentStatePendingPayment).
		Updates(map[string]interface{}{
			"state":         models.EnrollmentStateActive,
			"waitlist_tier": models.WaitlistTierNone,
			"amount_paid":   gorm.Expr("amount_paid + ?", amountPaid),
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) RevertReservation(ctx context.Context, tenantID, enrollmentID uint, tier string) error {
	return r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND tenant_id = ? AND state = ?", enrollmentID, tenantID, models.EnrollmentStatePendingPayment).
		Updates(map[string]interface{}{
			"state":         models.EnrollmentStateWaitlisted,
			"waitlist_tier": tier,
		}).Error
}

func (r *gormRepository) RestoreOffer(ctx context.Context, tenantID, enrollmentID uint, token string, expiresAt time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND tenant_id = ? AND state = ?", enrollmentID, tenantID, models.EnrollmentStatePendingPayment).
		Updates(map[string]interface{}{
			"state":            models.EnrollmentStateWaitlisted,
			"waitlist_tier":    models.WaitlistTierRegular,
			"claim_token":      token,
			"claim_expires_at": &expiresAt,
		}).Error
}

func (r *gormRepository) DropEntry(ctx context.Context, tenantID, enrollmentID uint) error {
	return r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND tenant_id = ? AND state IN ?", enrollmentID, tenantID,
			[]string{models.EnrollmentStateWaitlisted, models.EnrollmentStatePendingPayment}).
		Updates(map[string]interface{}{
			"state":            models.EnrollmentStateCancelled,
			"waitlist_tier":    models.WaitlistTierNone,
			"active_key":       nil,
			"claim_token":      "",
			"claim_expires_at": nil,
		}).Error
}

func (r *gormRepository) OfferSeat(ctx context.Context, tenantID, enrollmentID uint, token string, expiresAt time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND tenant_id = ? AND state = ? AND waitlist_tier = ?",
			enrollmentID, tenantID, models.EnrollmentStateWaitlisted, models.WaitlistTierRegular).
		Where("claim_expires_at IS NULL OR claim_expires_at <= ?", expiresAt.Add(-1)).
		Updates(map[string]interface{}{
			"claim_token":      token,
			"claim_expires_at": &expiresAt,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) ClaimSeat(ctx context.Context, tenantID, enrollmentID uint, token string, now time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND tenant_id = ? AND state = ? AND claim_token = ? AND claim_expires_at > ?",
			enrollmentID, tenantID, models.EnrollmentStateWaitlisted, token, now).
		Updates(map[string]interface{}{
			"state":            models.EnrollmentStatePendingPayment,
			"claim_token":      "",
			"claim_expires_at": nil,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) ExpiredClaims(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error) {
	var expired []models.Enrollment
	err := r.db.WithContext(ctx).
		Where("state = ? AND claim_expires_at IS NOT NULL AND claim_expires_at <= ?",
			models.EnrollmentStateWaitlisted, now).
		Order("claim_expires_at ASC").
		Limit(limit).
		Find(&expired).Error
	return expired, err
}

func (r *gormRepository) ClearExpiredClaim(ctx context.Context, tenantID, enrollmentID uint, token string, now time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND tenant_id = ? AND state = ? AND claim_token = ? AND claim_expires_at <= ?",
			enrollmentID, tenantID, models.EnrollmentStateWaitlisted, token, now).
		Updates(map[string]interface{}{
			"state":            models.EnrollmentStateCancelled,
			"waitlist_tier":    models.WaitlistTierNone,
			"active_key":       nil,
			"claim_token":      "",
			"claim_expires_at": nil,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) GetEnrollment(ctx context.Context, tenantID, id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *gormRepository) GetFamilyBilling(ctx context.Context, tenantID, familyID uint) (string, string, error) {
	var family models.Family
	err := r.db.WithContext(ctx).
		Select("email", "payment_method_ref").
		Where("id = ? AND tenant_id = ?", familyID, tenantID).
		First(&family).Error
	if err != nil {
		return "", "", err
	}
	return family.Email, family.PaymentMethodRef, nil
}

func (r *gormRepository) RecordPayment(ctx context.Context, p *models.Payment) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND tenant_id = ?", p.EnrollmentID, p.TenantID).
		Update("payment_id", p.ID).Error
}
