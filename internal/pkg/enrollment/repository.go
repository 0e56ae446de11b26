package enrollment

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
)

// ErrDuplicateEnrollment marks a create for a (child, offering) pair that
// already holds a non-terminal enrollment. The unique active-key index makes
// this hold even when two requests race.
var ErrDuplicateEnrollment = errors.New("enrollment: child already enrolled in this offering")

const mysqlDuplicateEntry = 1062

// Repository provides the storage operations of the enrollment lifecycle.
// Transition is a conditional update: it only writes when the row is still
// in the expected state, so racing writers cannot both apply an edge.
type Repository interface {
	GetEnrollment(ctx context.Context, tenantID, id uint) (*models.Enrollment, error)
	GetChild(ctx context.Context, tenantID, id uint) (*models.Child, error)
	GetFamily(ctx context.Context, tenantID, id uint) (*models.Family, error)
	GetOffering(ctx context.Context, tenantID, id uint) (*models.Offering, error)

	// CountNonTerminal returns how many non-terminal enrollments the family
	// holds. Requested lines continue the sibling rank sequence from there.
	CountNonTerminal(ctx context.Context, tenantID, familyID uint) (int, error)

	// CreateWithOccupancyCheck inserts the enrollment with its initial state
	// decided atomically against current occupancy: pending_payment when a
	// seat is free, waitlisted(tier) otherwise. Returns whether a seat was
	// taken. A live duplicate surfaces as ErrDuplicateEnrollment.
	CreateWithOccupancyCheck(ctx context.Context, e *models.Enrollment, tier string, now time.Time) (seated bool, err error)

	// Transition applies from→to plus extra column updates iff the row is
	// still in the from state.
	Transition(ctx context.Context, tenantID, id uint, from, to string, updates map[string]interface{}) (bool, error)

	// MarkPaid settles a pending seat: pending_payment→active, adding the
	// amount to what the enrollment has paid so far. A non-zero paymentID is
	// recorded as the settled charge behind the activation.
	MarkPaid(ctx context.Context, tenantID, id uint, amount decimal.Decimal, paymentID uint) (bool, error)

	// AddPaid adds to the paid amount without a state change. Used when
	// ledger credit covers part of the price before the provider charge.
	AddPaid(ctx context.Context, tenantID, id uint, amount decimal.Decimal) error

	GetPromoByCode(ctx context.Context, tenantID uint, code string) (*models.PromoCode, error)
	RedeemedOfferings(ctx context.Context, tenantID, promoCodeID, familyID uint) (map[uint]bool, error)
	CreateRedemption(ctx context.Context, red *models.PromoRedemption) error
	ScholarshipsFor(ctx context.Context, tenantID, childID uint) ([]models.Scholarship, error)
	SaveDiscounts(ctx context.Context, discounts []models.DiscountApplication) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates an enrollment repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetEnrollment(ctx context.Context, tenantID, id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *gormRepository) GetChild(ctx context.Context, tenantID, id uint) (*models.Child, error) {
	var c models.Child
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) GetFamily(ctx context.Context, tenantID, id uint) (*models.Family, error) {
	var f models.Family
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&f).Error
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *gormRepository) GetOffering(ctx context.Context, tenantID, id uint) (*models.Offering, error) {
	var o models.Offering
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *gormRepository) CountNonTerminal(ctx context.Context, tenantID, familyID uint) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("family_id = ? AND tenant_id = ? AND state NOT IN ?", familyID, tenantID,
			[]string{models.EnrollmentStateCancelled, models.EnrollmentStateTransferred}).
		Count(&n).Error
	return int(n), err
}

func (r *gormRepository) CreateWithOccupancyCheck(ctx context.Context, e *models.Enrollment, tier string, now time.Time) (bool, error) {
	seated := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var offering models.Offering
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND tenant_id = ?", e.OfferingID, e.TenantID).
			First(&offering).Error; err != nil {
			return err
		}

		var occupied int64
		if err := tx.Model(&models.Enrollment{}).
			Where("offering_id = ? AND tenant_id = ? AND state IN ?", e.OfferingID, e.TenantID,
				[]string{models.EnrollmentStateActive, models.EnrollmentStatePendingPayment}).
			Count(&occupied).Error; err != nil {
			return err
		}
		var offered int64
		if err := tx.Model(&models.Enrollment{}).
			Where("offering_id = ? AND tenant_id = ? AND state = ? AND claim_expires_at > ?",
				e.OfferingID, e.TenantID, models.EnrollmentStateWaitlisted, now).
			Count(&offered).Error; err != nil {
			return err
		}

		if int(occupied+offered) < offering.Capacity {
			seated = true
			e.State = models.EnrollmentStatePendingPayment
			e.WaitlistTier = models.WaitlistTierNone
		} else {
			e.State = models.EnrollmentStateWaitlisted
			e.WaitlistTier = tier
		}
		e.ActiveKey = models.ActiveKeyFor(e.ChildID, e.OfferingID)

		if err := tx.Create(e).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrDuplicateEnrollment
			}
			return err
		}
		return nil
	})
	return seated, err
}

func (r *gormRepository) Transition(ctx context.Context, tenantID, id uint, from, to string, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["state"] = to
	tx := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND tenant_id = ? AND state = ?", id, tenantID, from).
		Updates(updates)
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) MarkPaid(ctx context.Context, tenantID, id uint, amount decimal.Decimal, paymentID uint) (bool, error) {
	updates := map[string]interface{}{
		"state":       models.EnrollmentStateActive,
		"amount_paid": gorm.Expr("amount_paid + ?", amount),
	}
	if paymentID != 0 {
		updates["payment_id"] = paymentID
	}
	tx := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND tenant_id = ? AND state = ?", id, tenantID, models.EnrollmentStatePendingPayment).
		Updates(updates)
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) AddPaid(ctx context.Context, tenantID, id uint, amount decimal.Decimal) error {
	return r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		UpdateColumn("amount_paid", gorm.Expr("amount_paid + ?", amount)).Error
}

func (r *gormRepository) GetPromoByCode(ctx context.Context, tenantID uint, code string) (*models.PromoCode, error) {
	var promo models.PromoCode
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND code = ?", tenantID, code).First(&promo).Error
	if err != nil {
		return nil, err
	}
	return &promo, nil
}

func (r *gormRepository) RedeemedOfferings(ctx context.Context, tenantID, promoCodeID, familyID uint) (map[uint]bool, error) {
	var redemptions []models.PromoRedemption
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND promo_code_id = ? AND family_id = ?", tenantID, promoCodeID, familyID).
		Find(&redemptions).Error
	if err != nil {
		return nil, err
	}
	redeemed := make(map[uint]bool, len(redemptions))
	for _, red := range redemptions {
		redeemed[red.OfferingID] = true
	}
	return redeemed, nil
}

func (r *gormRepository) CreateRedemption(ctx context.Context, red *models.PromoRedemption) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(red).Error; err != nil {
			if isDuplicateKey(err) {
				return nil
			}
			return err
		}
		return tx.Model(&models.PromoCode{}).
			Where("id = ?", red.PromoCodeID).
			UpdateColumn("used_count", gorm.Expr("used_count + 1")).Error
	})
}

func (r *gormRepository) ScholarshipsFor(ctx context.Context, tenantID, childID uint) ([]models.Scholarship, error) {
	var scholarships []models.Scholarship
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND child_id = ?", tenantID, childID).
		Find(&scholarships).Error
	return scholarships, err
}

func (r *gormRepository) SaveDiscounts(ctx context.Context, discounts []models.DiscountApplication) error {
	if len(discounts) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&discounts).Error
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntry
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
