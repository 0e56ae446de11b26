package billing

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
)

// Repository provides DB operations used by the billing service. The
// conditional Mark* updates take the retry count the caller observed as a
// version token: an overlapping sweep that already acted bumps it, so the
// second writer matches zero rows and backs off.
type Repository interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, tenantID, id uint) (*models.Payment, error)
	DuePayments(ctx context.Context, now time.Time, limit int) ([]models.Payment, error)
	MarkPaymentSucceeded(ctx context.Context, id uint, providerPaymentID string, expectRetryCount int) (bool, error)
	MarkPaymentFailed(ctx context.Context, id uint, expectRetryCount int, failedAt time.Time, nextRetryAt *time.Time, needsReview bool) (bool, error)
	SchedulePaymentCheck(ctx context.Context, id uint, at time.Time) error
	FlagEnrollmentForReview(ctx context.Context, tenantID, enrollmentID uint) error
	GetFamilyBilling(ctx context.Context, tenantID, familyID uint) (email, paymentMethodRef string, err error)

	// VoidOpenPayments closes every still-collectible payment of an
	// enrollment. Called when the enrollment goes terminal; nothing pending,
	// failed or parked for review may be charged afterwards.
	VoidOpenPayments(ctx context.Context, tenantID, enrollmentID uint) error

	// IsEnrollmentTerminal reports whether the enrollment reached a terminal
	// state. An unknown enrollment is not terminal.
	IsEnrollmentTerminal(ctx context.Context, tenantID, enrollmentID uint) (bool, error)

	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, tenantID, id uint) (*models.Subscription, error)
	GetSubscriptionByProviderID(ctx context.Context, providerID string) (*models.Subscription, error)
	SaveSubscription(ctx context.Context, sub *models.Subscription) error

	CreateWebhookEventIfNotExists(ctx context.Context, event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreatePayment(ctx context.Context, p *models.Payment) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *gormRepository) GetPayment(ctx context.Context, tenantID, id uint) (*models.Payment, error) {
	var p models.Payment
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) DuePayments(ctx context.Context, now time.Time, limit int) ([]models.Payment, error) {
	var due []models.Payment
	err := r.db.WithContext(ctx).
		Where("status IN ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?",
			[]string{models.PaymentStatusPending, models.PaymentStatusFailed}, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&due).Error
	return due, err
}

func (r *gormRepository) MarkPaymentSucceeded(ctx context.Context, id uint, providerPaymentID string, expectRetryCount int) (bool, error) {
	tx := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND retry_count = ? AND status <> ?", id, expectRetryCount, models.PaymentStatusSucceeded).
		Updates(map[string]interface{}{
			"status":              models.PaymentStatusSucceeded,
			"provider_payment_id": providerPaymentID,
			"next_retry_at":       nil,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) MarkPaymentFailed(ctx context.Context, id uint, expectRetryCount int, failedAt time.Time, nextRetryAt *time.Time, needsReview bool) (bool, error) {
	status := models.PaymentStatusFailed
	if needsReview {
		status = models.PaymentStatusNeedsReview
	}
	tx := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND retry_count = ? AND status <> ?", id, expectRetryCount, models.PaymentStatusSucceeded).
		Updates(map[string]interface{}{
			"status":        status,
			"retry_count":   expectRetryCount + 1,
			"last_retry_at": &failedAt,
			"next_retry_at": nextRetryAt,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) SchedulePaymentCheck(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND status <> ?", id, models.PaymentStatusSucceeded).
		Update("next_retry_at", &at).Error
}

func (r *gormRepository) VoidOpenPayments(ctx context.Context, tenantID, enrollmentID uint) error {
	return r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("enrollment_id = ? AND tenant_id = ? AND status IN ?", enrollmentID, tenantID,
			[]string{models.PaymentStatusPending, models.PaymentStatusFailed, models.PaymentStatusNeedsReview}).
		Updates(map[string]interface{}{
			"status":        models.PaymentStatusCancelled,
			"next_retry_at": nil,
		}).Error
}

func (r *gormRepository) IsEnrollmentTerminal(ctx context.Context, tenantID, enrollmentID uint) (bool, error) {
	var state string
	err := r.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Select("state").
		Where("id = ? AND tenant_id = ?", enrollmentID, tenantID).
		Scan(&state).Error
	if err != nil {
		return false, err
	}
	return state == models.EnrollmentStateCancelled || state == models.EnrollmentStateTransferred, nil
}

func (r *gormRepository) FlagEnrollmentForReview(ctx context.Context, tenantID, enrollmentID uint) error {
	return r.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("id = ? AND tenant_id = ?", enrollmentID, tenantID).
		Update("admin_review", true).Error
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

func (r *gormRepository) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *gormRepository) GetSubscription(ctx context.Context, tenantID, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByProviderID(ctx context.Context, providerID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Where("provider_subscription_id = ?", providerID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PaymentWebhookEvent
	if err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.PaymentWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
