package refund

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
)

// Repository provides storage for refund requests. Decide performs the
// single allowed transition out of pending as one conditional update and
// reports whether this caller won it.
type Repository interface {
	CreateRequest(ctx context.Context, req *models.RefundRequest) error
	GetRequest(ctx context.Context, tenantID, id uint) (*models.RefundRequest, error)
	Decide(ctx context.Context, tenantID, id uint, status string, approverID uint, decidedAt time.Time) (bool, error)
	GetPayment(ctx context.Context, tenantID, id uint) (*models.Payment, error)

	// LatestSucceededPayment returns the most recent settled payment of an
	// enrollment, or nil when it never paid through the provider.
	LatestSucceededPayment(ctx context.Context, tenantID, enrollmentID uint) (*models.Payment, error)

	FamilyEmail(ctx context.Context, tenantID, enrollmentID uint) (string, error)
	ListPending(ctx context.Context, tenantID uint, limit int) ([]models.RefundRequest, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a refund repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateRequest(ctx context.Context, req *models.RefundRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *gormRepository) GetRequest(ctx context.Context, tenantID, id uint) (*models.RefundRequest, error) {
	var req models.RefundRequest
	err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&req).Error
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *gormRepository) Decide(ctx context.Context, tenantID, id uint, status string, approverID uint, decidedAt time.Time) (bool, error) {
	// Guarding on the pending status makes the transition first-wins: a
	// second approval (or a concurrent one) matches zero rows.
	tx := r.db.WithContext(ctx).
		Model(&models.RefundRequest{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, models.RefundStatusPending).
		Updates(map[string]interface{}{
			"status":      status,
			"approver_id": approverID,
			"decided_at":  &decidedAt,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) GetPayment(ctx context.Context, tenantID, id uint) (*models.Payment, error) {
	var p models.Payment
	err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) LatestSucceededPayment(ctx context.Context, tenantID, enrollmentID uint) (*models.Payment, error) {
	var p models.Payment
	err := r.db.WithContext(ctx).
		Where("enrollment_id = ? AND tenant_id = ? AND status = ?", enrollmentID, tenantID, models.PaymentStatusSucceeded).
		Order("id DESC").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) FamilyEmail(ctx context.Context, tenantID, enrollmentID uint) (string, error) {
	var email string
	err := r.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Select("families.email").
		Joins("JOIN families ON families.id = enrollments.family_id").
		Where("enrollments.id = ? AND enrollments.tenant_id = ?", enrollmentID, tenantID).
		Scan(&email).Error
	return email, err
}

func (r *gormRepository) ListPending(ctx context.Context, tenantID uint, limit int) ([]models.RefundRequest, error) {
	var reqs []models.RefundRequest
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, models.RefundStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&reqs).Error
	return reqs, err
}
