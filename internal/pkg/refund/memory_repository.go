package refund

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
)

// MemoryRepository is an in-memory Repository for tests. Decide mirrors the
// conditional-update semantics of the GORM implementation.
type MemoryRepository struct {
	mu       sync.Mutex
	nextID   uint
	requests map[uint]*models.RefundRequest
	Payments map[uint]*models.Payment

	// Emails maps enrollment ID to the owning family's email address.
	Emails map[uint]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		nextID:   1,
		requests: make(map[uint]*models.RefundRequest),
		Payments: make(map[uint]*models.Payment),
		Emails:   make(map[uint]string),
	}
}

func (r *MemoryRepository) CreateRequest(_ context.Context, req *models.RefundRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req.ID = r.nextID
	r.nextID++
	req.RequestedAt = time.Now()
	cp := *req
	r.requests[req.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetRequest(_ context.Context, tenantID, id uint) (*models.RefundRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok || req.TenantID != tenantID {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *req
	return &cp, nil
}

func (r *MemoryRepository) Decide(_ context.Context, tenantID, id uint, status string, approverID uint, decidedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok || req.TenantID != tenantID || req.Status != models.RefundStatusPending {
		return false, nil
	}
	req.Status = status
	req.ApproverID = approverID
	req.DecidedAt = &decidedAt
	return true, nil
}

func (r *MemoryRepository) GetPayment(_ context.Context, tenantID, id uint) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.Payments[id]
	if !ok || p.TenantID != tenantID {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) LatestSucceededPayment(_ context.Context, tenantID, enrollmentID uint) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.Payment
	for _, p := range r.Payments {
		if p.TenantID != tenantID || p.EnrollmentID != enrollmentID || p.Status != models.PaymentStatusSucceeded {
			continue
		}
		if latest == nil || p.ID > latest.ID {
			latest = p
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *MemoryRepository) FamilyEmail(_ context.Context, _, enrollmentID uint) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Emails[enrollmentID], nil
}

func (r *MemoryRepository) ListPending(_ context.Context, tenantID uint, limit int) ([]models.RefundRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.RefundRequest
	for id := uint(1); id < r.nextID && len(out) < limit; id++ {
		if req, ok := r.requests[id]; ok && req.TenantID == tenantID && req.Status == models.RefundStatusPending {
			out = append(out, *req)
		}
	}
	return out, nil
}
