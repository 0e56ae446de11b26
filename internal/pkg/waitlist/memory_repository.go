package waitlist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
)

// MemoryRepository is an in-memory Repository for tests. The conditional
// updates replicate the won/lost semantics of the GORM implementation and
// the whole store is guarded by one mutex, which stands in for the
// per-offering row lock.
type MemoryRepository struct {
	mu          sync.Mutex
	nextID      uint
	Offerings   map[uint]*models.Offering
	Enrollments map[uint]*models.Enrollment
	Families    map[uint]*models.Family
	Payments    []models.Payment
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		nextID:      1,
		Offerings:   make(map[uint]*models.Offering),
		Enrollments: make(map[uint]*models.Enrollment),
		Families:    make(map[uint]*models.Family),
	}
}

// AddEnrollment seeds an enrollment and assigns it an ID.
func (r *MemoryRepository) AddEnrollment(e *models.Enrollment) *models.Enrollment {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = r.nextID
	r.nextID++
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	r.Enrollments[e.ID] = &cp
	return e
}

func (r *MemoryRepository) freeSeatsLocked(tenantID, offeringID uint, now time.Time) (int, error) {
	o, ok := r.Offerings[offeringID]
	if !ok || o.TenantID != tenantID {
		return 0, gorm.ErrRecordNotFound
	}
	occupied, offered := 0, 0
	for _, e := range r.Enrollments {
		if e.OfferingID != offeringID || e.TenantID != tenantID {
			continue
		}
		if e.CountsAgainstCapacity() {
			occupied++
		}
		if e.State == models.EnrollmentStateWaitlisted && e.ClaimOpen(now) {
			offered++
		}
	}
	return o.Capacity - occupied - offered, nil
}

func (r *MemoryRepository) FreeSeats(_ context.Context, tenantID, offeringID uint, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freeSeatsLocked(tenantID, offeringID, now)
}

func (r *MemoryRepository) NextWaitlisted(_ context.Context, tenantID, offeringID uint, tier string, now time.Time) (*models.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var queue []*models.Enrollment
	for _, e := range r.Enrollments {
		if e.TenantID == tenantID && e.OfferingID == offeringID &&
			e.State == models.EnrollmentStateWaitlisted && e.WaitlistTier == tier && !e.ClaimOpen(now) {
			queue = append(queue, e)
		}
	}
	if len(queue) == 0 {
		return nil, nil
	}
	sort.Slice(queue, func(i, j int) bool {
		if queue[i].CreatedAt.Equal(queue[j].CreatedAt) {
			return queue[i].ID < queue[j].ID
		}
		return queue[i].CreatedAt.Before(queue[j].CreatedAt)
	})
	cp := *queue[0]
	return &cp, nil
}

func (r *MemoryRepository) ReserveSeat(_ context.Context, tenantID, offeringID, enrollmentID uint, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	free, err := r.freeSeatsLocked(tenantID, offeringID, now)
	if err != nil {
		return false, err
	}
	if free <= 0 {
		return false, nil
	}
	e, ok := r.Enrollments[enrollmentID]
	if !ok || e.TenantID != tenantID || e.State != models.EnrollmentStateWaitlisted {
		return false, nil
	}
	e.State = models.EnrollmentStatePendingPayment
	e.ClaimToken = ""
	e.ClaimExpiresAt = nil
	return true, nil
}

func (r *MemoryRepository) MarkActive(_ context.Context, tenantID, enrollmentID uint, amountPaid decimal.Decimal) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.Enrollments[enrollmentID]
	if !ok || e.TenantID != tenantID || e.State != models.EnrollmentStatePendingPayment {
		return false, nil
	}
	e.State = models.EnrollmentStateActive
	e.WaitlistTier = models.WaitlistTierNone
	e.AmountPaid = e.AmountPaid.Add(amountPaid)
	return true, nil
}

func (r *MemoryRepository) RevertReservation(_ context.Context, tenantID, enrollmentID uint, tier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.Enrollments[enrollmentID]; ok && e.TenantID == tenantID && e.State == models.EnrollmentStatePendingPayment {
		e.State = models.EnrollmentStateWaitlisted
		e.WaitlistTier = tier
	}
	return nil
}

func (r *MemoryRepository) RestoreOffer(_ context.Context, tenantID, enrollmentID uint, token string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.Enrollments[enrollmentID]; ok && e.TenantID == tenantID && e.State == models.EnrollmentStatePendingPayment {
		exp := expiresAt
		e.State = models.EnrollmentStateWaitlisted
		e.WaitlistTier = models.WaitlistTierRegular
		e.ClaimToken = token
		e.ClaimExpiresAt = &exp
	}
	return nil
}

func (r *MemoryRepository) DropEntry(_ context.Context, tenantID, enrollmentID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.Enrollments[enrollmentID]
	if !ok || e.TenantID != tenantID {
		return nil
	}
	if e.State == models.EnrollmentStateWaitlisted || e.State == models.EnrollmentStatePendingPayment {
		e.State = models.EnrollmentStateCancelled
		e.WaitlistTier = models.WaitlistTierNone
		e.ActiveKey = nil
		e.ClaimToken = ""
		e.ClaimExpiresAt = nil
	}
	return nil
}

func (r *MemoryRepository) OfferSeat(_ context.Context, tenantID, enrollmentID uint, token string, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.Enrollments[enrollmentID]
	if !ok || e.TenantID != tenantID ||
		e.State != models.EnrollmentStateWaitlisted || e.WaitlistTier != models.WaitlistTierRegular {
		return false, nil
	}
	if e.ClaimExpiresAt != nil && e.ClaimExpiresAt.After(expiresAt.Add(-1)) {
		return false, nil
	}
	exp := expiresAt
	e.ClaimToken = token
	e.ClaimExpiresAt = &exp
	return true, nil
}

func (r *MemoryRepository) ClaimSeat(_ context.Context, tenantID, enrollmentID uint, token string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.Enrollments[enrollmentID]
	if !ok || e.TenantID != tenantID || e.State != models.EnrollmentStateWaitlisted ||
		e.ClaimToken != token || !e.ClaimOpen(now) {
		return false, nil
	}
	e.State = models.EnrollmentStatePendingPayment
	e.ClaimToken = ""
	e.ClaimExpiresAt = nil
	return true, nil
}

func (r *MemoryRepository) ExpiredClaims(_ context.Context, now time.Time, limit int) ([]models.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []models.Enrollment
	for _, e := range r.Enrollments {
		if e.State == models.EnrollmentStateWaitlisted && e.ClaimExpiresAt != nil && !now.Before(*e.ClaimExpiresAt) {
			expired = append(expired, *e)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ClaimExpiresAt.Before(*expired[j].ClaimExpiresAt) })
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (r *MemoryRepository) ClearExpiredClaim(_ context.Context, tenantID, enrollmentID uint, token string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.Enrollments[enrollmentID]
	if !ok || e.TenantID != tenantID || e.State != models.EnrollmentStateWaitlisted ||
		e.ClaimToken != token || token == "" ||
		e.ClaimExpiresAt == nil || now.Before(*e.ClaimExpiresAt) {
		return false, nil
	}
	e.State = models.EnrollmentStateCancelled
	e.WaitlistTier = models.WaitlistTierNone
	e.ActiveKey = nil
	e.ClaimToken = ""
	e.ClaimExpiresAt = nil
	return true, nil
}

func (r *MemoryRepository) GetEnrollment(_ context.Context, tenantID, id uint) (*models.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.Enrollments[id]
	if !ok || e.TenantID != tenantID {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *MemoryRepository) GetFamilyBilling(_ context.Context, tenantID, familyID uint) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.Families[familyID]
	if !ok || f.TenantID != tenantID {
		return "", "", gorm.ErrRecordNotFound
	}
	return f.Email, f.PaymentMethodRef, nil
}

func (r *MemoryRepository) RecordPayment(_ context.Context, p *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = r.nextID
	r.nextID++
	r.Payments = append(r.Payments, *p)
	if e, ok := r.Enrollments[p.EnrollmentID]; ok && e.TenantID == p.TenantID {
		id := p.ID
		e.PaymentID = &id
	}
	return nil
}
