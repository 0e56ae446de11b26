package enrollment

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
)

// MemoryRepository is an in-memory Repository for tests. One mutex guards
// the whole store, which stands in for the per-offering row lock; the
// active-key map replicates the unique index that blocks duplicate live
// enrollments.
type MemoryRepository struct {
	mu          sync.Mutex
	nextID      uint
	Children    map[uint]*models.Child
	Families    map[uint]*models.Family
	Offerings   map[uint]*models.Offering
	Enrollments map[uint]*models.Enrollment
	Promos      map[uint]*models.PromoCode
	Redemptions []models.PromoRedemption
	Grants      []models.Scholarship
	Discounts   []models.DiscountApplication
	activeKeys  map[string]uint
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		nextID:      1,
		Children:    make(map[uint]*models.Child),
		Families:    make(map[uint]*models.Family),
		Offerings:   make(map[uint]*models.Offering),
		Enrollments: make(map[uint]*models.Enrollment),
		Promos:      make(map[uint]*models.PromoCode),
		activeKeys:  make(map[string]uint),
	}
}

func (r *MemoryRepository) id() uint {
	id := r.nextID
	r.nextID++
	return id
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

func (r *MemoryRepository) GetChild(_ context.Context, tenantID, id uint) (*models.Child, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.Children[id]
	if !ok || c.TenantID != tenantID {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) GetFamily(_ context.Context, tenantID, id uint) (*models.Family, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.Families[id]
	if !ok || f.TenantID != tenantID {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *MemoryRepository) GetOffering(_ context.Context, tenantID, id uint) (*models.Offering, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.Offerings[id]
	if !ok || o.TenantID != tenantID {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *MemoryRepository) CountNonTerminal(_ context.Context, tenantID, familyID uint) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.Enrollments {
		if e.TenantID == tenantID && e.FamilyID == familyID && !e.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CreateWithOccupancyCheck(_ context.Context, e *models.Enrollment, tier string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.Offerings[e.OfferingID]
	if !ok || o.TenantID != e.TenantID {
		return false, gorm.ErrRecordNotFound
	}

	key := *models.ActiveKeyFor(e.ChildID, e.OfferingID)
	if _, exists := r.activeKeys[key]; exists {
		return false, ErrDuplicateEnrollment
	}

	occupied, offered := 0, 0
	for _, other := range r.Enrollments {
		if other.OfferingID != e.OfferingID || other.TenantID != e.TenantID {
			continue
		}
		if other.CountsAgainstCapacity() {
			occupied++
		}
		if other.State == models.EnrollmentStateWaitlisted && other.ClaimOpen(now) {
			offered++
		}
	}

	seated := occupied+offered < o.Capacity
	if seated {
		e.State = models.EnrollmentStatePendingPayment
		e.WaitlistTier = models.WaitlistTierNone
	} else {
		e.State = models.EnrollmentStateWaitlisted
		e.WaitlistTier = tier
	}
	e.ActiveKey = &key
	e.ID = r.id()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	cp := *e
	r.Enrollments[e.ID] = &cp
	r.activeKeys[key] = e.ID
	return seated, nil
}

func (r *MemoryRepository) Transition(_ context.Context, tenantID, id uint, from, to string, updates map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.Enrollments[id]
	if !ok || e.TenantID != tenantID || e.State != from {
		return false, nil
	}
	e.State = to
	if _, has := updates["active_key"]; has {
		if e.ActiveKey != nil {
			delete(r.activeKeys, *e.ActiveKey)
		}
		e.ActiveKey = nil
	}
	if v, has := updates["waitlist_tier"]; has {
		e.WaitlistTier = v.(string)
	}
	if _, has := updates["claim_token"]; has {
		e.ClaimToken = ""
	}
	if _, has := updates["claim_expires_at"]; has {
		e.ClaimExpiresAt = nil
	}
	if v, has := updates["subscription_id"]; has {
		id := v.(uint)
		e.SubscriptionID = &id
	}
	return true, nil
}

func (r *MemoryRepository) MarkPaid(_ context.Context, tenantID, id uint, amount decimal.Decimal, paymentID uint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.Enrollments[id]
	if !ok || e.TenantID != tenantID || e.State != models.EnrollmentStatePendingPayment {
		return false, nil
	}
	e.State = models.EnrollmentStateActive
	e.AmountPaid = e.AmountPaid.Add(amount)
	if paymentID != 0 {
		pid := paymentID
		e.PaymentID = &pid
	}
	return true, nil
}

func (r *MemoryRepository) AddPaid(_ context.Context, tenantID, id uint, amount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.Enrollments[id]; ok && e.TenantID == tenantID {
		e.AmountPaid = e.AmountPaid.Add(amount)
	}
	return nil
}

func (r *MemoryRepository) GetPromoByCode(_ context.Context, tenantID uint, code string) (*models.PromoCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.Promos {
		if p.TenantID == tenantID && p.Code == code {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *MemoryRepository) RedeemedOfferings(_ context.Context, tenantID, promoCodeID, familyID uint) (map[uint]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	redeemed := make(map[uint]bool)
	for _, red := range r.Redemptions {
		if red.TenantID == tenantID && red.PromoCodeID == promoCodeID && red.FamilyID == familyID {
			redeemed[red.OfferingID] = true
		}
	}
	return redeemed, nil
}

func (r *MemoryRepository) CreateRedemption(_ context.Context, red *models.PromoRedemption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.Redemptions {
		if existing.PromoCodeID == red.PromoCodeID && existing.FamilyID == red.FamilyID && existing.OfferingID == red.OfferingID {
			return nil
		}
	}
	red.ID = r.id()
	r.Redemptions = append(r.Redemptions, *red)
	if p, ok := r.Promos[red.PromoCodeID]; ok {
		p.UsedCount++
	}
	return nil
}

func (r *MemoryRepository) ScholarshipsFor(_ context.Context, tenantID, childID uint) ([]models.Scholarship, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Scholarship
	for _, g := range r.Grants {
		if g.TenantID == tenantID && g.ChildID == childID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (r *MemoryRepository) SaveDiscounts(_ context.Context, discounts []models.DiscountApplication) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range discounts {
		d.ID = r.id()
		r.Discounts = append(r.Discounts, d)
	}
	return nil
}
