package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
)

// MemoryRepository is an in-memory Repository for tests. The conditional
// Mark* updates replicate the version-token semantics of the GORM
// implementation.
type MemoryRepository struct {
	mu            sync.Mutex
	nextID        uint
	payments      map[uint]*models.Payment
	subscriptions map[uint]*models.Subscription
	events        map[string]*models.PaymentWebhookEvent
	Families      map[uint]*models.Family
	Reviewed      map[uint]bool

	// EnrollmentStates maps enrollment ID to its lifecycle state. Entries
	// absent from the map count as not terminal.
	EnrollmentStates map[uint]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		nextID:        1,
		payments:      make(map[uint]*models.Payment),
		subscriptions: make(map[uint]*models.Subscription),
		events:        make(map[string]*models.PaymentWebhookEvent),
		Families:      make(map[uint]*models.Family),
		Reviewed:      make(map[uint]bool),

		EnrollmentStates: make(map[uint]string),
	}
}

func (r *MemoryRepository) id() uint {
	id := r.nextID
	r.nextID++
	return id
}

func (r *MemoryRepository) CreatePayment(_ context.Context, p *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = r.id()
	p.CreatedAt = time.Now()
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetPayment(_ context.Context, tenantID, id uint) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.TenantID != tenantID {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) DuePayments(_ context.Context, now time.Time, limit int) ([]models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []models.Payment
	for _, p := range r.payments {
		retryable := p.Status == models.PaymentStatusPending || p.Status == models.PaymentStatusFailed
		if retryable && p.NextRetryAt != nil && !now.Before(*p.NextRetryAt) {
			due = append(due, *p)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *MemoryRepository) MarkPaymentSucceeded(_ context.Context, id uint, providerPaymentID string, expectRetryCount int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.RetryCount != expectRetryCount || p.Status == models.PaymentStatusSucceeded {
		return false, nil
	}
	p.Status = models.PaymentStatusSucceeded
	p.ProviderPaymentID = providerPaymentID
	p.NextRetryAt = nil
	return true, nil
}

func (r *MemoryRepository) MarkPaymentFailed(_ context.Context, id uint, expectRetryCount int, failedAt time.Time, nextRetryAt *time.Time, needsReview bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.RetryCount != expectRetryCount || p.Status == models.PaymentStatusSucceeded {
		return false, nil
	}
	p.Status = models.PaymentStatusFailed
	if needsReview {
		p.Status = models.PaymentStatusNeedsReview
	}
	p.RetryCount = expectRetryCount + 1
	at := failedAt
	p.LastRetryAt = &at
	p.NextRetryAt = nextRetryAt
	return true, nil
}

func (r *MemoryRepository) SchedulePaymentCheck(_ context.Context, id uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.payments[id]; ok && p.Status != models.PaymentStatusSucceeded {
		t := at
		p.NextRetryAt = &t
	}
	return nil
}

func (r *MemoryRepository) VoidOpenPayments(_ context.Context, tenantID, enrollmentID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.TenantID != tenantID || p.EnrollmentID != enrollmentID {
			continue
		}
		switch p.Status {
		case models.PaymentStatusPending, models.PaymentStatusFailed, models.PaymentStatusNeedsReview:
			p.Status = models.PaymentStatusCancelled
			p.NextRetryAt = nil
		}
	}
	return nil
}

func (r *MemoryRepository) IsEnrollmentTerminal(_ context.Context, _, enrollmentID uint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.EnrollmentStates[enrollmentID]
	return state == models.EnrollmentStateCancelled || state == models.EnrollmentStateTransferred, nil
}

func (r *MemoryRepository) FlagEnrollmentForReview(_ context.Context, _, enrollmentID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Reviewed[enrollmentID] = true
	return nil
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

func (r *MemoryRepository) CreateSubscription(_ context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub.ID = r.id()
	cp := *sub
	r.subscriptions[sub.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetSubscription(_ context.Context, tenantID, id uint) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscriptions[id]
	if !ok || sub.TenantID != tenantID {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *MemoryRepository) GetSubscriptionByProviderID(_ context.Context, providerID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subscriptions {
		if sub.ProviderSubscriptionID == providerID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *MemoryRepository) SaveSubscription(_ context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sub
	r.subscriptions[sub.ID] = &cp
	return nil
}

func (r *MemoryRepository) CreateWebhookEventIfNotExists(_ context.Context, event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := event.Provider + "/" + event.ProviderEventID
	if stored, ok := r.events[key]; ok {
		cp := *stored
		return false, &cp, nil
	}
	event.ID = r.id()
	cp := *event
	r.events[key] = &cp
	out := cp
	return true, &out, nil
}

func (r *MemoryRepository) MarkWebhookProcessed(_ context.Context, id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}
