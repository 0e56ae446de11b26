package creditledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
)

// MemoryRepository is an in-memory Repository used by tests and local dev.
// It enforces the same append-only, never-negative discipline as the GORM
// implementation.
type MemoryRepository struct {
	mu      sync.Mutex
	nextID  uint
	entries []models.CreditTransaction
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{nextID: 1}
}

func (r *MemoryRepository) Append(_ context.Context, entry *models.CreditTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	balance := r.balanceLocked(entry.TenantID, entry.FamilyID)
	after := balance.Add(entry.Amount)
	if after.IsNegative() {
		return ErrInsufficientCredit
	}
	entry.BalanceAfter = after
	entry.ID = r.nextID
	r.nextID++
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *MemoryRepository) Balance(_ context.Context, tenantID, familyID uint) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balanceLocked(tenantID, familyID), nil
}

func (r *MemoryRepository) History(_ context.Context, tenantID, familyID uint, limit int) ([]models.CreditTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.CreditTransaction
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.entries[i]
		if e.TenantID == tenantID && e.FamilyID == familyID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *MemoryRepository) balanceLocked(tenantID, familyID uint) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range r.entries {
		if e.TenantID == tenantID && e.FamilyID == familyID {
			sum = sum.Add(e.Amount)
		}
	}
	return sum
}
