package creditledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
)

var (
	ErrInvalidAmount      = errors.New("creditledger: amount must be positive")
	ErrInsufficientCredit = errors.New("creditledger: balance would go negative")
)

// Service is the append-only account credit ledger. Every operation writes
// one immutable CreditTransaction carrying the running balance; rows are
// never updated in place, and a spend that would drive the balance negative
// is rejected with ErrInsufficientCredit.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a ledger service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// AddCredit appends an earned entry for the family.
func (s *Service) AddCredit(ctx context.Context, tenantID, familyID uint, amount decimal.Decimal, reason, linkedType string, linkedID uint) (*models.CreditTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	entry := &models.CreditTransaction{
		TenantID:   tenantID,
		FamilyID:   familyID,
		Type:       models.CreditTypeEarned,
		Amount:     amount,
		Reason:     reason,
		LinkedType: linkedType,
		LinkedID:   linkedID,
	}
	if err := s.repo.Append(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// SpendCredit appends a spent entry covering part of a charge.
func (s *Service) SpendCredit(ctx context.Context, tenantID, familyID uint, amount decimal.Decimal, reason, linkedType string, linkedID uint) (*models.CreditTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	entry := &models.CreditTransaction{
		TenantID:   tenantID,
		FamilyID:   familyID,
		Type:       models.CreditTypeSpent,
		Amount:     amount.Neg(),
		Reason:     reason,
		LinkedType: linkedType,
		LinkedID:   linkedID,
	}
	if err := s.repo.Append(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ExpireCredit removes credit administratively (e.g. end-of-season sweep).
func (s *Service) ExpireCredit(ctx context.Context, tenantID, familyID uint, amount decimal.Decimal, reason string) (*models.CreditTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	entry := &models.CreditTransaction{
		TenantID: tenantID,
		FamilyID: familyID,
		Type:     models.CreditTypeExpired,
		Amount:   amount.Neg(),
		Reason:   reason,
	}
	if err := s.repo.Append(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Balance is the sum of all ledger entries for the family.
func (s *Service) Balance(ctx context.Context, tenantID, familyID uint) (decimal.Decimal, error) {
	return s.repo.Balance(ctx, tenantID, familyID)
}

// History returns the family's ledger entries, newest first.
func (s *Service) History(ctx context.Context, tenantID, familyID uint, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.History(ctx, tenantID, familyID, limit)
}
