package creditledger

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
)

// Repository provides the ledger's storage operations. Append is atomic:
// it computes BalanceAfter under a family-scoped lock, rejects entries that
// would push the balance negative, and inserts exactly one immutable row.
type Repository interface {
	Append(ctx context.Context, entry *models.CreditTransaction) error
	Balance(ctx context.Context, tenantID, familyID uint) (decimal.Decimal, error)
	History(ctx context.Context, tenantID, familyID uint, limit int) ([]models.CreditTransaction, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Append(ctx context.Context, entry *models.CreditTransaction) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Serialize ledger writes per family so BalanceAfter snapshots stay
		// consistent under concurrent appends.
		var family models.Family
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND tenant_id = ?", entry.FamilyID, entry.TenantID).
			First(&family).Error; err != nil {
			return err
		}

		balance, err := balanceTx(tx, entry.TenantID, entry.FamilyID)
		if err != nil {
			return err
		}
		after := balance.Add(entry.Amount)
		if after.IsNegative() {
			return ErrInsufficientCredit
		}
		entry.BalanceAfter = after
		return tx.Create(entry).Error
	})
}

func (r *gormRepository) Balance(ctx context.Context, tenantID, familyID uint) (decimal.Decimal, error) {
	return balanceTx(r.db.WithContext(ctx), tenantID, familyID)
}

func (r *gormRepository) History(ctx context.Context, tenantID, familyID uint, limit int) ([]models.CreditTransaction, error) {
	var entries []models.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND family_id = ?", tenantID, familyID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func balanceTx(tx *gorm.DB, tenantID, familyID uint) (decimal.Decimal, error) {
	var raw *string
	err := tx.Model(&models.CreditTransaction{}).
		Where("tenant_id = ? AND family_id = ?", tenantID, familyID).
		Select("SUM(amount)").
		Scan(&raw).Error
	if err != nil {
		return decimal.Zero, err
	}
	if raw == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(*raw)
}
