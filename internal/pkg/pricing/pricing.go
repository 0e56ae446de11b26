package pricing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
)

// Promo validation failures. All of them are caller mistakes, surfaced
// directly and never retried.
var (
	ErrPromoExpired      = errors.New("pricing: promo code expired")
	ErrPromoExhausted    = errors.New("pricing: promo code usage exhausted")
	ErrPromoBelowMinimum = errors.New("pricing: order below promo minimum amount")
	ErrPromoAlreadyUsed  = errors.New("pricing: promo code already used for this offering")
)

// Config holds the discount tier table. It is immutable and passed in, not
// read from a global, so pricing stays a pure function of its inputs.
type Config struct {
	// SiblingTiers maps rank-1 to the percentage taken off that line's own
	// price. Ranks beyond the table get the last entry.
	SiblingTiers []decimal.Decimal
}

// DefaultConfig is the standard sibling tier table: rank 1 pays full price,
// rank 2 gets 25% off, rank 3 gets 35%, rank 4 and beyond get 45%.
func DefaultConfig() Config {
	return Config{
		SiblingTiers: []decimal.Decimal{
			decimal.Zero,
			decimal.NewFromFloat(0.25),
			decimal.NewFromFloat(0.35),
			decimal.NewFromFloat(0.45),
		},
	}
}

// SiblingPercent returns the discount fraction for a 1-based sibling rank.
func (c Config) SiblingPercent(rank int) decimal.Decimal {
	if rank < 1 || len(c.SiblingTiers) == 0 {
		return decimal.Zero
	}
	if rank > len(c.SiblingTiers) {
		rank = len(c.SiblingTiers)
	}
	return c.SiblingTiers[rank-1]
}

// LineItem is one requested enrollment to price.
type LineItem struct {
	ChildID    uint
	OfferingID uint
	BasePrice  decimal.Decimal
}

// PromoSnapshot carries everything the calculator needs to validate a promo
// code without touching storage: the code itself and the offerings this
// family has already redeemed it for.
type PromoSnapshot struct {
	Code              *models.PromoCode
	RedeemedOfferings map[uint]bool
}

// Input is the full, self-contained pricing request. Identical inputs yield
// identical outputs; the calculator performs no I/O.
type Input struct {
	FamilyID uint
	// ExistingRankCount is how many non-terminal enrollments the family
	// already holds. Requested lines continue the rank sequence from there.
	ExistingRankCount int
	Lines             []LineItem
	Promo             *PromoSnapshot
	Scholarships      []models.Scholarship
	Offerings         map[uint]*models.Offering
	Now               time.Time
}

// PricedLine is the outcome for one line item.
type PricedLine struct {
	ChildID     uint
	OfferingID  uint
	SiblingRank int
	BasePrice   decimal.Decimal
	FinalPrice  decimal.Decimal
	Discounts   []models.DiscountApplication
}

// PricedOrder is the deterministic result of PriceOrder.
type PricedOrder struct {
	Lines []PricedLine
	Total decimal.Decimal
}

// Calculator prices orders against an immutable tier configuration.
type Calculator struct {
	cfg Config
}

func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// Config returns the tier table the calculator was built with.
func (c *Calculator) Config() Config {
	return c.cfg
}

// PriceOrder computes the price of each requested line after sibling
// discount, promo code and scholarship. Sibling ranks continue the family's
// stored sequence in request order and are meant to be persisted with the
// created enrollments; they are never recomputed later. Sibling and promo
// discounts stack additively on the line's own base price; at most one
// scholarship applies per line, after the stacked discounts.
func (c *Calculator) PriceOrder(in Input) (PricedOrder, error) {
	if err := c.validatePromo(in); err != nil {
		return PricedOrder{}, err
	}

	order := PricedOrder{Total: decimal.Zero}
	for i, line := range in.Lines {
		rank := in.ExistingRankCount + i + 1
		priced := PricedLine{
			ChildID:     line.ChildID,
			OfferingID:  line.OfferingID,
			SiblingRank: rank,
			BasePrice:   line.BasePrice,
		}

		remaining := line.BasePrice

		if pct := c.cfg.SiblingPercent(rank); pct.IsPositive() {
			off := line.BasePrice.Mul(pct).Round(2)
			remaining = remaining.Sub(off)
			priced.Discounts = append(priced.Discounts, models.DiscountApplication{
				Kind:           models.DiscountKindSibling,
				SourceRef:      "rank",
				Amount:         off,
				ResultingPrice: remaining,
			})
		}

		if in.Promo != nil && !in.Promo.RedeemedOfferings[line.OfferingID] {
			off := promoAmount(in.Promo.Code, line.BasePrice)
			if off.GreaterThan(remaining) {
				off = remaining
			}
			if off.IsPositive() {
				remaining = remaining.Sub(off)
				priced.Discounts = append(priced.Discounts, models.DiscountApplication{
					Kind:           models.DiscountKindPromo,
					SourceRef:      in.Promo.Code.Code,
					Amount:         off,
					ResultingPrice: remaining,
				})
			}
		}

		if sch := c.pickScholarship(in, line); sch != nil {
			off := scholarshipAmount(sch, remaining)
			if off.IsPositive() {
				remaining = remaining.Sub(off)
				priced.Discounts = append(priced.Discounts, models.DiscountApplication{
					Kind:           models.DiscountKindScholarship,
					SourceRef:      "scholarship",
					Amount:         off,
					ResultingPrice: remaining,
				})
			}
		}

		priced.FinalPrice = remaining.Round(2)
		order.Lines = append(order.Lines, priced)
		order.Total = order.Total.Add(priced.FinalPrice)
	}

	return order, nil
}

func (c *Calculator) validatePromo(in Input) error {
	if in.Promo == nil || in.Promo.Code == nil {
		return nil
	}
	code := in.Promo.Code
	if code.Expired(in.Now) {
		return ErrPromoExpired
	}
	if code.Exhausted() {
		return ErrPromoExhausted
	}

	subtotal := decimal.Zero
	applicable := false
	for _, line := range in.Lines {
		subtotal = subtotal.Add(line.BasePrice)
		if !in.Promo.RedeemedOfferings[line.OfferingID] {
			applicable = true
		}
	}
	// One use per distinct offering: a prior redemption for a different
	// offering does not block this one, but a fully-redeemed order does.
	if !applicable {
		return ErrPromoAlreadyUsed
	}
	if code.MinOrderAmount.IsPositive() && subtotal.LessThan(code.MinOrderAmount) {
		return ErrPromoBelowMinimum
	}
	return nil
}

// pickScholarship returns the single scholarship applied to a line: the
// first valid one for the child, preferring offering-bound grants.
func (c *Calculator) pickScholarship(in Input, line LineItem) *models.Scholarship {
	offering := in.Offerings[line.OfferingID]
	var fallback *models.Scholarship
	for i := range in.Scholarships {
		sch := &in.Scholarships[i]
		if sch.ChildID != line.ChildID || !sch.ValidFor(offering, in.Now) {
			continue
		}
		if sch.OfferingID != nil {
			return sch
		}
		if fallback == nil {
			fallback = sch
		}
	}
	return fallback
}

func promoAmount(code *models.PromoCode, base decimal.Decimal) decimal.Decimal {
	if code.PercentOff.IsPositive() {
		return base.Mul(code.PercentOff.Div(decimal.NewFromInt(100))).Round(2)
	}
	return code.AmountOff
}

func scholarshipAmount(sch *models.Scholarship, remaining decimal.Decimal) decimal.Decimal {
	off := sch.AmountOff
	if sch.PercentOff.IsPositive() {
		off = remaining.Mul(sch.PercentOff.Div(decimal.NewFromInt(100))).Round(2)
	}
	if off.GreaterThan(remaining) {
		off = remaining
	}
	return off
}
