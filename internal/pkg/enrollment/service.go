package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/billing"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/creditledger"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/notify"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/pricing"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/refund"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/waitlist"
)

// Billing modes a parent can pick at enrollment.
const (
	BillingModeOneTime      = "one_time"
	BillingModeInstallment  = "installment"
	BillingModeSubscription = "subscription"
)

var (
	ErrAgeIneligible      = errors.New("enrollment: child's age does not fit the offering")
	ErrOfferingNotOpen    = errors.New("enrollment: offering is not open for registration")
	ErrUnknownPromoCode   = errors.New("enrollment: unknown promo code")
	ErrInvalidBillingMode = errors.New("enrollment: unknown billing mode")
	// ErrStateChanged means a concurrent operation won the transition race.
	// Retryable: re-read and decide again.
	ErrStateChanged = errors.New("enrollment: state changed concurrently")
)

// EnrollInput is one enrollment request: one child into one offering.
type EnrollInput struct {
	TenantID     uint
	ChildID      uint
	OfferingID   uint
	BillingMode  string
	Installments int
	PromoCode    string
	ApplyCredit  bool
}

// Service is the enrollment state machine. It owns Enrollment rows and the
// transitions between their states; pricing, billing, refunds and the
// waitlist are collaborators it drives, never the other way around.
type Service struct {
	repo      Repository
	pricer    *pricing.Calculator
	ledger    *creditledger.Service
	billing   *billing.Service
	refunds   *refund.Service
	refundCfg refund.Config
	waitlist  *waitlist.Manager
	notifier  notify.Notifier
}

func NewService(
	repo Repository,
	pricer *pricing.Calculator,
	ledger *creditledger.Service,
	billingSvc *billing.Service,
	refunds *refund.Service,
	refundCfg refund.Config,
	waitlistMgr *waitlist.Manager,
	notifier notify.Notifier,
) *Service {
	return &Service{
		repo:      repo,
		pricer:    pricer,
		ledger:    ledger,
		billing:   billingSvc,
		refunds:   refunds,
		refundCfg: refundCfg,
		waitlist:  waitlistMgr,
		notifier:  notifier,
	}
}

// Enroll registers a child into an offering. The initial state is decided
// atomically against occupancy: a free seat starts the billing flow in
// pending_payment; a full offering lands on the waitlist, which is not an
// error. Pricing, rank assignment and discount records happen here, once.
func (s *Service) Enroll(ctx context.Context, in EnrollInput) (*models.Enrollment, error) {
	child, err := s.repo.GetChild(ctx, in.TenantID, in.ChildID)
	if err != nil {
		return nil, err
	}
	family, err := s.repo.GetFamily(ctx, in.TenantID, child.FamilyID)
	if err != nil {
		return nil, err
	}
	offering, err := s.repo.GetOffering(ctx, in.TenantID, in.OfferingID)
	if err != nil {
		return nil, err
	}

	if offering.Status != models.OfferingStatusOpen {
		return nil, ErrOfferingNotOpen
	}
	if !offering.AgeEligible(child.AgeAt(offering.StartDate)) {
		return nil, ErrAgeIneligible
	}

	basePrice, err := s.basePrice(offering, in)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	priced, promo, err := s.price(ctx, in, family, offering, basePrice, now)
	if err != nil {
		return nil, err
	}
	line := priced.Lines[0]

	tier := models.WaitlistTierRegular
	if family.HasPaymentMethod() {
		tier = models.WaitlistTierPriority
	}
	e := &models.Enrollment{
		TenantID:    in.TenantID,
		ChildID:     child.ID,
		FamilyID:    family.ID,
		OfferingID:  offering.ID,
		SiblingRank: line.SiblingRank,
		AmountDue:   line.FinalPrice,
	}
	seated, err := s.repo.CreateWithOccupancyCheck(ctx, e, tier, now)
	if err != nil {
		return nil, err
	}

	s.recordDiscounts(ctx, e, line, promo, family.ID, offering.ID)

	if !seated {
		return e, nil
	}

	due := line.FinalPrice
	if in.ApplyCredit {
		due, err = s.spendCredit(ctx, e, due)
		if err != nil {
			return nil, err
		}
	}

	if err := s.startBilling(ctx, in, family, offering, e, due); err != nil {
		return nil, err
	}
	return s.repo.GetEnrollment(ctx, in.TenantID, e.ID)
}

func (s *Service) basePrice(offering *models.Offering, in EnrollInput) (decimal.Decimal, error) {
	switch in.BillingMode {
	case BillingModeOneTime:
		return offering.OneTimePrice, nil
	case BillingModeInstallment:
		if err := billing.ValidateInstallmentCount(in.Installments); err != nil {
			return decimal.Zero, err
		}
		return offering.OneTimePrice, nil
	case BillingModeSubscription:
		if !offering.HasRecurringBilling() {
			return decimal.Zero, billing.ErrNotSubscribable
		}
		if err := offering.ValidateSubscriptionConfig(); err != nil {
			return decimal.Zero, err
		}
		return offering.RecurringPrice, nil
	default:
		return decimal.Zero, ErrInvalidBillingMode
	}
}

func (s *Service) price(ctx context.Context, in EnrollInput, family *models.Family, offering *models.Offering, basePrice decimal.Decimal, now time.Time) (pricing.PricedOrder, *models.PromoCode, error) {
	rankCount, err := s.repo.CountNonTerminal(ctx, in.TenantID, family.ID)
	if err != nil {
		return pricing.PricedOrder{}, nil, err
	}
	scholarships, err := s.repo.ScholarshipsFor(ctx, in.TenantID, in.ChildID)
	if err != nil {
		return pricing.PricedOrder{}, nil, err
	}

	input := pricing.Input{
		FamilyID:          family.ID,
		ExistingRankCount: rankCount,
		Lines: []pricing.LineItem{{
			ChildID:    in.ChildID,
			OfferingID: offering.ID,
			BasePrice:  basePrice,
		}},
		Scholarships: scholarships,
		Offerings:    map[uint]*models.Offering{offering.ID: offering},
		Now:          now,
	}

	var promo *models.PromoCode
	if in.PromoCode != "" {
		promo, err = s.repo.GetPromoByCode(ctx, in.TenantID, in.PromoCode)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pricing.PricedOrder{}, nil, ErrUnknownPromoCode
		}
		if err != nil {
			return pricing.PricedOrder{}, nil, err
		}
		redeemed, err := s.repo.RedeemedOfferings(ctx, in.TenantID, promo.ID, family.ID)
		if err != nil {
			return pricing.PricedOrder{}, nil, err
		}
		input.Promo = &pricing.PromoSnapshot{Code: promo, RedeemedOfferings: redeemed}
	}

	priced, err := s.pricer.PriceOrder(input)
	if err != nil {
		return pricing.PricedOrder{}, nil, err
	}
	return priced, promo, nil
}

// recordDiscounts persists the DiscountApplication rows and the promo
// redemption. Failures here are logged, not fatal: the enrollment and its
// price already exist.
func (s *Service) recordDiscounts(ctx context.Context, e *models.Enrollment, line pricing.PricedLine, promo *models.PromoCode, familyID, offeringID uint) {
	discounts := make([]models.DiscountApplication, 0, len(line.Discounts))
	promoApplied := false
	for _, d := range line.Discounts {
		d.TenantID = e.TenantID
		d.EnrollmentID = e.ID
		discounts = append(discounts, d)
		if d.Kind == models.DiscountKindPromo {
			promoApplied = true
		}
	}
	if err := s.repo.SaveDiscounts(ctx, discounts); err != nil {
		log.Errorf("[Enrollment] %d: saving discount records failed: %v", e.ID, err)
	}
	if promo != nil && promoApplied {
		red := &models.PromoRedemption{
			TenantID:    e.TenantID,
			PromoCodeID: promo.ID,
			FamilyID:    familyID,
			OfferingID:  offeringID,
		}
		if err := s.repo.CreateRedemption(ctx, red); err != nil {
			log.Errorf("[Enrollment] %d: recording promo redemption failed: %v", e.ID, err)
		}
	}
}

// spendCredit applies available ledger credit to the amount due and returns
// the remainder the provider still has to charge.
func (s *Service) spendCredit(ctx context.Context, e *models.Enrollment, due decimal.Decimal) (decimal.Decimal, error) {
	if !due.IsPositive() {
		return due, nil
	}
	balance, err := s.ledger.Balance(ctx, e.TenantID, e.FamilyID)
	if err != nil {
		return due, err
	}
	use := decimal.Min(balance, due)
	if !use.IsPositive() {
		return due, nil
	}
	if _, err := s.ledger.SpendCredit(ctx, e.TenantID, e.FamilyID, use, "applied at enrollment", "enrollment", e.ID); err != nil {
		return due, err
	}
	if err := s.repo.AddPaid(ctx, e.TenantID, e.ID, use); err != nil {
		return due, err
	}
	return due.Sub(use), nil
}

func (s *Service) startBilling(ctx context.Context, in EnrollInput, family *models.Family, offering *models.Offering, e *models.Enrollment, due decimal.Decimal) error {
	if !due.IsPositive() {
		// Credit covered everything; no provider charge needed.
		_, err := s.repo.MarkPaid(ctx, in.TenantID, e.ID, decimal.Zero, 0)
		return err
	}

	charge := billing.ChargeInput{
		TenantID:         in.TenantID,
		EnrollmentID:     e.ID,
		FamilyID:         family.ID,
		PaymentMethodRef: family.PaymentMethodRef,
		RecipientEmail:   family.Email,
		Amount:           due,
	}

	switch in.BillingMode {
	case BillingModeOneTime:
		_, err := s.billing.ChargeOneTime(ctx, charge)
		return err
	case BillingModeInstallment:
		_, err := s.billing.CreateInstallmentPlan(ctx, charge, in.Installments)
		return err
	case BillingModeSubscription:
		sub, err := s.billing.StartSubscription(ctx, offering, billing.SubscriptionInput{
			TenantID:         in.TenantID,
			EnrollmentID:     e.ID,
			FamilyID:         family.ID,
			PaymentMethodRef: family.PaymentMethodRef,
			PriceRef:         fmt.Sprintf("offering:%d", offering.ID),
			Amount:           due,
			BillingInterval:  offering.BillingInterval,
		})
		if err != nil {
			return err
		}
		won, err := s.repo.MarkPaid(ctx, in.TenantID, e.ID, due, 0)
		if err != nil {
			return err
		}
		if won {
			if _, terr := s.repo.Transition(ctx, in.TenantID, e.ID, models.EnrollmentStateActive,
				models.EnrollmentStateActive, map[string]interface{}{"subscription_id": sub.ID}); terr != nil {
				log.Errorf("[Enrollment] %d: linking subscription %d failed: %v", e.ID, sub.ID, terr)
			}
		}
		return nil
	default:
		return ErrInvalidBillingMode
	}
}

// Get returns one enrollment by ID within the tenant scope.
func (s *Service) Get(ctx context.Context, tenantID, enrollmentID uint) (*models.Enrollment, error) {
	return s.repo.GetEnrollment(ctx, tenantID, enrollmentID)
}

// MarkPaid is the billing callback for a settled charge: it promotes the
// enrollment out of pending_payment and records which payment settled it.
// Safe to call more than once; only the first settle wins the transition.
func (s *Service) MarkPaid(ctx context.Context, tenantID, enrollmentID uint, amount decimal.Decimal, paymentID uint) error {
	_, err := s.repo.MarkPaid(ctx, tenantID, enrollmentID, amount, paymentID)
	return err
}

// Cancel ends an enrollment. Active enrollments run through the refund
// policy: full cash refund (pending approval) inside the window, prorated
// ledger credit past it. A freed seat cascades to the waitlist.
func (s *Service) Cancel(ctx context.Context, tenantID, enrollmentID uint, reason string) (*models.Enrollment, error) {
	e, err := s.repo.GetEnrollment(ctx, tenantID, enrollmentID)
	if err != nil {
		return nil, err
	}
	if err := CheckTransition(e.State, models.EnrollmentStateCancelled); err != nil {
		return nil, err
	}
	offering, err := s.repo.GetOffering(ctx, tenantID, e.OfferingID)
	if err != nil {
		return nil, err
	}
	family, err := s.repo.GetFamily(ctx, tenantID, e.FamilyID)
	if err != nil {
		return nil, err
	}

	heldSeat := e.CountsAgainstCapacity() || e.ClaimOpen(time.Now())

	won, err := s.repo.Transition(ctx, tenantID, e.ID, e.State, models.EnrollmentStateCancelled, map[string]interface{}{
		"active_key":       nil,
		"waitlist_tier":    models.WaitlistTierNone,
		"claim_token":      "",
		"claim_expires_at": nil,
	})
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrStateChanged
	}

	now := time.Now()

	// Nothing left to collect: any payment still waiting on a retry would
	// charge the family for a seat they no longer hold.
	if err := s.billing.VoidOpenPayments(ctx, tenantID, e.ID); err != nil {
		log.Errorf("[Enrollment] %d: voiding open payments failed: %v", e.ID, err)
	}

	if e.SubscriptionID != nil {
		if _, err := s.billing.CancelSubscription(ctx, tenantID, *e.SubscriptionID, true, now); err != nil {
			log.Errorf("[Enrollment] %d: cancelling subscription %d failed: %v", e.ID, *e.SubscriptionID, err)
		}
	} else if e.AmountPaid.IsPositive() {
		outcome := refund.Calculate(s.refundCfg, e, offering, now)
		if outcome.RefundAmount.IsPositive() {
			if _, err := s.refunds.RequestRefund(ctx, tenantID, e, e.PaymentID, outcome.RefundAmount, reason, family.Email); err != nil {
				log.Errorf("[Enrollment] %d: opening refund request failed: %v", e.ID, err)
			}
		}
		if outcome.CreditAmount.IsPositive() {
			if _, err := s.ledger.AddCredit(ctx, tenantID, e.FamilyID, outcome.CreditAmount,
				"prorated cancellation credit", "enrollment", e.ID); err != nil {
				log.Errorf("[Enrollment] %d: writing cancellation credit failed: %v", e.ID, err)
			} else {
				notify.Send(s.notifier, notify.TplCreditIssued, family.Email, map[string]string{
					"amount": outcome.CreditAmount.StringFixed(2),
				})
			}
		}
	}

	if heldSeat {
		if err := s.waitlist.ReleaseSeat(ctx, tenantID, e.OfferingID, now); err != nil {
			log.Errorf("[Enrollment] offering %d: seat release after cancel failed: %v", e.OfferingID, err)
		}
	}
	return s.repo.GetEnrollment(ctx, tenantID, e.ID)
}

// Transfer moves an active enrollment to a different offering: a new
// enrollment is created there and the original goes terminal. The price
// delta is settled as ledger credit on a downgrade or an immediate charge on
// an upgrade; cash is never refunded for transfers. The sibling rank carries
// over unchanged.
func (s *Service) Transfer(ctx context.Context, tenantID, enrollmentID, targetOfferingID uint) (*models.Enrollment, error) {
	orig, err := s.repo.GetEnrollment(ctx, tenantID, enrollmentID)
	if err != nil {
		return nil, err
	}
	if err := CheckTransition(orig.State, models.EnrollmentStateTransferred); err != nil {
		return nil, err
	}

	child, err := s.repo.GetChild(ctx, tenantID, orig.ChildID)
	if err != nil {
		return nil, err
	}
	family, err := s.repo.GetFamily(ctx, tenantID, orig.FamilyID)
	if err != nil {
		return nil, err
	}
	target, err := s.repo.GetOffering(ctx, tenantID, targetOfferingID)
	if err != nil {
		return nil, err
	}
	if target.Status != models.OfferingStatusOpen {
		return nil, ErrOfferingNotOpen
	}
	if !target.AgeEligible(child.AgeAt(target.StartDate)) {
		return nil, ErrAgeIneligible
	}

	// Sticky discount: the stored rank prices the new line, no re-ranking.
	pct := s.pricer.Config().SiblingPercent(orig.SiblingRank)
	newPrice := target.OneTimePrice.Sub(target.OneTimePrice.Mul(pct)).Round(2)
	delta := newPrice.Sub(orig.AmountPaid)

	outstanding := decimal.Zero
	if delta.IsPositive() {
		outstanding = delta
	}
	now := time.Now()
	tier := models.WaitlistTierRegular
	if family.HasPaymentMethod() {
		tier = models.WaitlistTierPriority
	}
	next := &models.Enrollment{
		TenantID:    tenantID,
		ChildID:     orig.ChildID,
		FamilyID:    orig.FamilyID,
		OfferingID:  target.ID,
		SiblingRank: orig.SiblingRank,
		AmountDue:   outstanding,
		AmountPaid:  orig.AmountPaid,
	}
	seated, err := s.repo.CreateWithOccupancyCheck(ctx, next, tier, now)
	if err != nil {
		return nil, err
	}

	won, err := s.repo.Transition(ctx, tenantID, orig.ID, orig.State, models.EnrollmentStateTransferred,
		map[string]interface{}{"active_key": nil})
	if err != nil {
		return nil, err
	}
	if !won {
		// The original changed underneath us; withdraw the new enrollment.
		if _, rerr := s.repo.Transition(ctx, tenantID, next.ID, next.State, models.EnrollmentStateCancelled,
			map[string]interface{}{"active_key": nil, "waitlist_tier": models.WaitlistTierNone}); rerr != nil {
			log.Errorf("[Enrollment] %d: withdrawing transfer target failed: %v", next.ID, rerr)
		}
		return nil, ErrStateChanged
	}

	if seated {
		if delta.IsPositive() {
			// Upgrade: charge the difference now; activation follows the
			// payment like any other pending seat.
			_, err = s.billing.ChargeOneTime(ctx, billing.ChargeInput{
				TenantID:         tenantID,
				EnrollmentID:     next.ID,
				FamilyID:         family.ID,
				PaymentMethodRef: family.PaymentMethodRef,
				RecipientEmail:   family.Email,
				Amount:           delta,
			})
			if err != nil {
				return nil, err
			}
		} else {
			credit := delta.Neg()
			if credit.IsPositive() {
				if _, err := s.ledger.AddCredit(ctx, tenantID, family.ID, credit,
					"transfer downgrade credit", "enrollment", next.ID); err != nil {
					log.Errorf("[Enrollment] %d: writing transfer credit failed: %v", next.ID, err)
				} else {
					notify.Send(s.notifier, notify.TplCreditIssued, family.Email, map[string]string{
						"amount": credit.StringFixed(2),
					})
				}
			}
			if _, err := s.repo.MarkPaid(ctx, tenantID, next.ID, delta, 0); err != nil {
				return nil, err
			}
		}
	} else if delta.IsNegative() {
		// Waitlisted on the target: the downgrade credit still applies; an
		// upgrade delta is collected when the waitlist promotes the entry.
		credit := delta.Neg()
		if _, err := s.ledger.AddCredit(ctx, tenantID, family.ID, credit,
			"transfer downgrade credit", "enrollment", next.ID); err != nil {
			log.Errorf("[Enrollment] %d: writing transfer credit failed: %v", next.ID, err)
		}
	}

	// The vacated seat goes back to the old offering's waitlist.
	if err := s.waitlist.ReleaseSeat(ctx, tenantID, orig.OfferingID, now); err != nil {
		log.Errorf("[Enrollment] offering %d: seat release after transfer failed: %v", orig.OfferingID, err)
	}
	return s.repo.GetEnrollment(ctx, tenantID, next.ID)
}
