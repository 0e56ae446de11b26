package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/notify"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/payments"
)

// DefaultClaimWindow is how long a regular-tier entry has to claim an
// offered seat before it cascades to the next entry.
const DefaultClaimWindow = 12 * time.Hour

var (
	// ErrClaimInvalid means the claim token does not match an open offer.
	ErrClaimInvalid = errors.New("waitlist: no open offer for this claim")
	// ErrClaimExpired means the claim window has already lapsed.
	ErrClaimExpired = errors.New("waitlist: claim window expired")
	// ErrChargeDeclined means the provider declined the promotion charge.
	ErrChargeDeclined = errors.New("waitlist: charge declined")
)

// Manager assigns freed seats to waitlisted entries. Priority entries (a
// payment method on file) are auto-charged and promoted head-first; when the
// priority queue is exhausted the seat is offered to the head regular entry
// with a time-boxed claim window.
type Manager struct {
	repo        Repository
	provider    payments.Provider
	notifier    notify.Notifier
	claimWindow time.Duration
}

func NewManager(repo Repository, provider payments.Provider, notifier notify.Notifier, claimWindow time.Duration) *Manager {
	if claimWindow <= 0 {
		claimWindow = DefaultClaimWindow
	}
	return &Manager{repo: repo, provider: provider, notifier: notifier, claimWindow: claimWindow}
}

// ReleaseSeat fills as many free seats of the offering as the waitlist can
// take. Safe to call whenever occupancy might have dropped: it re-derives
// free seats from authoritative state each round and the per-row conditional
// updates keep concurrent callers from granting the same seat twice.
func (m *Manager) ReleaseSeat(ctx context.Context, tenantID, offeringID uint, now time.Time) error {
	for {
		free, err := m.repo.FreeSeats(ctx, tenantID, offeringID, now)
		if err != nil {
			return err
		}
		if free <= 0 {
			return nil
		}

		filled, err := m.fillOneSeat(ctx, tenantID, offeringID, now)
		if err != nil {
			return err
		}
		if !filled {
			return nil
		}
	}
}

// fillOneSeat grants one seat: priority queue first, then a regular offer.
// Returns false when nothing more can be done for this offering right now.
func (m *Manager) fillOneSeat(ctx context.Context, tenantID, offeringID uint, now time.Time) (bool, error) {
	for {
		head, err := m.repo.NextWaitlisted(ctx, tenantID, offeringID, models.WaitlistTierPriority, now)
		if err != nil {
			return false, err
		}
		if head == nil {
			break
		}

		promoted, retry, err := m.autoChargePromote(ctx, head, now)
		if err != nil {
			return false, err
		}
		if promoted {
			return true, nil
		}
		if !retry {
			// Ambiguous provider outcome: the entry went back to the queue
			// head, leave the seat for the next sweep.
			return false, nil
		}
		// Declined and dropped; try the next priority entry.
	}

	for {
		head, err := m.repo.NextWaitlisted(ctx, tenantID, offeringID, models.WaitlistTierRegular, now)
		if err != nil {
			return false, err
		}
		if head == nil {
			return false, nil
		}
		if head.ClaimToken != "" && !head.ClaimOpen(now) {
			// A lapsed offer the expiry sweep has not reached yet. The entry
			// already had its window; it is removed, not offered a fresh one.
			if _, cerr := m.repo.ClearExpiredClaim(ctx, head.TenantID, head.ID, head.ClaimToken, now); cerr != nil {
				return false, cerr
			}
			continue
		}
		return m.offerSeat(ctx, head, now)
	}
}

// autoChargePromote reserves the seat, charges the priority entry's payment
// method once and settles the outcome. Returns promoted=true on success;
// retry=true when the entry was dropped and the next one should be tried.
func (m *Manager) autoChargePromote(ctx context.Context, e *models.Enrollment, now time.Time) (promoted, retry bool, err error) {
	reserved, err := m.repo.ReserveSeat(ctx, e.TenantID, e.OfferingID, e.ID, now)
	if err != nil {
		return false, false, err
	}
	if !reserved {
		// Lost the seat to a concurrent promotion.
		return false, false, nil
	}

	email, methodRef, err := m.repo.GetFamilyBilling(ctx, e.TenantID, e.FamilyID)
	if err != nil {
		return false, false, err
	}

	idemKey := uuid.NewString()
	res, chargeErr := m.provider.Charge(ctx, methodRef, e.AmountDue, idemKey)
	if chargeErr != nil {
		// Outcome unknown: put the entry back at the head and let the next
		// sweep re-check rather than guessing.
		log.Warnf("[Waitlist] enrollment %d: charge outcome ambiguous: %v", e.ID, chargeErr)
		if rerr := m.repo.RevertReservation(ctx, e.TenantID, e.ID, models.WaitlistTierPriority); rerr != nil {
			return false, false, rerr
		}
		return false, false, nil
	}

	if res.Status != payments.ChargeSucceeded {
		if derr := m.repo.DropEntry(ctx, e.TenantID, e.ID); derr != nil {
			return false, false, derr
		}
		notify.Send(m.notifier, notify.TplWaitlistChargeFail, email, map[string]string{
			"amount": e.AmountDue.StringFixed(2),
			"reason": res.DeclineReason,
		})
		return false, true, nil
	}

	won, err := m.repo.MarkActive(ctx, e.TenantID, e.ID, e.AmountDue)
	if err != nil {
		return false, false, err
	}
	if !won {
		return false, false, nil
	}

	payment := &models.Payment{
		TenantID:       e.TenantID,
		EnrollmentID:   e.ID,
		FamilyID:       e.FamilyID,
		Kind:           models.PaymentKindOneTime,
		InstallmentNum: 1, InstallmentCount: 1,
		Amount:            e.AmountDue,
		Status:            models.PaymentStatusSucceeded,
		ProviderPaymentID: res.ProviderPaymentID,
		IdempotencyKey:    idemKey,
	}
	if perr := m.repo.RecordPayment(ctx, payment); perr != nil {
		log.Errorf("[Waitlist] enrollment %d: recording promotion payment failed: %v", e.ID, perr)
	}

	notify.Send(m.notifier, notify.TplWaitlistPromoted, email, map[string]string{
		"amount": e.AmountDue.StringFixed(2),
	})
	return true, false, nil
}

// offerSeat opens a claim window on a regular entry. The open offer holds
// the seat (FreeSeats counts it), so it cannot be granted elsewhere until
// claimed or expired.
func (m *Manager) offerSeat(ctx context.Context, e *models.Enrollment, now time.Time) (bool, error) {
	token := uuid.NewString()
	expires := now.Add(m.claimWindow)
	won, err := m.repo.OfferSeat(ctx, e.TenantID, e.ID, token, expires)
	if err != nil || !won {
		return false, err
	}

	email, _, err := m.repo.GetFamilyBilling(ctx, e.TenantID, e.FamilyID)
	if err != nil {
		return true, err
	}
	notify.Send(m.notifier, notify.TplWaitlistSeatOffered, email, map[string]string{
		"claim_token": token,
		"expires_at":  expires.Format(time.RFC3339),
		"amount":      e.AmountDue.StringFixed(2),
	})
	return true, nil
}

// Claim accepts an open seat offer before its window lapses, charges the
// family and promotes the entry to active.
func (m *Manager) Claim(ctx context.Context, tenantID, enrollmentID uint, token string, now time.Time) (*models.Enrollment, error) {
	e, err := m.repo.GetEnrollment(ctx, tenantID, enrollmentID)
	if err != nil {
		return nil, err
	}
	if e.ClaimToken != token || e.State != models.EnrollmentStateWaitlisted {
		return nil, ErrClaimInvalid
	}
	if !e.ClaimOpen(now) {
		return nil, ErrClaimExpired
	}

	won, err := m.repo.ClaimSeat(ctx, tenantID, enrollmentID, token, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrClaimExpired
	}

	email, methodRef, err := m.repo.GetFamilyBilling(ctx, tenantID, e.FamilyID)
	if err != nil {
		return nil, err
	}

	idemKey := uuid.NewString()
	res, chargeErr := m.provider.Charge(ctx, methodRef, e.AmountDue, idemKey)
	if chargeErr != nil {
		// Outcome unknown: reopen the offer with its original window so the
		// family can claim again instead of the seat staying reserved with
		// no payment behind it.
		log.Warnf("[Waitlist] enrollment %d: claim charge outcome ambiguous: %v", enrollmentID, chargeErr)
		if rerr := m.repo.RestoreOffer(ctx, tenantID, enrollmentID, token, *e.ClaimExpiresAt); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("waitlist: claim charge: %w", chargeErr)
	}
	if res.Status != payments.ChargeSucceeded {
		if derr := m.repo.DropEntry(ctx, tenantID, enrollmentID); derr != nil {
			return nil, derr
		}
		notify.Send(m.notifier, notify.TplWaitlistChargeFail, email, map[string]string{
			"amount": e.AmountDue.StringFixed(2),
			"reason": res.DeclineReason,
		})
		// The dropped entry freed the seat again.
		if rerr := m.ReleaseSeat(ctx, tenantID, e.OfferingID, now); rerr != nil {
			log.Errorf("[Waitlist] offering %d: cascade after declined claim failed: %v", e.OfferingID, rerr)
		}
		return nil, ErrChargeDeclined
	}

	if _, err := m.repo.MarkActive(ctx, tenantID, enrollmentID, e.AmountDue); err != nil {
		return nil, err
	}
	payment := &models.Payment{
		TenantID:       tenantID,
		EnrollmentID:   enrollmentID,
		FamilyID:       e.FamilyID,
		Kind:           models.PaymentKindOneTime,
		InstallmentNum: 1, InstallmentCount: 1,
		Amount:            e.AmountDue,
		Status:            models.PaymentStatusSucceeded,
		ProviderPaymentID: res.ProviderPaymentID,
		IdempotencyKey:    idemKey,
	}
	if perr := m.repo.RecordPayment(ctx, payment); perr != nil {
		log.Errorf("[Waitlist] enrollment %d: recording claim payment failed: %v", enrollmentID, perr)
	}

	notify.Send(m.notifier, notify.TplWaitlistPromoted, email, map[string]string{
		"amount": e.AmountDue.StringFixed(2),
	})
	return m.repo.GetEnrollment(ctx, tenantID, enrollmentID)
}

// ExpireSweep drops lapsed claim offers and cascades each freed seat to the
// next entry. Idempotent: the token-matched conditional drop means a re-run
// against an already-processed claim wins zero rows and cascades nothing.
func (m *Manager) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := m.repo.ExpiredClaims(ctx, now, 100)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range expired {
		e := &expired[i]
		won, err := m.repo.ClearExpiredClaim(ctx, e.TenantID, e.ID, e.ClaimToken, now)
		if err != nil {
			log.Errorf("[Waitlist] enrollment %d: clearing expired claim failed: %v", e.ID, err)
			continue
		}
		if !won {
			continue
		}
		processed++
		if err := m.ReleaseSeat(ctx, e.TenantID, e.OfferingID, now); err != nil {
			log.Errorf("[Waitlist] offering %d: cascade after expired claim failed: %v", e.OfferingID, err)
		}
	}
	return processed, nil
}
