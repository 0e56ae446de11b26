package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/creditledger"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/notify"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/payments"
)

// ErrNotSubscribable marks an offering that is not sold as a subscription.
var ErrNotSubscribable = errors.New("billing: offering has no recurring price")

// Service drives payment and subscription lifecycle: raising charges,
// applying the failure backoff schedule, mirroring provider subscriptions
// and reconciling webhook events against local state.
type Service struct {
	repo       Repository
	provider   payments.Provider
	ledger     *creditledger.Service
	notifier   notify.Notifier
	schedule   RetrySchedule
	activator  Activator
	adminEmail string
}

func NewService(repo Repository, provider payments.Provider, ledger *creditledger.Service, notifier notify.Notifier, schedule RetrySchedule, adminEmail string) *Service {
	return &Service{
		repo:       repo,
		provider:   provider,
		ledger:     ledger,
		notifier:   notifier,
		schedule:   schedule,
		adminEmail: adminEmail,
	}
}

// SetActivator wires the enrollment lifecycle callback. Set once at startup;
// billing and enrollment reference each other, so this breaks the cycle.
func (s *Service) SetActivator(a Activator) {
	s.activator = a
}

// ValidateInstallmentCount enforces the allowed plan sizes.
func ValidateInstallmentCount(n int) error {
	if n < MinInstallments || n > MaxInstallments {
		return ErrInvalidInstallmentCount
	}
	return nil
}

// ChargeOneTime raises and immediately attempts a single charge.
func (s *Service) ChargeOneTime(ctx context.Context, in ChargeInput) (*models.Payment, error) {
	payment := &models.Payment{
		TenantID:         in.TenantID,
		EnrollmentID:     in.EnrollmentID,
		FamilyID:         in.FamilyID,
		Kind:             models.PaymentKindOneTime,
		InstallmentNum:   1,
		InstallmentCount: 1,
		Amount:           in.Amount,
		Status:           models.PaymentStatusPending,
		IdempotencyKey:   uuid.NewString(),
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}
	s.attempt(ctx, payment, in.PaymentMethodRef, in.RecipientEmail, time.Now())
	return s.repo.GetPayment(ctx, in.TenantID, payment.ID)
}

// CreateInstallmentPlan splits the amount over count installments. The
// first is charged immediately, later ones are scheduled a month apart and
// picked up by the retry sweep when due. Any count outside [1,2] is a
// validation error.
func (s *Service) CreateInstallmentPlan(ctx context.Context, in ChargeInput, count int) ([]*models.Payment, error) {
	if err := ValidateInstallmentCount(count); err != nil {
		return nil, err
	}
	if count == 1 {
		p, err := s.ChargeOneTime(ctx, in)
		if err != nil {
			return nil, err
		}
		return []*models.Payment{p}, nil
	}

	per := in.Amount.Div(decimal.NewFromInt(int64(count))).Round(2)
	first := in.Amount.Sub(per.Mul(decimal.NewFromInt(int64(count - 1))))

	now := time.Now()
	var plan []*models.Payment
	for i := 1; i <= count; i++ {
		amount := per
		if i == 1 {
			amount = first
		}
		payment := &models.Payment{
			TenantID:         in.TenantID,
			EnrollmentID:     in.EnrollmentID,
			FamilyID:         in.FamilyID,
			Kind:             models.PaymentKindInstallment,
			InstallmentNum:   i,
			InstallmentCount: count,
			Amount:           amount,
			Status:           models.PaymentStatusPending,
			IdempotencyKey:   uuid.NewString(),
		}
		if i > 1 {
			due := now.AddDate(0, i-1, 0)
			payment.NextRetryAt = &due
		}
		if err := s.repo.CreatePayment(ctx, payment); err != nil {
			return nil, err
		}
		plan = append(plan, payment)
	}

	s.attempt(ctx, plan[0], in.PaymentMethodRef, in.RecipientEmail, now)
	refreshed, err := s.repo.GetPayment(ctx, in.TenantID, plan[0].ID)
	if err == nil {
		plan[0] = refreshed
	}
	return plan, nil
}

// attempt performs one provider charge for the payment and applies the
// outcome. The idempotency key is scoped to the attempt (base key plus
// retry count) so an overlapping sweep re-running the same attempt cannot
// double-charge, while a genuine retry is a fresh charge.
func (s *Service) attempt(ctx context.Context, p *models.Payment, methodRef, recipient string, now time.Time) {
	attemptKey := fmt.Sprintf("%s:%d", p.IdempotencyKey, p.RetryCount)
	res, err := s.provider.Charge(ctx, methodRef, p.Amount, attemptKey)
	if err != nil {
		// Outcome unknown: don't count a failure, don't assume success.
		// Leave the payment pending and let the next sweep re-check.
		log.Warnf("[Billing] payment %d outcome ambiguous: %v", p.ID, err)
		check := now.Add(15 * time.Minute)
		if uerr := s.repo.SchedulePaymentCheck(ctx, p.ID, check); uerr != nil {
			log.Errorf("[Billing] payment %d: scheduling re-check failed: %v", p.ID, uerr)
		}
		return
	}

	switch res.Status {
	case payments.ChargeSucceeded:
		won, uerr := s.repo.MarkPaymentSucceeded(ctx, p.ID, res.ProviderPaymentID, p.RetryCount)
		if uerr != nil {
			log.Errorf("[Billing] payment %d: recording success failed: %v", p.ID, uerr)
			return
		}
		if won && s.activator != nil {
			if aerr := s.activator.MarkPaid(ctx, p.TenantID, p.EnrollmentID, p.Amount, p.ID); aerr != nil {
				log.Errorf("[Billing] payment %d: activating enrollment %d failed: %v", p.ID, p.EnrollmentID, aerr)
			}
		}
	case payments.ChargeDeclined:
		s.recordFailure(ctx, p, recipient, now)
	}
}

// recordFailure applies the backoff table to a declined charge. The n-th
// failure schedules the next attempt per the table; past the table the
// payment goes to manual review and the enrollment is flagged, never
// auto-cancelled.
func (s *Service) recordFailure(ctx context.Context, p *models.Payment, recipient string, now time.Time) {
	failures := p.RetryCount + 1
	next, retryable := s.schedule.NextRetry(failures, now)
	var nextPtr *time.Time
	if retryable {
		nextPtr = &next
	}

	won, err := s.repo.MarkPaymentFailed(ctx, p.ID, p.RetryCount, now, nextPtr, !retryable)
	if err != nil {
		log.Errorf("[Billing] payment %d: recording failure failed: %v", p.ID, err)
		return
	}
	if !won {
		// Another sweep already recorded this attempt.
		return
	}

	notify.Send(s.notifier, notify.TplPaymentFailed, recipient, map[string]string{
		"amount":  p.Amount.StringFixed(2),
		"attempt": fmt.Sprintf("%d", failures),
	})

	if !retryable {
		if err := s.repo.FlagEnrollmentForReview(ctx, p.TenantID, p.EnrollmentID); err != nil {
			log.Errorf("[Billing] flagging enrollment %d for review failed: %v", p.EnrollmentID, err)
		}
		notify.Send(s.notifier, notify.TplPaymentNeedsReview, s.adminEmail, map[string]string{
			"payment_id":    fmt.Sprintf("%d", p.ID),
			"enrollment_id": fmt.Sprintf("%d", p.EnrollmentID),
		})
	}
}

// RetrySweep processes payments whose scheduled attempt has come due. Each
// payment's authoritative status is re-read before acting, so re-running
// the sweep against already-processed records is a no-op.
func (s *Service) RetrySweep(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.DuePayments(ctx, now, 100)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range due {
		fresh, err := s.repo.GetPayment(ctx, due[i].TenantID, due[i].ID)
		if err != nil {
			log.Errorf("[Billing] sweep: re-reading payment %d failed: %v", due[i].ID, err)
			continue
		}
		stillDue := fresh.NextRetryAt != nil && !now.Before(*fresh.NextRetryAt) &&
			(fresh.Status == models.PaymentStatusPending || fresh.Status == models.PaymentStatusFailed)
		if !stillDue {
			continue
		}

		terminal, err := s.repo.IsEnrollmentTerminal(ctx, fresh.TenantID, fresh.EnrollmentID)
		if err != nil {
			log.Errorf("[Billing] sweep: enrollment %d lookup failed: %v", fresh.EnrollmentID, err)
			continue
		}
		if terminal {
			// The enrollment ended while the retry was queued; nothing left
			// to collect.
			if verr := s.repo.VoidOpenPayments(ctx, fresh.TenantID, fresh.EnrollmentID); verr != nil {
				log.Errorf("[Billing] sweep: voiding payments of enrollment %d failed: %v", fresh.EnrollmentID, verr)
			}
			continue
		}

		email, methodRef, err := s.repo.GetFamilyBilling(ctx, fresh.TenantID, fresh.FamilyID)
		if err != nil {
			log.Errorf("[Billing] sweep: family %d lookup failed: %v", fresh.FamilyID, err)
			continue
		}
		s.attempt(ctx, fresh, methodRef, email, now)
		processed++
	}
	return processed, nil
}

// VoidOpenPayments closes every still-collectible payment of an enrollment.
// The enrollment lifecycle calls this when a cancellation or transfer wins,
// so no queued retry can charge a family for a seat they no longer hold.
func (s *Service) VoidOpenPayments(ctx context.Context, tenantID, enrollmentID uint) error {
	return s.repo.VoidOpenPayments(ctx, tenantID, enrollmentID)
}

// StartSubscription creates the provider subscription and its local mirror.
func (s *Service) StartSubscription(ctx context.Context, offering *models.Offering, in SubscriptionInput) (*models.Subscription, error) {
	if !offering.HasRecurringBilling() {
		return nil, ErrNotSubscribable
	}
	if err := offering.ValidateSubscriptionConfig(); err != nil {
		return nil, err
	}
	if in.PaymentMethodRef == "" {
		return nil, ErrPaymentMethodMissing
	}

	ref, err := s.provider.CreateSubscription(ctx, in.PriceRef, in.PaymentMethodRef, in.BillingInterval)
	if err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		TenantID:               in.TenantID,
		EnrollmentID:           in.EnrollmentID,
		FamilyID:               in.FamilyID,
		ProviderSubscriptionID: ref.ID,
		Amount:                 in.Amount,
		BillingInterval:        in.BillingInterval,
		Status:                 models.SubscriptionStatusActive,
		CurrentPeriodStart:     &ref.CurrentPeriodStart,
		CurrentPeriodEnd:       &ref.CurrentPeriodEnd,
	}
	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// CancelSubscription ends a subscription either immediately (prorated
// credit for the unused period, never cash) or at period end (access
// continues, no refund).
func (s *Service) CancelSubscription(ctx context.Context, tenantID, subscriptionID uint, immediate bool, now time.Time) (*models.Subscription, error) {
	sub, err := s.repo.GetSubscription(ctx, tenantID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == models.SubscriptionStatusCancelled {
		return sub, nil
	}

	if err := s.provider.CancelSubscription(ctx, sub.ProviderSubscriptionID, immediate); err != nil {
		return nil, err
	}

	if immediate {
		credit := sub.Amount.Mul(sub.PeriodRemaining(now)).Round(2)
		if credit.IsPositive() {
			if _, err := s.ledger.AddCredit(ctx, tenantID, sub.FamilyID, credit,
				"prorated subscription cancellation", "subscription", sub.ID); err != nil {
				return nil, err
			}
		}
		sub.Status = models.SubscriptionStatusCancelled
	} else {
		sub.CancelAtPeriodEnd = true
	}
	if err := s.repo.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// webhookPayload is the normalized shape of provider event payloads.
type webhookPayload struct {
	PaymentID         uint       `json:"payment_id"`
	TenantID          uint       `json:"tenant_id"`
	ProviderPaymentID string     `json:"provider_payment_id"`
	SubscriptionID    string     `json:"subscription_id"`
	PeriodStart       *time.Time `json:"period_start,omitempty"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
}

// HandleWebhookEvent persists the event idempotently and reconciles it
// against local state. Provider events are a second input channel, not the
// source of truth: anything contradicting the locally authoritative state
// machine is recorded and skipped.
func (s *Service) HandleWebhookEvent(ctx context.Context, in WebhookEventInput) (*models.PaymentWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return nil, errors.New("billing: provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.PaymentWebhookEvent{
		TenantID:        in.TenantID,
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	created, stored, err := s.repo.CreateWebhookEventIfNotExists(ctx, event)
	if err != nil {
		return nil, err
	}
	if !created {
		// Redelivery of an event we already hold.
		return stored, nil
	}

	procErr := s.applyEvent(ctx, in)
	errMsg := ""
	if procErr != nil {
		errMsg = procErr.Error()
	}
	if err := s.repo.MarkWebhookProcessed(ctx, stored.ID, errMsg); err != nil {
		return stored, err
	}
	return stored, procErr
}

func (s *Service) applyEvent(ctx context.Context, in WebhookEventInput) error {
	var payload webhookPayload
	if err := json.Unmarshal([]byte(in.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("billing: decoding webhook payload: %w", err)
	}
	if payload.TenantID == 0 {
		payload.TenantID = in.TenantID
	}

	switch in.EventType {
	case EventPaymentSucceeded:
		payment, err := s.repo.GetPayment(ctx, payload.TenantID, payload.PaymentID)
		if err != nil {
			return err
		}
		if payment.Status == models.PaymentStatusSucceeded {
			return nil
		}
		won, err := s.repo.MarkPaymentSucceeded(ctx, payment.ID, payload.ProviderPaymentID, payment.RetryCount)
		if err != nil {
			return err
		}
		if won && s.activator != nil {
			return s.activator.MarkPaid(ctx, payment.TenantID, payment.EnrollmentID, payment.Amount, payment.ID)
		}
		return nil

	case EventPaymentFailed:
		payment, err := s.repo.GetPayment(ctx, payload.TenantID, payload.PaymentID)
		if err != nil {
			return err
		}
		if payment.Status == models.PaymentStatusSucceeded {
			// Local state says paid; a stale failure event does not undo it.
			return nil
		}
		email, _, err := s.repo.GetFamilyBilling(ctx, payment.TenantID, payment.FamilyID)
		if err != nil {
			return err
		}
		s.recordFailure(ctx, payment, email, time.Now())
		return nil

	case EventSubscriptionUpdated, EventSubscriptionPastDue, EventSubscriptionEnded:
		return s.applySubscriptionEvent(ctx, in.EventType, payload)

	default:
		log.Infof("[Billing] ignoring webhook event type %q", in.EventType)
		return nil
	}
}

func (s *Service) applySubscriptionEvent(ctx context.Context, eventType string, payload webhookPayload) error {
	sub, err := s.repo.GetSubscriptionByProviderID(ctx, payload.SubscriptionID)
	if err != nil {
		return ErrUnknownSubscription
	}
	if sub.Status == models.SubscriptionStatusCancelled {
		// Terminal locally; stale provider updates don't resurrect it.
		return nil
	}

	switch eventType {
	case EventSubscriptionUpdated:
		sub.Status = models.SubscriptionStatusActive
		if payload.PeriodStart != nil {
			sub.CurrentPeriodStart = payload.PeriodStart
		}
		if payload.PeriodEnd != nil {
			sub.CurrentPeriodEnd = payload.PeriodEnd
		}
	case EventSubscriptionPastDue:
		sub.Status = models.SubscriptionStatusPastDue
	case EventSubscriptionEnded:
		sub.Status = models.SubscriptionStatusCancelled
	}
	return s.repo.SaveSubscription(ctx, sub)
}
