package billing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

const (
	MinInstallments = 1
	MaxInstallments = 2
)

var (
	ErrInvalidInstallmentCount = errors.New("billing: installment count must be between 1 and 2")
	ErrPaymentMethodMissing    = errors.New("billing: family has no payment method on file")
	ErrUnknownSubscription     = errors.New("billing: unknown subscription")
)

// RetrySchedule is the immutable failure backoff table: the n-th failure
// schedules the next attempt Delays[n-1] after that failure. Once the table
// is exhausted the payment stops retrying and goes to manual review; it is
// never auto-cancelled.
type RetrySchedule struct {
	Delays []time.Duration
}

// DefaultRetrySchedule is 1h after the first failure, 4h after the second,
// 12h after the third.
func DefaultRetrySchedule() RetrySchedule {
	return RetrySchedule{Delays: []time.Duration{time.Hour, 4 * time.Hour, 12 * time.Hour}}
}

// NextRetry returns when to retry after the given failure count (1-based),
// or false when retries are exhausted.
func (s RetrySchedule) NextRetry(failureCount int, failedAt time.Time) (time.Time, bool) {
	if failureCount < 1 || failureCount > len(s.Delays) {
		return time.Time{}, false
	}
	return failedAt.Add(s.Delays[failureCount-1]), true
}

// ChargeInput describes a one-time or installment charge to raise against
// an enrollment.
type ChargeInput struct {
	TenantID         uint
	EnrollmentID     uint
	FamilyID         uint
	PaymentMethodRef string
	RecipientEmail   string
	Amount           decimal.Decimal
}

// SubscriptionInput describes a recurring enrollment to start.
type SubscriptionInput struct {
	TenantID         uint
	EnrollmentID     uint
	FamilyID         uint
	PaymentMethodRef string
	PriceRef         string
	Amount           decimal.Decimal
	BillingInterval  string
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	TenantID        uint
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// Webhook event types the reconciler understands. Anything else is recorded
// and skipped.
const (
	EventPaymentSucceeded    = "payment.succeeded"
	EventPaymentFailed       = "payment.failed"
	EventSubscriptionUpdated = "subscription.updated"
	EventSubscriptionPastDue = "subscription.past_due"
	EventSubscriptionEnded   = "subscription.ended"
)

// Activator is how billing reports a settled charge back to the enrollment
// lifecycle without importing it. The payment ID links the enrollment to the
// provider charge a later refund has to reverse; zero means no payment row
// backs the activation.
type Activator interface {
	MarkPaid(ctx context.Context, tenantID, enrollmentID uint, amount decimal.Decimal, paymentID uint) error
}
