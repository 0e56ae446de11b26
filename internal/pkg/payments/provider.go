package payments

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ChargeStatus is the tri-state outcome of a provider charge call. Declines
// are business outcomes (drive the retry schedule); errors are transport or
// provider faults whose real outcome is unknown until re-checked.
type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeDeclined  ChargeStatus = "declined"
	ChargeErrored   ChargeStatus = "error"
)

// ChargeResult is what the provider reports for a single charge attempt.
type ChargeResult struct {
	Status            ChargeStatus
	ProviderPaymentID string
	DeclineReason     string
}

// SubscriptionRef identifies a provider-side subscription together with its
// first billing period.
type SubscriptionRef struct {
	ID                 string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

// Provider is the payment collaborator contract. All calls are at-least-once
// from the provider's perspective; callers pass an idempotency key and must
// verify authoritative local state before retrying. Ambiguous outcomes are
// surfaced as ChargeErrored, never guessed.
type Provider interface {
	Charge(ctx context.Context, paymentMethodRef string, amount decimal.Decimal, idempotencyKey string) (ChargeResult, error)
	CreateSubscription(ctx context.Context, priceRef, paymentMethodRef string, interval string) (SubscriptionRef, error)
	CancelSubscription(ctx context.Context, subscriptionRef string, prorate bool) error
	Refund(ctx context.Context, providerPaymentID string, amount decimal.Decimal) error
}
