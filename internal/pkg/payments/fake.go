package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FakeProvider is an in-memory Provider used by tests and local dev. Charge
// outcomes can be scripted per payment method ref; unscripted methods
// succeed. It honours idempotency keys the way a real provider does: the
// same key returns the recorded first result without charging again.
type FakeProvider struct {
	mu        sync.Mutex
	scripted  map[string][]ChargeStatus
	seenKeys  map[string]ChargeResult
	Charges   []FakeCharge
	Refunds   []FakeRefund
	Cancelled map[string]bool
}

type FakeCharge struct {
	PaymentMethodRef string
	Amount           decimal.Decimal
	IdempotencyKey   string
	Result           ChargeStatus
}

type FakeRefund struct {
	ProviderPaymentID string
	Amount            decimal.Decimal
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		scripted:  make(map[string][]ChargeStatus),
		seenKeys:  make(map[string]ChargeResult),
		Cancelled: make(map[string]bool),
	}
}

// Script queues charge outcomes for a payment method ref, consumed in order.
// When the queue runs out, further charges succeed.
func (f *FakeProvider) Script(paymentMethodRef string, outcomes ...ChargeStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted[paymentMethodRef] = append(f.scripted[paymentMethodRef], outcomes...)
}

func (f *FakeProvider) Charge(_ context.Context, paymentMethodRef string, amount decimal.Decimal, idempotencyKey string) (ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if prior, ok := f.seenKeys[idempotencyKey]; ok && idempotencyKey != "" {
		return prior, nil
	}

	status := ChargeSucceeded
	if queue := f.scripted[paymentMethodRef]; len(queue) > 0 {
		status = queue[0]
		f.scripted[paymentMethodRef] = queue[1:]
	}

	res := ChargeResult{Status: status}
	if status == ChargeSucceeded {
		res.ProviderPaymentID = "fakepay_" + uuid.NewString()
	}
	if status == ChargeDeclined {
		res.DeclineReason = "card_declined"
	}
	if status == ChargeErrored {
		return res, fmt.Errorf("payments: provider unreachable")
	}

	if idempotencyKey != "" {
		f.seenKeys[idempotencyKey] = res
	}
	f.Charges = append(f.Charges, FakeCharge{
		PaymentMethodRef: paymentMethodRef,
		Amount:           amount,
		IdempotencyKey:   idempotencyKey,
		Result:           status,
	})
	return res, nil
}

func (f *FakeProvider) CreateSubscription(_ context.Context, priceRef, paymentMethodRef string, interval string) (SubscriptionRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = priceRef
	_ = paymentMethodRef

	now := time.Now()
	end := now.AddDate(0, 1, 0)
	switch interval {
	case "quarter":
		end = now.AddDate(0, 3, 0)
	case "year":
		end = now.AddDate(1, 0, 0)
	}
	return SubscriptionRef{
		ID:                 "fakesub_" + uuid.NewString(),
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   end,
	}, nil
}

func (f *FakeProvider) CancelSubscription(_ context.Context, subscriptionRef string, prorate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = prorate
	f.Cancelled[subscriptionRef] = true
	return nil
}

func (f *FakeProvider) Refund(_ context.Context, providerPaymentID string, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Refunds = append(f.Refunds, FakeRefund{ProviderPaymentID: providerPaymentID, Amount: amount})
	return nil
}
