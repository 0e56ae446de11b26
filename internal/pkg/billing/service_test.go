package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/creditledger"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/notify"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/payments"
)

type fixture struct {
	svc      *Service
	repo     *MemoryRepository
	provider *payments.FakeProvider
	ledger   *creditledger.Service
	rec      *notify.Recorder
}

func newFixture() *fixture {
	repo := NewMemoryRepository()
	provider := payments.NewFakeProvider()
	ledger := creditledger.NewService(creditledger.NewMemoryRepository())
	rec := &notify.Recorder{}
	svc := NewService(repo, provider, ledger, rec, DefaultRetrySchedule(), "admin@example.com")

	repo.Families[3] = &models.Family{
		ID:               3,
		TenantID:         1,
		Email:            "parent@example.com",
		PaymentMethodRef: "pm_card",
	}
	return &fixture{svc: svc, repo: repo, provider: provider, ledger: ledger, rec: rec}
}

func chargeInput() ChargeInput {
	return ChargeInput{
		TenantID:         1,
		EnrollmentID:     10,
		FamilyID:         3,
		PaymentMethodRef: "pm_card",
		RecipientEmail:   "parent@example.com",
		Amount:           decimal.NewFromInt(100),
	}
}

func TestValidateInstallmentCount(t *testing.T) {
	tests := []struct {
		count int
		ok    bool
	}{
		{count: 0, ok: false},
		{count: 1, ok: true},
		{count: 2, ok: true},
		{count: 3, ok: false},
		{count: -1, ok: false},
	}
	for _, tt := range tests {
		err := ValidateInstallmentCount(tt.count)
		if tt.ok && err != nil {
			t.Fatalf("count %d: unexpected error %v", tt.count, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidInstallmentCount) {
			t.Fatalf("count %d: err = %v, want ErrInvalidInstallmentCount", tt.count, err)
		}
	}
}

func TestChargeOneTimeSuccess(t *testing.T) {
	f := newFixture()
	p, err := f.svc.ChargeOneTime(context.Background(), chargeInput())
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSucceeded, p.Status)
	assert.NotEmpty(t, p.ProviderPaymentID)
	assert.Nil(t, p.NextRetryAt)
}

func TestRetryBackoffChain(t *testing.T) {
	f := newFixture()
	f.provider.Script("pm_card",
		payments.ChargeDeclined, payments.ChargeDeclined,
		payments.ChargeDeclined, payments.ChargeDeclined)

	t0 := time.Now()
	p, err := f.svc.ChargeOneTime(context.Background(), chargeInput())
	require.NoError(t, err)

	// 1st failure: retry at t0+1h.
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	assert.Equal(t, 1, p.RetryCount)
	require.NotNil(t, p.NextRetryAt)
	assert.WithinDuration(t, t0.Add(time.Hour), *p.NextRetryAt, 5*time.Second)

	// 2nd failure: +4h from the 2nd failure.
	t2 := p.NextRetryAt.Add(time.Minute)
	_, err = f.svc.RetrySweep(context.Background(), t2)
	require.NoError(t, err)
	p, _ = f.repo.GetPayment(context.Background(), 1, p.ID)
	assert.Equal(t, 2, p.RetryCount)
	require.NotNil(t, p.NextRetryAt)
	assert.WithinDuration(t, t2.Add(4*time.Hour), *p.NextRetryAt, 5*time.Second)

	// 3rd failure: +12h from the 3rd failure.
	t3 := p.NextRetryAt.Add(time.Minute)
	_, err = f.svc.RetrySweep(context.Background(), t3)
	require.NoError(t, err)
	p, _ = f.repo.GetPayment(context.Background(), 1, p.ID)
	assert.Equal(t, 3, p.RetryCount)
	require.NotNil(t, p.NextRetryAt)
	assert.WithinDuration(t, t3.Add(12*time.Hour), *p.NextRetryAt, 5*time.Second)

	// 4th failure: no further retry, flagged for manual review.
	t4 := p.NextRetryAt.Add(time.Minute)
	_, err = f.svc.RetrySweep(context.Background(), t4)
	require.NoError(t, err)
	p, _ = f.repo.GetPayment(context.Background(), 1, p.ID)
	assert.Equal(t, models.PaymentStatusNeedsReview, p.Status)
	assert.Nil(t, p.NextRetryAt)
	assert.True(t, f.repo.Reviewed[10], "enrollment must be flagged for admin review")

	// Family notified on every failure, admin once at the end.
	assert.Equal(t, 4, f.rec.Count(notify.TplPaymentFailed))
	assert.Equal(t, 1, f.rec.Count(notify.TplPaymentNeedsReview))
}

func TestSweepRerunDoesNotDoubleProcess(t *testing.T) {
	f := newFixture()
	f.provider.Script("pm_card", payments.ChargeDeclined, payments.ChargeSucceeded)

	p, err := f.svc.ChargeOneTime(context.Background(), chargeInput())
	require.NoError(t, err)

	due := p.NextRetryAt.Add(time.Minute)
	_, err = f.svc.RetrySweep(context.Background(), due)
	require.NoError(t, err)
	p, _ = f.repo.GetPayment(context.Background(), 1, p.ID)
	assert.Equal(t, models.PaymentStatusSucceeded, p.Status)

	// Re-running the sweep for the same instant is a no-op: the payment is
	// already settled and the provider sees no further charge.
	charges := len(f.provider.Charges)
	_, err = f.svc.RetrySweep(context.Background(), due)
	require.NoError(t, err)
	assert.Len(t, f.provider.Charges, charges)
}

func TestVoidedPaymentNotSwept(t *testing.T) {
	f := newFixture()
	f.provider.Script("pm_card", payments.ChargeDeclined)

	p, err := f.svc.ChargeOneTime(context.Background(), chargeInput())
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusFailed, p.Status)
	require.NotNil(t, p.NextRetryAt)

	// The enrollment ended before the retry came due.
	require.NoError(t, f.svc.VoidOpenPayments(context.Background(), 1, 10))

	n, err := f.svc.RetrySweep(context.Background(), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, f.provider.Charges, 1)

	p, _ = f.repo.GetPayment(context.Background(), 1, p.ID)
	assert.Equal(t, models.PaymentStatusCancelled, p.Status)
	assert.Nil(t, p.NextRetryAt)
}

func TestSweepVoidsPaymentsOfEndedEnrollment(t *testing.T) {
	f := newFixture()
	f.provider.Script("pm_card", payments.ChargeDeclined)

	p, err := f.svc.ChargeOneTime(context.Background(), chargeInput())
	require.NoError(t, err)
	require.NotNil(t, p.NextRetryAt)

	// The cancellation raced the sweep: the payment row was not voided yet
	// but the enrollment is already terminal.
	f.repo.EnrollmentStates[10] = models.EnrollmentStateCancelled

	_, err = f.svc.RetrySweep(context.Background(), p.NextRetryAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, f.provider.Charges, 1)

	p, _ = f.repo.GetPayment(context.Background(), 1, p.ID)
	assert.Equal(t, models.PaymentStatusCancelled, p.Status)
}

func TestAmbiguousOutcomeLeavesPaymentPending(t *testing.T) {
	f := newFixture()
	f.provider.Script("pm_card", payments.ChargeErrored)

	p, err := f.svc.ChargeOneTime(context.Background(), chargeInput())
	require.NoError(t, err)
	// Not a failure: no retry count, no failed status, just a re-check.
	assert.Equal(t, models.PaymentStatusPending, p.Status)
	assert.Equal(t, 0, p.RetryCount)
	assert.NotNil(t, p.NextRetryAt)
}

func TestInstallmentPlanSplitsAndSchedules(t *testing.T) {
	f := newFixture()
	in := chargeInput()
	in.Amount = decimal.NewFromFloat(99.99)

	plan, err := f.svc.CreateInstallmentPlan(context.Background(), in, 2)
	require.NoError(t, err)
	require.Len(t, plan, 2)

	assert.Equal(t, models.PaymentStatusSucceeded, plan[0].Status)
	assert.Equal(t, models.PaymentStatusPending, plan[1].Status)
	assert.NotNil(t, plan[1].NextRetryAt)
	total := plan[0].Amount.Add(plan[1].Amount)
	assert.True(t, total.Equal(in.Amount), "installments must sum to the full amount, got %s", total)
}

func TestInstallmentPlanInvalidCount(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CreateInstallmentPlan(context.Background(), chargeInput(), 3)
	assert.True(t, errors.Is(err, ErrInvalidInstallmentCount))
}

func TestStartSubscriptionValidatesOfferingConfig(t *testing.T) {
	f := newFixture()
	in := SubscriptionInput{
		TenantID:         1,
		EnrollmentID:     10,
		FamilyID:         3,
		PaymentMethodRef: "pm_card",
		Amount:           decimal.NewFromInt(50),
		BillingInterval:  models.BillingIntervalMonth,
	}

	// Recurring price but no interval: configuration error.
	broken := &models.Offering{RecurringPrice: decimal.NewFromInt(50)}
	_, err := f.svc.StartSubscription(context.Background(), broken, in)
	assert.True(t, errors.Is(err, models.ErrMissingBillingInterval))

	// No recurring price at all.
	oneTime := &models.Offering{OneTimePrice: decimal.NewFromInt(200)}
	_, err = f.svc.StartSubscription(context.Background(), oneTime, in)
	assert.True(t, errors.Is(err, ErrNotSubscribable))

	ok := &models.Offering{RecurringPrice: decimal.NewFromInt(50), BillingInterval: models.BillingIntervalMonth}
	sub, err := f.svc.StartSubscription(context.Background(), ok, in)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.NotEmpty(t, sub.ProviderSubscriptionID)
}

func TestCancelSubscriptionImmediateCreditsProration(t *testing.T) {
	f := newFixture()
	start := time.Now().Add(-15 * 24 * time.Hour)
	end := time.Now().Add(15 * 24 * time.Hour)
	sub := &models.Subscription{
		TenantID:               1,
		EnrollmentID:           10,
		FamilyID:               3,
		ProviderSubscriptionID: "fakesub_x",
		Amount:                 decimal.NewFromInt(100),
		BillingInterval:        models.BillingIntervalMonth,
		Status:                 models.SubscriptionStatusActive,
		CurrentPeriodStart:     &start,
		CurrentPeriodEnd:       &end,
	}
	require.NoError(t, f.repo.CreateSubscription(context.Background(), sub))

	out, err := f.svc.CancelSubscription(context.Background(), 1, sub.ID, true, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCancelled, out.Status)
	assert.True(t, f.provider.Cancelled["fakesub_x"])

	// Roughly half the period is unused: the family gets it back as
	// ledger credit, never cash.
	balance, err := f.ledger.Balance(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.True(t, balance.GreaterThan(decimal.NewFromInt(45)), "balance = %s", balance)
	assert.True(t, balance.LessThan(decimal.NewFromInt(55)), "balance = %s", balance)
}

func TestCancelSubscriptionAtPeriodEnd(t *testing.T) {
	f := newFixture()
	start := time.Now().Add(-24 * time.Hour)
	end := time.Now().Add(29 * 24 * time.Hour)
	sub := &models.Subscription{
		TenantID:               1,
		FamilyID:               3,
		ProviderSubscriptionID: "fakesub_y",
		Amount:                 decimal.NewFromInt(100),
		Status:                 models.SubscriptionStatusActive,
		CurrentPeriodStart:     &start,
		CurrentPeriodEnd:       &end,
	}
	require.NoError(t, f.repo.CreateSubscription(context.Background(), sub))

	out, err := f.svc.CancelSubscription(context.Background(), 1, sub.ID, false, time.Now())
	require.NoError(t, err)
	// Access continues, no refund or credit, flag set.
	assert.Equal(t, models.SubscriptionStatusActive, out.Status)
	assert.True(t, out.CancelAtPeriodEnd)

	balance, err := f.ledger.Balance(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestWebhookEventDeduplicated(t *testing.T) {
	f := newFixture()
	f.provider.Script("pm_card", payments.ChargeDeclined)
	p, err := f.svc.ChargeOneTime(context.Background(), chargeInput())
	require.NoError(t, err)

	in := WebhookEventInput{
		TenantID:        1,
		Provider:        "fakepay",
		ProviderEventID: "evt_1",
		EventType:       EventPaymentSucceeded,
		PayloadJSON:     `{"payment_id":` + itoa(p.ID) + `,"provider_payment_id":"fakepay_webhook"}`,
		SignatureValid:  true,
	}

	_, err = f.svc.HandleWebhookEvent(context.Background(), in)
	require.NoError(t, err)
	p, _ = f.repo.GetPayment(context.Background(), 1, p.ID)
	assert.Equal(t, models.PaymentStatusSucceeded, p.Status)

	// Redelivery of the same event changes nothing.
	retryCount := p.RetryCount
	_, err = f.svc.HandleWebhookEvent(context.Background(), in)
	require.NoError(t, err)
	p, _ = f.repo.GetPayment(context.Background(), 1, p.ID)
	assert.Equal(t, models.PaymentStatusSucceeded, p.Status)
	assert.Equal(t, retryCount, p.RetryCount)
}

func TestStaleFailureEventDoesNotUndoSuccess(t *testing.T) {
	f := newFixture()
	p, err := f.svc.ChargeOneTime(context.Background(), chargeInput())
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusSucceeded, p.Status)

	_, err = f.svc.HandleWebhookEvent(context.Background(), WebhookEventInput{
		TenantID:        1,
		Provider:        "fakepay",
		ProviderEventID: "evt_stale",
		EventType:       EventPaymentFailed,
		PayloadJSON:     `{"payment_id":` + itoa(p.ID) + `}`,
	})
	require.NoError(t, err)

	p, _ = f.repo.GetPayment(context.Background(), 1, p.ID)
	assert.Equal(t, models.PaymentStatusSucceeded, p.Status)
}

func itoa(v uint) string {
	return decimal.NewFromInt(int64(v)).String()
}
