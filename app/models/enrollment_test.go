package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildAgeAt(t *testing.T) {
	c := &Child{BirthDate: time.Date(2018, 6, 15, 0, 0, 0, 0, time.UTC)}

	tests := []struct {
		name string
		date time.Time
		want int
	}{
		{"day before birthday", time.Date(2026, 6, 14, 0, 0, 0, 0, time.UTC), 7},
		{"on birthday", time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC), 8},
		{"day after birthday", time.Date(2026, 6, 16, 0, 0, 0, 0, time.UTC), 8},
		{"start of year", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.AgeAt(tt.date))
		})
	}
}

func TestOfferingAgeEligible(t *testing.T) {
	o := &Offering{AgeMin: 6, AgeMax: 10}
	assert.False(t, o.AgeEligible(5))
	assert.True(t, o.AgeEligible(6))
	assert.True(t, o.AgeEligible(10))
	assert.False(t, o.AgeEligible(11))

	noUpper := &Offering{AgeMin: 6, AgeMax: 0}
	assert.True(t, noUpper.AgeEligible(99))
}

func TestOfferingValidateSubscriptionConfig(t *testing.T) {
	ok := &Offering{RecurringPrice: decimal.NewFromInt(30), BillingInterval: BillingIntervalMonth}
	require.NoError(t, ok.ValidateSubscriptionConfig())

	broken := &Offering{RecurringPrice: decimal.NewFromInt(30)}
	assert.ErrorIs(t, broken.ValidateSubscriptionConfig(), ErrMissingBillingInterval)

	// No recurring price means nothing to validate.
	oneTimeOnly := &Offering{OneTimePrice: decimal.NewFromInt(100)}
	require.NoError(t, oneTimeOnly.ValidateSubscriptionConfig())
}

func TestEnrollmentTerminalAndCapacity(t *testing.T) {
	tests := []struct {
		state    string
		terminal bool
		occupies bool
	}{
		{EnrollmentStatePendingPayment, false, true},
		{EnrollmentStateActive, false, true},
		{EnrollmentStateWaitlisted, false, false},
		{EnrollmentStateCancelled, true, false},
		{EnrollmentStateTransferred, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			e := &Enrollment{State: tt.state}
			assert.Equal(t, tt.terminal, e.IsTerminal())
			assert.Equal(t, tt.occupies, e.CountsAgainstCapacity())
		})
	}
}

func TestEnrollmentClaimOpen(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	assert.False(t, (&Enrollment{}).ClaimOpen(now))
	assert.True(t, (&Enrollment{ClaimExpiresAt: &later}).ClaimOpen(now))
	assert.False(t, (&Enrollment{ClaimExpiresAt: &earlier}).ClaimOpen(now))
}

func TestActiveKeyFor(t *testing.T) {
	k := ActiveKeyFor(7, 42)
	require.NotNil(t, k)
	assert.Equal(t, "7:42", *k)
}

func TestSubscriptionPeriodRemaining(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	s := &Subscription{CurrentPeriodStart: &start, CurrentPeriodEnd: &end}

	half := s.PeriodRemaining(time.Date(2026, 8, 16, 0, 0, 0, 0, time.UTC))
	assert.True(t, half.GreaterThan(decimal.NewFromFloat(0.49)), "got %s", half)
	assert.True(t, half.LessThan(decimal.NewFromFloat(0.51)), "got %s", half)

	assert.True(t, s.PeriodRemaining(end.Add(time.Hour)).IsZero())
	assert.True(t, s.PeriodRemaining(start.Add(-time.Hour)).Equal(decimal.NewFromInt(1)))
	assert.True(t, (&Subscription{}).PeriodRemaining(start).IsZero())
}

func TestPromoCodeExpiredAndExhausted(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)

	assert.False(t, (&PromoCode{}).Expired(now))
	assert.True(t, (&PromoCode{ExpiresAt: &past}).Expired(now))

	assert.False(t, (&PromoCode{MaxUses: 0, UsedCount: 100}).Exhausted())
	assert.False(t, (&PromoCode{MaxUses: 5, UsedCount: 4}).Exhausted())
	assert.True(t, (&PromoCode{MaxUses: 5, UsedCount: 5}).Exhausted())
}

func TestScholarshipValidFor(t *testing.T) {
	offeringID := uint(3)
	offering := &Offering{
		ID:      offeringID,
		EndDate: time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	}
	other := &Offering{ID: 9, EndDate: offering.EndDate}
	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	// Bound scholarships follow the offering's end date even when the
	// stored expiry has already passed.
	expired := now.Add(-time.Hour)
	bound := &Scholarship{OfferingID: &offeringID, ExpiresAt: &expired}
	assert.True(t, bound.ValidFor(offering, now))
	assert.False(t, bound.ValidFor(other, now))
	assert.False(t, bound.ValidFor(offering, offering.EndDate.Add(time.Hour)))

	general := &Scholarship{}
	assert.True(t, general.ValidFor(offering, now))
	generalExpired := &Scholarship{ExpiresAt: &expired}
	assert.False(t, generalExpired.ValidFor(offering, now))
}

func TestPaymentRetryDue(t *testing.T) {
	now := time.Now()
	due := now.Add(-time.Minute)
	notYet := now.Add(time.Minute)

	assert.True(t, (&Payment{Status: PaymentStatusFailed, NextRetryAt: &due}).RetryDue(now))
	assert.False(t, (&Payment{Status: PaymentStatusFailed, NextRetryAt: &notYet}).RetryDue(now))
	assert.False(t, (&Payment{Status: PaymentStatusFailed}).RetryDue(now))
	assert.False(t, (&Payment{Status: PaymentStatusPending, NextRetryAt: &due}).RetryDue(now))
}

func TestFamilyHasPaymentMethod(t *testing.T) {
	assert.False(t, (&Family{}).HasPaymentMethod())
	assert.True(t, (&Family{PaymentMethodRef: "pm_abc"}).HasPaymentMethod())
}
