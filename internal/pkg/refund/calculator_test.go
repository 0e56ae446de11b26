package refund

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCalculateFullRefundWithinWindow(t *testing.T) {
	enr := &models.Enrollment{
		AmountPaid: decimal.NewFromInt(100),
		CreatedAt:  date(2024, 1, 1),
	}
	off := &models.Offering{
		StartDate:    date(2024, 1, 1),
		EndDate:      date(2024, 4, 1),
		SessionCount: 12,
	}

	out := Calculate(DefaultConfig(), enr, off, date(2024, 1, 10)) // 9 days
	if !out.RefundAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("refund = %s, want 100", out.RefundAmount)
	}
	if !out.CreditAmount.IsZero() {
		t.Fatalf("credit = %s, want 0", out.CreditAmount)
	}
}

func TestCalculateWindowBoundary(t *testing.T) {
	enr := &models.Enrollment{
		AmountPaid: decimal.NewFromInt(100),
		CreatedAt:  date(2024, 1, 1),
	}
	off := &models.Offering{
		StartDate:    date(2024, 1, 1),
		EndDate:      date(2024, 12, 31),
		SessionCount: 10,
	}

	// Day 15 still refunds in full, day 16 does not.
	if out := Calculate(DefaultConfig(), enr, off, date(2024, 1, 16)); !out.RefundAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("day 15: refund = %s, want 100", out.RefundAmount)
	}
	if out := Calculate(DefaultConfig(), enr, off, date(2024, 1, 17)); !out.RefundAmount.IsZero() {
		t.Fatalf("day 16: refund = %s, want 0", out.RefundAmount)
	}
}

func TestCalculateProratedCreditAfterWindow(t *testing.T) {
	enr := &models.Enrollment{
		AmountPaid: decimal.NewFromInt(100),
		CreatedAt:  date(2024, 1, 1),
	}
	off := &models.Offering{
		StartDate:    date(2024, 1, 1),
		EndDate:      date(2024, 4, 1),
		SessionCount: 12,
	}

	out := Calculate(DefaultConfig(), enr, off, date(2024, 2, 1)) // 31 days
	if !out.RefundAmount.IsZero() {
		t.Fatalf("refund = %s, want 0", out.RefundAmount)
	}
	if !out.CreditAmount.IsPositive() {
		t.Fatalf("credit = %s, want > 0", out.CreditAmount)
	}
	if out.CreditAmount.GreaterThan(enr.AmountPaid) {
		t.Fatalf("credit %s exceeds amount paid", out.CreditAmount)
	}
}

func TestCalculateNothingPaidNothingOwed(t *testing.T) {
	enr := &models.Enrollment{AmountPaid: decimal.Zero, CreatedAt: date(2024, 1, 1)}
	off := &models.Offering{StartDate: date(2024, 1, 1), EndDate: date(2024, 2, 1), SessionCount: 4}

	out := Calculate(DefaultConfig(), enr, off, date(2024, 1, 5))
	if !out.RefundAmount.IsZero() || !out.CreditAmount.IsZero() {
		t.Fatalf("expected zero outcome, got refund=%s credit=%s", out.RefundAmount, out.CreditAmount)
	}
}

func TestRemainingSessions(t *testing.T) {
	off := &models.Offering{
		StartDate:    date(2024, 1, 1),
		EndDate:      date(2024, 1, 31),
		SessionCount: 10,
	}

	tests := []struct {
		at   time.Time
		want int
	}{
		{at: date(2023, 12, 25), want: 10}, // before start
		{at: date(2024, 1, 31), want: 0},   // at end
		{at: date(2024, 2, 10), want: 0},   // after end
	}
	for _, tt := range tests {
		if got := RemainingSessions(off, tt.at); got != tt.want {
			t.Fatalf("RemainingSessions(%s) = %d, want %d", tt.at.Format("2006-01-02"), got, tt.want)
		}
	}

	mid := RemainingSessions(off, date(2024, 1, 16))
	if mid <= 0 || mid >= 10 {
		t.Fatalf("mid-course remaining = %d, want strictly between 0 and 10", mid)
	}
}

func TestCalendarDays(t *testing.T) {
	tests := []struct {
		from, to time.Time
		want     int
	}{
		{from: date(2024, 1, 1), to: date(2024, 1, 10), want: 9},
		{from: date(2024, 1, 1), to: date(2024, 2, 1), want: 31},
		{from: date(2024, 1, 1), to: date(2024, 1, 1), want: 0},
		// Time of day is ignored on both ends.
		{from: time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC), to: time.Date(2024, 1, 2, 1, 0, 0, 0, time.UTC), want: 1},
	}
	for _, tt := range tests {
		if got := CalendarDays(tt.from, tt.to); got != tt.want {
			t.Fatalf("CalendarDays(%s, %s) = %d, want %d", tt.from, tt.to, got, tt.want)
		}
	}
}
