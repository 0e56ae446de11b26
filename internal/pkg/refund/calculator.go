package refund

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
)

// Config holds the cancellation policy knobs, passed in rather than read
// from globals.
type Config struct {
	// FullRefundDays is the window (calendar days from enrollment creation)
	// inside which a cancellation refunds the full amount paid in cash.
	FullRefundDays int
}

func DefaultConfig() Config {
	return Config{FullRefundDays: 15}
}

// Outcome is the result of a cancellation: at most one of the two amounts is
// non-zero. Cash refunds require approval; credit is written to the family
// ledger directly and is never paid out as cash.
type Outcome struct {
	RefundAmount decimal.Decimal
	CreditAmount decimal.Decimal
}

// Calculate computes the refund-vs-credit outcome for cancelling an
// enrollment at requestedAt. Within the full-refund window the whole amount
// paid comes back in cash with no fee. Past it, nothing is refunded; the
// unused remainder (remaining sessions over total sessions, times the
// amount paid) becomes account credit.
func Calculate(cfg Config, enrollment *models.Enrollment, offering *models.Offering, requestedAt time.Time) Outcome {
	paid := enrollment.AmountPaid
	if !paid.IsPositive() {
		return Outcome{RefundAmount: decimal.Zero, CreditAmount: decimal.Zero}
	}

	if CalendarDays(enrollment.CreatedAt, requestedAt) <= cfg.FullRefundDays {
		return Outcome{RefundAmount: paid, CreditAmount: decimal.Zero}
	}

	total := offering.SessionCount
	if total < 1 {
		total = 1
	}
	remaining := RemainingSessions(offering, requestedAt)
	credit := paid.
		Mul(decimal.NewFromInt(int64(remaining))).
		Div(decimal.NewFromInt(int64(total))).
		Round(2)
	return Outcome{RefundAmount: decimal.Zero, CreditAmount: credit}
}

// CalendarDays counts whole calendar days between two instants, ignoring
// the time of day on both ends.
func CalendarDays(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}

// RemainingSessions counts scheduled sessions strictly after the given
// date, assuming sessions are evenly spread across the offering's date
// range.
func RemainingSessions(offering *models.Offering, at time.Time) int {
	total := offering.SessionCount
	if total < 1 {
		total = 1
	}
	if at.Before(offering.StartDate) {
		return total
	}
	if !at.Before(offering.EndDate) {
		return 0
	}
	span := offering.EndDate.Sub(offering.StartDate)
	if span <= 0 {
		return 0
	}
	elapsed := at.Sub(offering.StartDate)
	held := int(float64(total) * elapsed.Seconds() / span.Seconds())
	if held > total {
		held = total
	}
	return total - held
}
