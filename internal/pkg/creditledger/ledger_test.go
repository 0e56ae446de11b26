package creditledger

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
)

func newTestService() *Service {
	return NewService(NewMemoryRepository())
}

func TestAddAndSpendCredit(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	earned, err := svc.AddCredit(ctx, 1, 10, decimal.NewFromInt(40), "prorated cancellation", "enrollment", 5)
	require.NoError(t, err)
	assert.Equal(t, models.CreditTypeEarned, earned.Type)
	assert.True(t, earned.BalanceAfter.Equal(decimal.NewFromInt(40)))

	spent, err := svc.SpendCredit(ctx, 1, 10, decimal.NewFromInt(15), "applied to enrollment", "enrollment", 6)
	require.NoError(t, err)
	assert.Equal(t, models.CreditTypeSpent, spent.Type)
	assert.True(t, spent.Amount.IsNegative())
	assert.True(t, spent.BalanceAfter.Equal(decimal.NewFromInt(25)))

	balance, err := svc.Balance(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(25)))
}

func TestSpendCannotGoNegative(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.AddCredit(ctx, 1, 10, decimal.NewFromInt(10), "credit", "", 0)
	require.NoError(t, err)

	_, err = svc.SpendCredit(ctx, 1, 10, decimal.NewFromInt(11), "too much", "", 0)
	assert.True(t, errors.Is(err, ErrInsufficientCredit))

	// Balance untouched by the failed spend.
	balance, err := svc.Balance(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(10)))
}

func TestBalanceIsSumOfTransactions(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	amounts := []int64{30, 20, 50}
	for _, a := range amounts {
		_, err := svc.AddCredit(ctx, 1, 10, decimal.NewFromInt(a), "credit", "", 0)
		require.NoError(t, err)
	}
	_, err := svc.ExpireCredit(ctx, 1, 10, decimal.NewFromInt(25), "season end")
	require.NoError(t, err)

	balance, err := svc.Balance(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(75)), "balance = %s", balance)

	history, err := svc.History(ctx, 1, 10, 10)
	require.NoError(t, err)
	assert.Len(t, history, 4)
	// Newest first, each row snapshots the running balance.
	assert.True(t, history[0].BalanceAfter.Equal(decimal.NewFromInt(75)))
}

func TestZeroAmountRejected(t *testing.T) {
	svc := newTestService()
	_, err := svc.AddCredit(context.Background(), 1, 10, decimal.Zero, "nothing", "", 0)
	assert.True(t, errors.Is(err, ErrInvalidAmount))
}

func TestFamiliesAreIsolated(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.AddCredit(ctx, 1, 10, decimal.NewFromInt(100), "credit", "", 0)
	require.NoError(t, err)

	balance, err := svc.Balance(ctx, 1, 11)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	_, err = svc.SpendCredit(ctx, 1, 11, decimal.NewFromInt(1), "spend", "", 0)
	assert.True(t, errors.Is(err, ErrInsufficientCredit))
}
