package refund

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/notify"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/payments"
)

func newApprovalFixture() (*Service, *MemoryRepository, *payments.FakeProvider, *notify.Recorder) {
	repo := NewMemoryRepository()
	provider := payments.NewFakeProvider()
	rec := &notify.Recorder{}
	return NewService(repo, provider, rec), repo, provider, rec
}

func pendingRequest(t *testing.T, svc *Service, repo *MemoryRepository) *models.RefundRequest {
	t.Helper()
	paymentID := uint(77)
	repo.Payments[paymentID] = &models.Payment{
		ID:                paymentID,
		TenantID:          1,
		ProviderPaymentID: "fakepay_original",
	}
	repo.Emails[5] = "parent@example.com"
	enr := &models.Enrollment{ID: 5, TenantID: 1, FamilyID: 3}
	req, err := svc.RequestRefund(context.Background(), 1, enr, &paymentID, decimal.NewFromInt(100), "cancelled within window", "parent@example.com")
	require.NoError(t, err)
	require.Equal(t, models.RefundStatusPending, req.Status)
	return req
}

func TestApproveExecutesProviderRefund(t *testing.T) {
	svc, repo, provider, rec := newApprovalFixture()
	req := pendingRequest(t, svc, repo)

	decided, err := svc.Approve(context.Background(), 1, req.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusApproved, decided.Status)
	assert.Equal(t, uint(42), decided.ApproverID)
	require.Len(t, provider.Refunds, 1)
	assert.Equal(t, "fakepay_original", provider.Refunds[0].ProviderPaymentID)
	assert.True(t, provider.Refunds[0].Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, rec.Count(notify.TplRefundPending))
	assert.Equal(t, 1, rec.Count(notify.TplRefundDecided))
}

func TestRejectSkipsProvider(t *testing.T) {
	svc, repo, provider, _ := newApprovalFixture()
	req := pendingRequest(t, svc, repo)

	decided, err := svc.Reject(context.Background(), 1, req.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusRejected, decided.Status)
	assert.Empty(t, provider.Refunds)
}

func TestSecondDecisionRejected(t *testing.T) {
	svc, repo, _, _ := newApprovalFixture()
	req := pendingRequest(t, svc, repo)

	_, err := svc.Approve(context.Background(), 1, req.ID, 42)
	require.NoError(t, err)

	_, err = svc.Approve(context.Background(), 1, req.ID, 43)
	assert.True(t, errors.Is(err, ErrAlreadyDecided))
	_, err = svc.Reject(context.Background(), 1, req.ID, 43)
	assert.True(t, errors.Is(err, ErrAlreadyDecided))
}

func TestConcurrentApprovalsSingleWinner(t *testing.T) {
	svc, repo, provider, _ := newApprovalFixture()
	req := pendingRequest(t, svc, repo)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Approve(context.Background(), 1, req.ID, uint(100+i))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrAlreadyDecided) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, winners, "exactly one approval must win")
	assert.Len(t, provider.Refunds, 1, "provider must be called exactly once")
}

func TestZeroAmountRequestRejected(t *testing.T) {
	svc, _, _, _ := newApprovalFixture()
	enr := &models.Enrollment{ID: 5, TenantID: 1}
	_, err := svc.RequestRefund(context.Background(), 1, enr, nil, decimal.Zero, "", "parent@example.com")
	assert.True(t, errors.Is(err, ErrInvalidAmount))
}
