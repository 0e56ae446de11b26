package refund

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/notify"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/payments"
)

var (
	ErrAlreadyDecided = errors.New("refund: request already decided")
	ErrInvalidAmount  = errors.New("refund: amount must be positive")
)

// Service owns RefundRequest rows: it is the only writer. Every cash refund
// goes through a pending request and an explicit approve/reject decision;
// the external refund call happens only after an approval wins the
// transition.
type Service struct {
	repo     Repository
	provider payments.Provider
	notifier notify.Notifier
}

func NewService(repo Repository, provider payments.Provider, notifier notify.Notifier) *Service {
	return &Service{repo: repo, provider: provider, notifier: notifier}
}

// RequestRefund opens a pending refund request. Nothing is sent to the
// provider yet; the caller sees a pending state, not an error.
func (s *Service) RequestRefund(ctx context.Context, tenantID uint, enrollment *models.Enrollment, paymentID *uint, amount decimal.Decimal, reason, recipient string) (*models.RefundRequest, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	req := &models.RefundRequest{
		TenantID:     tenantID,
		EnrollmentID: enrollment.ID,
		PaymentID:    paymentID,
		Amount:       amount,
		Status:       models.RefundStatusPending,
		Reason:       reason,
	}
	if err := s.repo.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	notify.Send(s.notifier, notify.TplRefundPending, recipient, map[string]string{
		"amount": amount.StringFixed(2),
		"reason": reason,
	})
	return req, nil
}

// Approve executes the pending→approved transition and then the provider
// refund. Concurrent or repeated decisions lose with ErrAlreadyDecided.
func (s *Service) Approve(ctx context.Context, tenantID, requestID, approverID uint) (*models.RefundRequest, error) {
	won, err := s.repo.Decide(ctx, tenantID, requestID, models.RefundStatusApproved, approverID, time.Now())
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrAlreadyDecided
	}

	req, err := s.repo.GetRequest(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}

	providerPaymentID := ""
	if req.PaymentID != nil {
		payment, err := s.repo.GetPayment(ctx, tenantID, *req.PaymentID)
		if err != nil {
			return nil, err
		}
		providerPaymentID = payment.ProviderPaymentID
	} else {
		// Requests predating the payment link: fall back to the last settled
		// charge of the enrollment.
		payment, err := s.repo.LatestSucceededPayment(ctx, tenantID, req.EnrollmentID)
		if err != nil {
			return nil, err
		}
		if payment != nil {
			providerPaymentID = payment.ProviderPaymentID
		}
	}
	if providerPaymentID == "" {
		log.Warnf("[Refund] request %d approved with no settled payment on record; payout needs manual handling", requestID)
	} else if err := s.provider.Refund(ctx, providerPaymentID, req.Amount); err != nil {
		// The decision stands; the provider call is re-driven manually.
		log.Errorf("[Refund] provider refund for request %d failed: %v", requestID, err)
		return req, err
	}
	s.notifyDecision(ctx, req)
	return req, nil
}

// Reject finalizes the request without any provider call.
func (s *Service) Reject(ctx context.Context, tenantID, requestID, approverID uint) (*models.RefundRequest, error) {
	won, err := s.repo.Decide(ctx, tenantID, requestID, models.RefundStatusRejected, approverID, time.Now())
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrAlreadyDecided
	}
	req, err := s.repo.GetRequest(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	s.notifyDecision(ctx, req)
	return req, nil
}

func (s *Service) notifyDecision(ctx context.Context, req *models.RefundRequest) {
	recipient, err := s.repo.FamilyEmail(ctx, req.TenantID, req.EnrollmentID)
	if err != nil || recipient == "" {
		log.Warnf("[Refund] no recipient for request %d decision notice: %v", req.ID, err)
		return
	}
	notify.Send(s.notifier, notify.TplRefundDecided, recipient, map[string]string{
		"amount": req.Amount.StringFixed(2),
		"status": req.Status,
	})
}

// ListPending returns open requests for the admin review queue.
func (s *Service) ListPending(ctx context.Context, tenantID uint, limit int) ([]models.RefundRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListPending(ctx, tenantID, limit)
}
