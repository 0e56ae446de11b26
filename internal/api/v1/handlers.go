package apiv1

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/billing"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/creditledger"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/enrollment"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/middleware"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/pricing"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/refund"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/sweeper"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/waitlist"
)

// APIServer exposes the enrollment lifecycle over JSON. Transport stays
// thin: decode, validate, call the service, map the error.
type APIServer struct {
	enrollments *enrollment.Service
	ledger      *creditledger.Service
	refunds     *refund.Service
	billing     *billing.Service
	waitlist    *waitlist.Manager
	sweeper     *sweeper.Manager
	validate    *validator.Validate
}

func NewAPIServer(
	enrollments *enrollment.Service,
	ledger *creditledger.Service,
	refunds *refund.Service,
	billingSvc *billing.Service,
	waitlistMgr *waitlist.Manager,
	sweeperMgr *sweeper.Manager,
) *APIServer {
	return &APIServer{
		enrollments: enrollments,
		ledger:      ledger,
		refunds:     refunds,
		billing:     billingSvc,
		waitlist:    waitlistMgr,
		sweeper:     sweeperMgr,
		validate:    validator.New(),
	}
}

// GetPing handles the health check endpoint.
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ping": "pong"})
}

type enrollRequest struct {
	ChildID      uint   `json:"child_id" validate:"required"`
	OfferingID   uint   `json:"offering_id" validate:"required"`
	BillingMode  string `json:"billing_mode" validate:"required,oneof=one_time installment subscription"`
	Installments int    `json:"installments" validate:"omitempty,min=1,max=2"`
	PromoCode    string `json:"promo_code" validate:"omitempty,max=64"`
	ApplyCredit  bool   `json:"apply_credit"`
}

// PostEnrollment registers a child into an offering.
func (s *APIServer) PostEnrollment(c *fiber.Ctx) error {
	var req enrollRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	e, err := s.enrollments.Enroll(c.Context(), enrollment.EnrollInput{
		TenantID:     middleware.TenantID(c),
		ChildID:      req.ChildID,
		OfferingID:   req.OfferingID,
		BillingMode:  req.BillingMode,
		Installments: req.Installments,
		PromoCode:    req.PromoCode,
		ApplyCredit:  req.ApplyCredit,
	})
	if err != nil {
		return mapError(c, err)
	}
	status := fiber.StatusCreated
	return c.Status(status).JSON(e)
}

// GetEnrollment returns one enrollment.
func (s *APIServer) GetEnrollment(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid enrollment id")
	}
	e, err := s.enrollments.Get(c.Context(), middleware.TenantID(c), uint(id))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(e)
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// PostCancelEnrollment cancels an enrollment, running the refund policy and
// cascading any freed seat to the waitlist.
func (s *APIServer) PostCancelEnrollment(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid enrollment id")
	}
	var req cancelRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return badRequest(c, "invalid request body")
	}

	e, err := s.enrollments.Cancel(c.Context(), middleware.TenantID(c), uint(id), req.Reason)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(e)
}

type claimRequest struct {
	ClaimToken string `json:"claim_token" validate:"required,len=36"`
}

// PostClaimSeat accepts a waitlist seat offer before its window lapses.
func (s *APIServer) PostClaimSeat(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid enrollment id")
	}
	var req claimRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	e, err := s.waitlist.Claim(c.Context(), middleware.TenantID(c), uint(id), req.ClaimToken, time.Now())
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(e)
}

type transferRequest struct {
	TargetOfferingID uint `json:"target_offering_id" validate:"required"`
}

// PostTransferEnrollment moves an active enrollment to another offering.
func (s *APIServer) PostTransferEnrollment(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid enrollment id")
	}
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	e, err := s.enrollments.Transfer(c.Context(), middleware.TenantID(c), uint(id), req.TargetOfferingID)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(e)
}

// GetFamilyCredits returns the family's credit balance and recent history.
func (s *APIServer) GetFamilyCredits(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid family id")
	}
	tenantID := middleware.TenantID(c)

	balance, err := s.ledger.Balance(c.Context(), tenantID, uint(id))
	if err != nil {
		return mapError(c, err)
	}
	history, err := s.ledger.History(c.Context(), tenantID, uint(id), 50)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(fiber.Map{"balance": balance, "transactions": history})
}

// GetPendingRefunds lists refund requests waiting on an admin decision.
func (s *APIServer) GetPendingRefunds(c *fiber.Ctx) error {
	pending, err := s.refunds.ListPending(c.Context(), middleware.TenantID(c), 100)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(pending)
}

type refundDecisionRequest struct {
	ApproverID uint `json:"approver_id" validate:"required"`
}

// PostApproveRefund executes the pending→approved transition and the
// provider refund.
func (s *APIServer) PostApproveRefund(c *fiber.Ctx) error {
	return s.decideRefund(c, true)
}

// PostRejectRefund finalizes a refund request without a provider call.
func (s *APIServer) PostRejectRefund(c *fiber.Ctx) error {
	return s.decideRefund(c, false)
}

func (s *APIServer) decideRefund(c *fiber.Ctx, approve bool) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid refund request id")
	}
	var req refundDecisionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	tenantID := middleware.TenantID(c)
	var out *models.RefundRequest
	if approve {
		out, err = s.refunds.Approve(c.Context(), tenantID, uint(id), req.ApproverID)
	} else {
		out, err = s.refunds.Reject(c.Context(), tenantID, uint(id), req.ApproverID)
	}
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(out)
}

// PostPaymentWebhook ingests a provider event. The event is persisted
// idempotently and reconciled against local state; a replay returns 200
// without reapplying anything.
func (s *APIServer) PostPaymentWebhook(c *fiber.Ctx) error {
	provider := c.Params("provider")
	if provider == "" {
		return badRequest(c, "missing provider")
	}

	event, err := s.billing.HandleWebhookEvent(c.Context(), billing.WebhookEventInput{
		TenantID:        middleware.TenantID(c),
		Provider:        provider,
		ProviderEventID: c.Get("X-Event-ID"),
		EventType:       c.Get("X-Event-Type"),
		PayloadJSON:     string(c.Body()),
		SignatureValid:  true,
	})
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(fiber.Map{"event_id": event.ProviderEventID, "status": "accepted"})
}

// PostRunRetrySweep manually triggers one payment retry sweep.
func (s *APIServer) PostRunRetrySweep(c *fiber.Ctx) error {
	if err := s.sweeper.RunRetrySweepOnce(); err != nil {
		return mapError(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// PostRunClaimSweep manually triggers one claim expiry sweep.
func (s *APIServer) PostRunClaimSweep(c *fiber.Ctx) error {
	if err := s.sweeper.RunClaimSweepOnce(); err != nil {
		return mapError(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": msg})
}

// mapError translates domain errors into HTTP status codes: caller mistakes
// are 4xx, lost races are 409, everything unexpected is 500.
func mapError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "resource not found"})

	case errors.Is(err, enrollment.ErrDuplicateEnrollment),
		errors.Is(err, enrollment.ErrAgeIneligible),
		errors.Is(err, enrollment.ErrOfferingNotOpen),
		errors.Is(err, enrollment.ErrUnknownPromoCode),
		errors.Is(err, enrollment.ErrInvalidBillingMode),
		errors.Is(err, billing.ErrInvalidInstallmentCount),
		errors.Is(err, billing.ErrPaymentMethodMissing),
		errors.Is(err, pricing.ErrPromoExpired),
		errors.Is(err, pricing.ErrPromoExhausted),
		errors.Is(err, pricing.ErrPromoBelowMinimum),
		errors.Is(err, pricing.ErrPromoAlreadyUsed):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_error", "message": err.Error()})

	case errors.Is(err, billing.ErrNotSubscribable),
		errors.Is(err, models.ErrMissingBillingInterval):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "configuration_error", "message": err.Error()})

	case errors.Is(err, enrollment.ErrStateChanged),
		errors.Is(err, refund.ErrAlreadyDecided):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": err.Error()})

	case errors.Is(err, waitlist.ErrClaimInvalid):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": err.Error()})
	case errors.Is(err, waitlist.ErrClaimExpired):
		return c.Status(fiber.StatusGone).JSON(fiber.Map{"error": "claim_expired", "message": err.Error()})
	case errors.Is(err, waitlist.ErrChargeDeclined):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "payment_declined", "message": err.Error()})

	case errors.Is(err, enrollment.ErrInvalidTransition):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid_transition", "message": err.Error()})

	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "unexpected error"})
	}
}
