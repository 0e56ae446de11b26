package apiv1

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/constants"
	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/middleware"
)

// RegisterHandlers wires the v1 routes. Parent-facing routes need the
// service API key and a tenant scope; admin routes additionally need the
// admin key.
func RegisterHandlers(r fiber.Router, s *APIServer) {
	r.Get("/ping", s.GetPing)

	authed := r.Group("", middleware.APIKeyAuthMiddleware())

	enrollments := authed.Group(constants.EnrollmentsRoute)
	enrollments.Post("/", s.PostEnrollment)
	enrollments.Get("/:id", s.GetEnrollment)
	enrollments.Post("/:id/cancel", s.PostCancelEnrollment)
	enrollments.Post("/:id/claim", s.PostClaimSeat)
	enrollments.Post("/:id/transfer", s.PostTransferEnrollment)

	authed.Get(constants.FamiliesRoute+"/:id/credits", s.GetFamilyCredits)

	authed.Post(constants.WebhooksRoute+"/payments/:provider", s.PostPaymentWebhook)

	admin := authed.Group("", middleware.AdminAuthMiddleware())
	admin.Get(constants.RefundsRoute+"/pending", s.GetPendingRefunds)
	admin.Post(constants.RefundsRoute+"/:id/approve", s.PostApproveRefund)
	admin.Post(constants.RefundsRoute+"/:id/reject", s.PostRejectRefund)
	admin.Post(constants.AdminRoute+"/sweeps/retry", s.PostRunRetrySweep)
	admin.Post(constants.AdminRoute+"/sweeps/claims", s.PostRunClaimSweep)
}
