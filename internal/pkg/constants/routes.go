package constants

// Static route constants
const (
	APIRoute   = "/api"
	APIV1Route = "/v1"

	EnrollmentsRoute = "/enrollments"
	FamiliesRoute    = "/families"
	RefundsRoute     = "/refunds"
	WebhooksRoute    = "/webhooks"
	AdminRoute       = "/admin"
)
