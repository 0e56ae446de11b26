package middleware

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/env"
)

// Locals keys set by the auth middlewares.
const (
	KeyTenantID = "TENANT_ID"
	KeyIsAdmin  = "IS_ADMIN"
)

// APIKeyAuthMiddleware authenticates API requests with the service API key
// and resolves the tenant scope from the X-Tenant-ID header. Every entity
// query downstream is scoped to that tenant.
func APIKeyAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}
		expected := env.GetEnv("API_KEY", "")
		if expected == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(expected)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}

		tenantID, err := strconv.ParseUint(strings.TrimSpace(c.Get("X-Tenant-ID")), 10, 32)
		if err != nil || tenantID == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Missing or invalid X-Tenant-ID header"})
		}

		c.Locals(KeyTenantID, uint(tenantID))
		return c.Next()
	}
}

// AdminAuthMiddleware guards admin-only operations: refund decisions,
// manual sweep triggers, review queues.
func AdminAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		adminKey := strings.TrimSpace(c.Get("X-Admin-Key"))
		expected := env.GetEnv("ADMIN_API_KEY", "")
		if adminKey == "" || expected == "" || subtle.ConstantTimeCompare([]byte(adminKey), []byte(expected)) != 1 {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "Admin access required"})
		}
		c.Locals(KeyIsAdmin, true)
		return c.Next()
	}
}

// TenantID reads the tenant scope a request was authenticated for.
func TenantID(c *fiber.Ctx) uint {
	if id, ok := c.Locals(KeyTenantID).(uint); ok {
		return id
	}
	return 0
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
