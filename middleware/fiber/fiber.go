// Package fiber provides Fiber middleware that gates electronic signature
// operations on the tenant's plan allowance and purchased credit packs.
package fiber

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	lbhttp "github.com/jurisuite/lexbill/middleware/http"
	"github.com/jurisuite/lexbill/pkg/lexbill"
)

// TenantIDExtractor extracts the cabinet id from a Fiber context.
type TenantIDExtractor func(c *fiber.Ctx) string

// MemberIDExtractor extracts the acting member's id from a Fiber context.
type MemberIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration.
type Config struct {
	// Meter decides and consumes signature allowance (required).
	Meter *lexbill.SignatureMeter

	// GetTenantID extracts the cabinet id (required).
	GetTenantID TenantIDExtractor

	// GetMemberID extracts the member id (required).
	GetMemberID MemberIDExtractor

	// ExhaustedStatusCode is returned when both the plan allowance and the
	// member's credits are spent. Default: 402 Payment Required.
	ExhaustedStatusCode int

	// OnExhausted overrides the default exhausted response.
	OnExhausted func(c *fiber.Ctx, d lexbill.SignatureDecision) error

	// OnUnauthorized overrides the default 401 response.
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError overrides the default error responses.
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware enforcing the signature gate.
func Middleware(cfg Config) fiber.Handler {
	if cfg.Meter == nil {
		panic("lexbill/middleware/fiber: Config.Meter is required")
	}
	if cfg.GetTenantID == nil {
		panic("lexbill/middleware/fiber: Config.GetTenantID is required")
	}
	if cfg.GetMemberID == nil {
		panic("lexbill/middleware/fiber: Config.GetMemberID is required")
	}
	if cfg.ExhaustedStatusCode == 0 {
		cfg.ExhaustedStatusCode = http.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		tenantID := cfg.GetTenantID(c)
		memberID := cfg.GetMemberID(c)
		if tenantID == "" || memberID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		decision, err := cfg.Meter.Consume(c.UserContext(), tenantID, memberID)
		if err != nil {
			return handleMeterError(c, err, cfg)
		}

		if !decision.Allowed {
			if cfg.OnExhausted != nil {
				return cfg.OnExhausted(c, decision)
			}
			return c.Status(cfg.ExhaustedStatusCode).JSON(fiber.Map{
				"error":   "signature allowance exhausted",
				"credits": decision.CreditBalance,
			})
		}

		lbhttp.SetAllowanceHeaders(c.Set, decision)
		return c.Next()
	}
}

func handleMeterError(c *fiber.Ctx, err error, cfg Config) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	switch {
	case errors.Is(err, lexbill.ErrRecordNotFound),
		errors.Is(err, lexbill.ErrNoActiveSubscription):
		return c.Status(http.StatusForbidden).JSON(fiber.Map{"error": "no active subscription"})
	default:
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}

// FromLocals returns an extractor reading a string from Fiber locals.
func FromLocals(key string) func(c *fiber.Ctx) string {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an extractor reading a request header.
func FromHeader(headerName string) func(c *fiber.Ctx) string {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns an extractor reading a route parameter.
func FromParam(paramName string) func(c *fiber.Ctx) string {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
