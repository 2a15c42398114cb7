// Package echo provides Echo middleware that gates electronic signature
// operations on the tenant's plan allowance and purchased credit packs.
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	lbhttp "github.com/jurisuite/lexbill/middleware/http"
	"github.com/jurisuite/lexbill/pkg/lexbill"
)

// TenantIDExtractor extracts the cabinet id from an Echo context.
type TenantIDExtractor func(c echo.Context) string

// MemberIDExtractor extracts the acting member's id from an Echo context.
type MemberIDExtractor func(c echo.Context) string

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
	OnExhausted func(c echo.Context, d lexbill.SignatureDecision) error

	// OnUnauthorized overrides the default 401 response.
	OnUnauthorized func(c echo.Context) error

	// OnError overrides the default error responses.
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware enforcing the signature gate.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Meter == nil {
		panic("lexbill/middleware/echo: Config.Meter is required")
	}
	if cfg.GetTenantID == nil {
		panic("lexbill/middleware/echo: Config.GetTenantID is required")
	}
	if cfg.GetMemberID == nil {
		panic("lexbill/middleware/echo: Config.GetMemberID is required")
	}
	if cfg.ExhaustedStatusCode == 0 {
		cfg.ExhaustedStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := cfg.GetTenantID(c)
			memberID := cfg.GetMemberID(c)
			if tenantID == "" || memberID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			decision, err := cfg.Meter.Consume(c.Request().Context(), tenantID, memberID)
			if err != nil {
				return handleMeterError(c, err, cfg)
			}

			if !decision.Allowed {
				if cfg.OnExhausted != nil {
					return cfg.OnExhausted(c, decision)
				}
				return c.JSON(cfg.ExhaustedStatusCode, map[string]interface{}{
					"error":   "signature allowance exhausted",
					"credits": decision.CreditBalance,
				})
			}

			lbhttp.SetAllowanceHeaders(c.Response().Header().Set, decision)
			return next(c)
		}
	}
}

func handleMeterError(c echo.Context, err error, cfg Config) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	switch {
	case errors.Is(err, lexbill.ErrRecordNotFound),
		errors.Is(err, lexbill.ErrNoActiveSubscription):
		return c.JSON(http.StatusForbidden, map[string]string{"error": "no active subscription"})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// FromContext returns an extractor reading a string from Echo context values.
func FromContext(key string) func(c echo.Context) string {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an extractor reading a request header.
func FromHeader(headerName string) func(c echo.Context) string {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns an extractor reading a route parameter.
func FromParam(paramName string) func(c echo.Context) string {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
