// Package gin provides Gin middleware that gates electronic signature
// operations on the tenant's plan allowance and purchased credit packs.
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	lbhttp "github.com/jurisuite/lexbill/middleware/http"
	"github.com/jurisuite/lexbill/pkg/lexbill"
)

// TenantIDExtractor extracts the cabinet id from a Gin context.
type TenantIDExtractor func(c *gongin.Context) string

// MemberIDExtractor extracts the acting member's id from a Gin context.
type MemberIDExtractor func(c *gongin.Context) string

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
	OnExhausted func(c *gongin.Context, d lexbill.SignatureDecision)

	// OnUnauthorized overrides the default 401 response.
	OnUnauthorized func(c *gongin.Context)

	// OnError overrides the default error responses.
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware enforcing the signature gate.
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Meter == nil {
		panic("lexbill/middleware/gin: Config.Meter is required")
	}
	if cfg.GetTenantID == nil {
		panic("lexbill/middleware/gin: Config.GetTenantID is required")
	}
	if cfg.GetMemberID == nil {
		panic("lexbill/middleware/gin: Config.GetMemberID is required")
	}
	if cfg.ExhaustedStatusCode == 0 {
		cfg.ExhaustedStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		tenantID := cfg.GetTenantID(c)
		memberID := cfg.GetMemberID(c)
		if tenantID == "" || memberID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			c.Abort()
			return
		}

		decision, err := cfg.Meter.Consume(c.Request.Context(), tenantID, memberID)
		if err != nil {
			handleMeterError(c, err, cfg)
			c.Abort()
			return
		}

		if !decision.Allowed {
			if cfg.OnExhausted != nil {
				cfg.OnExhausted(c, decision)
			} else {
				c.JSON(cfg.ExhaustedStatusCode, gongin.H{
					"error":   "signature allowance exhausted",
					"credits": decision.CreditBalance,
				})
			}
			c.Abort()
			return
		}

		lbhttp.SetAllowanceHeaders(c.Header, decision)
		c.Next()
	}
}

func handleMeterError(c *gongin.Context, err error, cfg Config) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
		return
	}
	switch {
	case errors.Is(err, lexbill.ErrRecordNotFound),
		errors.Is(err, lexbill.ErrNoActiveSubscription):
		c.JSON(http.StatusForbidden, gongin.H{"error": "no active subscription"})
	default:
		c.JSON(http.StatusInternalServerError, gongin.H{"error": "internal error"})
	}
}

// FromContext returns an extractor reading a string from Gin context values.
func FromContext(key string) func(c *gongin.Context) string {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an extractor reading a request header.
func FromHeader(headerName string) func(c *gongin.Context) string {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns an extractor reading a route parameter.
func FromParam(paramName string) func(c *gongin.Context) string {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
