// Package http provides net/http middleware that gates electronic
// signature operations on the tenant's plan allowance and purchased
// credit packs.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jurisuite/lexbill/pkg/lexbill"
)

// TenantIDExtractor extracts the cabinet (tenant) id from a request.
// Return empty string when the request carries no tenant.
type TenantIDExtractor func(r *http.Request) string

// MemberIDExtractor extracts the acting member's id from a request.
// Credits are member-scoped, so the gate needs both ids.
type MemberIDExtractor func(r *http.Request) string

// Config holds middleware configuration.
type Config struct {
	// Meter decides and consumes signature allowance (required).
	Meter *lexbill.SignatureMeter

	// GetTenantID extracts the cabinet id from the request (required).
	GetTenantID TenantIDExtractor

	// GetMemberID extracts the member id from the request (required).
	GetMemberID MemberIDExtractor

	// ExhaustedStatusCode is returned when both the plan allowance and the
	// member's credits are spent. Default: 402 Payment Required.
	ExhaustedStatusCode int

	// OnExhausted overrides the default exhausted response.
	OnExhausted func(w http.ResponseWriter, r *http.Request, d lexbill.SignatureDecision)

	// OnUnauthorized overrides the default 401 response.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError overrides the default error responses.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware wraps a handler so it only runs when one signature could be
// consumed for the requesting member. The allowance headers are set on
// success so clients can surface the remaining balance.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Meter == nil {
		panic("lexbill/middleware/http: Config.Meter is required")
	}
	if config.GetTenantID == nil {
		panic("lexbill/middleware/http: Config.GetTenantID is required")
	}
	if config.GetMemberID == nil {
		panic("lexbill/middleware/http: Config.GetMemberID is required")
	}
	if config.ExhaustedStatusCode == 0 {
		config.ExhaustedStatusCode = http.StatusPaymentRequired
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := config.GetTenantID(r)
			memberID := config.GetMemberID(r)
			if tenantID == "" || memberID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
				}
				return
			}

			decision, err := config.Meter.Consume(r.Context(), tenantID, memberID)
			if err != nil {
				handleMeterError(w, r, err, config)
				return
			}

			if !decision.Allowed {
				if config.OnExhausted != nil {
					config.OnExhausted(w, r, decision)
				} else {
					http.Error(w, "signature allowance exhausted", config.ExhaustedStatusCode)
				}
				return
			}

			SetAllowanceHeaders(w.Header().Set, decision)
			next.ServeHTTP(w, r)
		})
	}
}

func handleMeterError(w http.ResponseWriter, r *http.Request, err error, config Config) {
	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	switch {
	case errors.Is(err, lexbill.ErrRecordNotFound),
		errors.Is(err, lexbill.ErrNoActiveSubscription):
		http.Error(w, "no active subscription", http.StatusForbidden)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// SetAllowanceHeaders writes the standard allowance headers through a
// header setter. Shared with the framework adapters.
func SetAllowanceHeaders(set func(key, value string), d lexbill.SignatureDecision) {
	set("X-Signature-Source", string(d.Source))
	if d.PlanRemaining == lexbill.Unlimited {
		set("X-Signatures-Remaining", "unlimited")
	} else {
		set("X-Signatures-Remaining", fmt.Sprintf("%d", d.PlanRemaining))
	}
	set("X-Signature-Credits", fmt.Sprintf("%d", d.CreditBalance))
}

// ContextKey is a type for context keys.
type ContextKey string

const (
	// TenantIDKey is the context key for the cabinet id.
	TenantIDKey ContextKey = "lexbill:tenantID"
	// MemberIDKey is the context key for the member id.
	MemberIDKey ContextKey = "lexbill:memberID"
)

// FromContext returns an extractor reading a string from the request context.
func FromContext(key ContextKey) func(r *http.Request) string {
	return func(r *http.Request) string {
		if v, ok := r.Context().Value(key).(string); ok {
			return v
		}
		return ""
	}
}

// FromHeader returns an extractor reading a request header.
func FromHeader(headerName string) func(r *http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithIdentity stamps both ids on a context, for auth layers that resolve
// the session before the gate runs.
func WithIdentity(ctx context.Context, tenantID, memberID string) context.Context {
	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	return context.WithValue(ctx, MemberIDKey, memberID)
}
