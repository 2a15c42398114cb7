package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jurisuite/lexbill/pkg/lexbill"
	"github.com/jurisuite/lexbill/pkg/payments"
)

// Config holds configuration for the billing API handler.
type Config struct {
	// Provider is the payments backend (required).
	Provider payments.Provider

	// Store resolves billing records for authorization checks (required).
	Store lexbill.Store

	// Authenticate extracts the caller identity from the request.
	// Returning "" means no identity; handlers answer 401. Required.
	Authenticate func(*http.Request) string

	// AuthorizeTenant decides whether the caller may manage the tenant's
	// billing (owner or manager role). Return nil to allow, or
	// lexbill.ErrNotAuthorized to refuse. Required.
	AuthorizeTenant func(ctx context.Context, callerID, tenantID string) error

	// Logger is an optional structured logger. Nil means no logging.
	Logger lexbill.Logger

	// OnError overrides the default error-to-response mapping. Optional.
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is complete.
func (c *Config) Validate() error {
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Authenticate == nil {
		return fmt.Errorf("authenticate callback is required")
	}
	if c.AuthorizeTenant == nil {
		return fmt.Errorf("authorizeTenant callback is required")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &lexbill.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// FromHeader returns an Authenticate function that reads the caller id
// from a header. Intended for deployments where an upstream gateway has
// already verified the identity.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
