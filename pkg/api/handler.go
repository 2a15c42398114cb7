package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jurisuite/lexbill/pkg/lexbill"
	"github.com/jurisuite/lexbill/pkg/payments"
)

const commitmentRefusalReason = "commitment_not_completed"

// Handler provides the billing HTTP endpoints.
type Handler struct {
	config Config
}

// Routes returns a chi router with all billing endpoints mounted:
//
//	POST /billing/webhook             provider webhook (signature-verified)
//	POST /billing/checkout            subscription checkout session
//	POST /billing/checkout/signatures signature pack checkout session
//	POST /billing/cancel              cancel at period end
//	POST /billing/seats               seat quantity change
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Method(http.MethodPost, "/billing/webhook", h.config.Provider.WebhookHandler())
	r.Post("/billing/checkout", h.CreateCheckout)
	r.Post("/billing/checkout/signatures", h.CreateSignatureCheckout)
	r.Post("/billing/cancel", h.Cancel)
	r.Post("/billing/seats", h.ChangeSeats)
	return r
}

// CreateCheckout starts a subscription checkout for a tenant.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.PlanID == "" {
		h.writeError(w, r, http.StatusBadRequest, "tenantId and planId are required")
		return
	}

	callerID, err := h.authorize(r, req.TenantID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	session, err := h.config.Provider.CreateCheckout(r.Context(), payments.CheckoutRequest{
		TenantID:     req.TenantID,
		BillingEmail: req.CustomerEmail,
		PlanID:       req.PlanID,
		Interval:     req.Interval,
		SeatQuantity: req.Quantity,
		SuccessURL:   req.SuccessURL,
		CancelURL:    req.CancelURL,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.config.Logger.Info("checkout session created",
		lexbill.Field{Key: "tenant_id", Value: req.TenantID},
		lexbill.Field{Key: "caller_id", Value: callerID},
		lexbill.Field{Key: "plan_id", Value: req.PlanID})
	h.writeJSON(w, http.StatusOK, CheckoutResponse{
		SessionID:   session.SessionID,
		RedirectURL: session.RedirectURL,
	})
}

// CreateSignatureCheckout starts a one-time signature pack purchase for a
// member of the caller's cabinet.
func (h *Handler) CreateSignatureCheckout(w http.ResponseWriter, r *http.Request) {
	var req SignatureCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.Quantity <= 0 {
		h.writeError(w, r, http.StatusBadRequest, "tenantId and quantity are required")
		return
	}

	callerID, err := h.authorize(r, req.TenantID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	session, err := h.config.Provider.CreateSignatureCheckout(r.Context(), payments.SignatureCheckoutRequest{
		CabinetID:  req.TenantID,
		ActorID:    callerID,
		MemberID:   req.MemberID,
		Quantity:   req.Quantity,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, CheckoutResponse{
		SessionID:   session.SessionID,
		RedirectURL: session.RedirectURL,
	})
}

// Cancel schedules the tenant's subscription to end at period end.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" {
		h.writeError(w, r, http.StatusBadRequest, "tenantId is required")
		return
	}

	if _, err := h.authorize(r, req.TenantID); err != nil {
		h.handleError(w, r, err)
		return
	}

	result, err := h.config.Provider.CancelAtPeriodEnd(r.Context(), req.TenantID)
	if err != nil {
		var commitment *payments.CommitmentError
		if errors.As(err, &commitment) {
			h.writeJSON(w, http.StatusForbidden, CommitmentRefusal{
				Reason:            commitmentRefusalReason,
				CommitmentEndDate: commitment.CommitmentEndAt,
				RemainingMonths:   commitment.RemainingMonths,
			})
			return
		}
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, CancelResponse{EffectiveCancelAt: result.EffectiveCancelAt})
}

// ChangeSeats updates the billed seat quantity on a subscription item.
func (h *Handler) ChangeSeats(w http.ResponseWriter, r *http.Request) {
	var req SeatChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SubscriptionItemID == "" || req.NewQuantity <= 0 {
		h.writeError(w, r, http.StatusBadRequest, "subscriptionItemId and newQuantity are required")
		return
	}

	// The item ref has to resolve to a tenant before authorization can run.
	rec, err := h.config.Store.FindRecordByItem(r.Context(), req.SubscriptionItemID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if _, err := h.authorize(r, rec.TenantID); err != nil {
		h.handleError(w, r, err)
		return
	}

	change, err := h.config.Provider.ChangeSeatQuantity(r.Context(), req.SubscriptionItemID, req.NewQuantity)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, SeatChangeResponse{
		NewQuantity:     change.NewQuantity,
		ProrationAmount: change.ProrationAmountCents,
		IsAdding:        change.IsAdding,
	})
}

// authorize runs the identity and tenant-role callbacks. Returns the
// caller id when allowed.
func (h *Handler) authorize(r *http.Request, tenantID string) (string, error) {
	callerID := h.config.Authenticate(r)
	if callerID == "" {
		return "", lexbill.ErrUnauthenticated
	}
	if err := h.config.AuthorizeTenant(r.Context(), callerID, tenantID); err != nil {
		return "", err
	}
	return callerID, nil
}

// handleError maps taxonomy errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	switch {
	case errors.Is(err, lexbill.ErrUnauthenticated):
		h.writeError(w, r, http.StatusUnauthorized, "unauthenticated")
	case errors.Is(err, lexbill.ErrNotAuthorized):
		h.writeError(w, r, http.StatusForbidden, "not authorized for this tenant")
	case errors.Is(err, lexbill.ErrRecordNotFound),
		errors.Is(err, lexbill.ErrNoActiveSubscription):
		h.writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, lexbill.ErrInvalidQuantity),
		errors.Is(err, lexbill.ErrPlanNotConfigured):
		h.writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, lexbill.ErrUpstreamProvider):
		// Retryable: the provider call failed, nothing was applied locally.
		h.writeError(w, r, http.StatusBadGateway, "payments provider unavailable, retry")
	default:
		h.config.Logger.Error("internal error",
			lexbill.Field{Key: "path", Value: r.URL.Path},
			lexbill.Field{Key: "error", Value: err.Error()})
		h.writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return
	}
}

func (h *Handler) writeError(w http.ResponseWriter, _ *http.Request, code int, msg string) {
	h.writeJSON(w, code, ErrorResponse{Error: msg})
}
