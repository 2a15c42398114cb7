package api

import "time"

// CheckoutRequest starts a subscription checkout for a tenant.
type CheckoutRequest struct {
	TenantID      string `json:"tenantId"`
	PlanID        string `json:"planId"`
	Interval      string `json:"interval"`
	Quantity      int64  `json:"quantity"`
	CustomerEmail string `json:"customerEmail,omitempty"`
	SuccessURL    string `json:"successUrl"`
	CancelURL     string `json:"cancelUrl"`
}

// SignatureCheckoutRequest starts a one-time signature pack purchase.
type SignatureCheckoutRequest struct {
	TenantID   string `json:"tenantId"`
	MemberID   string `json:"memberId"`
	Quantity   int64  `json:"quantity"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

// CheckoutResponse carries the hosted session to redirect the user to.
type CheckoutResponse struct {
	SessionID   string `json:"sessionId"`
	RedirectURL string `json:"redirectUrl"`
}

// CancelRequest schedules a cancellation at period end.
type CancelRequest struct {
	TenantID string `json:"tenantId"`
}

// CancelResponse reports when the subscription will actually end.
type CancelResponse struct {
	EffectiveCancelAt time.Time `json:"effectiveCancelAt"`
}

// CommitmentRefusal is the 403 body for a cancellation blocked by the
// minimum-commitment lock-in.
type CommitmentRefusal struct {
	Reason            string    `json:"reason"`
	CommitmentEndDate time.Time `json:"commitmentEndDate"`
	RemainingMonths   int       `json:"remainingMonths"`
}

// SeatChangeRequest updates the billed seat quantity.
type SeatChangeRequest struct {
	SubscriptionItemID string `json:"subscriptionItemId"`
	NewQuantity        int64  `json:"newQuantity"`
}

// SeatChangeResponse reports the outcome of a seat update. The proration
// amount is in cents and only non-zero when adding seats.
type SeatChangeResponse struct {
	NewQuantity     int64 `json:"newQuantity"`
	ProrationAmount int64 `json:"prorationAmount"`
	IsAdding        bool  `json:"isAdding"`
}

// ErrorResponse is the generic error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
