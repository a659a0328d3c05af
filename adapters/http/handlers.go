// Package http provides the HTTP surface: billing webhooks, checkout and
// portal sessions, the account dashboard and the metered usage endpoint.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/velariq/tokengate/adapters/metrics"
	"github.com/velariq/tokengate/app"
	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/domain/plan"
	"github.com/velariq/tokengate/domain/usage"
	"github.com/velariq/tokengate/ports"
)

const (
	maxBodyBytes    = 10 << 10
	maxWebhookBytes = 512 << 10
)

// Handlers serves the metered and billing endpoints.
type Handlers struct {
	meter           *app.Meter
	sync            *app.SubscriptionSync
	dashboard       *app.Dashboard
	data            *app.AccountData
	billing         ports.BillingProvider
	metrics         *metrics.Collector
	logger          zerolog.Logger
	portalReturnURL string
}

// HandlerDeps contains dependencies for Handlers.
type HandlerDeps struct {
	Meter           *app.Meter
	Sync            *app.SubscriptionSync
	Dashboard       *app.Dashboard
	Data            *app.AccountData
	Billing         ports.BillingProvider
	Metrics         *metrics.Collector // optional
	Logger          zerolog.Logger
	PortalReturnURL string
}

// NewHandlers creates the endpoint handlers.
func NewHandlers(deps HandlerDeps) *Handlers {
	return &Handlers{
		meter:           deps.Meter,
		sync:            deps.Sync,
		dashboard:       deps.Dashboard,
		data:            deps.Data,
		billing:         deps.Billing,
		metrics:         deps.Metrics,
		logger:          deps.Logger,
		portalReturnURL: deps.PortalReturnURL,
	}
}

// Webhook verifies and applies a billing event.
// Unverifiable payloads get 400 and ledger outages get 500 so the provider
// redelivers. Everything else is acknowledged.
//
//	@Summary		Billing webhook
//	@Description	Receives signed subscription lifecycle events from the billing provider
//	@Tags			Billing
//	@Accept			json
//	@Produce		json
//	@Param			Stripe-Signature	header		string					true	"Provider signature"
//	@Success		200					{object}	map[string]interface{}	"Event acknowledged"
//	@Failure		400					{object}	ErrorResponse			"Invalid signature or event"
//	@Failure		500					{object}	ErrorResponse			"Ledger unavailable"
//	@Router			/webhook [post]
func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Failed to read request body")
		return
	}

	evt, err := h.billing.ParseEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn().Err(err).Str("provider", h.billing.Name()).Msg("webhook verification failed")
		h.countEvent("unverified", "rejected")
		writeError(w, http.StatusBadRequest, "invalid_event", "Webhook signature verification failed")
		return
	}

	if err := h.sync.Apply(r.Context(), evt); err != nil {
		if errors.Is(err, access.ErrInvalidEvent) {
			h.countEvent(string(evt.Type), "rejected")
			writeError(w, http.StatusBadRequest, "invalid_event", "Malformed billing event")
			return
		}
		h.countEvent(string(evt.Type), "failed")
		writeError(w, http.StatusInternalServerError, "webhook_failed", "Webhook processing failed")
		return
	}

	outcome := "applied"
	if !evt.Type.Handled() {
		outcome = "ignored"
	}
	h.countEvent(string(evt.Type), outcome)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handlers) countEvent(eventType, outcome string) {
	if h.metrics != nil {
		h.metrics.BillingEvents.WithLabelValues(eventType, outcome).Inc()
	}
}

// CheckoutRequest is the body of POST /create-checkout-session.
type CheckoutRequest struct {
	PriceID    string `json:"priceId"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

// CreateCheckoutSession starts a hosted checkout for a plan.
//
//	@Summary		Create checkout session
//	@Tags			Billing
//	@Accept			json
//	@Produce		json
//	@Param			request	body		CheckoutRequest			true	"Price and redirect URLs"
//	@Success		200		{object}	map[string]interface{}	"Session id and URL"
//	@Failure		400		{object}	ErrorResponse			"Missing parameters"
//	@Failure		500		{object}	ErrorResponse			"Provider error"
//	@Router			/create-checkout-session [post]
func (h *Handlers) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}
	if req.PriceID == "" || req.SuccessURL == "" || req.CancelURL == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Missing required parameters")
		return
	}

	id, url, err := h.billing.CreateCheckoutSession(r.Context(), ports.CheckoutRequest{
		PriceID:    req.PriceID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("price_id", req.PriceID).Msg("checkout session failed")
		writeError(w, http.StatusInternalServerError, "checkout_failed", "Failed to create checkout session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "url": url})
}

// CreatePortalSession links the key holder to the billing portal.
//
//	@Summary		Create billing portal session
//	@Tags			Billing
//	@Produce		json
//	@Success		200	{object}	map[string]interface{}	"Portal URL"
//	@Failure		401	{object}	ErrorResponse			"API key required"
//	@Security		ApiKeyAuth
//	@Router			/api/create-portal-session [post]
func (h *Handlers) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	d, _ := DecisionFrom(r.Context())

	customerID, err := h.dashboard.CustomerID(r.Context(), d.AccountID)
	if err != nil {
		writeAccessError(w, err)
		return
	}

	url, err := h.billing.CreatePortalSession(r.Context(), customerID, h.portalReturnURL)
	if err != nil {
		h.logger.Error().Err(err).Str("account_id", d.AccountID).Msg("portal session failed")
		writeError(w, http.StatusInternalServerError, "portal_failed", "Failed to create portal session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// Dashboard returns the key holder's account summary.
//
//	@Summary		Account dashboard
//	@Tags			Account
//	@Produce		json
//	@Success		200	{object}	app.DashboardView
//	@Failure		401	{object}	ErrorResponse	"API key required"
//	@Failure		429	{object}	ErrorResponse	"Token limit exceeded"
//	@Security		ApiKeyAuth
//	@Router			/api/dashboard [get]
func (h *Handlers) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, _ := DecisionFrom(r.Context())

	view, err := h.dashboard.View(r.Context(), d)
	if err != nil {
		h.logger.Error().Err(err).Str("account_id", d.AccountID).Msg("dashboard unavailable")
		writeAccessError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ExportAccount returns everything stored about the key holder.
//
//	@Summary		Export account data
//	@Tags			Account
//	@Produce		json
//	@Success		200	{object}	app.AccountExport
//	@Failure		401	{object}	ErrorResponse	"API key required"
//	@Security		ApiKeyAuth
//	@Router			/api/gdpr/export [get]
func (h *Handlers) ExportAccount(w http.ResponseWriter, r *http.Request) {
	d, _ := DecisionFrom(r.Context())

	out, err := h.data.Export(r.Context(), d.AccountID)
	if err != nil {
		h.logger.Error().Err(err).Str("account_id", d.AccountID).Msg("account export failed")
		writeAccessError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteAccountRequest is the body of DELETE /api/gdpr/delete.
type DeleteAccountRequest struct {
	Confirm string `json:"confirm"`
}

// DeleteAccount cancels the key holder's subscription and erases the account.
//
//	@Summary		Delete account
//	@Description	Cancels the subscription and erases the account. The body must confirm with DELETE_MY_ACCOUNT.
//	@Tags			Account
//	@Accept			json
//	@Produce		json
//	@Param			request	body		DeleteAccountRequest	true	"Confirmation"
//	@Success		200		{object}	map[string]interface{}	"Account deleted"
//	@Failure		400		{object}	ErrorResponse			"Confirmation required"
//	@Failure		500		{object}	ErrorResponse			"Subscription could not be canceled"
//	@Security		ApiKeyAuth
//	@Router			/api/gdpr/delete [delete]
func (h *Handlers) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	d, _ := DecisionFrom(r.Context())

	var req DeleteAccountRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}

	err := h.data.Delete(r.Context(), d.AccountID, req.Confirm)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Account deleted"})
	case errors.Is(err, access.ErrNotConfirmed), errors.Is(err, access.ErrStoreUnavailable):
		writeAccessError(w, err)
	default:
		writeError(w, http.StatusInternalServerError, "delete_failed", "Failed to cancel subscription")
	}
}

// UsageRequest is the body of POST /api/usage. A workflow is costed first,
// then operation workflow.create, then an explicit token amount.
type UsageRequest struct {
	Tokens    int64          `json:"tokens,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Workflow  *plan.Workflow `json:"workflow,omitempty"`
}

// UsageResponse reports a recorded charge.
type UsageResponse struct {
	Success         bool  `json:"success"`
	TokensConsumed  int64 `json:"tokensConsumed"`
	TokensUsed      int64 `json:"tokensUsed"`
	RemainingTokens int64 `json:"remainingTokens"`
	Recorded        bool  `json:"recorded"`
}

func (u UsageRequest) cost() (int64, string) {
	switch {
	case u.Workflow != nil:
		return plan.RunCost(*u.Workflow), usage.OpWorkflowRun
	case u.Operation == usage.OpWorkflowCreate:
		return plan.CreateCost, usage.OpWorkflowCreate
	case u.Operation != "":
		return u.Tokens, u.Operation
	default:
		return u.Tokens, usage.OpCharge
	}
}

// RecordUsage charges the caller for one metered operation.
//
//	@Summary		Record usage
//	@Description	Charges tokens for an explicit amount, a workflow creation or a workflow run
//	@Tags			Account
//	@Accept			json
//	@Produce		json
//	@Param			request	body		UsageRequest	true	"Operation to charge"
//	@Success		200		{object}	UsageResponse
//	@Failure		400		{object}	ErrorResponse	"Invalid charge"
//	@Failure		429		{object}	ErrorResponse	"Insufficient tokens"
//	@Failure		503		{object}	ErrorResponse	"Charge could not be recorded"
//	@Security		ApiKeyAuth
//	@Router			/api/usage [post]
func (h *Handlers) RecordUsage(w http.ResponseWriter, r *http.Request) {
	d, _ := DecisionFrom(r.Context())

	var req UsageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}

	cost, op := req.cost()
	if cost <= 0 {
		writeAccessError(w, access.ErrInvalidCharge)
		return
	}

	if !d.CanAfford(cost) {
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error: "Insufficient tokens",
			Code:  access.ReasonInsufficientQuota,
			Used:  d.TokensUsed,
			Limit: d.TokensAllocated,
		})
		return
	}

	total, err := h.meter.Charge(r.Context(), d.AccountID, cost, op)
	recorded := err == nil
	switch {
	case errors.Is(err, access.ErrInvalidCharge):
		writeAccessError(w, err)
		return
	case err != nil && h.meter.FailRequest(d, cost):
		h.countChargeFailure("rejected")
		writeAccessError(w, err)
		return
	case err != nil:
		h.countChargeFailure("admitted")
		h.logger.Warn().
			Err(err).
			Str("account_id", d.AccountID).
			Int64("tokens", cost).
			Str("policy", string(h.meter.Policy())).
			Msg("charge not recorded, request admitted")
		total = d.TokensUsed + cost
	default:
		if h.metrics != nil {
			h.metrics.TokensCharged.WithLabelValues(op).Add(float64(cost))
		}
	}

	remaining := d.TokensAllocated - total
	if remaining < 0 {
		remaining = 0
	}
	writeJSON(w, http.StatusOK, UsageResponse{
		Success:         true,
		TokensConsumed:  cost,
		TokensUsed:      total,
		RemainingTokens: remaining,
		Recorded:        recorded,
	})
}

func (h *Handlers) countChargeFailure(action string) {
	if h.metrics != nil {
		h.metrics.ChargeFailures.WithLabelValues(action).Inc()
	}
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	checks map[string]HealthCheck
	logger zerolog.Logger
}

// NewHealthHandler creates a new health handler over named checks.
func NewHealthHandler(checks map[string]HealthCheck, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logger}
}

// Liveness returns a simple liveness check.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness pings every dependency. Failures name the dependency only.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Error().Err(err).Str("dependency", name).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"failed": name,
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}
