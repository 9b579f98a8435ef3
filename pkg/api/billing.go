package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/ledger"
	"github.com/dmitrymomot/billing/pkg/subscription"
)

type none struct{}

type checkoutRequest struct {
	PlanID     string `json:"plan_id" validate:"required,uuid"`
	Provider   string `json:"provider" validate:"omitempty,oneof=manual card wallet"`
	Email      string `json:"email" validate:"omitempty,email"`
	SuccessURL string `json:"success_url" validate:"omitempty,url"`
}

type cancelRequest struct {
	AtPeriodEnd bool `json:"at_period_end"`
}

type changePlanRequest struct {
	PlanID     string `json:"plan_id" validate:"required,uuid"`
	Immediate  bool   `json:"immediate"`
	Email      string `json:"email" validate:"omitempty,email"`
	SuccessURL string `json:"success_url" validate:"omitempty,url"`
}

type reactivateRequest struct {
	Email      string `json:"email" validate:"omitempty,email"`
	SuccessURL string `json:"success_url" validate:"omitempty,url"`
}

type consumeRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

// CheckoutResponse is returned by every call that may open a checkout.
type CheckoutResponse struct {
	CheckoutURL    *string             `json:"checkout_url"`
	SubscriptionID uuid.UUID           `json:"subscription_id"`
	PaymentID      *uuid.UUID          `json:"payment_id"`
	Status         subscription.Status `json:"status"`
	PaymentStatus  *ledger.Status      `json:"payment_status"`
	QRCode         []byte              `json:"qr_code,omitempty"`
}

func newCheckoutResponse(res subscription.CheckoutResult) CheckoutResponse {
	out := CheckoutResponse{
		CheckoutURL:    res.CheckoutURL,
		SubscriptionID: res.Subscription.ID,
		Status:         res.Subscription.Status,
		QRCode:         res.QRCode,
	}
	if res.Payment != nil {
		out.PaymentID = &res.Payment.ID
		out.PaymentStatus = &res.Payment.Status
	}
	return out
}

// ChangePlanResponse extends CheckoutResponse with what the change did.
type ChangePlanResponse struct {
	CheckoutResponse
	Scheduled  bool                        `json:"scheduled"`
	Proration  *subscription.Proration     `json:"proration,omitempty"`
	Comparison subscription.PlanComparison `json:"comparison"`
}

// SubscriptionResponse is the account's current subscription and plan.
type SubscriptionResponse struct {
	Subscription subscription.Subscription `json:"subscription"`
	Plan         subscription.Plan         `json:"plan"`
}

func checkoutOptions(email, successURL string) []subscription.CheckoutOption {
	var opts []subscription.CheckoutOption
	if email != "" {
		opts = append(opts, subscription.WithEmail(email))
	}
	if successURL != "" {
		opts = append(opts, subscription.WithSuccessURL(successURL))
	}
	return opts
}

func account(r *http.Request) uuid.UUID {
	id, _ := AccountFromContext(r.Context())
	return id
}

func (h *handlers) plans(r *http.Request, _ none) Response {
	all, err := h.deps.Catalog.List(r.Context(), false)
	if err != nil {
		return h.b.Fail(err)
	}
	out := make([]subscription.Plan, 0, len(all))
	for _, p := range all {
		if p.Available() {
			out = append(out, p)
		}
	}
	return JSON(out)
}

func (h *handlers) checkout(r *http.Request, req checkoutRequest) Response {
	res, err := h.deps.Subscriptions.Subscribe(r.Context(), account(r), uuid.MustParse(req.PlanID),
		billing.Provider(req.Provider), checkoutOptions(req.Email, req.SuccessURL)...)
	if err != nil {
		return h.b.Fail(err)
	}
	return JSON(newCheckoutResponse(res), WithStatus(http.StatusCreated))
}

func (h *handlers) cancel(r *http.Request, req cancelRequest) Response {
	sub, err := h.deps.Subscriptions.Cancel(r.Context(), account(r), req.AtPeriodEnd)
	if err != nil {
		return h.b.Fail(err)
	}
	return JSON(sub)
}

func (h *handlers) changePlan(r *http.Request, req changePlanRequest) Response {
	res, err := h.deps.Subscriptions.ChangePlan(r.Context(), account(r), uuid.MustParse(req.PlanID),
		req.Immediate, checkoutOptions(req.Email, req.SuccessURL)...)
	if err != nil {
		return h.b.Fail(err)
	}
	return JSON(ChangePlanResponse{
		CheckoutResponse: newCheckoutResponse(res.CheckoutResult),
		Scheduled:        res.Scheduled,
		Proration:        res.Proration,
		Comparison:       res.Comparison,
	})
}

func (h *handlers) reactivate(r *http.Request, req reactivateRequest) Response {
	res, err := h.deps.Subscriptions.Reactivate(r.Context(), account(r), checkoutOptions(req.Email, req.SuccessURL)...)
	if err != nil {
		return h.b.Fail(err)
	}
	return JSON(newCheckoutResponse(res))
}

func (h *handlers) subscription(r *http.Request, _ none) Response {
	sub, err := h.deps.Subscriptions.Current(r.Context(), account(r))
	if err != nil {
		return h.b.Fail(err)
	}
	plan, err := h.deps.Subscriptions.Plan(r.Context(), sub)
	if err != nil {
		return h.b.Fail(err)
	}
	return JSON(SubscriptionResponse{Subscription: sub, Plan: plan})
}

func (h *handlers) payments(r *http.Request, _ none) Response {
	list, err := h.deps.Ledger.ListByAccount(r.Context(), account(r))
	if err != nil {
		return h.b.Fail(err)
	}
	if list == nil {
		list = []ledger.Payment{}
	}
	return JSON(list)
}

func (h *handlers) usage(r *http.Request, _ none) Response {
	u, err := h.deps.Usage.Snapshot(r.Context(), account(r))
	if err != nil {
		return h.b.Fail(err)
	}
	return JSON(u)
}

func (h *handlers) consume(r *http.Request, req consumeRequest) Response {
	d, err := h.deps.Usage.Consume(r.Context(), account(r), req.Amount)
	switch {
	case err == nil:
		return JSON(d)
	case billing.IsQuotaExceeded(err):
		return JSONError(err, WithData(d))
	}
	return h.b.Fail(err)
}
