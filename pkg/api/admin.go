package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/gateway"
	"github.com/dmitrymomot/billing/pkg/provider"
)

// gatewayTestTimeout bounds a credential check against a provider.
const gatewayTestTimeout = 10 * time.Second

type gatewayRequest struct {
	Enabled     *bool             `json:"enabled"`
	SandboxMode *bool             `json:"sandbox_mode"`
	Endpoint    *string           `json:"endpoint" validate:"omitempty,url"`
	Secrets     map[string]string `json:"secrets" validate:"omitempty,dive,keys,oneof=api_key webhook_secret client_id client_secret,endkeys"`
	Clear       []string          `json:"clear" validate:"omitempty,dive,oneof=api_key webhook_secret client_id client_secret"`
}

func (g gatewayRequest) update() gateway.Update {
	upd := gateway.Update{Enabled: g.Enabled, SandboxMode: g.SandboxMode, Endpoint: g.Endpoint}
	if len(g.Secrets) > 0 {
		upd.Secrets = make(map[gateway.Field]string, len(g.Secrets))
		for k, v := range g.Secrets {
			upd.Secrets[gateway.Field(k)] = v
		}
	}
	for _, f := range g.Clear {
		upd.Clear = append(upd.Clear, gateway.Field(f))
	}
	return upd
}

type confirmRequest struct {
	PaidAt *time.Time `json:"paid_at"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type manualPaymentRequest struct {
	Amount int64  `json:"amount" validate:"gte=0"`
	Notes  string `json:"notes" validate:"max=500"`
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, billing.NewFieldError(name, "must be a valid UUID")
	}
	return id, nil
}

func pathProvider(r *http.Request) billing.Provider {
	return billing.Provider(chi.URLParam(r, "provider"))
}

func (h *handlers) listGateways(r *http.Request, _ none) Response {
	list, err := h.deps.Gateways.List(r.Context())
	if err != nil {
		return h.b.Fail(err)
	}
	return JSON(list)
}

func (h *handlers) getGateway(r *http.Request, _ none) Response {
	m, err := h.deps.Gateways.Settings(r.Context(), pathProvider(r))
	if err != nil {
		return h.b.Fail(err)
	}
	return JSON(m)
}

func (h *handlers) updateGateway(r *http.Request, req gatewayRequest) Response {
	m, err := h.deps.Gateways.Update(r.Context(), pathProvider(r), req.update())
	if err != nil {
		return h.b.Fail(err)
	}
	return JSON(m)
}

// testGateway runs the adapter's credential check and stores the outcome.
// A failed check is a successful request: the result is in the body.
func (h *handlers) testGateway(r *http.Request, _ none) Response {
	p := pathProvider(r)
	ad, err := h.deps.Providers.Get(p)
	if err != nil {
		return h.b.Fail(err)
	}
	tester, ok := ad.(provider.Tester)
	if !ok {
		return h.b.Fail(ErrTesterUnsupported)
	}

	ctx, cancel := context.WithTimeout(r.Context(), gatewayTestTimeout)
	defer cancel()
	testErr := tester.TestConnection(ctx)
	msg := "ok"
	if testErr != nil {
		msg = testErr.Error()
	}
	if err := h.deps.Gateways.RecordTest(r.Context(), p, testErr == nil, msg); err != nil {
		return h.b.Fail(err)
	}

	m, err := h.deps.Gateways.Settings(r.Context(), p)
	if err != nil {
		return h.b.Fail(err)
	}
	return JSON(m)
}

func (h *handlers) confirmPayment(r *http.Request, req confirmRequest) Response {
	id, err := pathUUID(r, "id")
	if err != nil {
		return h.b.Fail(err)
	}
	var paidAt time.Time
	if req.PaidAt != nil {
		paidAt = *req.PaidAt
	}
	res, err := h.deps.Subscriptions.ConfirmPayment(r.Context(), id, paidAt)
	if err != nil {
		return h.b.Fail(err)
	}
	return JSON(res)
}

func (h *handlers) failPayment(r *http.Request, req reasonRequest) Response {
	id, err := pathUUID(r, "id")
	if err != nil {
		return h.b.Fail(err)
	}
	reason := req.Reason
	if reason == "" {
		reason = "marked failed by an administrator"
	}
	res, err := h.deps.Subscriptions.FailPayment(r.Context(), id, reason)
	if err != nil {
		return h.b.Fail(err)
	}
	return JSON(res)
}

func (h *handlers) refundPayment(r *http.Request, req reasonRequest) Response {
	id, err := pathUUID(r, "id")
	if err != nil {
		return h.b.Fail(err)
	}
	reason := req.Reason
	if reason == "" {
		reason = "refunded by an administrator"
	}
	res, err := h.deps.Subscriptions.RefundPayment(r.Context(), id, reason)
	if err != nil {
		return h.b.Fail(err)
	}
	return JSON(res)
}

func (h *handlers) adminCancel(r *http.Request, req cancelRequest) Response {
	id, err := pathUUID(r, "id")
	if err != nil {
		return h.b.Fail(err)
	}
	sub, err := h.deps.Subscriptions.CancelSubscription(r.Context(), id, req.AtPeriodEnd)
	if err != nil {
		return h.b.Fail(err)
	}
	return JSON(sub)
}

func (h *handlers) manualPayment(r *http.Request, req manualPaymentRequest) Response {
	id, err := pathUUID(r, "id")
	if err != nil {
		return h.b.Fail(err)
	}
	p, err := h.deps.Subscriptions.RecordManualPayment(r.Context(), id, req.Amount, req.Notes)
	if err != nil {
		return h.b.Fail(err)
	}
	return JSON(p, WithStatus(http.StatusCreated))
}

func (h *handlers) resetUsage(r *http.Request, _ none) Response {
	id, err := pathUUID(r, "account")
	if err != nil {
		return h.b.Fail(err)
	}
	if err := h.deps.Usage.Reset(r.Context(), id); err != nil {
		return h.b.Fail(err)
	}
	u, err := h.deps.Usage.Snapshot(r.Context(), id)
	if err != nil {
		return h.b.Fail(err)
	}
	return JSON(u)
}
