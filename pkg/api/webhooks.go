package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/dmitrymomot/billing/pkg/provider"
	"github.com/dmitrymomot/billing/pkg/webhook"
)

// WebhookResponse acknowledges a processed delivery.
type WebhookResponse struct {
	Outcome webhook.Outcome `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
}

// webhook answers 200 for anything the provider must not resend, 404 for an
// unknown provider, 401 for a bad signature and 422 for everything else so
// the provider retries.
func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.b.fail(w, r, ErrRequestTooLarge)
			return
		}
		h.b.fail(w, r, errors.Join(ErrBadRequest, err))
		return
	}

	res, err := h.deps.Webhooks.Process(r.Context(), webhook.Delivery{
		Provider: pathProvider(r),
		Body:     body,
		Header:   r.Header,
		Query:    r.URL.Query(),
	})
	switch status := StatusFor(err); {
	case err == nil:
		_ = JSON(WebhookResponse{Outcome: res.Outcome, Reason: res.Reason}).Render(w, r)
	case errors.Is(err, provider.ErrUnknownProvider), status == http.StatusUnauthorized:
		h.b.fail(w, r, err)
	default:
		h.b.fail(w, r, errors.Join(ErrUnprocessableEntity, err))
	}
}
