package api

import (
	"encoding/json"
	"errors"
	"maps"
	"net/http"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/gateway"
	"github.com/dmitrymomot/billing/pkg/ledger"
	"github.com/dmitrymomot/billing/pkg/provider"
	"github.com/dmitrymomot/billing/pkg/subscription"
	"github.com/dmitrymomot/billing/pkg/usage"
)

// Response renders itself to an http.ResponseWriter.
type Response interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// Envelope is the body of every JSON response.
type Envelope struct {
	Data  any          `json:"data,omitempty"`
	Error *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Code    string              `json:"code"`
	Message string              `json:"message,omitempty"`
	Details map[string][]string `json:"details,omitempty"`
}

type jsonResponse struct {
	status int
	body   Envelope
}

func (j jsonResponse) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(j.status)
	return json.NewEncoder(w).Encode(j.body)
}

// JSONOption configures a JSON response.
type JSONOption func(*jsonResponse)

// WithStatus sets the HTTP status code.
func WithStatus(status int) JSONOption {
	return func(r *jsonResponse) { r.status = status }
}

// WithData attaches a payload to an error response.
func WithData(v any) JSONOption {
	return func(r *jsonResponse) { r.body.Data = v }
}

// JSON wraps v in the data envelope.
func JSON(v any, opts ...JSONOption) Response {
	r := &jsonResponse{status: http.StatusOK, body: Envelope{Data: v}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// JSONError renders err in the error envelope with the status it maps to.
func JSONError(err error, opts ...JSONOption) Response {
	r := &jsonResponse{}
	r.body.Error = errorToDetail(err, &r.status)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StatusFor returns the HTTP status an error maps to.
func StatusFor(err error) int {
	var status int
	errorToDetail(err, &status)
	return status
}

func errorToDetail(err error, status *int) *ErrorDetail {
	if verr, ok := billing.AsValidationError(err); ok {
		*status = http.StatusUnprocessableEntity
		d := &ErrorDetail{Code: "validation_error", Message: "validation failed"}
		if len(verr) > 0 {
			d.Details = make(map[string][]string, len(verr))
			maps.Copy(d.Details, verr)
		}
		return d
	}

	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		*status = httpErr.Code
		return &ErrorDetail{Code: httpErr.Key, Message: http.StatusText(httpErr.Code)}
	}

	var quota *billing.QuotaExceededError
	if errors.As(err, &quota) {
		*status = http.StatusTooManyRequests
		return &ErrorDetail{Code: "quota_exceeded", Message: quota.Error()}
	}

	// Order matters: a missing period is reported together with the
	// subscription lookup that failed.
	switch {
	case billing.IsSignatureError(err):
		*status = http.StatusUnauthorized
		return &ErrorDetail{Code: "invalid_signature", Message: http.StatusText(http.StatusUnauthorized)}
	case errors.Is(err, ErrMissingAccount):
		*status = http.StatusUnauthorized
		return &ErrorDetail{Code: "unauthorized", Message: err.Error()}
	case errors.Is(err, usage.ErrNoActivePeriod):
		*status = http.StatusPaymentRequired
		return &ErrorDetail{Code: "no_active_subscription", Message: err.Error()}
	case errors.Is(err, ErrInvalidJSON):
		*status = http.StatusBadRequest
		return &ErrorDetail{Code: "bad_request", Message: err.Error()}
	case billing.IsInvalidTransition(err):
		*status = http.StatusConflict
		return &ErrorDetail{Code: "invalid_transition", Message: err.Error()}
	case errors.Is(err, subscription.ErrLiveSubscriptionExists),
		errors.Is(err, subscription.ErrConcurrentChange),
		errors.Is(err, subscription.ErrPlanInUse),
		errors.Is(err, subscription.ErrSlugTaken),
		errors.Is(err, ledger.ErrReferenceConflict),
		errors.Is(err, ledger.ErrDuplicateReference):
		*status = http.StatusConflict
		return &ErrorDetail{Code: "conflict", Message: err.Error()}
	case errors.Is(err, subscription.ErrSubscriptionNotFound),
		errors.Is(err, subscription.ErrPlanNotFound),
		errors.Is(err, ledger.ErrPaymentNotFound),
		errors.Is(err, gateway.ErrSettingNotFound),
		errors.Is(err, provider.ErrUnknownProvider):
		*status = http.StatusNotFound
		return &ErrorDetail{Code: "not_found", Message: err.Error()}
	case errors.Is(err, subscription.ErrPlanUnavailable),
		errors.Is(err, subscription.ErrNotRenewable),
		errors.Is(err, gateway.ErrProviderDisabled),
		errors.Is(err, gateway.ErrMissingCredential),
		errors.Is(err, ErrTesterUnsupported):
		*status = http.StatusUnprocessableEntity
		return &ErrorDetail{Code: "unprocessable_entity", Message: err.Error()}
	case billing.IsProviderError(err):
		*status = http.StatusBadGateway
		return &ErrorDetail{Code: "provider_error", Message: err.Error()}
	}

	*status = http.StatusInternalServerError
	return &ErrorDetail{Code: "internal_error", Message: http.StatusText(http.StatusInternalServerError)}
}

type emptyResponse struct {
	status int
}

func (e emptyResponse) Render(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(e.status)
	return nil
}

// NoContent renders an empty 204 response.
func NoContent() Response {
	return emptyResponse{status: http.StatusNoContent}
}
