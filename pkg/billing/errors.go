package billing

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrIdempotencyReplay reports that an event was already applied.
// It signals a deliberate no-op, never a failure.
var ErrIdempotencyReplay = errors.New("event already processed")

// ValidationError represents field validation errors.
// It's based on url.Values to leverage built-in string slice handling.
type ValidationError url.Values

// NewValidationError creates an empty validation error.
func NewValidationError() ValidationError {
	return make(ValidationError)
}

// Error returns a deterministic summary of the failing fields.
func (e ValidationError) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}

	fields := make([]string, 0, len(e))
	for field := range e {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		if msgs := e[field]; len(msgs) > 0 {
			parts = append(parts, fmt.Sprintf("%s: %s", field, msgs[0]))
		}
	}
	return "validation error: " + strings.Join(parts, ", ")
}

// Add appends a message for a field.
func (e ValidationError) Add(field, message string) {
	url.Values(e).Add(field, message)
}

// Has reports whether a field has any messages.
func (e ValidationError) Has(field string) bool {
	return len(e[field]) > 0
}

// IsEmpty returns true if there are no validation errors.
func (e ValidationError) IsEmpty() bool {
	return len(e) == 0
}

// OrNil returns nil when no field failed, so it can be returned directly.
func (e ValidationError) OrNil() error {
	if e.IsEmpty() {
		return nil
	}
	return e
}

// NewFieldError is a shortcut for a single failing field.
func NewFieldError(field, message string) ValidationError {
	e := NewValidationError()
	e.Add(field, message)
	return e
}

// ProviderError wraps a failed call to a remote payment provider.
// StatusCode is zero for network failures and timeouts.
type ProviderError struct {
	Provider   Provider
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError builds a ProviderError for the given operation.
func NewProviderError(p Provider, op string, status int, err error) *ProviderError {
	return &ProviderError{Provider: p, Op: op, StatusCode: status, Err: err}
}

// SignatureVerificationError rejects a webhook delivery. Reason is meant for
// server logs only and must never be echoed to the caller.
type SignatureVerificationError struct {
	Provider Provider
	Reason   string
}

func (e *SignatureVerificationError) Error() string {
	return fmt.Sprintf("webhook signature verification failed for provider %s", e.Provider)
}

// NewSignatureError builds a SignatureVerificationError.
func NewSignatureError(p Provider, reason string) *SignatureVerificationError {
	return &SignatureVerificationError{Provider: p, Reason: reason}
}

// InvalidTransitionError is returned when a state machine has no edge for
// the requested event. The record it refers to is left untouched.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	Event  string
}

func (e *InvalidTransitionError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("invalid %s transition: %s %s cannot handle %q", e.Entity, e.ID, e.From, e.Event)
	}
	return fmt.Sprintf("invalid %s transition: %s cannot handle %q", e.Entity, e.From, e.Event)
}

// QuotaExceededError reports a denied usage request.
type QuotaExceededError struct {
	PeriodKey string
	Limit     int64
	Used      int64
	Requested int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for period %s: used %d of %d, requested %d", e.PeriodKey, e.Used, e.Limit, e.Requested)
}

// AsValidationError extracts a ValidationError from err.
func AsValidationError(err error) (ValidationError, bool) {
	var ve ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	_, ok := AsValidationError(err)
	return ok
}

// IsProviderError reports whether err carries a ProviderError.
func IsProviderError(err error) bool {
	var e *ProviderError
	return errors.As(err, &e)
}

// IsSignatureError reports whether err carries a SignatureVerificationError.
func IsSignatureError(err error) bool {
	var e *SignatureVerificationError
	return errors.As(err, &e)
}

// IsInvalidTransition reports whether err carries an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

// IsQuotaExceeded reports whether err carries a QuotaExceededError.
func IsQuotaExceeded(err error) bool {
	var e *QuotaExceededError
	return errors.As(err, &e)
}

// IsReplay reports whether err marks an idempotent replay.
func IsReplay(err error) bool {
	return errors.Is(err, ErrIdempotencyReplay)
}
