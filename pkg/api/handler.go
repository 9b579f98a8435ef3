package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/logger"
	"github.com/dmitrymomot/billing/pkg/requestid"
)

// HandlerFunc handles a request whose JSON body was decoded into R and
// validated.
type HandlerFunc[R any] func(r *http.Request, req R) Response

// Binder decodes and checks request bodies.
type Binder struct {
	validate *validator.Validate
	maxBody  int64
	log      *slog.Logger
}

func newBinder(maxBody int64, log *slog.Logger) *Binder {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Binder{validate: v, maxBody: maxBody, log: log}
}

// Wrap converts a typed handler into an http.HandlerFunc. An empty body
// leaves R at its zero value before validation.
func Wrap[R any](b *Binder, h HandlerFunc[R]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req R
		if err := b.bind(w, r, &req); err != nil {
			b.fail(w, r, err)
			return
		}
		resp := h(r, req)
		if resp == nil {
			b.fail(w, r, ErrNilResponse)
			return
		}
		if err := resp.Render(w, r); err != nil {
			b.log.ErrorContext(r.Context(), "failed to render response", logger.Error(err))
		}
	}
}

func (b *Binder) bind(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body != nil && r.ContentLength != 0 {
		if err := b.decode(w, r, v); err != nil {
			return err
		}
	}
	if err := b.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return translate(verrs)
		}
		// Structs without fields to check report InvalidValidationError.
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return nil
		}
		return err
	}
	return nil
}

func (b *Binder) decode(w http.ResponseWriter, r *http.Request, v any) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return ErrUnsupportedMediaType
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, b.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ErrRequestTooLarge
		}
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: unexpected data after JSON object", ErrInvalidJSON)
	}
	return nil
}

func (b *Binder) fail(w http.ResponseWriter, r *http.Request, err error) {
	resp := JSONError(err)
	status := StatusFor(err)
	level := slog.LevelWarn
	switch {
	case status >= http.StatusInternalServerError:
		level = slog.LevelError
	case status == http.StatusTooManyRequests, status == http.StatusNotFound:
		level = slog.LevelDebug
	}
	b.log.LogAttrs(r.Context(), level, "request failed",
		logger.RequestID(requestid.FromContext(r.Context())),
		logger.Error(err),
		slog.Int("status", status),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)
	if rerr := resp.Render(w, r); rerr != nil {
		b.log.ErrorContext(r.Context(), "failed to render error", logger.Error(rerr))
	}
}

// Fail renders err and logs it at a level matching its status.
func (b *Binder) Fail(err error) Response {
	return failure{b: b, err: err}
}

type failure struct {
	b   *Binder
	err error
}

func (f failure) Render(w http.ResponseWriter, r *http.Request) error {
	f.b.fail(w, r, f.err)
	return nil
}

func translate(verrs validator.ValidationErrors) billing.ValidationError {
	out := billing.NewValidationError()
	for _, fe := range verrs {
		out.Add(fieldPath(fe), message(fe))
	}
	return out
}

// fieldPath drops the root struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid", "uuid4":
		return "must be a valid UUID"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "email":
		return "must be a valid email address"
	case "url", "http_url":
		return "must be a valid URL"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte", "min":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	}
	return "failed the " + fe.Tag() + " check"
}
