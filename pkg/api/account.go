package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// HeaderAccountID carries the caller's account when authentication runs
// in front of the engine.
const HeaderAccountID = "X-Account-ID"

// AccountResolver identifies the account a request acts for.
type AccountResolver interface {
	ResolveAccount(r *http.Request) (uuid.UUID, error)
}

// AccountResolverFunc adapts a function to AccountResolver.
type AccountResolverFunc func(r *http.Request) (uuid.UUID, error)

func (f AccountResolverFunc) ResolveAccount(r *http.Request) (uuid.UUID, error) {
	return f(r)
}

// HeaderAccount trusts the X-Account-ID header set by an upstream gateway.
func HeaderAccount() AccountResolver {
	return AccountResolverFunc(func(r *http.Request) (uuid.UUID, error) {
		raw := r.Header.Get(HeaderAccountID)
		if raw == "" {
			return uuid.Nil, ErrMissingAccount
		}
		id, err := uuid.Parse(raw)
		if err != nil || id == uuid.Nil {
			return uuid.Nil, ErrMissingAccount
		}
		return id, nil
	})
}

type accountKey struct{}

// WithAccount stores the account id in ctx.
func WithAccount(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, accountKey{}, id)
}

// AccountFromContext returns the account set by the account middleware.
func AccountFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(accountKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

func requireAccount(res AccountResolver, b *Binder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := res.ResolveAccount(r)
			if err != nil {
				if !errors.Is(err, ErrMissingAccount) {
					err = errors.Join(ErrMissingAccount, err)
				}
				b.fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), id)))
		})
	}
}
