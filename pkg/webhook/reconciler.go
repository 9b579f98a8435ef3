package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billing/pkg/audit"
	"github.com/dmitrymomot/billing/pkg/billing"
	"github.com/dmitrymomot/billing/pkg/ledger"
	"github.com/dmitrymomot/billing/pkg/logger"
	"github.com/dmitrymomot/billing/pkg/provider"
	"github.com/dmitrymomot/billing/pkg/subscription"
)

// Outcome is what processing did with a delivery.
type Outcome string

const (
	// OutcomeApplied means the event changed local state.
	OutcomeApplied Outcome = "applied"
	// OutcomeReplay means the event was processed before.
	OutcomeReplay Outcome = "replay"
	// OutcomeIgnored means the event had nothing left to change.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeRejected means the event contradicts the lifecycle.
	OutcomeRejected Outcome = "rejected"
)

// Delivery is one inbound webhook request.
type Delivery struct {
	Provider billing.Provider
	Body     []byte
	Header   http.Header
	Query    url.Values
}

// Result reports how a delivery was handled.
type Result struct {
	Outcome Outcome
	Key     string
	Event   provider.Event
	// Reason explains rejected and ignored outcomes.
	Reason string
}

// IdempotencyKey identifies an event across deliveries.
func IdempotencyKey(p billing.Provider, reference string, kind provider.Kind) string {
	sum := sha256.Sum256([]byte(string(p) + "|" + reference + "|" + string(kind)))
	return hex.EncodeToString(sum[:])
}

// Reconciler applies provider webhooks.
type Reconciler struct {
	providers *provider.Registry
	subs      *subscription.Manager
	ledger    *ledger.Ledger
	store     Store
	tx        billing.Transactor
	now       func() time.Time
	log       *slog.Logger
	audit     audit.Emitter
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithLogger sets the reconciler logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Reconciler) { r.log = log }
}

// WithAudit sets the audit emitter.
func WithAudit(em audit.Emitter) Option {
	return func(r *Reconciler) { r.audit = em }
}

// NewReconciler creates a Reconciler.
func NewReconciler(providers *provider.Registry, subs *subscription.Manager, l *ledger.Ledger, store Store, tx billing.Transactor, opts ...Option) *Reconciler {
	switch {
	case providers == nil:
		panic("webhook: provider registry is required")
	case subs == nil:
		panic("webhook: subscription manager is required")
	case l == nil:
		panic("webhook: ledger is required")
	case store == nil:
		panic("webhook: store is required")
	case tx == nil:
		panic("webhook: transactor is required")
	}
	r := &Reconciler{
		providers: providers,
		subs:      subs,
		ledger:    l,
		store:     store,
		tx:        tx,
		now:       time.Now,
		log:       logger.Discard(),
		audit:     audit.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process authenticates, parses and applies a delivery. Errors other than
// provider.ErrUnknownProvider and signature failures are recoverable: the
// provider should deliver again.
func (r *Reconciler) Process(ctx context.Context, d Delivery) (Result, error) {
	ad, err := r.providers.Get(d.Provider)
	if err != nil {
		return Result{}, err
	}
	log := r.log.With(logger.Provider(string(d.Provider)))

	if err := ad.VerifySignature(ctx, d.Body, d.Header, d.Query); err != nil {
		log.WarnContext(ctx, "webhook signature rejected", logger.Error(err))
		return Result{}, err
	}

	ev, err := ad.ParseEvent(d.Body)
	if err != nil {
		log.WarnContext(ctx, "malformed webhook", logger.Error(err))
		return Result{}, err
	}
	log = log.With(logger.EventKind(string(ev.Kind)), logger.Reference(ev.Reference))

	res := Result{Event: ev}
	if ev.Kind == provider.KindUnknown {
		res.Outcome, res.Reason = OutcomeIgnored, "event kind is not handled"
		log.DebugContext(ctx, "webhook ignored", slog.String("external_id", ev.ExternalID))
		return res, nil
	}

	res.Key = IdempotencyKey(ev.Provider, ev.Reference, ev.Kind)
	seen, err := r.store.Exists(ctx, res.Key)
	if err != nil {
		return Result{}, err
	}
	if seen {
		res.Outcome = OutcomeReplay
		log.InfoContext(ctx, "webhook replay")
		return res, nil
	}

	err = r.tx.WithinTx(ctx, func(ctx context.Context) error {
		outcome, reason, err := r.apply(ctx, ev)
		if err != nil {
			return err
		}
		res.Outcome, res.Reason = outcome, reason
		return r.store.Insert(ctx, r.record(res))
	})
	switch {
	case err == nil:
	case billing.IsReplay(err):
		res.Outcome, res.Reason = OutcomeReplay, ""
		log.InfoContext(ctx, "webhook replay raced a concurrent delivery")
		return res, nil
	case billing.IsInvalidTransition(err):
		return r.reject(ctx, log, res, err)
	default:
		log.ErrorContext(ctx, "webhook processing failed", logger.Error(err))
		return Result{}, err
	}

	log.InfoContext(ctx, "webhook processed", slog.String("outcome", string(res.Outcome)))
	return res, nil
}

// reject records an event the lifecycle refused, so redeliveries become
// replays. A concurrent delivery that recorded the key first wins and this
// one is reported as a replay.
func (r *Reconciler) reject(ctx context.Context, log *slog.Logger, res Result, cause error) (Result, error) {
	res.Outcome, res.Reason = OutcomeRejected, cause.Error()
	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		return r.store.Insert(ctx, r.record(res))
	})
	switch {
	case billing.IsReplay(err):
		res.Outcome, res.Reason = OutcomeReplay, ""
		log.InfoContext(ctx, "webhook replay raced a concurrent delivery")
		return res, nil
	case err != nil:
		log.ErrorContext(ctx, "failed to record rejected webhook", logger.Error(err))
		return Result{}, err
	}

	log.ErrorContext(ctx, "webhook rejected by lifecycle", logger.Error(cause))
	_ = r.audit.LogError(ctx, audit.ActionWebhookRejected, cause,
		audit.WithResource("webhook", res.Key),
		audit.WithMetadata("provider", string(res.Event.Provider)),
		audit.WithMetadata("kind", string(res.Event.Kind)),
		audit.WithMetadata("reference", res.Event.Reference),
	)
	return res, nil
}

func (r *Reconciler) record(res Result) Record {
	return Record{
		Key:         res.Key,
		Provider:    res.Event.Provider,
		Reference:   res.Event.Reference,
		Kind:        string(res.Event.Kind),
		Outcome:     res.Outcome,
		ProcessedAt: r.now().UTC(),
	}
}

func (r *Reconciler) apply(ctx context.Context, ev provider.Event) (Outcome, string, error) {
	switch ev.Kind {
	case provider.KindPaymentSucceeded:
		return r.paymentSettled(ctx, ev, ledger.StatusPaid)
	case provider.KindPaymentFailed:
		return r.paymentSettled(ctx, ev, ledger.StatusFailed)
	case provider.KindPaymentRefunded:
		return r.paymentRefunded(ctx, ev)
	case provider.KindSubscriptionCanceled:
		return r.subscriptionCanceled(ctx, ev)
	}
	return OutcomeIgnored, "event kind is not handled", nil
}

// paymentSettled resolves the payment an event is about: by provider
// reference first, then by the payment id echoed in metadata. Anything
// else is a charge the provider made on its own, applied as a renewal.
func (r *Reconciler) paymentSettled(ctx context.Context, ev provider.Event, target ledger.Status) (Outcome, string, error) {
	p, found, err := r.findPayment(ctx, ev)
	if err != nil {
		return "", "", err
	}
	if found {
		if p.Status == target {
			return OutcomeIgnored, "payment is already " + string(target), nil
		}
		var res subscription.PaymentResult
		if target == ledger.StatusPaid {
			res, err = r.subs.ConfirmPayment(ctx, p.ID, ev.OccurredAt)
		} else {
			res, err = r.subs.FailPayment(ctx, p.ID, "provider reported the payment failed")
		}
		if err != nil {
			return "", "", err
		}
		if err := r.linkSubscription(ctx, res.Subscription, ev); err != nil {
			return "", "", err
		}
		return OutcomeApplied, "", nil
	}

	sub, err := r.findSubscription(ctx, ev, p.SubscriptionID)
	if err != nil {
		return "", "", err
	}
	charge := subscription.Charge{
		Provider:  ev.Provider,
		Reference: ev.Reference,
		Amount:    ev.Amount,
		Currency:  ev.Currency,
		PaidAt:    ev.OccurredAt,
	}
	var res subscription.PaymentResult
	if target == ledger.StatusPaid {
		res, err = r.subs.Renew(ctx, sub.ID, charge)
	} else {
		charge.Reason = "provider reported the renewal failed"
		res, err = r.subs.FailRenewal(ctx, sub.ID, charge)
	}
	if err != nil {
		return "", "", err
	}
	if err := r.linkSubscription(ctx, res.Subscription, ev); err != nil {
		return "", "", err
	}
	return OutcomeApplied, "", nil
}

// findPayment returns the payment an event settles. found is false when
// the event is a new charge; p may then still carry the subscription the
// metadata pointed at.
func (r *Reconciler) findPayment(ctx context.Context, ev provider.Event) (p ledger.Payment, found bool, err error) {
	p, err = r.ledger.FindByReference(ctx, ev.Provider, ev.Reference)
	switch {
	case err == nil:
		return p, true, nil
	case !errors.Is(err, ledger.ErrPaymentNotFound):
		return ledger.Payment{}, false, err
	}

	id, ok := ev.PaymentID()
	if !ok {
		return ledger.Payment{}, false, nil
	}
	p, err = r.ledger.Get(ctx, id)
	switch {
	case errors.Is(err, ledger.ErrPaymentNotFound):
		return ledger.Payment{}, false, nil
	case err != nil:
		return ledger.Payment{}, false, err
	case p.Provider != ev.Provider:
		return ledger.Payment{}, false, nil
	}

	// A renewal copies the metadata of the first checkout, so a payment
	// that already settled under another reference is not this one.
	if p.ProviderReference != "" && p.ProviderReference != ev.Reference {
		return p, false, nil
	}
	if p.ProviderReference == "" && ev.Reference != "" {
		if p, err = r.ledger.AttachReference(ctx, p.ID, ev.Reference); err != nil {
			return ledger.Payment{}, false, err
		}
	}
	return p, true, nil
}

func (r *Reconciler) findSubscription(ctx context.Context, ev provider.Event, hint *uuid.UUID) (subscription.Subscription, error) {
	if hint != nil {
		return r.subs.Get(ctx, *hint)
	}
	if id, ok := ev.SubscriptionID(); ok {
		sub, err := r.subs.Get(ctx, id)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return subscription.Subscription{}, err
		}
	}
	for _, ref := range []string{ev.SubscriptionReference, ev.Reference} {
		if ref == "" {
			continue
		}
		sub, err := r.subs.FindByReference(ctx, ev.Provider, ref)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return subscription.Subscription{}, err
		}
	}
	return subscription.Subscription{}, ErrUnmatchedEvent
}

// linkSubscription remembers the provider subscription id so later
// cancellations resolve without metadata.
func (r *Reconciler) linkSubscription(ctx context.Context, sub *subscription.Subscription, ev provider.Event) error {
	if sub == nil || ev.SubscriptionReference == "" || sub.ProviderReference != "" {
		return nil
	}
	_, err := r.subs.LinkProviderReference(ctx, sub.ID, ev.SubscriptionReference)
	return err
}

func (r *Reconciler) paymentRefunded(ctx context.Context, ev provider.Event) (Outcome, string, error) {
	p, found, err := r.findPayment(ctx, ev)
	if err != nil {
		return "", "", err
	}
	if !found {
		return "", "", ErrUnmatchedEvent
	}
	if p.Status == ledger.StatusRefunded {
		return OutcomeIgnored, "payment is already refunded", nil
	}
	if _, err := r.subs.RefundPayment(ctx, p.ID, "refunded by provider"); err != nil {
		return "", "", err
	}
	return OutcomeApplied, "", nil
}

func (r *Reconciler) subscriptionCanceled(ctx context.Context, ev provider.Event) (Outcome, string, error) {
	sub, err := r.findSubscription(ctx, ev, nil)
	if err != nil {
		return "", "", err
	}
	if !sub.IsLive() {
		return OutcomeIgnored, "subscription is already " + string(sub.Status), nil
	}
	if _, err := r.subs.CancelSubscription(ctx, sub.ID, false); err != nil {
		return "", "", err
	}
	return OutcomeApplied, "", nil
}
