package billing

import (
	"context"
	"sync"
)

// Transactor runs fn inside a single unit of work. Stores that take part in
// the transaction pick it up from the ctx passed to fn. Returning an error
// from fn rolls every participating store back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type localTxKey struct{}

type localTx struct {
	undo []func()
}

// LocalTransactor serializes units of work with one process-wide mutex.
// Memory stores register undo steps through OnRollback; they are replayed in
// reverse order when fn fails.
type LocalTransactor struct {
	mu sync.Mutex
}

// NewLocalTransactor creates a transactor for in-process wiring.
func NewLocalTransactor() *LocalTransactor {
	return &LocalTransactor{}
}

// WithinTx runs fn while holding the transactor lock. Nested calls join
// the outer unit of work.
func (t *LocalTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(localTxKey{}).(*localTx); ok {
		return fn(ctx)
	}

	hctx, commit := WithCommitHooks(ctx)
	if err := t.run(hctx, fn); err != nil {
		return err
	}
	commit(ctx)
	return nil
}

func (t *LocalTransactor) run(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx := &localTx{}
	if err := fn(context.WithValue(ctx, localTxKey{}, tx)); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

// OnRollback registers an undo step for the unit of work carried by ctx.
// Outside a LocalTransactor it is a no-op.
func OnRollback(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(localTxKey{}).(*localTx); ok && undo != nil {
		tx.undo = append(tx.undo, undo)
	}
}

type commitHooksKey struct{}

type commitHooks struct {
	mu  sync.Mutex
	fns []func(ctx context.Context)
}

// WithCommitHooks prepares ctx for a new unit of work. Transactor
// implementations call the returned commit func once the outermost unit has
// committed; hooks registered through AfterCommit then run in order. A unit
// that fails simply never calls it.
func WithCommitHooks(ctx context.Context) (context.Context, func(ctx context.Context)) {
	h := &commitHooks{}
	return context.WithValue(ctx, commitHooksKey{}, h), func(ctx context.Context) {
		h.mu.Lock()
		fns := h.fns
		h.fns = nil
		h.mu.Unlock()
		for _, fn := range fns {
			fn(ctx)
		}
	}
}

// AfterCommit runs fn once the unit of work carried by ctx commits. Outside
// a unit of work fn runs immediately.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	h, ok := ctx.Value(commitHooksKey{}).(*commitHooks)
	if !ok {
		fn(ctx)
		return
	}
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}
