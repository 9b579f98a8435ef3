package audit_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billing/pkg/audit"
)

func TestEmitter_Log(t *testing.T) {
	t.Parallel()

	sink := audit.NewMemorySink()
	em := audit.NewEmitter(sink)
	ctx := audit.WithActor(context.Background(), "admin:42")

	err := em.Log(ctx, audit.ActionPaymentStatus,
		audit.WithResource("payment", "p-1"),
		audit.WithAccount("acc-1"),
		audit.WithMetadata("to", "paid"),
	)
	require.NoError(t, err)

	events := sink.Events()
	require.Len(t, events, 1)
	e := events[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, audit.ResultSuccess, e.Result)
	assert.Equal(t, "admin:42", e.Actor)
	assert.Equal(t, "payment", e.Resource)
	assert.Equal(t, "acc-1", e.AccountID)
	assert.Equal(t, "paid", e.Metadata["to"])
	assert.False(t, e.CreatedAt.IsZero())
}

func TestEmitter_LogError(t *testing.T) {
	t.Parallel()

	sink := audit.NewMemorySink()
	em := audit.NewEmitter(sink)

	require.NoError(t, em.LogError(context.Background(), audit.ActionWebhookRejected, errors.New("invalid transition")))
	e := sink.Events()[0]
	assert.Equal(t, audit.ResultError, e.Result)
	assert.Equal(t, "invalid transition", e.Error)
}

func TestEmitter_Validation(t *testing.T) {
	t.Parallel()

	em := audit.NewEmitter(audit.NewMemorySink())
	err := em.Log(context.Background(), "")
	assert.ErrorIs(t, err, audit.ErrEventValidation)

	assert.Panics(t, func() { audit.NewEmitter(nil) })
}

func TestSlogSink(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	em := audit.NewEmitter(audit.NewSlogSink(slog.New(slog.NewTextHandler(&buf, nil))))
	require.NoError(t, em.Log(context.Background(), audit.ActionUsageReset, audit.WithAccount("acc-9")))

	assert.Contains(t, buf.String(), "action=usage.reset")
	assert.Contains(t, buf.String(), "account_id=acc-9")
}

func TestNop(t *testing.T) {
	t.Parallel()
	assert.NoError(t, audit.Nop().Log(context.Background(), ""))
}

func TestEmitter_SinkFailure(t *testing.T) {
	t.Parallel()

	sinkErr := errors.New("sink unavailable")
	sink := &MockSink{}
	sink.On("Store", mock.Anything, mock.MatchedBy(func(e audit.Event) bool {
		return e.Action == audit.ActionPaymentStatus && e.Result == audit.ResultError && e.Error == "declined"
	})).Return(sinkErr).Once()

	em := audit.NewEmitter(sink)
	err := em.LogError(context.Background(), audit.ActionPaymentStatus, errors.New("declined"))
	require.ErrorIs(t, err, sinkErr)
	sink.AssertExpectations(t)
}

func TestEmitter_InvalidEventSkipsSink(t *testing.T) {
	t.Parallel()

	sink := &MockSink{}
	em := audit.NewEmitter(sink)
	require.ErrorIs(t, em.Log(context.Background(), ""), audit.ErrEventValidation)
	sink.AssertNotCalled(t, "Store", mock.Anything, mock.Anything)
}
