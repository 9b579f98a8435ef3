package audit_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dmitrymomot/billing/pkg/audit"
)

// MockSink is a mock implementation of audit.Sink.
type MockSink struct {
	mock.Mock
}

func (m *MockSink) Store(ctx context.Context, event audit.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}
