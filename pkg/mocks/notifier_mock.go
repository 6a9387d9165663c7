package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/heraerp/playbook/pkg/notifier"
)

// MockNotifier is a mock implementation of the notifier.Notifier interface.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Send(ctx context.Context, notification notifier.Notification) error {
	args := m.Called(ctx, notification)

	return args.Error(0)
}
