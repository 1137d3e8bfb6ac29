package queue

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockBroker is a testify mock of Broker.
type MockBroker struct {
	mock.Mock
}

// Publish records the call and returns the configured handle.
func (m *MockBroker) Publish(ctx context.Context, msg Message) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

// Consume returns the configured message.
func (m *MockBroker) Consume(ctx context.Context) (Message, error) {
	args := m.Called(ctx)
	msg, _ := args.Get(0).(Message)
	return msg, args.Error(1)
}

// Ack records the acknowledgement.
func (m *MockBroker) Ack(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// Close records the call.
func (m *MockBroker) Close() error {
	args := m.Called()
	return args.Error(0)
}
