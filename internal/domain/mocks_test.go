package domain

import (
	"context"
	"sync"
)

// MockWriteSink is a mock implementation of WriteSink for testing
type MockWriteSink struct {
	mu sync.Mutex

	// Configurable response
	WriteChannelFunc func(ctx context.Context, addr ChannelAddress, value interface{}) error

	// Call tracking
	Calls []WriteChannelCall
}

// WriteChannelCall records a call to WriteChannel
type WriteChannelCall struct {
	Address ChannelAddress
	Value   interface{}
}

// NewMockWriteSink creates a new mock sink
func NewMockWriteSink() *MockWriteSink {
	return &MockWriteSink{}
}

// WriteChannel implements WriteSink
func (m *MockWriteSink) WriteChannel(ctx context.Context, addr ChannelAddress, value interface{}) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, WriteChannelCall{Address: addr, Value: value})
	m.mu.Unlock()

	if m.WriteChannelFunc != nil {
		return m.WriteChannelFunc(ctx, addr, value)
	}
	return nil
}

// CallCount returns the number of WriteChannel calls
func (m *MockWriteSink) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
