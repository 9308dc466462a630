package mocks

import (
	"context"
	"sync"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
)

// MockWriteSink records committed writes.
type MockWriteSink struct {
	mu sync.Mutex

	// Function overrides
	WriteChannelFunc func(ctx context.Context, addr domain.ChannelAddress, value interface{}) error

	// Call tracking
	Writes []AppliedValue
}

// NewMockWriteSink creates a new mock sink.
func NewMockWriteSink() *MockWriteSink {
	return &MockWriteSink{}
}

// WriteChannel implements domain.WriteSink.
func (m *MockWriteSink) WriteChannel(ctx context.Context, addr domain.ChannelAddress, value interface{}) error {
	m.mu.Lock()
	m.Writes = append(m.Writes, AppliedValue{Address: addr, Value: value})
	fn := m.WriteChannelFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, addr, value)
	}
	return nil
}

// Recorded returns a copy of the recorded writes.
func (m *MockWriteSink) Recorded() []AppliedValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AppliedValue, len(m.Writes))
	copy(out, m.Writes)
	return out
}
