// Package mocks provides mock implementations for testing.
package mocks

import (
	"fmt"
	"sync"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
)

// MockChannelStore is an in-memory ChannelStore.
type MockChannelStore struct {
	mu sync.Mutex

	// Function overrides
	ApplyConfigValueFunc func(addr domain.ChannelAddress, value interface{}) error

	// Call tracking
	ApplyCalls []AppliedValue

	values      map[domain.ChannelAddress]interface{}
	descriptors map[domain.ChannelAddress]domain.ChannelDescriptor
}

// AppliedValue records one ApplyConfigValue call.
type AppliedValue struct {
	Address domain.ChannelAddress
	Value   interface{}
}

// NewMockChannelStore creates an empty mock store.
func NewMockChannelStore() *MockChannelStore {
	return &MockChannelStore{
		values:      make(map[domain.ChannelAddress]interface{}),
		descriptors: make(map[domain.ChannelAddress]domain.ChannelDescriptor),
	}
}

// Define registers a channel descriptor.
func (m *MockChannelStore) Define(addr domain.ChannelAddress, desc domain.ChannelDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.descriptors[addr] = desc
}

// SetValue sets the live value of a channel. A nil value makes it unavailable.
func (m *MockChannelStore) SetValue(addr domain.ChannelAddress, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == nil {
		delete(m.values, addr)
		return
	}
	m.values[addr] = value
}

// CurrentValue implements domain.ChannelStore.
func (m *MockChannelStore) CurrentValue(addr domain.ChannelAddress) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[addr]
	return v, ok
}

// Descriptor implements domain.ChannelStore.
func (m *MockChannelStore) Descriptor(addr domain.ChannelAddress) (domain.ChannelDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.descriptors[addr]
	return d, ok
}

// ApplyConfigValue implements domain.ChannelStore. Without an override the value
// becomes the channel's current value.
func (m *MockChannelStore) ApplyConfigValue(addr domain.ChannelAddress, value interface{}) error {
	m.mu.Lock()
	m.ApplyCalls = append(m.ApplyCalls, AppliedValue{Address: addr, Value: value})
	fn := m.ApplyConfigValueFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(addr, value)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.descriptors[addr]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrChannelNotFound, addr)
	}
	m.values[addr] = value
	return nil
}

// Applied returns a copy of the recorded ApplyConfigValue calls.
func (m *MockChannelStore) Applied() []AppliedValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AppliedValue, len(m.ApplyCalls))
	copy(out, m.ApplyCalls)
	return out
}
