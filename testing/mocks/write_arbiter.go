package mocks

import (
	"sync"
	"time"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
)

// MockWriteArbiter records submitted runtime writes.
type MockWriteArbiter struct {
	mu sync.Mutex

	// Call tracking
	Submitted []AppliedValue
	Timeouts  []time.Duration
}

// NewMockWriteArbiter creates a new mock arbiter.
func NewMockWriteArbiter() *MockWriteArbiter {
	return &MockWriteArbiter{}
}

// SubmitRuntimeWrite implements domain.WriteArbiter.
func (m *MockWriteArbiter) SubmitRuntimeWrite(addr domain.ChannelAddress, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Submitted = append(m.Submitted, AppliedValue{Address: addr, Value: value})
}

// SetTimeout implements domain.WriteArbiter.
func (m *MockWriteArbiter) SetTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timeouts = append(m.Timeouts, timeout)
}

// Submissions returns a copy of the recorded submissions.
func (m *MockWriteArbiter) Submissions() []AppliedValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AppliedValue, len(m.Submitted))
	copy(out, m.Submitted)
	return out
}

// LastTimeout returns the most recent timeout, or zero if none was set.
func (m *MockWriteArbiter) LastTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Timeouts) == 0 {
		return 0
	}
	return m.Timeouts[len(m.Timeouts)-1]
}
