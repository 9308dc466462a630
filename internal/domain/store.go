// Package domain contains core business entities.
package domain

import (
	"context"
	"sync"
	"time"
)

// ChannelStore holds live channel values and their descriptors.
// The bridge never owns channels; it reads and applies through this interface.
type ChannelStore interface {
	// CurrentValue returns the live value of a channel, if any.
	CurrentValue(addr ChannelAddress) (interface{}, bool)

	// Descriptor returns the register binding declaration of a channel.
	Descriptor(addr ChannelAddress) (ChannelDescriptor, bool)

	// ApplyConfigValue sets a configuration channel synchronously.
	ApplyConfigValue(addr ChannelAddress, value interface{}) error
}

// WriteArbiter owns debounce/timeout semantics for runtime-writable channels.
type WriteArbiter interface {
	// SubmitRuntimeWrite hands over a decoded value. Fire-and-forget.
	SubmitRuntimeWrite(addr ChannelAddress, value interface{})

	// SetTimeout changes how long a submitted value is held.
	SetTimeout(timeout time.Duration)
}

// WriteSink receives committed runtime writes.
type WriteSink interface {
	WriteChannel(ctx context.Context, addr ChannelAddress, value interface{}) error
}

// SinkSet fans committed writes out to every registered sink.
// Thread-safe for concurrent access.
type SinkSet struct {
	sinks map[string]WriteSink
	mu    sync.RWMutex
}

// NewSinkSet creates an empty sink set.
func NewSinkSet() *SinkSet {
	return &SinkSet{
		sinks: make(map[string]WriteSink),
	}
}

// Register adds or replaces a named sink. Thread-safe.
func (s *SinkSet) Register(name string, sink WriteSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks[name] = sink
}

// Unregister removes a named sink. Thread-safe.
func (s *SinkSet) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sinks, name)
}

// Get returns the sink registered under name. Thread-safe.
func (s *SinkSet) Get(name string) (WriteSink, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sink, ok := s.sinks[name]
	return sink, ok
}

// WriteChannel delivers the value to all sinks and returns the last error seen.
func (s *SinkSet) WriteChannel(ctx context.Context, addr ChannelAddress, value interface{}) error {
	s.mu.RLock()
	sinks := make([]WriteSink, 0, len(s.sinks))
	for _, sink := range s.sinks {
		sinks = append(sinks, sink)
	}
	s.mu.RUnlock()

	var lastErr error
	for _, sink := range sinks {
		if err := sink.WriteChannel(ctx, addr, value); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Names returns all registered sink names.
func (s *SinkSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.sinks))
	for name := range s.sinks {
		names = append(names, name)
	}
	return names
}
