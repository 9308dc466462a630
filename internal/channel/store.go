// Package channel holds the in-memory channel catalog and live values the
// bridge reads from and writes to.
package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/metrics"
	"github.com/rs/zerolog"
)

// ChangeFunc is called after a configuration value was applied. Listeners run
// on the store's dispatch goroutine, never on the caller of ApplyConfigValue.
type ChangeFunc func(sample domain.ChannelSample)

// changeQueueSize bounds the applied values waiting for listeners.
const changeQueueSize = 256

// State is a snapshot of one channel for diagnostics.
type State struct {
	Address    domain.ChannelAddress    `json:"channel"`
	Descriptor domain.ChannelDescriptor `json:"descriptor"`
	Value      interface{}              `json:"value"`
	Quality    domain.Quality           `json:"quality,omitempty"`
	Timestamp  time.Time                `json:"timestamp,omitempty"`
}

// Store is the in-memory channel store. It implements domain.ChannelStore and
// domain.WriteSink. Thread-safe for concurrent access.
type Store struct {
	mu          sync.RWMutex
	descriptors map[domain.ChannelAddress]domain.ChannelDescriptor
	samples     map[domain.ChannelAddress]domain.ChannelSample

	// maxAge marks samples older than this unavailable; zero disables it
	maxAge time.Duration

	listenersMu  sync.RWMutex
	listeners    []ChangeFunc
	changes      chan domain.ChannelSample
	dispatchOnce sync.Once
	closeOnce    sync.Once
	done         chan struct{}

	logger  zerolog.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore(logger zerolog.Logger, metricsReg *metrics.Registry) *Store {
	return &Store{
		descriptors: make(map[domain.ChannelAddress]domain.ChannelDescriptor),
		samples:     make(map[domain.ChannelAddress]domain.ChannelSample),
		changes:     make(chan domain.ChannelSample, changeQueueSize),
		done:        make(chan struct{}),
		logger:      logger.With().Str("component", "channel-store").Logger(),
		metrics:     metricsReg,
		now:         time.Now,
	}
}

// SetMaxAge sets how long a sample stays valid. Zero keeps samples forever.
func (s *Store) SetMaxAge(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d < 0 {
		d = 0
	}
	s.maxAge = d
}

// Define adds or replaces a channel declaration.
func (s *Store) Define(addr domain.ChannelAddress, desc domain.ChannelDescriptor) error {
	if addr.Component == "" || addr.Channel == "" {
		return fmt.Errorf("%w: %q", domain.ErrInvalidChannelAddress, addr.String())
	}
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("channel %s: %w", addr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptors[addr] = desc
	return nil
}

// Load replaces the catalog. Values of channels still declared are kept.
// It returns one error per skipped declaration.
func (s *Store) Load(catalog map[domain.ChannelAddress]domain.ChannelDescriptor) []error {
	var errs []error
	valid := make(map[domain.ChannelAddress]domain.ChannelDescriptor, len(catalog))
	for addr, desc := range catalog {
		if err := desc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", addr, err))
			continue
		}
		valid[addr] = desc
	}

	s.mu.Lock()
	s.descriptors = valid
	for addr := range s.samples {
		if _, ok := valid[addr]; !ok {
			delete(s.samples, addr)
		}
	}
	s.mu.Unlock()

	s.logger.Info().Int("channels", len(valid)).Int("skipped", len(errs)).Msg("Loaded channel catalog")
	return errs
}

// Set records a live sample for a declared channel.
func (s *Store) Set(sample domain.ChannelSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.descriptors[sample.Address]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrChannelNotFound, sample.Address)
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now()
	}
	if sample.Quality == "" {
		sample.Quality = domain.QualityGood
	}
	s.samples[sample.Address] = sample

	if s.metrics != nil {
		s.metrics.RecordChannelUpdate()
	}
	return nil
}

// SetValue records a good-quality value stamped now.
func (s *Store) SetValue(addr domain.ChannelAddress, value interface{}) error {
	return s.Set(domain.ChannelSample{Address: addr, Value: value, Quality: domain.QualityGood, Timestamp: s.now()})
}

// Invalidate drops the live value of a channel.
func (s *Store) Invalidate(addr domain.ChannelAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.samples, addr)
}

// CurrentValue implements domain.ChannelStore. Bad-quality and expired samples
// are unavailable.
func (s *Store) CurrentValue(addr domain.ChannelAddress) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sample, ok := s.samples[addr]
	if !ok || sample.Value == nil || sample.Quality == domain.QualityBad {
		return nil, false
	}
	if s.maxAge > 0 && s.now().Sub(sample.Timestamp) > s.maxAge {
		return nil, false
	}
	return sample.Value, true
}

// Descriptor implements domain.ChannelStore.
func (s *Store) Descriptor(addr domain.ChannelAddress) (domain.ChannelDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	desc, ok := s.descriptors[addr]
	return desc, ok
}

// ApplyConfigValue implements domain.ChannelStore. The value becomes the current
// value immediately; change listeners are notified asynchronously.
func (s *Store) ApplyConfigValue(addr domain.ChannelAddress, value interface{}) error {
	s.mu.Lock()
	desc, ok := s.descriptors[addr]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrChannelNotFound, addr)
	}
	if desc.Kind != domain.ChannelKindConfig {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %q", domain.ErrChannelNotWritable, addr, desc.Kind)
	}
	sample := domain.ChannelSample{
		Address:   addr,
		Value:     value,
		Unit:      desc.Unit,
		Quality:   domain.QualityGood,
		Timestamp: s.now(),
	}
	s.samples[addr] = sample
	s.mu.Unlock()

	s.logger.Info().Str("channel", addr.String()).Interface("value", value).Msg("Configuration value applied")
	s.notify(sample)
	return nil
}

// WriteChannel implements domain.WriteSink. A committed runtime write is echoed
// as the channel's current value so masters read back the held setpoint.
func (s *Store) WriteChannel(_ context.Context, addr domain.ChannelAddress, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	desc, ok := s.descriptors[addr]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrChannelNotFound, addr)
	}
	s.samples[addr] = domain.ChannelSample{
		Address:   addr,
		Value:     value,
		Unit:      desc.Unit,
		Quality:   domain.QualityGood,
		Timestamp: s.now(),
	}
	return nil
}

// OnConfigApplied registers a listener for applied configuration values.
// The first registration starts the dispatch goroutine.
func (s *Store) OnConfigApplied(fn ChangeFunc) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()

	s.dispatchOnce.Do(func() { go s.dispatch() })
}

// Close stops the dispatch goroutine. Queued values are dropped.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// notify queues sample for the listeners without blocking. When the queue is
// full the oldest value is dropped.
func (s *Store) notify(sample domain.ChannelSample) {
	s.listenersMu.RLock()
	n := len(s.listeners)
	s.listenersMu.RUnlock()
	if n == 0 {
		return
	}

	select {
	case s.changes <- sample:
		return
	default:
	}

	select {
	case dropped := <-s.changes:
		s.logger.Warn().Str("channel", dropped.Address.String()).Msg("Change queue full, dropping oldest value")
	default:
	}
	select {
	case s.changes <- sample:
	default:
		s.logger.Warn().Str("channel", sample.Address.String()).Msg("Change queue full, dropping value")
	}
}

func (s *Store) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case sample := <-s.changes:
			s.listenersMu.RLock()
			listeners := make([]ChangeFunc, len(s.listeners))
			copy(listeners, s.listeners)
			s.listenersMu.RUnlock()

			for _, fn := range listeners {
				fn(sample)
			}
		}
	}
}

// Snapshot returns every declared channel ordered by address.
func (s *Store) Snapshot() []State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]State, 0, len(s.descriptors))
	for addr, desc := range s.descriptors {
		st := State{Address: addr, Descriptor: desc}
		if sample, ok := s.samples[addr]; ok {
			st.Value = sample.Value
			st.Quality = sample.Quality
			st.Timestamp = sample.Timestamp
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out
}

// Len returns the number of declared channels.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.descriptors)
}
