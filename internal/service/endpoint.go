package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/modbus-bridge/internal/adapter/config"
	"github.com/nexus-edge/modbus-bridge/internal/bridge"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/rs/zerolog"
)

// Listener is a Modbus/TCP listener serving the mapping table.
type Listener interface {
	Start() error
	Stop() error
	IsRunning() bool
}

// ListenerFactory creates an unbound listener for a bridge configuration.
type ListenerFactory func(cfg config.BridgeConfig) Listener

// ProbeFunc checks a running listener end to end.
type ProbeFunc func(ctx context.Context, cfg config.BridgeConfig) error

// DescriptorSource resolves channel descriptors during a rebuild.
type DescriptorSource interface {
	Descriptor(addr domain.ChannelAddress) (domain.ChannelDescriptor, bool)
}

// EndpointStatus is a snapshot of the endpoint for diagnostics.
type EndpointStatus struct {
	Active         bool      `json:"active"`
	ListenerUp     bool      `json:"listener_up"`
	ListenerError  string    `json:"listener_error,omitempty"`
	Port           int       `json:"port"`
	UnitID         int       `json:"unit_id"`
	MaxClients     int       `json:"max_clients"`
	Entries        int       `json:"entries"`
	Skipped        []string  `json:"skipped,omitempty"`
	ChannelTimeout string    `json:"channel_timeout"`
	LastRebuild    time.Time `json:"last_rebuild"`
}

// Endpoint owns the lifecycle of the bridge: the listener, the mapping table
// contents and the write arbiter timeout all follow its configuration.
type Endpoint struct {
	table       *bridge.MappingTable
	descriptors DescriptorSource
	arbiter     domain.WriteArbiter
	newListener ListenerFactory
	probe       ProbeFunc
	logger      zerolog.Logger

	mu          sync.Mutex
	active      bool
	config      config.BridgeConfig
	listener    Listener
	listenerErr error
	skipped     []string
	lastRebuild time.Time
}

// NewEndpoint creates an inactive endpoint.
func NewEndpoint(
	table *bridge.MappingTable,
	descriptors DescriptorSource,
	arbiter domain.WriteArbiter,
	newListener ListenerFactory,
	logger zerolog.Logger,
) *Endpoint {
	return &Endpoint{
		table:       table,
		descriptors: descriptors,
		arbiter:     arbiter,
		newListener: newListener,
		logger:      logger.With().Str("component", "bridge-endpoint").Logger(),
	}
}

// SetProbe installs the end-to-end probe used by HealthCheck.
func (e *Endpoint) SetProbe(probe ProbeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.probe = probe
}

// Activate applies cfg and starts the listener. A bind failure is logged and
// leaves the endpoint active without a listener; it is not returned.
func (e *Endpoint) Activate(ctx context.Context, cfg config.BridgeConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active {
		return e.modifiedLocked(ctx, cfg)
	}

	e.active = true
	e.config = cfg
	e.applyLocked()
	e.restartListenerLocked()

	e.logger.Info().
		Int("port", cfg.Port).
		Int("unit_id", cfg.UnitID).
		Int("entries", e.table.Len()).
		Msg("Bridge endpoint activated")
	return nil
}

// Modified applies a changed configuration. The listener is only restarted
// when a listener setting changed; mapping changes rebuild the table in place.
func (e *Endpoint) Modified(ctx context.Context, cfg config.BridgeConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return fmt.Errorf("%w: endpoint is not active", domain.ErrServiceStopped)
	}
	return e.modifiedLocked(ctx, cfg)
}

func (e *Endpoint) modifiedLocked(_ context.Context, cfg config.BridgeConfig) error {
	restart := e.config.ListenerChanged(cfg) || e.listener == nil
	e.config = cfg
	e.applyLocked()
	if restart {
		e.restartListenerLocked()
	}

	e.logger.Info().
		Bool("listener_restarted", restart).
		Int("entries", e.table.Len()).
		Msg("Bridge endpoint reconfigured")
	return nil
}

// Deactivate stops the listener and clears the mapping table.
func (e *Endpoint) Deactivate() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return nil
	}
	e.active = false

	var err error
	if e.listener != nil {
		err = e.listener.Stop()
		e.listener = nil
	}
	e.listenerErr = nil
	e.table.Clear()

	e.logger.Info().Msg("Bridge endpoint deactivated")
	return err
}

// Rebuild re-resolves the current mapping, e.g. after the channel catalog changed.
func (e *Endpoint) Rebuild() []error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return nil
	}
	return e.rebuildLocked()
}

// applyLocked pushes the non-listener settings to the table and arbiter.
func (e *Endpoint) applyLocked() {
	if e.arbiter != nil {
		e.arbiter.SetTimeout(e.config.ChannelTimeoutDuration())
	}
	e.table.SetClearWriteBuffer(e.config.ClearWriteBuffer)
	e.rebuildLocked()
}

func (e *Endpoint) rebuildLocked() []error {
	entries, errs := e.config.MappingEntries()

	specs := make([]bridge.MappingSpec, 0, len(entries))
	for _, entry := range entries {
		desc, ok := e.descriptors.Descriptor(entry.Address)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: register %d: %w: %s",
				domain.ErrInvalidMappingEntry, entry.Ref, domain.ErrChannelNotFound, entry.Address))
			continue
		}
		specs = append(specs, bridge.MappingSpec{Ref: entry.Ref, Address: entry.Address, Descriptor: desc})
	}

	errs = append(errs, e.table.Rebuild(specs)...)

	e.skipped = e.skipped[:0]
	for _, err := range errs {
		e.logger.Warn().Err(err).Msg("Skipping mapping entry")
		e.skipped = append(e.skipped, err.Error())
	}
	e.lastRebuild = time.Now()
	return errs
}

func (e *Endpoint) restartListenerLocked() {
	if e.listener != nil {
		if err := e.listener.Stop(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to stop previous listener")
		}
		e.listener = nil
	}

	listener := e.newListener(e.config)
	if err := listener.Start(); err != nil {
		e.listenerErr = err
		e.logger.Error().Err(err).Int("port", e.config.Port).Msg("Modbus listener not started")
		return
	}
	e.listener = listener
	e.listenerErr = nil
}

// HealthCheck reports whether the listener is up and answering.
func (e *Endpoint) HealthCheck(ctx context.Context) error {
	e.mu.Lock()
	active := e.active
	listener := e.listener
	listenerErr := e.listenerErr
	probe := e.probe
	cfg := e.config
	e.mu.Unlock()

	switch {
	case !active:
		return domain.ErrServiceStopped
	case listener == nil && listenerErr != nil:
		return listenerErr
	case listener == nil || !listener.IsRunning():
		return domain.ErrListenerNotRunning
	}
	if probe != nil {
		return probe(ctx, cfg)
	}
	return nil
}

// Status returns a snapshot of the endpoint.
func (e *Endpoint) Status() EndpointStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := EndpointStatus{
		Active:         e.active,
		ListenerUp:     e.listener != nil && e.listener.IsRunning(),
		Port:           e.config.Port,
		UnitID:         e.config.UnitID,
		MaxClients:     e.config.MaxClients,
		Entries:        e.table.Len(),
		Skipped:        append([]string(nil), e.skipped...),
		ChannelTimeout: e.config.ChannelTimeoutDuration().String(),
		LastRebuild:    e.lastRebuild,
	}
	if e.listenerErr != nil {
		status.ListenerError = e.listenerErr.Error()
	}
	return status
}

// Run activates the endpoint and deactivates it when ctx is done.
func (e *Endpoint) Run(ctx context.Context, cfg config.BridgeConfig) error {
	if err := e.Activate(ctx, cfg); err != nil {
		return err
	}
	<-ctx.Done()
	if err := e.Deactivate(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}
