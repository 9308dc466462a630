// Package service provides the long-running parts of the bridge: the write
// arbiter, the channel value feed and the Modbus endpoint lifecycle.
package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultChannelTimeout is how long a runtime write is held when no timeout is configured.
const DefaultChannelTimeout = 60 * time.Second

// ArbiterConfig holds configuration for the write arbiter.
type ArbiterConfig struct {
	// Timeout is how long a submitted value is held and re-committed
	Timeout time.Duration

	// CycleInterval is the period of the commit loop
	CycleInterval time.Duration

	// WriteTimeout bounds a single commit to the sink
	WriteTimeout time.Duration
}

// ArbiterStats tracks commit statistics.
type ArbiterStats struct {
	Submitted     atomic.Uint64
	Commits       atomic.Uint64
	FailedCommits atomic.Uint64
	Expired       atomic.Uint64
	SkippedCycles atomic.Uint64 // Cycles skipped because the previous one was still running
}

// PendingWrite is a runtime write currently held by the arbiter.
type PendingWrite struct {
	Address     domain.ChannelAddress `json:"channel"`
	Value       interface{}           `json:"value"`
	SubmittedAt time.Time             `json:"submitted_at"`
	ExpiresAt   time.Time             `json:"expires_at"`
	LastCommit  time.Time             `json:"last_commit,omitempty"`
	LastError   string                `json:"last_error,omitempty"`
}

type heldWrite struct {
	value       interface{}
	submittedAt time.Time
	lastCommit  time.Time
	lastError   error
}

// WriteArbiter implements "set and hold until timeout": the latest value
// submitted for a runtime-write channel is committed to the sink on every cycle
// until the timeout has passed since its submission.
type WriteArbiter struct {
	config  ArbiterConfig
	sink    domain.WriteSink
	logger  zerolog.Logger
	metrics *metrics.Registry
	stats   *ArbiterStats
	now     func() time.Time

	mu      sync.Mutex
	pending map[domain.ChannelAddress]*heldWrite

	cycling atomic.Bool
	kick    chan struct{}
}

// NewWriteArbiter creates a write arbiter committing to sink.
func NewWriteArbiter(config ArbiterConfig, sink domain.WriteSink, logger zerolog.Logger, metricsReg *metrics.Registry) *WriteArbiter {
	// Apply defaults
	if config.Timeout <= 0 {
		config.Timeout = DefaultChannelTimeout
	}
	if config.CycleInterval <= 0 {
		config.CycleInterval = time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	return &WriteArbiter{
		config:  config,
		sink:    sink,
		logger:  logger.With().Str("component", "write-arbiter").Logger(),
		metrics: metricsReg,
		stats:   &ArbiterStats{},
		now:     time.Now,
		pending: make(map[domain.ChannelAddress]*heldWrite),
		kick:    make(chan struct{}, 1),
	}
}

// SubmitRuntimeWrite implements domain.WriteArbiter. The value replaces any
// value held for the channel and restarts its timeout. It never blocks.
func (a *WriteArbiter) SubmitRuntimeWrite(addr domain.ChannelAddress, value interface{}) {
	a.mu.Lock()
	a.pending[addr] = &heldWrite{value: value, submittedAt: a.now()}
	count := len(a.pending)
	a.mu.Unlock()

	a.stats.Submitted.Add(1)
	if a.metrics != nil {
		a.metrics.UpdatePendingWrites(count)
	}

	a.logger.Debug().
		Str("channel", addr.String()).
		Interface("value", value).
		Msg("Runtime write submitted")

	// Commit on the next loop iteration instead of waiting a full cycle.
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// SetTimeout implements domain.WriteArbiter. Non-positive values select the default.
func (a *WriteArbiter) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultChannelTimeout
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.config.Timeout != timeout {
		a.logger.Info().Dur("timeout", timeout).Msg("Channel timeout changed")
	}
	a.config.Timeout = timeout
}

// Timeout returns the current hold timeout.
func (a *WriteArbiter) Timeout() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config.Timeout
}

// Run drives the commit loop until ctx is cancelled.
func (a *WriteArbiter) Run(ctx context.Context) error {
	a.logger.Info().
		Dur("cycle", a.config.CycleInterval).
		Dur("timeout", a.Timeout()).
		Msg("Starting write arbiter")

	ticker := time.NewTicker(a.config.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("Write arbiter stopped")
			return ctx.Err()
		case <-ticker.C:
			a.Cycle(ctx)
		case <-a.kick:
			a.Cycle(ctx)
		}
	}
}

// Cycle expires held writes past their timeout and commits the rest once.
func (a *WriteArbiter) Cycle(ctx context.Context) {
	if !a.cycling.CompareAndSwap(false, true) {
		a.stats.SkippedCycles.Add(1)
		return
	}
	defer a.cycling.Store(false)

	type commit struct {
		addr        domain.ChannelAddress
		value       interface{}
		submittedAt time.Time
	}

	now := a.now()
	a.mu.Lock()
	commits := make([]commit, 0, len(a.pending))
	for addr, hw := range a.pending {
		if now.Sub(hw.submittedAt) >= a.config.Timeout {
			delete(a.pending, addr)
			a.stats.Expired.Add(1)
			a.logger.Debug().Str("channel", addr.String()).Msg("Runtime write expired")
			continue
		}
		commits = append(commits, commit{addr: addr, value: hw.value, submittedAt: hw.submittedAt})
	}
	count := len(a.pending)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.UpdatePendingWrites(count)
	}
	if a.sink == nil {
		return
	}

	for _, c := range commits {
		writeCtx, cancel := context.WithTimeout(ctx, a.config.WriteTimeout)
		err := a.sink.WriteChannel(writeCtx, c.addr, c.value)
		cancel()
		a.recordCommit(c.addr, c.value, c.submittedAt, err)
	}
}

func (a *WriteArbiter) recordCommit(addr domain.ChannelAddress, value interface{}, submittedAt time.Time, err error) {
	a.mu.Lock()
	// The write may have been replaced or expired while committing.
	if hw, ok := a.pending[addr]; ok && hw.submittedAt.Equal(submittedAt) {
		hw.lastCommit = a.now()
		hw.lastError = err
	}
	a.mu.Unlock()

	if err == nil {
		a.stats.Commits.Add(1)
		if a.metrics != nil {
			a.metrics.RecordCommit(true)
		}
		return
	}

	a.stats.FailedCommits.Add(1)
	if a.metrics != nil {
		a.metrics.RecordCommit(false)
	}
	if errors.Is(err, domain.ErrCircuitBreakerOpen) {
		// Sink endpoint is unhealthy; don't spam error logs.
		a.logger.Debug().Err(err).Str("channel", addr.String()).Msg("Commit skipped: circuit breaker open")
		return
	}
	a.logger.Error().
		Err(err).
		Str("channel", addr.String()).
		Interface("value", value).
		Msg("Failed to commit runtime write")
}

// Pending returns the held writes ordered by channel address.
func (a *WriteArbiter) Pending() []PendingWrite {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]PendingWrite, 0, len(a.pending))
	for addr, hw := range a.pending {
		pw := PendingWrite{
			Address:     addr,
			Value:       hw.value,
			SubmittedAt: hw.submittedAt,
			ExpiresAt:   hw.submittedAt.Add(a.config.Timeout),
			LastCommit:  hw.lastCommit,
		}
		if hw.lastError != nil {
			pw.LastError = hw.lastError.Error()
		}
		out = append(out, pw)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out
}

// ArbiterStatsSnapshot holds a point-in-time snapshot of arbiter statistics.
type ArbiterStatsSnapshot struct {
	Submitted     uint64 `json:"submitted"`
	Commits       uint64 `json:"commits"`
	FailedCommits uint64 `json:"failed_commits"`
	Expired       uint64 `json:"expired"`
	SkippedCycles uint64 `json:"skipped_cycles"`
}

// Stats returns a snapshot of the arbiter statistics.
func (a *WriteArbiter) Stats() ArbiterStatsSnapshot {
	return ArbiterStatsSnapshot{
		Submitted:     a.stats.Submitted.Load(),
		Commits:       a.stats.Commits.Load(),
		FailedCommits: a.stats.FailedCommits.Load(),
		Expired:       a.stats.Expired.Load(),
		SkippedCycles: a.stats.SkippedCycles.Load(),
	}
}
