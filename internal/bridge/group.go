package bridge

import (
	"errors"
	"fmt"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/metrics"
	"github.com/nexus-edge/modbus-bridge/pkg/logging"
	"github.com/rs/zerolog"
)

// ChannelRegisterGroup binds one channel to a run of consecutive registers.
// It encodes the channel's current value on every read and assembles register
// writes in a buffer until every byte of the span has been written.
//
// Groups are not safe for concurrent use; the MappingTable serializes access.
type ChannelRegisterGroup struct {
	address    domain.ChannelAddress
	descriptor domain.ChannelDescriptor
	registers  []*RegisterSlot

	// writeBuffer holds 2*len(registers) bytes; written marks which are present.
	writeBuffer []byte
	written     []bool

	// clearAfterDecode resets the buffer once a value was decoded.
	clearAfterDecode bool

	store   domain.ChannelStore
	arbiter domain.WriteArbiter
	logger  zerolog.Logger
	metrics *metrics.Registry
}

// GroupConfig holds the collaborators of a ChannelRegisterGroup.
type GroupConfig struct {
	Store            domain.ChannelStore
	Arbiter          domain.WriteArbiter
	Logger           zerolog.Logger
	Metrics          *metrics.Registry
	ClearAfterDecode bool
}

// NewChannelRegisterGroup creates a group sized from desc with an empty write buffer.
func NewChannelRegisterGroup(addr domain.ChannelAddress, desc domain.ChannelDescriptor, config GroupConfig) (*ChannelRegisterGroup, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	n := desc.RegisterCount()
	g := &ChannelRegisterGroup{
		address:          addr,
		descriptor:       desc,
		registers:        make([]*RegisterSlot, n),
		writeBuffer:      make([]byte, 2*n),
		written:          make([]bool, 2*n),
		clearAfterDecode: config.ClearAfterDecode,
		store:            config.Store,
		arbiter:          config.Arbiter,
		logger:           logging.WithChannelContext(config.Logger, addr.String()),
		metrics:          config.Metrics,
	}
	for i := range g.registers {
		g.registers[i] = &RegisterSlot{group: g, index: i}
	}
	return g, nil
}

// Address returns the bound channel address.
func (g *ChannelRegisterGroup) Address() domain.ChannelAddress {
	return g.address
}

// Descriptor returns the bound channel descriptor.
func (g *ChannelRegisterGroup) Descriptor() domain.ChannelDescriptor {
	return g.descriptor
}

// Len returns the number of registers the group spans.
func (g *ChannelRegisterGroup) Len() int {
	return len(g.registers)
}

// Register returns the slot at index i (0 = most significant register).
func (g *ChannelRegisterGroup) Register(i int) *RegisterSlot {
	if i < 0 || i >= len(g.registers) {
		return nil
	}
	return g.registers[i]
}

// Encode returns the current value of the channel as 2*Len big-endian bytes.
// A missing or unconvertible value yields a fresh all-zero slice.
func (g *ChannelRegisterGroup) Encode() []byte {
	span := 2 * len(g.registers)

	if g.store == nil {
		return make([]byte, span)
	}
	value, ok := g.store.CurrentValue(g.address)
	if !ok || value == nil {
		g.recordFallback("unavailable")
		return make([]byte, span)
	}

	data, err := EncodeValue(value, g.descriptor)
	if err != nil {
		g.logger.Debug().Err(err).Interface("value", value).Msg("Channel value not encodable, reading as zero")
		g.recordFallback("conversion_failed")
		return make([]byte, span)
	}
	return data
}

// EncodedBytesForSlot returns the two bytes of register i of the current value.
func (g *ChannelRegisterGroup) EncodedBytesForSlot(i int) [2]byte {
	data := g.Encode()
	return [2]byte{data[2*i], data[2*i+1]}
}

// AcceptWrite stores one register written by a master. Once every byte of the
// span has been written the buffer is decoded and applied to the channel store.
// It reports whether a value was handed on.
//
// The buffer is kept after a decode unless clearAfterDecode is set, so a later
// lone register write re-decodes together with the other registers' last bytes.
func (g *ChannelRegisterGroup) AcceptWrite(slot int, b1, b2 byte) (bool, error) {
	if slot < 0 || slot >= len(g.registers) {
		return false, fmt.Errorf("%w: slot %d outside %s", domain.ErrIllegalAddress, slot, g.address)
	}
	if !g.descriptor.IsWritable() {
		g.recordDecode("rejected")
		return false, fmt.Errorf("%w: %s", domain.ErrChannelNotWritable, g.address)
	}

	g.writeBuffer[2*slot] = b1
	g.writeBuffer[2*slot+1] = b2
	g.written[2*slot] = true
	g.written[2*slot+1] = true

	for _, present := range g.written {
		if !present {
			g.recordDecode("pending")
			return false, nil
		}
	}

	raw := make([]byte, len(g.writeBuffer))
	copy(raw, g.writeBuffer)
	if g.clearAfterDecode {
		g.resetBuffer()
	}

	value, err := DecodeValue(raw, g.descriptor)
	if err != nil {
		g.logger.Warn().Err(err).Hex("registers", raw).Msg("Dropping register write")
		g.recordDecode("conversion_failed")
		return false, nil
	}

	return g.apply(value)
}

// apply hands a decoded value to the store or the write arbiter.
func (g *ChannelRegisterGroup) apply(value interface{}) (bool, error) {
	switch g.descriptor.Kind {
	case domain.ChannelKindConfig:
		if g.store == nil {
			return false, domain.ErrChannelUnavailable
		}
		if err := g.store.ApplyConfigValue(g.address, value); err != nil {
			g.recordDecode("apply_failed")
			if errors.Is(err, domain.ErrChannelNotFound) {
				return false, fmt.Errorf("%w: %v", domain.ErrIllegalAddress, err)
			}
			return false, err
		}
		g.logger.Info().Interface("value", value).Msg("Applied configuration value")
		g.recordDecode("applied")

	case domain.ChannelKindRuntimeWrite:
		if g.arbiter == nil {
			return false, domain.ErrChannelUnavailable
		}
		g.arbiter.SubmitRuntimeWrite(g.address, value)
		g.logger.Debug().Interface("value", value).Msg("Submitted runtime write")
		g.recordDecode("submitted")
	}
	return true, nil
}

// resetBuffer marks every byte of the write buffer absent.
func (g *ChannelRegisterGroup) resetBuffer() {
	for i := range g.written {
		g.written[i] = false
		g.writeBuffer[i] = 0
	}
}

// PendingWrite reports how many buffer bytes are present.
func (g *ChannelRegisterGroup) PendingWrite() int {
	n := 0
	for _, present := range g.written {
		if present {
			n++
		}
	}
	return n
}

func (g *ChannelRegisterGroup) recordDecode(outcome string) {
	if g.metrics != nil {
		g.metrics.RecordDecode(outcome)
	}
}

func (g *ChannelRegisterGroup) recordFallback(reason string) {
	if g.metrics != nil {
		g.metrics.RecordEncodeFallback(reason)
	}
}
