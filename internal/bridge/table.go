package bridge

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/metrics"
	"github.com/rs/zerolog"
)

// MaxRegisters is the size of the Modbus register address space.
const MaxRegisters = 1 << 16

// Entry is one mapping of a register address to a channel group.
type Entry struct {
	Ref   int
	Group *ChannelRegisterGroup
}

// end returns the first register address after the entry.
func (e Entry) end() int {
	return e.Ref + e.Group.Len()
}

// MappingSpec describes one entry to add during a rebuild.
type MappingSpec struct {
	Ref        int
	Address    domain.ChannelAddress
	Descriptor domain.ChannelDescriptor
}

// EntryInfo is a read-only snapshot of an entry for diagnostics.
type EntryInfo struct {
	Ref        int                      `json:"ref"`
	Address    domain.ChannelAddress    `json:"channel"`
	Descriptor domain.ChannelDescriptor `json:"descriptor"`
	Registers  []uint16                 `json:"registers"`
	Buffered   int                      `json:"buffered_bytes"`
}

// TableConfig holds configuration for the mapping table.
type TableConfig struct {
	// ClearWriteBuffer resets a group's write buffer after every decode.
	// Off by default: a fully written group re-decodes on each later register write.
	ClearWriteBuffer bool
}

// MappingTable is the address-ordered register map served to Modbus masters.
// Every operation takes the table lock, so a rebuild is never observed half done.
type MappingTable struct {
	config  TableConfig
	store   domain.ChannelStore
	arbiter domain.WriteArbiter
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	entries []Entry // sorted by Ref, non-overlapping
}

// NewMappingTable creates an empty mapping table.
func NewMappingTable(config TableConfig, store domain.ChannelStore, arbiter domain.WriteArbiter, logger zerolog.Logger, metricsReg *metrics.Registry) *MappingTable {
	return &MappingTable{
		config:  config,
		store:   store,
		arbiter: arbiter,
		logger:  logger.With().Str("component", "mapping-table").Logger(),
		metrics: metricsReg,
	}
}

// SetClearWriteBuffer changes the buffer policy for groups created afterwards.
func (t *MappingTable) SetClearWriteBuffer(clear bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.config.ClearWriteBuffer = clear
}

// Clear removes all entries. Partially written groups are discarded.
func (t *MappingTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}

// Add creates a fresh group for addr and maps it at ref.
func (t *MappingTable) Add(ref int, addr domain.ChannelAddress, desc domain.ChannelDescriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(ref, addr, desc)
}

// Rebuild replaces all entries in one critical section. Each entry is added
// independently; the returned errors describe the entries that were skipped.
func (t *MappingTable) Rebuild(mapping []MappingSpec) []error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = nil
	var errs []error
	for _, m := range mapping {
		if err := t.addLocked(m.Ref, m.Address, m.Descriptor); err != nil {
			errs = append(errs, err)
		}
	}

	if t.metrics != nil {
		t.metrics.RecordRebuild(len(t.entries), t.registerCountLocked(), len(errs))
	}
	return errs
}

func (t *MappingTable) addLocked(ref int, addr domain.ChannelAddress, desc domain.ChannelDescriptor) error {
	if ref < 0 {
		return fmt.Errorf("%w: negative register address %d for %s", domain.ErrInvalidMappingEntry, ref, addr)
	}
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("%w: %s at %d: %v", domain.ErrInvalidMappingEntry, addr, ref, err)
	}
	end := ref + desc.RegisterCount()
	if end > MaxRegisters {
		return fmt.Errorf("%w: %s at %d exceeds the register space", domain.ErrInvalidMappingEntry, addr, ref)
	}

	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Ref >= ref })
	if i > 0 && t.entries[i-1].end() > ref {
		prev := t.entries[i-1]
		return fmt.Errorf("%w: %w: %s at [%d,%d) intersects %s at [%d,%d)", domain.ErrInvalidMappingEntry,
			domain.ErrRegisterOverlap, addr, ref, end, prev.Group.Address(), prev.Ref, prev.end())
	}
	if i < len(t.entries) && t.entries[i].Ref < end {
		next := t.entries[i]
		return fmt.Errorf("%w: %w: %s at [%d,%d) intersects %s at [%d,%d)", domain.ErrInvalidMappingEntry,
			domain.ErrRegisterOverlap, addr, ref, end, next.Group.Address(), next.Ref, next.end())
	}

	group, err := NewChannelRegisterGroup(addr, desc, GroupConfig{
		Store:            t.store,
		Arbiter:          t.arbiter,
		Logger:           t.logger,
		Metrics:          t.metrics,
		ClearAfterDecode: t.config.ClearWriteBuffer,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidMappingEntry, err)
	}

	t.entries = append(t.entries, Entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = Entry{Ref: ref, Group: group}
	return nil
}

// ReadRange returns the registers [offset, offset+count). The range must be an
// exact, gap-free concatenation of whole groups.
func (t *MappingTable) ReadRange(offset, count int) ([]uint16, error) {
	if offset < 0 || count <= 0 {
		return nil, fmt.Errorf("%w: range %d+%d", domain.ErrIllegalAddress, offset, count)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	end := offset + count
	lo := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Ref >= offset })
	hi := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Ref >= end })
	selected := t.entries[lo:hi]

	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: nothing mapped in [%d,%d)", domain.ErrIllegalAddress, offset, end)
	}
	if selected[0].Ref != offset {
		return nil, fmt.Errorf("%w: [%d,%d) does not start at a channel boundary", domain.ErrIllegalAddress, offset, end)
	}
	if last := selected[len(selected)-1]; last.end() != end {
		return nil, fmt.Errorf("%w: [%d,%d) does not end at a channel boundary", domain.ErrIllegalAddress, offset, end)
	}

	registers := make([]uint16, 0, count)
	next := offset
	for _, e := range selected {
		if e.Ref != next {
			return nil, fmt.Errorf("%w: gap at register %d in [%d,%d)", domain.ErrIllegalAddress, next, offset, end)
		}
		data := e.Group.Encode()
		for i := 0; i < len(data); i += 2 {
			registers = append(registers, binary.BigEndian.Uint16(data[i:]))
		}
		next = e.end()
	}
	return registers, nil
}

// ReadOne returns a single register. Only single-register channels can be read
// this way.
func (t *MappingTable) ReadOne(ref int) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.floorLocked(ref)
	if !ok {
		return 0, fmt.Errorf("%w: register %d is not mapped", domain.ErrIllegalAddress, ref)
	}
	if e.Group.Len() != 1 {
		return 0, fmt.Errorf("%w: register %d belongs to multi-register channel %s", domain.ErrIllegalAddress, ref, e.Group.Address())
	}
	if offset := ref - e.Ref; offset != 0 {
		return 0, fmt.Errorf("%w: register %d is not mapped", domain.ErrIllegalAddress, ref)
	}
	return e.Group.Register(0).Value(), nil
}

// WriteOne routes a register write to the slot at absolute address ref.
func (t *MappingTable) WriteOne(ref int, b1, b2 byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeLocked(ref, b1, b2)
}

// WriteRange writes consecutive registers starting at offset. Every register must
// be mapped to a writable channel before any of them is written.
func (t *MappingTable) WriteRange(offset int, values []uint16) error {
	if offset < 0 || len(values) == 0 {
		return fmt.Errorf("%w: range %d+%d", domain.ErrIllegalAddress, offset, len(values))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range values {
		e, ok := t.floorLocked(offset + i)
		if !ok || offset+i >= e.end() {
			return fmt.Errorf("%w: register %d is not mapped", domain.ErrIllegalAddress, offset+i)
		}
		if !e.Group.Descriptor().IsWritable() {
			return fmt.Errorf("%w: %s", domain.ErrChannelNotWritable, e.Group.Address())
		}
	}

	for i, v := range values {
		if _, err := t.writeLocked(offset+i, byte(v>>8), byte(v)); err != nil {
			return err
		}
	}
	return nil
}

func (t *MappingTable) writeLocked(ref int, b1, b2 byte) (bool, error) {
	e, ok := t.floorLocked(ref)
	if !ok || ref >= e.end() {
		return false, fmt.Errorf("%w: register %d is not mapped", domain.ErrIllegalAddress, ref)
	}
	return e.Group.Register(ref-e.Ref).Write(b1, b2)
}

// floorLocked returns the entry with the greatest Ref <= ref.
func (t *MappingTable) floorLocked(ref int) (Entry, bool) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Ref > ref })
	if i == 0 {
		return Entry{}, false
	}
	return t.entries[i-1], true
}

func (t *MappingTable) registerCountLocked() int {
	n := 0
	for _, e := range t.entries {
		n += e.Group.Len()
	}
	return n
}

// Len returns the number of mapped channels.
func (t *MappingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Entries returns a snapshot of all entries with their current register values.
func (t *MappingTable) Entries() []EntryInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]EntryInfo, 0, len(t.entries))
	for _, e := range t.entries {
		data := e.Group.Encode()
		registers := make([]uint16, 0, e.Group.Len())
		for i := 0; i < len(data); i += 2 {
			registers = append(registers, binary.BigEndian.Uint16(data[i:]))
		}
		out = append(out, EntryInfo{
			Ref:        e.Ref,
			Address:    e.Group.Address(),
			Descriptor: e.Group.Descriptor(),
			Registers:  registers,
			Buffered:   e.Group.PendingWrite(),
		})
	}
	return out
}
