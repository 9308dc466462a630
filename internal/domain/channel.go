// Package domain contains core business entities.
package domain

import (
	"fmt"
	"strings"
)

// DataType represents the semantic type of a channel value.
type DataType string

const (
	DataTypeBool    DataType = "bool"
	DataTypeInt16   DataType = "int16"
	DataTypeUInt16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUInt32  DataType = "uint32"
	DataTypeInt64   DataType = "int64"
	DataTypeUInt64  DataType = "uint64"
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat64 DataType = "float64"
	DataTypeString  DataType = "string"
)

// ChannelKind tells the bridge which apply path a decoded write takes.
type ChannelKind string

const (
	ChannelKindReadOnly     ChannelKind = "read_only"     // Measurements, never written
	ChannelKindConfig       ChannelKind = "config"        // Applied immediately, last write wins
	ChannelKindRuntimeWrite ChannelKind = "runtime_write" // Handed to the write arbiter
)

// ChannelAddress identifies a channel as component-id/channel-id.
type ChannelAddress struct {
	Component string
	Channel   string
}

// NewChannelAddress builds a ChannelAddress from its two parts.
func NewChannelAddress(component, channel string) ChannelAddress {
	return ChannelAddress{Component: component, Channel: channel}
}

// ParseChannelAddress parses "component/channel".
func ParseChannelAddress(s string) (ChannelAddress, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ChannelAddress{}, fmt.Errorf("%w: %q is not component/channel", ErrInvalidChannelAddress, s)
	}
	return ChannelAddress{Component: parts[0], Channel: parts[1]}, nil
}

// String returns the address as "component/channel".
func (a ChannelAddress) String() string {
	return a.Component + "/" + a.Channel
}

// IsZero reports whether the address is unset.
func (a ChannelAddress) IsZero() bool {
	return a.Component == "" && a.Channel == ""
}

// MarshalText implements encoding.TextMarshaler so addresses can be used as JSON map keys.
func (a ChannelAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ChannelAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseChannelAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ChannelDescriptor declares how a channel is bound to Modbus registers.
type ChannelDescriptor struct {
	// Type is the semantic value type
	Type DataType `json:"type" yaml:"type"`

	// BitLength is the register span in bits; must be a multiple of 16
	BitLength int `json:"bit_length" yaml:"bit_length"`

	// Kind selects read-only, config or runtime-write semantics
	Kind ChannelKind `json:"kind" yaml:"kind"`

	// Unit is the engineering unit (e.g., "W", "Wh", "%")
	Unit string `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// Validate checks the descriptor can be mapped onto registers.
func (d ChannelDescriptor) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("%w: no declared type", ErrInvalidDescriptor)
	}
	if !d.Type.IsValid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDescriptor, d.Type)
	}
	if d.BitLength <= 0 {
		return fmt.Errorf("%w: no declared bit length", ErrInvalidDescriptor)
	}
	if d.BitLength%16 != 0 {
		return fmt.Errorf("%w: bit length %d is not a multiple of 16", ErrInvalidDescriptor, d.BitLength)
	}
	switch d.Kind {
	case "", ChannelKindReadOnly, ChannelKindConfig, ChannelKindRuntimeWrite:
	default:
		return fmt.Errorf("%w: unknown channel kind %q", ErrInvalidDescriptor, d.Kind)
	}
	return nil
}

// RegisterCount returns the number of 16-bit registers the channel occupies.
func (d ChannelDescriptor) RegisterCount() int {
	return d.BitLength / 16
}

// IsWritable returns true if a Modbus master may write the channel.
func (d ChannelDescriptor) IsWritable() bool {
	return d.Kind == ChannelKindConfig || d.Kind == ChannelKindRuntimeWrite
}

// IsValid reports whether t is one of the known data types.
func (t DataType) IsValid() bool {
	switch t {
	case DataTypeBool, DataTypeInt16, DataTypeUInt16, DataTypeInt32, DataTypeUInt32,
		DataTypeInt64, DataTypeUInt64, DataTypeFloat32, DataTypeFloat64, DataTypeString:
		return true
	}
	return false
}

// IsSigned returns true for two's-complement integer types.
func (t DataType) IsSigned() bool {
	return t == DataTypeInt16 || t == DataTypeInt32 || t == DataTypeInt64
}

// NaturalSize returns the byte width of the type, or 0 for strings.
func (t DataType) NaturalSize() int {
	switch t {
	case DataTypeBool, DataTypeInt16, DataTypeUInt16:
		return 2
	case DataTypeInt32, DataTypeUInt32, DataTypeFloat32:
		return 4
	case DataTypeInt64, DataTypeUInt64, DataTypeFloat64:
		return 8
	default:
		return 0
	}
}

// DefaultBitLength returns the natural register span of the type in bits.
// Strings have none and must declare their length explicitly.
func DefaultBitLength(t DataType) int {
	return t.NaturalSize() * 8
}
