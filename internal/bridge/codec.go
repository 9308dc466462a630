// Package bridge maps typed channels onto a Modbus register space.
package bridge

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/spf13/cast"
)

// EncodeValue converts a channel value into the big-endian register bytes of desc.
// The result is always 2*RegisterCount bytes long: narrower types are left-filled
// (0xFF for negative signed values, 0x00 otherwise), wider types are truncated to
// their least significant bytes.
func EncodeValue(value interface{}, desc domain.ChannelDescriptor) ([]byte, error) {
	if value == nil {
		return nil, domain.ErrChannelUnavailable
	}
	span := desc.RegisterCount() * 2
	if span <= 0 {
		return nil, fmt.Errorf("%w: empty register span", domain.ErrInvalidDescriptor)
	}

	if desc.Type == domain.DataTypeString {
		s, err := cast.ToStringE(value)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot convert %T to string", domain.ErrTypeConversion, value)
		}
		out := make([]byte, span)
		copy(out, s)
		return out, nil
	}

	natural, err := encodeNatural(value, desc.Type)
	if err != nil {
		return nil, err
	}
	return fitSpan(natural, span, desc.Type), nil
}

// encodeNatural encodes value at the natural width of t.
func encodeNatural(value interface{}, t domain.DataType) ([]byte, error) {
	out := make([]byte, t.NaturalSize())

	switch t {
	case domain.DataTypeBool:
		b, err := cast.ToBoolE(value)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot convert %T to bool", domain.ErrTypeConversion, value)
		}
		if b {
			out[1] = 1
		}

	case domain.DataTypeInt16:
		v, err := toInt64(value, math.MinInt16, math.MaxInt16)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint16(out, uint16(int16(v)))

	case domain.DataTypeUInt16:
		v, err := toUint64(value, math.MaxUint16)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint16(out, uint16(v))

	case domain.DataTypeInt32:
		v, err := toInt64(value, math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(out, uint32(int32(v)))

	case domain.DataTypeUInt32:
		v, err := toUint64(value, math.MaxUint32)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(out, uint32(v))

	case domain.DataTypeInt64:
		v, err := toInt64(value, math.MinInt64, math.MaxInt64)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint64(out, uint64(v))

	case domain.DataTypeUInt64:
		v, err := toUint64(value, math.MaxUint64)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint64(out, v)

	case domain.DataTypeFloat32:
		v, err := cast.ToFloat64E(value)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot convert %T to float32", domain.ErrTypeConversion, value)
		}
		binary.BigEndian.PutUint32(out, math.Float32bits(float32(v)))

	case domain.DataTypeFloat64:
		v, err := cast.ToFloat64E(value)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot convert %T to float64", domain.ErrTypeConversion, value)
		}
		binary.BigEndian.PutUint64(out, math.Float64bits(v))

	default:
		return nil, fmt.Errorf("%w: unsupported data type %s", domain.ErrTypeConversion, t)
	}

	return out, nil
}

// fitSpan widens or truncates a natural-width encoding to span bytes.
func fitSpan(natural []byte, span int, t domain.DataType) []byte {
	if len(natural) == span {
		return natural
	}

	out := make([]byte, span)
	if len(natural) > span {
		copy(out, natural[len(natural)-span:])
		return out
	}

	pad := span - len(natural)
	if t.IsSigned() && natural[0]&0x80 != 0 {
		for i := 0; i < pad; i++ {
			out[i] = 0xFF
		}
	}
	copy(out[pad:], natural)
	return out
}

// DecodeValue converts register bytes written by a master into a typed channel value.
// raw must be exactly the register span of desc. raw is sign-extended in place.
func DecodeValue(raw []byte, desc domain.ChannelDescriptor) (interface{}, error) {
	span := desc.RegisterCount() * 2
	if len(raw) != span || span == 0 {
		return nil, fmt.Errorf("%w: got %d bytes for a %d byte span", domain.ErrTypeConversion, len(raw), span)
	}

	if desc.Type == domain.DataTypeString {
		s := bytes.TrimRight(raw, "\x00")
		if !utf8.Valid(s) {
			return nil, fmt.Errorf("%w: invalid UTF-8 in string registers", domain.ErrTypeConversion)
		}
		return string(s), nil
	}

	SignExtend(raw, desc.Type)
	natural := naturalBytes(raw, desc.Type)

	switch desc.Type {
	case domain.DataTypeBool:
		for _, b := range natural {
			if b != 0 {
				return true, nil
			}
		}
		return false, nil

	case domain.DataTypeInt16:
		return int16(binary.BigEndian.Uint16(natural)), nil

	case domain.DataTypeUInt16:
		return binary.BigEndian.Uint16(natural), nil

	case domain.DataTypeInt32:
		return int32(binary.BigEndian.Uint32(natural)), nil

	case domain.DataTypeUInt32:
		return binary.BigEndian.Uint32(natural), nil

	case domain.DataTypeInt64:
		return int64(binary.BigEndian.Uint64(natural)), nil

	case domain.DataTypeUInt64:
		return binary.BigEndian.Uint64(natural), nil

	case domain.DataTypeFloat32:
		return math.Float32frombits(binary.BigEndian.Uint32(natural)), nil

	case domain.DataTypeFloat64:
		return math.Float64frombits(binary.BigEndian.Uint64(natural)), nil

	default:
		return nil, fmt.Errorf("%w: unsupported data type %s", domain.ErrTypeConversion, desc.Type)
	}
}

// SignExtend applies two's-complement sign extension to a register buffer that is
// wider than the natural width of a signed type. Starting at the most significant
// byte carried by the type, every leading zero byte is rewritten to 0xFF when that
// byte's sign bit is set, until a non-zero byte is met.
func SignExtend(buf []byte, t domain.DataType) {
	if !t.IsSigned() {
		return
	}
	msb := len(buf) - t.NaturalSize()
	if msb <= 0 || buf[msb]&0x80 == 0 {
		return
	}
	for i := msb - 1; i >= 0 && buf[i] == 0; i-- {
		buf[i] = 0xFF
	}
}

// naturalBytes returns raw at the natural width of t, dropping leading padding or
// extending a truncated span.
func naturalBytes(raw []byte, t domain.DataType) []byte {
	width := t.NaturalSize()
	if len(raw) >= width {
		return raw[len(raw)-width:]
	}

	out := make([]byte, width)
	pad := width - len(raw)
	if t.IsSigned() && raw[0]&0x80 != 0 {
		for i := 0; i < pad; i++ {
			out[i] = 0xFF
		}
	}
	copy(out[pad:], raw)
	return out
}

// toInt64 converts a value to int64 and checks it fits [lo, hi].
func toInt64(v interface{}, lo, hi int64) (int64, error) {
	switch f := v.(type) {
	case float32:
		return floatToInt64(float64(f), lo, hi)
	case float64:
		return floatToInt64(f, lo, hi)
	case uint64:
		if f > uint64(hi) {
			return 0, fmt.Errorf("%w: %d out of range", domain.ErrTypeConversion, f)
		}
		return int64(f), nil
	case uint:
		if uint64(f) > uint64(hi) {
			return 0, fmt.Errorf("%w: %d out of range", domain.ErrTypeConversion, f)
		}
		return int64(f), nil
	}

	n, err := cast.ToInt64E(v)
	if err != nil {
		return 0, fmt.Errorf("%w: cannot convert %T to integer", domain.ErrTypeConversion, v)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %d out of range [%d, %d]", domain.ErrTypeConversion, n, lo, hi)
	}
	return n, nil
}

// toUint64 converts a value to uint64 and checks it fits [0, limit].
func toUint64(v interface{}, limit uint64) (uint64, error) {
	var n uint64
	switch f := v.(type) {
	case float32:
		u, err := floatToUint64(float64(f))
		if err != nil {
			return 0, err
		}
		n = u
	case float64:
		u, err := floatToUint64(f)
		if err != nil {
			return 0, err
		}
		n = u
	case uint64:
		n = f
	case uint:
		n = uint64(f)
	case uint32:
		n = uint64(f)
	case uint16:
		n = uint64(f)
	case uint8:
		n = uint64(f)
	default:
		i, err := cast.ToInt64E(v)
		if err != nil {
			return 0, fmt.Errorf("%w: cannot convert %T to unsigned integer", domain.ErrTypeConversion, v)
		}
		if i < 0 {
			return 0, fmt.Errorf("%w: negative value %d for unsigned type", domain.ErrTypeConversion, i)
		}
		n = uint64(i)
	}

	if n > limit {
		return 0, fmt.Errorf("%w: %d out of range [0, %d]", domain.ErrTypeConversion, n, limit)
	}
	return n, nil
}

// floatToInt64 truncates f toward zero and checks it fits [lo, hi].
// floatToUint64 truncates f and accepts the full [0, 2^64) range.
func floatToUint64(f float64) (uint64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v is not a finite number", domain.ErrTypeConversion, f)
	}
	t := math.Trunc(f)
	if t < 0 || t >= 1<<64 {
		return 0, fmt.Errorf("%w: %v out of range [0, %d]", domain.ErrTypeConversion, f, uint64(math.MaxUint64))
	}
	return uint64(t), nil
}

func floatToInt64(f float64, lo, hi int64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v is not a finite number", domain.ErrTypeConversion, f)
	}
	t := math.Trunc(f)
	if t < float64(lo) || t > float64(hi) || t >= 1<<63 {
		return 0, fmt.Errorf("%w: %v out of range [%d, %d]", domain.ErrTypeConversion, f, lo, hi)
	}
	return int64(t), nil
}
