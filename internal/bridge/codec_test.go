package bridge

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
)

func desc(t domain.DataType, bits int) domain.ChannelDescriptor {
	return domain.ChannelDescriptor{Type: t, BitLength: bits, Kind: domain.ChannelKindConfig}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		dt    domain.DataType
		bits  int
		value interface{}
	}{
		{"bool true", domain.DataTypeBool, 16, true},
		{"bool false", domain.DataTypeBool, 16, false},
		{"int16 min", domain.DataTypeInt16, 16, int16(math.MinInt16)},
		{"int16 max", domain.DataTypeInt16, 16, int16(math.MaxInt16)},
		{"int16 minus one", domain.DataTypeInt16, 16, int16(-1)},
		{"uint16 max", domain.DataTypeUInt16, 16, uint16(math.MaxUint16)},
		{"int32 min", domain.DataTypeInt32, 32, int32(math.MinInt32)},
		{"int32 max", domain.DataTypeInt32, 32, int32(math.MaxInt32)},
		{"uint32 max", domain.DataTypeUInt32, 32, uint32(math.MaxUint32)},
		{"int64 min", domain.DataTypeInt64, 64, int64(math.MinInt64)},
		{"int64 max", domain.DataTypeInt64, 64, int64(math.MaxInt64)},
		{"uint64 max", domain.DataTypeUInt64, 64, uint64(math.MaxUint64)},
		{"float32", domain.DataTypeFloat32, 32, float32(-12.5)},
		{"float64", domain.DataTypeFloat64, 64, math.Pi},
		{"string", domain.DataTypeString, 64, "abc"},
		{"int16 widened", domain.DataTypeInt16, 32, int16(-300)},
		{"int32 widened", domain.DataTypeInt32, 64, int32(-70000)},
		{"uint16 widened", domain.DataTypeUInt16, 32, uint16(40000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := desc(tt.dt, tt.bits)
			raw, err := EncodeValue(tt.value, d)
			if err != nil {
				t.Fatalf("EncodeValue: %v", err)
			}
			if len(raw) != tt.bits/8 {
				t.Fatalf("expected %d bytes, got %d", tt.bits/8, len(raw))
			}
			got, err := DecodeValue(raw, d)
			if err != nil {
				t.Fatalf("DecodeValue: %v", err)
			}
			if diff := cmp.Diff(tt.value, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeDecode_FloatBoundaries(t *testing.T) {
	f32 := []float32{
		math.MaxFloat32,
		-math.MaxFloat32,
		math.SmallestNonzeroFloat32,
		float32(math.Copysign(0, -1)),
		float32(math.Inf(1)),
		float32(math.Inf(-1)),
		float32(math.NaN()),
	}
	for _, v := range f32 {
		d := desc(domain.DataTypeFloat32, 32)
		raw, err := EncodeValue(v, d)
		if err != nil {
			t.Fatalf("EncodeValue(%v): %v", v, err)
		}
		got, err := DecodeValue(raw, d)
		if err != nil {
			t.Fatalf("DecodeValue(%v): %v", v, err)
		}
		g, ok := got.(float32)
		if !ok {
			t.Fatalf("DecodeValue(%v) returned %T", v, got)
		}
		if math.IsNaN(float64(v)) {
			if !math.IsNaN(float64(g)) {
				t.Errorf("NaN decoded as %v", g)
			}
			continue
		}
		if math.Float32bits(g) != math.Float32bits(v) {
			t.Errorf("float32 %v: got %v (bits %#x, want %#x)", v, g, math.Float32bits(g), math.Float32bits(v))
		}
	}

	f64 := []float64{
		math.MaxFloat64,
		-math.MaxFloat64,
		math.SmallestNonzeroFloat64,
		math.Copysign(0, -1),
		math.Inf(1),
		math.Inf(-1),
		math.NaN(),
	}
	for _, v := range f64 {
		d := desc(domain.DataTypeFloat64, 64)
		raw, err := EncodeValue(v, d)
		if err != nil {
			t.Fatalf("EncodeValue(%v): %v", v, err)
		}
		got, err := DecodeValue(raw, d)
		if err != nil {
			t.Fatalf("DecodeValue(%v): %v", v, err)
		}
		g, ok := got.(float64)
		if !ok {
			t.Fatalf("DecodeValue(%v) returned %T", v, got)
		}
		if math.IsNaN(v) {
			if !math.IsNaN(g) {
				t.Errorf("NaN decoded as %v", g)
			}
			continue
		}
		if math.Float64bits(g) != math.Float64bits(v) {
			t.Errorf("float64 %v: got %v (bits %#x, want %#x)", v, g, math.Float64bits(g), math.Float64bits(v))
		}
	}
}

func TestEncodeValue_Layout(t *testing.T) {
	tests := []struct {
		name  string
		d     domain.ChannelDescriptor
		value interface{}
		want  []byte
	}{
		{"int32 big endian", desc(domain.DataTypeInt32, 32), int32(1000), []byte{0x00, 0x00, 0x03, 0xE8}},
		{"negative int16 left filled", desc(domain.DataTypeInt16, 32), int16(-2), []byte{0xFF, 0xFF, 0xFF, 0xFE}},
		{"positive int16 zero filled", desc(domain.DataTypeInt16, 32), int16(2), []byte{0x00, 0x00, 0x00, 0x02}},
		{"uint16 zero filled", desc(domain.DataTypeUInt16, 32), uint16(0xFFFE), []byte{0x00, 0x00, 0xFF, 0xFE}},
		{"int32 truncated", desc(domain.DataTypeInt32, 16), int32(0x12345678), []byte{0x56, 0x78}},
		{"bool low byte", desc(domain.DataTypeBool, 16), true, []byte{0x00, 0x01}},
		{"string nul padded", desc(domain.DataTypeString, 48), "hi", []byte{'h', 'i', 0, 0, 0, 0}},
		{"string truncated", desc(domain.DataTypeString, 16), "hello", []byte{'h', 'e'}},
		{"coerced from int", desc(domain.DataTypeInt32, 32), 1000, []byte{0x00, 0x00, 0x03, 0xE8}},
		{"coerced from float", desc(domain.DataTypeInt16, 16), 12.9, []byte{0x00, 0x0C}},
		{"coerced from string", desc(domain.DataTypeUInt16, 16), "513", []byte{0x02, 0x01}},
		{"uint64 from float above int64", desc(domain.DataTypeUInt64, 64), float64(1 << 63), []byte{0x80, 0, 0, 0, 0, 0, 0, 0}},
		{"uint64 from largest float below 2^64", desc(domain.DataTypeUInt64, 64), math.Nextafter(1<<64, 0), []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xF8, 0x00}},
		{"uint32 from float32", desc(domain.DataTypeUInt32, 32), float32(4e9), []byte{0xEE, 0x6B, 0x28, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeValue(tt.value, tt.d)
			if err != nil {
				t.Fatalf("EncodeValue: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("bytes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeValue_Failures(t *testing.T) {
	tests := []struct {
		name  string
		d     domain.ChannelDescriptor
		value interface{}
		want  error
	}{
		{"nil value", desc(domain.DataTypeInt16, 16), nil, domain.ErrChannelUnavailable},
		{"int16 overflow", desc(domain.DataTypeInt16, 16), 40000, domain.ErrTypeConversion},
		{"negative unsigned", desc(domain.DataTypeUInt32, 32), -1, domain.ErrTypeConversion},
		{"uint64 too large for int64", desc(domain.DataTypeInt64, 64), uint64(math.MaxUint64), domain.ErrTypeConversion},
		{"NaN to integer", desc(domain.DataTypeInt32, 32), math.NaN(), domain.ErrTypeConversion},
		{"infinity to unsigned", desc(domain.DataTypeUInt64, 64), math.Inf(1), domain.ErrTypeConversion},
		{"float 2^64 to uint64", desc(domain.DataTypeUInt64, 64), float64(1 << 64), domain.ErrTypeConversion},
		{"negative float to unsigned", desc(domain.DataTypeUInt16, 16), -1.5, domain.ErrTypeConversion},
		{"not a number", desc(domain.DataTypeInt32, 32), "abc", domain.ErrTypeConversion},
		{"not a bool", desc(domain.DataTypeBool, 16), "maybe", domain.ErrTypeConversion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeValue(tt.value, tt.d)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name string
		d    domain.ChannelDescriptor
		raw  []byte
		want interface{}
	}{
		{"int32", desc(domain.DataTypeInt32, 32), []byte{0x00, 0x00, 0x03, 0xE8}, int32(1000)},
		{"int32 lone high word", desc(domain.DataTypeInt32, 32), []byte{0xFF, 0xFF, 0x03, 0xE8}, int32(-64536)},
		{"int16 sign extended padding", desc(domain.DataTypeInt16, 32), []byte{0x00, 0x00, 0xFF, 0xFE}, int16(-2)},
		{"bool any non-zero", desc(domain.DataTypeBool, 16), []byte{0x01, 0x00}, true},
		{"bool zero", desc(domain.DataTypeBool, 16), []byte{0x00, 0x00}, false},
		{"string trimmed", desc(domain.DataTypeString, 48), []byte{'o', 'k', 0, 0, 0, 0}, "ok"},
		{"int32 from one register", desc(domain.DataTypeInt32, 16), []byte{0xFF, 0xFE}, int32(-2)},
		{"uint32 from one register", desc(domain.DataTypeUInt32, 16), []byte{0xFF, 0xFE}, uint32(0xFFFE)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeValue(append([]byte(nil), tt.raw...), tt.d)
			if err != nil {
				t.Fatalf("DecodeValue: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("value mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeValue_Failures(t *testing.T) {
	if _, err := DecodeValue([]byte{0x00}, desc(domain.DataTypeInt16, 16)); !errors.Is(err, domain.ErrTypeConversion) {
		t.Errorf("short buffer: expected ErrTypeConversion, got %v", err)
	}
	if _, err := DecodeValue([]byte{0xFF, 0xFE}, desc(domain.DataTypeString, 16)); !errors.Is(err, domain.ErrTypeConversion) {
		t.Errorf("invalid UTF-8: expected ErrTypeConversion, got %v", err)
	}
}

func TestSignExtend(t *testing.T) {
	tests := []struct {
		name string
		dt   domain.DataType
		in   []byte
		want []byte
	}{
		{"negative int16 in 4 bytes", domain.DataTypeInt16, []byte{0, 0, 0xFF, 0xFE}, []byte{0xFF, 0xFF, 0xFF, 0xFE}},
		{"positive int16 untouched", domain.DataTypeInt16, []byte{0, 0, 0x7F, 0xFE}, []byte{0, 0, 0x7F, 0xFE}},
		{"stops at non-zero byte", domain.DataTypeInt16, []byte{0, 0x12, 0x80, 0x00}, []byte{0, 0x12, 0x80, 0x00}},
		{"natural width untouched", domain.DataTypeInt32, []byte{0, 0, 0x80, 0}, []byte{0, 0, 0x80, 0}},
		{"unsigned untouched", domain.DataTypeUInt16, []byte{0, 0, 0xFF, 0xFE}, []byte{0, 0, 0xFF, 0xFE}},
		{"int32 in 8 bytes", domain.DataTypeInt32, []byte{0, 0, 0, 0, 0x80, 0, 0, 1}, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x80, 0, 0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := append([]byte(nil), tt.in...)
			SignExtend(buf, tt.dt)
			if diff := cmp.Diff(tt.want, buf); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
