package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/rs/zerolog"
)

var (
	soc      = domain.NewChannelAddress("ess0", "Soc")
	mode     = domain.NewChannelAddress("ess0", "Mode")
	setPoint = domain.NewChannelAddress("ess0", "SetActivePowerEquals")
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(zerolog.Nop(), nil)
	t.Cleanup(s.Close)
	errs := s.Load(map[domain.ChannelAddress]domain.ChannelDescriptor{
		soc:      {Type: domain.DataTypeUInt16, BitLength: 16, Kind: domain.ChannelKindReadOnly, Unit: "%"},
		mode:     {Type: domain.DataTypeUInt16, BitLength: 16, Kind: domain.ChannelKindConfig},
		setPoint: {Type: domain.DataTypeInt32, BitLength: 32, Kind: domain.ChannelKindRuntimeWrite, Unit: "W"},
	})
	if len(errs) != 0 {
		t.Fatalf("Load: %v", errs)
	}
	return s
}

func TestStore_Load_SkipsInvalid(t *testing.T) {
	s := NewStore(zerolog.Nop(), nil)
	errs := s.Load(map[domain.ChannelAddress]domain.ChannelDescriptor{
		soc:  {Type: domain.DataTypeUInt16, BitLength: 16},
		mode: {Type: domain.DataTypeUInt16, BitLength: 12},
	})
	if len(errs) != 1 || !errors.Is(errs[0], domain.ErrInvalidDescriptor) {
		t.Fatalf("expected one ErrInvalidDescriptor, got %v", errs)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 channel, got %d", s.Len())
	}
}

func TestStore_Load_DropsValuesOfRemovedChannels(t *testing.T) {
	s := newTestStore(t)
	s.SetValue(soc, 50)
	s.SetValue(mode, 1)

	s.Load(map[domain.ChannelAddress]domain.ChannelDescriptor{
		soc: {Type: domain.DataTypeUInt16, BitLength: 16},
	})

	if v, ok := s.CurrentValue(soc); !ok || v != 50 {
		t.Errorf("expected soc kept, got %v %v", v, ok)
	}
	if _, ok := s.CurrentValue(mode); ok {
		t.Error("expected mode value dropped")
	}
}

func TestStore_Set(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetValue(domain.NewChannelAddress("x", "y"), 1); !errors.Is(err, domain.ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}

	if err := s.Set(domain.ChannelSample{Address: soc, Value: 80, Quality: domain.QualityBad}); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.CurrentValue(soc); ok {
		t.Error("bad-quality sample should be unavailable")
	}

	s.SetValue(soc, 81)
	if v, ok := s.CurrentValue(soc); !ok || v != 81 {
		t.Errorf("expected 81, got %v %v", v, ok)
	}

	s.Invalidate(soc)
	if _, ok := s.CurrentValue(soc); ok {
		t.Error("invalidated sample should be unavailable")
	}
}

func TestStore_MaxAge(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.SetMaxAge(10 * time.Second)
	s.SetValue(soc, 50)

	now = now.Add(5 * time.Second)
	if _, ok := s.CurrentValue(soc); !ok {
		t.Error("fresh sample should be available")
	}
	now = now.Add(10 * time.Second)
	if _, ok := s.CurrentValue(soc); ok {
		t.Error("expired sample should be unavailable")
	}
}

func TestStore_ApplyConfigValue(t *testing.T) {
	s := newTestStore(t)

	notified := make(chan domain.ChannelSample, 4)
	s.OnConfigApplied(func(sample domain.ChannelSample) {
		notified <- sample
	})

	if err := s.ApplyConfigValue(mode, uint16(3)); err != nil {
		t.Fatalf("ApplyConfigValue: %v", err)
	}
	if v, _ := s.CurrentValue(mode); v != uint16(3) {
		t.Errorf("expected 3, got %v", v)
	}
	select {
	case got := <-notified:
		if got.Address != mode || got.Value != uint16(3) {
			t.Errorf("unexpected notification: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("listener was not notified")
	}

	tests := []struct {
		name string
		addr domain.ChannelAddress
		want error
	}{
		{"unknown channel", domain.NewChannelAddress("ess9", "Mode"), domain.ErrChannelNotFound},
		{"measurement", soc, domain.ErrChannelNotWritable},
		{"runtime write", setPoint, domain.ErrChannelNotWritable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.ApplyConfigValue(tt.addr, 1); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if len(notified) != 1 {
		t.Errorf("failed applies must not notify, got %d notifications", len(notified))
	}
}

func TestStore_ApplyConfigValue_SlowListener(t *testing.T) {
	s := newTestStore(t)

	release := make(chan struct{})
	defer close(release)
	s.OnConfigApplied(func(domain.ChannelSample) { <-release })

	// The listener blocks, so the queue overflows; callers must not.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < changeQueueSize+8; i++ {
			if err := s.ApplyConfigValue(mode, uint16(i)); err != nil {
				t.Errorf("ApplyConfigValue: %v", err)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ApplyConfigValue blocked on a slow listener")
	}
	if v, _ := s.CurrentValue(mode); v != uint16(changeQueueSize+7) {
		t.Errorf("current value = %v, want %d", v, changeQueueSize+7)
	}
}

func TestStore_WriteChannel(t *testing.T) {
	s := newTestStore(t)

	if err := s.WriteChannel(context.Background(), setPoint, int32(-2)); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.CurrentValue(setPoint); v != int32(-2) {
		t.Errorf("expected echoed setpoint, got %v", v)
	}
	if err := s.WriteChannel(context.Background(), domain.NewChannelAddress("a", "b"), 1); !errors.Is(err, domain.ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestStore_Snapshot(t *testing.T) {
	s := newTestStore(t)
	s.SetValue(soc, 42)

	var got []string
	for _, st := range s.Snapshot() {
		got = append(got, st.Address.String())
	}
	want := []string{"ess0/Mode", "ess0/SetActivePowerEquals", "ess0/Soc"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot order (-want +got):\n%s", diff)
	}
	if snap := s.Snapshot(); snap[2].Value != 42 || snap[2].Quality != domain.QualityGood {
		t.Errorf("unexpected soc state: %+v", snap[2])
	}
}
