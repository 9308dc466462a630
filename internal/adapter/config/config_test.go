package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, "config.yaml", "environment: test\n")

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bridge.Port != 502 {
		t.Errorf("Bridge.Port = %d, want 502", cfg.Bridge.Port)
	}
	if cfg.Bridge.UnitID != 1 {
		t.Errorf("Bridge.UnitID = %d, want 1", cfg.Bridge.UnitID)
	}
	if cfg.Bridge.MaxClients != 5 {
		t.Errorf("Bridge.MaxClients = %d, want 5", cfg.Bridge.MaxClients)
	}
	if cfg.Bridge.ClearWriteBuffer {
		t.Error("Bridge.ClearWriteBuffer should default to false")
	}
	if got := cfg.Bridge.ChannelTimeoutDuration(); got != 60*time.Second {
		t.Errorf("ChannelTimeoutDuration() = %v, want 60s", got)
	}
	if cfg.MQTT.TopicPrefix != "edge/channels" {
		t.Errorf("MQTT.TopicPrefix = %q", cfg.MQTT.TopicPrefix)
	}
	if cfg.Environment != "test" {
		t.Errorf("Environment = %q, want test", cfg.Environment)
	}
}

func TestLoad_BridgeSection(t *testing.T) {
	path := writeFile(t, "config.yaml", `
bridge:
  port: 5020
  unit_id: 7
  max_clients: 2
  channel_timeout: 15
  clear_write_buffer: true
  mapping:
    "0": meter0/ActivePower
    "2": ess0/SetActivePowerEquals
`)

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bridge.Port != 5020 || cfg.Bridge.UnitID != 7 || cfg.Bridge.MaxClients != 2 {
		t.Errorf("unexpected bridge section: %+v", cfg.Bridge)
	}
	if !cfg.Bridge.ClearWriteBuffer {
		t.Error("ClearWriteBuffer not loaded")
	}
	if got := cfg.Bridge.ChannelTimeoutDuration(); got != 15*time.Second {
		t.Errorf("ChannelTimeoutDuration() = %v, want 15s", got)
	}

	entries, errs := cfg.Bridge.MappingEntries()
	if len(errs) != 0 {
		t.Fatalf("MappingEntries() errors = %v", errs)
	}
	want := []MappingEntry{
		{Ref: 0, Address: domain.NewChannelAddress("meter0", "ActivePower")},
		{Ref: 2, Address: domain.NewChannelAddress("ess0", "SetActivePowerEquals")},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("MappingEntries() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeFile(t, "config.yaml", "bridge:\n  port: 5020\n")
	t.Setenv("MODBUS_PORT", "1502")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bridge.Port != 1502 {
		t.Errorf("Bridge.Port = %d, want 1502", cfg.Bridge.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := writeFile(t, "config.yaml", "bridge: [unclosed\n")
	if _, err := NewLoader(path).Load(); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestChannelTimeoutDuration(t *testing.T) {
	tests := []struct {
		seconds int
		want    time.Duration
	}{
		{seconds: 30, want: 30 * time.Second},
		{seconds: 0, want: 60 * time.Second},
		{seconds: -5, want: 60 * time.Second},
	}
	for _, tt := range tests {
		got := BridgeConfig{ChannelTimeout: tt.seconds}.ChannelTimeoutDuration()
		if got != tt.want {
			t.Errorf("ChannelTimeoutDuration(%d) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestMappingEntries_SkipsInvalid(t *testing.T) {
	b := BridgeConfig{Mapping: map[string]string{
		"10":    "ess0/Soc",
		"x":     "ess0/Mode",
		"70000": "ess0/Mode",
		"4":     "no-slash",
	}}

	entries, errs := b.MappingEntries()
	if len(entries) != 1 || entries[0].Ref != 10 {
		t.Errorf("entries = %+v, want only ref 10", entries)
	}
	if len(errs) != 3 {
		t.Fatalf("got %d errors, want 3: %v", len(errs), errs)
	}
	for _, err := range errs {
		if !errors.Is(err, domain.ErrInvalidMappingEntry) {
			t.Errorf("error %v does not wrap ErrInvalidMappingEntry", err)
		}
	}
}

func TestListenerChanged(t *testing.T) {
	base := BridgeConfig{Port: 502, UnitID: 1, MaxClients: 5, Mapping: map[string]string{"0": "a/b"}}

	remapped := base
	remapped.Mapping = map[string]string{"1": "a/b"}
	remapped.ChannelTimeout = 10
	if base.ListenerChanged(remapped) {
		t.Error("mapping and timeout changes should not restart the listener")
	}

	for name, mutate := range map[string]func(*BridgeConfig){
		"port":        func(b *BridgeConfig) { b.Port = 503 },
		"unit id":     func(b *BridgeConfig) { b.UnitID = 2 },
		"max clients": func(b *BridgeConfig) { b.MaxClients = 1 },
	} {
		changed := base
		mutate(&changed)
		if !base.ListenerChanged(changed) {
			t.Errorf("%s change should restart the listener", name)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Bridge: BridgeConfig{Port: 502, UnitID: 1, MaxClients: 5},
			HTTP:   HTTPConfig{Port: 8080},
			MQTT:   MQTTConfig{Enabled: true, BrokerURL: "tcp://localhost:1883", QoS: 1},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Bridge.Port = 0 }},
		{"port too large", func(c *Config) { c.Bridge.Port = 70000 }},
		{"unit id too large", func(c *Config) { c.Bridge.UnitID = 256 }},
		{"no clients", func(c *Config) { c.Bridge.MaxClients = 0 }},
		{"port clash", func(c *Config) { c.HTTP.Port = 502 }},
		{"missing broker", func(c *Config) { c.MQTT.BrokerURL = "" }},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }},
		{"auth without key", func(c *Config) { c.API.AuthEnabled = true }},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, domain.ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}

	disabled := valid()
	disabled.MQTT = MQTTConfig{Enabled: false}
	if err := disabled.Validate(); err != nil {
		t.Errorf("disabled MQTT should not need a broker: %v", err)
	}
}
