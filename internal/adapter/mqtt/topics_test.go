package mqtt

import (
	"errors"
	"testing"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
)

func TestTopics(t *testing.T) {
	addr := domain.NewChannelAddress("ess0", "SetActivePowerEquals")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"value", ValueTopic("edge/channels", addr), "edge/channels/ess0/SetActivePowerEquals"},
		{"command", CommandTopic("edge/channels/", addr), "edge/channels/ess0/SetActivePowerEquals/set"},
		{"no prefix", ValueTopic("", addr), "ess0/SetActivePowerEquals"},
		{"subscription", ValueSubscription("edge/channels"), "edge/channels/+/+"},
		{"sanitized", ValueTopic("p", domain.NewChannelAddress("a+b", "c#d")), "p/a_b/c_d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, tt.got)
			}
		})
	}
}

func TestParseValueTopic(t *testing.T) {
	addr, err := ParseValueTopic("edge/channels", "edge/channels/meter0/ActivePower")
	if err != nil {
		t.Fatal(err)
	}
	if addr != domain.NewChannelAddress("meter0", "ActivePower") {
		t.Errorf("unexpected address %v", addr)
	}

	for _, topic := range []string{"other/meter0/ActivePower", "edge/channels/meter0", "edge/channels/a/b/set"} {
		if _, err := ParseValueTopic("edge/channels", topic); !errors.Is(err, domain.ErrInvalidChannelAddress) {
			t.Errorf("%q: expected ErrInvalidChannelAddress, got %v", topic, err)
		}
	}
}
