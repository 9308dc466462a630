package mqtt

import (
	"fmt"
	"strings"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
)

// ValueTopic returns the topic a channel's live value is published on.
func ValueTopic(prefix string, addr domain.ChannelAddress) string {
	return joinTopic(prefix, sanitizeTopicSegment(addr.Component), sanitizeTopicSegment(addr.Channel))
}

// CommandTopic returns the set topic for a channel.
func CommandTopic(prefix string, addr domain.ChannelAddress) string {
	return ValueTopic(prefix, addr) + "/set"
}

// ValueSubscription returns the wildcard filter matching every value topic.
func ValueSubscription(prefix string) string {
	return joinTopic(prefix, "+", "+")
}

// ParseValueTopic extracts the channel address from a value topic.
func ParseValueTopic(prefix, topic string) (domain.ChannelAddress, error) {
	rest := topic
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		if !strings.HasPrefix(topic, prefix+"/") {
			return domain.ChannelAddress{}, fmt.Errorf("%w: topic %q outside prefix %q", domain.ErrInvalidChannelAddress, topic, prefix)
		}
		rest = strings.TrimPrefix(topic, prefix+"/")
	}
	return domain.ParseChannelAddress(rest)
}

func joinTopic(prefix string, segments ...string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return strings.Join(segments, "/")
	}
	return prefix + "/" + strings.Join(segments, "/")
}

func sanitizeTopicSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "#", "_")
	s = strings.ReplaceAll(s, "+", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
