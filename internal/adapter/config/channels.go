package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"gopkg.in/yaml.v3"
)

// ChannelsFile represents the structure of the channel catalog file.
type ChannelsFile struct {
	Version  string          `yaml:"version"`
	Channels []ChannelConfig `yaml:"channels"`
}

// ChannelConfig represents one catalog entry in the YAML file.
type ChannelConfig struct {
	Component string `yaml:"component"`
	Channel   string `yaml:"channel"`
	Type      string `yaml:"type"`
	BitLength int    `yaml:"bit_length,omitempty"`
	Kind      string `yaml:"kind,omitempty"`
	Unit      string `yaml:"unit,omitempty"`

	// Initial is an optional value the store starts with
	Initial interface{} `yaml:"initial,omitempty"`
}

// Catalog is the loaded channel catalog.
type Catalog struct {
	Descriptors map[domain.ChannelAddress]domain.ChannelDescriptor
	Initial     map[domain.ChannelAddress]interface{}
}

// LoadChannels loads the channel catalog from a YAML file.
func LoadChannels(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("channels config file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read channels config: %w", err)
	}
	return ParseChannels(data)
}

// ParseChannels parses a channel catalog document.
func ParseChannels(data []byte) (*Catalog, error) {
	var file ChannelsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse channels config: %w", err)
	}

	catalog := &Catalog{
		Descriptors: make(map[domain.ChannelAddress]domain.ChannelDescriptor, len(file.Channels)),
		Initial:     make(map[domain.ChannelAddress]interface{}),
	}

	for i, cfg := range file.Channels {
		addr, desc, err := cfg.toDomain()
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", i, err)
		}
		if _, exists := catalog.Descriptors[addr]; exists {
			return nil, fmt.Errorf("duplicate channel: %s", addr)
		}
		catalog.Descriptors[addr] = desc
		if cfg.Initial != nil {
			catalog.Initial[addr] = cfg.Initial
		}
	}

	return catalog, nil
}

// toDomain converts a ChannelConfig to a domain address and descriptor.
func (c ChannelConfig) toDomain() (domain.ChannelAddress, domain.ChannelDescriptor, error) {
	if c.Component == "" || c.Channel == "" {
		return domain.ChannelAddress{}, domain.ChannelDescriptor{},
			fmt.Errorf("%w: component and channel are required", domain.ErrInvalidChannelAddress)
	}
	addr := domain.NewChannelAddress(c.Component, c.Channel)

	desc := domain.ChannelDescriptor{
		Type:      domain.DataType(strings.ToLower(c.Type)),
		BitLength: c.BitLength,
		Kind:      domain.ChannelKind(strings.ToLower(c.Kind)),
		Unit:      c.Unit,
	}
	if desc.Kind == "" {
		desc.Kind = domain.ChannelKindReadOnly
	}
	if desc.BitLength == 0 {
		desc.BitLength = domain.DefaultBitLength(desc.Type)
	}
	if err := desc.Validate(); err != nil {
		return addr, desc, fmt.Errorf("%s: %w", addr, err)
	}
	return addr, desc, nil
}
