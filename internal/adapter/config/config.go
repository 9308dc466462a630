// Package config provides configuration management for the Modbus bridge.
// It supports environment variables, config files (YAML/JSON), defaults and
// live reload of the config file.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/spf13/viper"
)

// DefaultChannelTimeoutSeconds is used when bridge.channel_timeout is absent or negative.
const DefaultChannelTimeoutSeconds = 60

// Config holds all configuration for the Modbus bridge.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// ChannelsConfigPath is the path to the channel catalog file
	ChannelsConfigPath string `mapstructure:"channels_config_path"`

	// Bridge endpoint configuration
	Bridge BridgeConfig `mapstructure:"bridge"`

	// Write arbiter configuration
	Arbiter ArbiterConfig `mapstructure:"arbiter"`

	// Channel store configuration
	Channels ChannelsConfig `mapstructure:"channels"`

	// HTTP server configuration
	HTTP HTTPConfig `mapstructure:"http"`

	// API security configuration
	API APIConfig `mapstructure:"api"`

	// MQTT configuration
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// BridgeConfig holds the Modbus/TCP endpoint configuration.
type BridgeConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	Port          int           `mapstructure:"port"`
	UnitID        int           `mapstructure:"unit_id"`
	MaxClients    int           `mapstructure:"max_clients"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`

	// Mapping maps a decimal register address to a component/channel address
	Mapping map[string]string `mapstructure:"mapping"`

	// ChannelTimeout is the runtime write hold time in seconds
	ChannelTimeout int `mapstructure:"channel_timeout"`

	// ClearWriteBuffer resets a channel's write buffer after each decode
	ClearWriteBuffer bool `mapstructure:"clear_write_buffer"`
}

// ArbiterConfig holds write arbiter configuration.
type ArbiterConfig struct {
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// ChannelsConfig holds channel store configuration.
type ChannelsConfig struct {
	// MaxAge marks values older than this unavailable; 0 disables expiry
	MaxAge time.Duration `mapstructure:"max_age"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// APIConfig holds API security configuration.
type APIConfig struct {
	// AuthEnabled requires an API key on mutating endpoints
	AuthEnabled bool   `mapstructure:"auth_enabled"`
	APIKey      string `mapstructure:"api_key"`

	// MaxRequestBodySize limits request bodies in bytes
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`

	// AllowedOrigins for CORS; empty allows all
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
	BufferSize     int           `mapstructure:"buffer_size"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QueueSize      int           `mapstructure:"queue_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// MappingEntry is one parsed bridge.mapping line.
type MappingEntry struct {
	Ref     int
	Address domain.ChannelAddress
}

// ChannelTimeoutDuration returns the runtime write hold time.
// Absent, zero or negative values select the default.
func (b BridgeConfig) ChannelTimeoutDuration() time.Duration {
	if b.ChannelTimeout <= 0 {
		return DefaultChannelTimeoutSeconds * time.Second
	}
	return time.Duration(b.ChannelTimeout) * time.Second
}

// MappingEntries parses the mapping ordered by register address. Lines that
// cannot be parsed are returned as errors and left out.
func (b BridgeConfig) MappingEntries() ([]MappingEntry, []error) {
	var errs []error
	entries := make([]MappingEntry, 0, len(b.Mapping))

	for key, value := range b.Mapping {
		ref, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || ref < 0 || ref > 65535 {
			errs = append(errs, fmt.Errorf("%w: register address %q is not a number in [0, 65535]", domain.ErrInvalidMappingEntry, key))
			continue
		}
		addr, err := domain.ParseChannelAddress(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: register %d: %v", domain.ErrInvalidMappingEntry, ref, err))
			continue
		}
		entries = append(entries, MappingEntry{Ref: ref, Address: addr})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Ref < entries[j].Ref })
	return entries, errs
}

// ListenerChanged reports whether switching from b to other requires a new listener.
func (b BridgeConfig) ListenerChanged(other BridgeConfig) bool {
	return b.ListenAddress != other.ListenAddress ||
		b.Port != other.Port ||
		b.UnitID != other.UnitID ||
		b.MaxClients != other.MaxClients ||
		b.IdleTimeout != other.IdleTimeout
}

// Loader reads the configuration and watches the config file for changes.
type Loader struct {
	v  *viper.Viper
	mu sync.Mutex
}

// NewLoader creates a loader. An empty configFile searches the default paths.
func NewLoader(configFile string) *Loader {
	v := viper.New()

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/modbus-bridge")
	}

	// Environment variable binding
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	return &Loader{v: v}
}

// Load reads the config file (optional) and returns the validated configuration.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, will use defaults and env vars
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFile returns the path of the config file in use, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the new configuration whenever the config file is
// written. Invalid configurations are passed to onError and otherwise ignored.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reloading %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Load loads configuration from the default paths and environment variables.
func Load() (*Config, error) {
	return NewLoader("").Load()
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Environment
	v.SetDefault("environment", "development")
	v.SetDefault("channels_config_path", "./config/channels.yaml")

	// Bridge
	v.SetDefault("bridge.listen_address", "0.0.0.0")
	v.SetDefault("bridge.port", 502)
	v.SetDefault("bridge.unit_id", 1)
	v.SetDefault("bridge.max_clients", 5)
	v.SetDefault("bridge.idle_timeout", 30*time.Second)
	v.SetDefault("bridge.mapping", map[string]string{})
	v.SetDefault("bridge.channel_timeout", DefaultChannelTimeoutSeconds)
	v.SetDefault("bridge.clear_write_buffer", false)

	// Arbiter
	v.SetDefault("arbiter.cycle_interval", 1*time.Second)
	v.SetDefault("arbiter.write_timeout", 5*time.Second)

	// Channels
	v.SetDefault("channels.max_age", 0)

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// API
	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.max_request_body_size", 65536)
	v.SetDefault("api.allowed_origins", []string{})

	// MQTT
	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "modbus-bridge")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.buffer_size", 1000)
	v.SetDefault("mqtt.topic_prefix", "edge/channels")
	v.SetDefault("mqtt.queue_size", 1000)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	// MQTT environment variables
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")

	// General environment variables
	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("channels_config_path", "CHANNELS_CONFIG_PATH")

	// Bridge
	_ = v.BindEnv("bridge.port", "MODBUS_PORT")
	_ = v.BindEnv("bridge.unit_id", "MODBUS_UNIT_ID")

	// HTTP
	_ = v.BindEnv("http.port", "HTTP_PORT")
	_ = v.BindEnv("api.api_key", "API_KEY")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Bridge.Port <= 0 || c.Bridge.Port > 65535 {
		return fmt.Errorf("%w: invalid bridge port: %d", domain.ErrInvalidConfig, c.Bridge.Port)
	}
	if c.Bridge.UnitID < 0 || c.Bridge.UnitID > 255 {
		return fmt.Errorf("%w: bridge unit id must be between 0 and 255, got %d", domain.ErrInvalidConfig, c.Bridge.UnitID)
	}
	if c.Bridge.MaxClients <= 0 {
		return fmt.Errorf("%w: bridge max clients must be positive", domain.ErrInvalidConfig)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: invalid HTTP port: %d", domain.ErrInvalidConfig, c.HTTP.Port)
	}
	if c.HTTP.Port == c.Bridge.Port {
		return fmt.Errorf("%w: HTTP and bridge port are both %d", domain.ErrInvalidConfig, c.HTTP.Port)
	}
	if c.API.AuthEnabled && c.API.APIKey == "" {
		return fmt.Errorf("%w: API auth is enabled but no API key is set", domain.ErrInvalidConfig)
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("%w: MQTT broker URL is required", domain.ErrInvalidConfig)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: MQTT QoS must be 0, 1 or 2", domain.ErrInvalidConfig)
	}
	return nil
}
