// Package mqtt connects the bridge to the platform's MQTT broker: channel values
// arrive on value topics and committed writes leave as set commands.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Publisher publishes set commands for channel writes to the MQTT broker.
// It implements domain.WriteSink.
type Publisher struct {
	config        Config
	client        pahomqtt.Client
	breaker       *gobreaker.CircuitBreaker
	logger        zerolog.Logger
	metrics       *metrics.Registry
	mu            sync.RWMutex
	connected     atomic.Bool
	reconnecting  atomic.Bool
	messageBuffer chan *BufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	stats         *PublisherStats
	newRequestID  func() string
	reconnectFns  []func(pahomqtt.Client)
}

// Config holds MQTT connection configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string
	BufferSize     int
	PublishTimeout time.Duration

	// TopicPrefix roots value topics <prefix>/<component>/<channel>
	// and command topics <prefix>/<component>/<channel>/set
	TopicPrefix string
}

// SetCommand is the payload published on a channel's set topic.
type SetCommand struct {
	RequestID string      `json:"request_id"`
	Value     interface{} `json:"value"`
	Source    string      `json:"source"`
	Timestamp int64       `json:"ts"`
}

// Command sources.
const (
	SourceRuntimeWrite = "runtime_write"
	SourceConfig       = "config"
)

// BufferedMessage represents a message waiting to be published.
type BufferedMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Timestamp time.Time
}

// PublisherStats tracks publisher performance metrics.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// StatsSnapshot holds a point-in-time copy of PublisherStats.
type StatsSnapshot struct {
	MessagesPublished uint64 `json:"messages_published"`
	MessagesFailed    uint64 `json:"messages_failed"`
	MessagesBuffered  uint64 `json:"messages_buffered"`
	BytesSent         uint64 `json:"bytes_sent"`
	ReconnectCount    uint64 `json:"reconnect_count"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "modbus-bridge",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     1000,
		PublishTimeout: 5 * time.Second,
		TopicPrefix:    "edge/channels",
	}
}

// NewPublisher creates a new MQTT publisher. Connect must be called before use.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Publisher {
	// Apply defaults
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	config.TopicPrefix = strings.TrimRight(config.TopicPrefix, "/")

	p := &Publisher{
		config:        config,
		logger:        logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:       metricsReg,
		messageBuffer: make(chan *BufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		stats:         &PublisherStats{},
		newRequestID:  func() string { return uuid.NewString() },
	}
	p.breaker = p.createCircuitBreaker()
	return p
}

func (p *Publisher) createCircuitBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mqtt-" + p.config.ClientID,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("MQTT circuit breaker state changed")
		},
	})
}

// Connect establishes the connection to the MQTT broker.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)
	// Retry the first connect in the background.
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(p.config.ReconnectDelay)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	if p.config.TLSEnabled {
		tlsConfig, err := p.createTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	client := pahomqtt.NewClient(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	p.done = make(chan struct{})
	p.wg.Add(1)
	go p.processBuffer()

	token := client.Connect()

	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case success := <-connectDone:
		if !success {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	// The on-connect callback might not have fired yet.
	p.connected.Store(true)

	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// Disconnect gracefully disconnects from the MQTT broker.
func (p *Publisher) Disconnect() {
	p.logger.Info().Msg("Disconnecting from MQTT broker")

	if p.done != nil {
		select {
		case <-p.done:
		default:
			close(p.done)
		}
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(1000)
	}

	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// CommandTopic returns the set topic for a channel.
func (p *Publisher) CommandTopic(addr domain.ChannelAddress) string {
	return CommandTopic(p.config.TopicPrefix, addr)
}

// WriteChannel implements domain.WriteSink by publishing a runtime-write set
// command. Commits are re-sent every arbiter cycle, so nothing is buffered
// while the broker is unreachable.
func (p *Publisher) WriteChannel(ctx context.Context, addr domain.ChannelAddress, value interface{}) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}

	payload, err := p.encodeCommand(value, SourceRuntimeWrite)
	if err != nil {
		return err
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publishRaw(ctx, p.CommandTopic(addr), payload, p.config.QoS)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.ErrCircuitBreakerOpen
	}
	return err
}

// PublishConfigValue forwards an applied configuration value to the platform.
// While disconnected the command is buffered and sent after reconnecting.
func (p *Publisher) PublishConfigValue(ctx context.Context, sample domain.ChannelSample) error {
	payload, err := p.encodeCommand(sample.Value, SourceConfig)
	if err != nil {
		return err
	}
	topic := p.CommandTopic(sample.Address)

	if !p.connected.Load() {
		return p.bufferMessage(topic, payload)
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publishRaw(ctx, topic, payload, p.config.QoS)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return p.bufferMessage(topic, payload)
	}
	return err
}

func (p *Publisher) encodeCommand(value interface{}, source string) ([]byte, error) {
	payload, err := json.Marshal(SetCommand{
		RequestID: p.newRequestID(),
		Value:     value,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize set command: %w", err)
	}
	return payload, nil
}

// publishRaw publishes raw payload to a topic.
func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte, qos byte) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	token := client.Publish(topic, qos, false, payload)

	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	select {
	case success := <-publishDone:
		if !success {
			p.recordPublish(false, 0)
			return fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		}
		if token.Error() != nil {
			p.recordPublish(false, 0)
			return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		p.recordPublish(false, 0)
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	p.recordPublish(true, len(payload))
	p.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("Published set command")
	return nil
}

func (p *Publisher) recordPublish(success bool, bytes int) {
	if success {
		p.stats.MessagesPublished.Add(1)
		p.stats.BytesSent.Add(uint64(bytes))
	} else {
		p.stats.MessagesFailed.Add(1)
	}
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(success)
	}
}

// bufferMessage adds a message to the buffer for later publishing.
func (p *Publisher) bufferMessage(topic string, payload []byte) error {
	msg := &BufferedMessage{
		Topic:     topic,
		Payload:   payload,
		QoS:       p.config.QoS,
		Timestamp: time.Now(),
	}
	defer p.updateBufferGauge()

	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
		// Buffer full, drop oldest message
		select {
		case <-p.messageBuffer:
			p.messageBuffer <- msg
			p.logger.Warn().Msg("Buffer full, dropped oldest message")
			return nil
		default:
			return fmt.Errorf("%w: message buffer full", domain.ErrMQTTPublishFailed)
		}
	}
}

func (p *Publisher) updateBufferGauge() {
	if p.metrics != nil {
		p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer))
	}
}

// processBuffer publishes buffered messages while connected.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			p.drainBuffer()
			return

		case msg := <-p.messageBuffer:
			p.updateBufferGauge()
			if p.connected.Load() {
				ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
				if err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS); err != nil {
					p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to publish buffered message")
				}
				cancel()
			} else {
				// Re-buffer if not connected
				select {
				case p.messageBuffer <- msg:
				default:
				}
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
}

// drainBuffer attempts to publish all remaining buffered messages.
func (p *Publisher) drainBuffer() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.messageBuffer:
			if p.connected.Load() {
				ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
				if err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS); err != nil {
					p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to drain buffered message")
				}
				cancel()
			}
		case <-timeout:
			if remaining := len(p.messageBuffer); remaining > 0 {
				p.logger.Warn().Int("count", remaining).Msg("Timeout draining buffer, messages dropped")
			}
			return
		default:
			return
		}
	}
}

// createTLSConfig creates TLS configuration for secure connections.
func (p *Publisher) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if p.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(p.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if p.config.TLSCertFile != "" && p.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLSCertFile, p.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// OnReconnect registers fn to run after the client reconnected to the broker.
// It runs on its own goroutine and may block on tokens.
func (p *Publisher) OnReconnect(fn func(pahomqtt.Client)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconnectFns = append(p.reconnectFns, fn)
}

func (p *Publisher) onConnect(client pahomqtt.Client) {
	p.connected.Store(true)
	wasReconnecting := p.reconnecting.Swap(false)
	p.logger.Info().Msg("MQTT connection established")

	if !wasReconnecting {
		return
	}
	p.mu.RLock()
	fns := make([]func(pahomqtt.Client), len(p.reconnectFns))
	copy(fns, p.reconnectFns)
	p.mu.RUnlock()
	for _, fn := range fns {
		go fn(client)
	}
}

func (p *Publisher) onConnectionLost(client pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	p.reconnecting.Store(true)
	p.stats.ReconnectCount.Add(1)
	if p.metrics != nil {
		p.metrics.RecordMQTTReconnect()
	}
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Stats returns a snapshot of publisher statistics.
func (p *Publisher) Stats() StatsSnapshot {
	return StatsSnapshot{
		MessagesPublished: p.stats.MessagesPublished.Load(),
		MessagesFailed:    p.stats.MessagesFailed.Load(),
		MessagesBuffered:  p.stats.MessagesBuffered.Load(),
		BytesSent:         p.stats.BytesSent.Load(),
		ReconnectCount:    p.stats.ReconnectCount.Load(),
	}
}

// BufferSize returns the current number of buffered messages.
func (p *Publisher) BufferSize() int {
	return len(p.messageBuffer)
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}

// Client returns the underlying MQTT client.
// The channel feed uses it to subscribe to value topics.
func (p *Publisher) Client() pahomqtt.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}
