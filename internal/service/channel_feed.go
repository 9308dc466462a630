package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/modbus-bridge/internal/adapter/mqtt"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/rs/zerolog"
)

// Subscriber is the part of the MQTT client the feed needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
}

// SampleSink receives parsed channel samples.
type SampleSink interface {
	Set(sample domain.ChannelSample) error
}

// FeedConfig holds configuration for the channel feed.
type FeedConfig struct {
	// TopicPrefix roots the value topics <prefix>/<component>/<channel>
	TopicPrefix string

	// QoS is the subscription QoS level
	QoS byte

	// QueueSize is the max number of samples to queue before dropping
	QueueSize int
}

// FeedStats tracks feed statistics.
type FeedStats struct {
	Received atomic.Uint64
	Applied  atomic.Uint64
	Rejected atomic.Uint64
	Dropped  atomic.Uint64 // Samples dropped because the queue was full
}

// ChannelFeed subscribes to channel value topics and applies the samples to
// the channel store. A bounded queue decouples the MQTT callback goroutine from
// the store.
type ChannelFeed struct {
	subscriber Subscriber
	sink       SampleSink
	config     FeedConfig
	logger     zerolog.Logger
	stats      *FeedStats
	running    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	queue      chan domain.ChannelSample
}

// NewChannelFeed creates a new channel feed.
func NewChannelFeed(subscriber Subscriber, sink SampleSink, config FeedConfig, logger zerolog.Logger) *ChannelFeed {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}

	return &ChannelFeed{
		subscriber: subscriber,
		sink:       sink,
		config:     config,
		logger:     logger.With().Str("component", "channel-feed").Logger(),
		stats:      &FeedStats{},
		queue:      make(chan domain.ChannelSample, config.QueueSize),
	}
}

// Topic returns the subscription filter.
func (f *ChannelFeed) Topic() string {
	return mqtt.ValueSubscription(f.config.TopicPrefix)
}

// Start subscribes to the value topics.
func (f *ChannelFeed) Start(ctx context.Context) error {
	if f.running.Load() {
		return nil
	}
	f.ctx, f.cancel = context.WithCancel(ctx)

	f.wg.Add(1)
	go f.processQueue()

	token := f.subscriber.Subscribe(f.Topic(), f.config.QoS, f.handleMessage)
	if token.Wait() && token.Error() != nil {
		f.cancel()
		f.wg.Wait()
		return fmt.Errorf("%w: %v", domain.ErrMQTTSubscribeFailed, token.Error())
	}

	f.running.Store(true)
	f.logger.Info().Str("topic", f.Topic()).Msg("Channel feed started")
	return nil
}

// Resubscribe renews the subscription after the broker dropped the session.
func (f *ChannelFeed) Resubscribe() error {
	if !f.running.Load() {
		return nil
	}
	token := f.subscriber.Subscribe(f.Topic(), f.config.QoS, f.handleMessage)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("%w: %v", domain.ErrMQTTSubscribeFailed, token.Error())
	}
	f.logger.Info().Str("topic", f.Topic()).Msg("Channel feed resubscribed")
	return nil
}

// Stop unsubscribes and drains the queue.
func (f *ChannelFeed) Stop() error {
	if !f.running.Load() {
		return nil
	}

	f.subscriber.Unsubscribe(f.Topic())
	f.cancel()
	f.wg.Wait()
	f.running.Store(false)

	f.logger.Info().Msg("Channel feed stopped")
	return nil
}

// handleMessage runs on the MQTT client goroutine and must not block.
func (f *ChannelFeed) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	f.stats.Received.Add(1)

	addr, err := mqtt.ParseValueTopic(f.config.TopicPrefix, msg.Topic())
	if err != nil {
		f.stats.Rejected.Add(1)
		f.logger.Debug().Err(err).Str("topic", msg.Topic()).Msg("Ignoring message on unexpected topic")
		return
	}

	sample, err := domain.ParsePayload(addr, msg.Payload())
	if err != nil {
		f.stats.Rejected.Add(1)
		f.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Failed to parse channel value")
		return
	}

	select {
	case f.queue <- sample:
	default:
		f.stats.Dropped.Add(1)
		f.logger.Warn().Str("channel", addr.String()).Msg("Channel value dropped: queue full (back-pressure)")
	}
}

func (f *ChannelFeed) processQueue() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			f.drainQueue()
			return
		case sample := <-f.queue:
			f.apply(sample)
		}
	}
}

func (f *ChannelFeed) drainQueue() {
	timeout := time.After(time.Second)
	for {
		select {
		case sample := <-f.queue:
			f.apply(sample)
		case <-timeout:
			return
		default:
			return
		}
	}
}

func (f *ChannelFeed) apply(sample domain.ChannelSample) {
	if err := f.sink.Set(sample); err != nil {
		f.stats.Rejected.Add(1)
		f.logger.Debug().Err(err).Str("channel", sample.Address.String()).Msg("Channel value not applied")
		return
	}
	f.stats.Applied.Add(1)
}

// Stats returns a snapshot of feed statistics.
func (f *ChannelFeed) Stats() map[string]uint64 {
	return map[string]uint64{
		"received": f.stats.Received.Load(),
		"applied":  f.stats.Applied.Load(),
		"rejected": f.stats.Rejected.Load(),
		"dropped":  f.stats.Dropped.Load(),
	}
}
