package mocks

import (
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken is a completed MQTT token.
type MockToken struct {
	Err error
}

// Wait implements pahomqtt.Token.
func (t *MockToken) Wait() bool { return true }

// WaitTimeout implements pahomqtt.Token.
func (t *MockToken) WaitTimeout(time.Duration) bool { return true }

// Done implements pahomqtt.Token.
func (t *MockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Error implements pahomqtt.Token.
func (t *MockToken) Error() error { return t.Err }

// MockMessage is an inbound MQTT message.
type MockMessage struct {
	TopicName string
	Body      []byte
}

func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return 1 }
func (m *MockMessage) Retained() bool    { return false }
func (m *MockMessage) Topic() string     { return m.TopicName }
func (m *MockMessage) MessageID() uint16 { return 0 }
func (m *MockMessage) Payload() []byte   { return m.Body }
func (m *MockMessage) Ack()              {}

// MockSubscriber records subscriptions and lets tests deliver messages.
type MockSubscriber struct {
	mu sync.Mutex

	// SubscribeErr is returned by the subscribe token
	SubscribeErr error

	handlers     map[string]pahomqtt.MessageHandler
	Unsubscribed []string
}

// NewMockSubscriber creates a new mock subscriber.
func NewMockSubscriber() *MockSubscriber {
	return &MockSubscriber{handlers: make(map[string]pahomqtt.MessageHandler)}
}

// Subscribe records the handler for topic.
func (m *MockSubscriber) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubscribeErr == nil {
		m.handlers[topic] = callback
	}
	return &MockToken{Err: m.SubscribeErr}
}

// Unsubscribe removes handlers.
func (m *MockSubscriber) Unsubscribe(topics ...string) pahomqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, topic := range topics {
		delete(m.handlers, topic)
		m.Unsubscribed = append(m.Unsubscribed, topic)
	}
	return &MockToken{}
}

// Deliver hands a message to the handler subscribed with filter.
// It reports whether a handler was subscribed.
func (m *MockSubscriber) Deliver(filter, topic string, payload []byte) bool {
	m.mu.Lock()
	h, ok := m.handlers[filter]
	m.mu.Unlock()
	if !ok {
		return false
	}
	h(nil, &MockMessage{TopicName: topic, Body: payload})
	return true
}
