// Package domain contains core business entities.
package domain

import "errors"

// Channel and descriptor errors.
var (
	ErrInvalidChannelAddress = errors.New("invalid channel address")
	ErrInvalidDescriptor     = errors.New("invalid channel descriptor")
	ErrChannelNotFound       = errors.New("channel not found")
	ErrChannelUnavailable    = errors.New("channel value unavailable")
	ErrChannelNotWritable    = errors.New("channel is not writable")
	ErrTypeConversion        = errors.New("type conversion failed")
)

// Register mapping errors.
var (
	ErrInvalidMappingEntry = errors.New("invalid mapping entry")
	ErrIllegalAddress      = errors.New("illegal register address")
	ErrRegisterOverlap     = errors.New("register range overlaps existing entry")
)

// Modbus listener errors.
var (
	ErrListenerBind        = errors.New("modbus listener bind failed")
	ErrListenerNotRunning  = errors.New("modbus listener not running")
	ErrUnitIDMismatch      = errors.New("unit id not served by this bridge")
	ErrIllegalFunction     = errors.New("modbus: illegal function")
	ErrProbeFailed         = errors.New("modbus: loopback probe failed")
	ErrInvalidRegisterSpan = errors.New("modbus: invalid register count")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
	ErrMQTTSubscribeFailed  = errors.New("MQTT subscribe failed")
	ErrCircuitBreakerOpen   = errors.New("circuit breaker is open")
)

// Service errors.
var (
	ErrServiceStopped = errors.New("service has been stopped")
	ErrInvalidConfig  = errors.New("invalid configuration")
)
