// Package metrics provides Prometheus metrics for the Modbus bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Modbus request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	Exceptions       *prometheus.CounterVec
	RegistersRead    prometheus.Counter
	RegistersWritten prometheus.Counter
	ListenerUp       prometheus.Gauge

	// Register mapping metrics
	MappedEntries   prometheus.Gauge
	MappedRegisters prometheus.Gauge
	Rebuilds        prometheus.Counter
	SkippedEntries  prometheus.Counter
	Decodes         *prometheus.CounterVec
	EncodeFallbacks *prometheus.CounterVec

	// Write arbitration metrics
	RuntimeWritesPending   prometheus.Gauge
	RuntimeWritesCommitted prometheus.Counter
	RuntimeWriteErrors     prometheus.Counter

	// Channel feed metrics
	ChannelUpdates        prometheus.Counter
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTBufferSize        prometheus.Gauge
	MQTTReconnects        prometheus.Counter
}

// NewRegistry creates a new metrics registry with all metrics registered on the
// default Prometheus registerer.
func NewRegistry() *Registry {
	return NewRegistryWith(prometheus.DefaultRegisterer)
}

// NewRegistryWith registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration panics.
func NewRegistryWith(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	r := &Registry{
		// Modbus request metrics
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "modbus",
			Name:      "requests_total",
			Help:      "Total number of Modbus requests handled",
		}, []string{"function", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "modbus",
			Name:      "request_duration_seconds",
			Help:      "Time spent answering a Modbus request",
			Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}, []string{"function"}),
		Exceptions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "modbus",
			Name:      "exceptions_total",
			Help:      "Modbus exception responses by exception name",
		}, []string{"exception"}),
		RegistersRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "modbus",
			Name:      "registers_read_total",
			Help:      "Total number of registers returned to masters",
		}),
		RegistersWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "modbus",
			Name:      "registers_written_total",
			Help:      "Total number of registers written by masters",
		}),
		ListenerUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "modbus",
			Name:      "listener_up",
			Help:      "1 if the Modbus/TCP listener is bound, 0 otherwise",
		}),

		// Register mapping metrics
		MappedEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "mapping",
			Name:      "entries",
			Help:      "Number of channels currently mapped",
		}),
		MappedRegisters: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "mapping",
			Name:      "registers",
			Help:      "Number of registers currently mapped",
		}),
		Rebuilds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "mapping",
			Name:      "rebuilds_total",
			Help:      "Total number of mapping table rebuilds",
		}),
		SkippedEntries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "mapping",
			Name:      "skipped_entries_total",
			Help:      "Mapping entries skipped because they were invalid or unresolvable",
		}),
		Decodes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "mapping",
			Name:      "decodes_total",
			Help:      "Register write outcomes by result",
		}, []string{"outcome"}),
		EncodeFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "mapping",
			Name:      "encode_fallbacks_total",
			Help:      "Reads answered with zero registers, by reason",
		}, []string{"reason"}),

		// Write arbitration metrics
		RuntimeWritesPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "arbiter",
			Name:      "pending_writes",
			Help:      "Runtime writes currently held by the arbiter",
		}),
		RuntimeWritesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "arbiter",
			Name:      "commits_total",
			Help:      "Total number of runtime write commits",
		}),
		RuntimeWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "arbiter",
			Name:      "commit_errors_total",
			Help:      "Total number of failed runtime write commits",
		}),

		// Channel feed metrics
		ChannelUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "channels",
			Name:      "updates_total",
			Help:      "Total number of channel value updates received",
		}),
		MQTTMessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTBufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Current MQTT message buffer size",
		}),
		MQTTReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "mqtt",
			Name:      "reconnects_total",
			Help:      "Total number of MQTT reconnection attempts",
		}),
	}

	return r
}

// RecordRequest records a handled Modbus request.
func (r *Registry) RecordRequest(function string, success bool, duration float64, registers int) {
	status := "success"
	if !success {
		status = "error"
	}
	r.RequestsTotal.WithLabelValues(function, status).Inc()
	r.RequestDuration.WithLabelValues(function).Observe(duration)
	if !success {
		return
	}
	switch function {
	case "read_holding_registers", "read_input_registers":
		r.RegistersRead.Add(float64(registers))
	case "write_holding_registers":
		r.RegistersWritten.Add(float64(registers))
	}
}

// RecordException records a Modbus exception response.
func (r *Registry) RecordException(name string) {
	r.Exceptions.WithLabelValues(name).Inc()
}

// RecordDecode records the outcome of a register write.
// Outcomes: pending, applied, submitted, conversion_failed, rejected, apply_failed.
func (r *Registry) RecordDecode(outcome string) {
	r.Decodes.WithLabelValues(outcome).Inc()
}

// RecordEncodeFallback records a read that degraded to zero registers.
func (r *Registry) RecordEncodeFallback(reason string) {
	r.EncodeFallbacks.WithLabelValues(reason).Inc()
}

// RecordRebuild records a mapping table rebuild.
func (r *Registry) RecordRebuild(entries, registers, skipped int) {
	r.Rebuilds.Inc()
	r.MappedEntries.Set(float64(entries))
	r.MappedRegisters.Set(float64(registers))
	r.SkippedEntries.Add(float64(skipped))
}

// SetListenerUp updates the listener gauge.
func (r *Registry) SetListenerUp(up bool) {
	if up {
		r.ListenerUp.Set(1)
		return
	}
	r.ListenerUp.Set(0)
}

// RecordCommit records a runtime write commit.
func (r *Registry) RecordCommit(success bool) {
	if success {
		r.RuntimeWritesCommitted.Inc()
		return
	}
	r.RuntimeWriteErrors.Inc()
}

// UpdatePendingWrites updates the pending runtime write gauge.
func (r *Registry) UpdatePendingWrites(count int) {
	r.RuntimeWritesPending.Set(float64(count))
}

// RecordChannelUpdate records an incoming channel value.
func (r *Registry) RecordChannelUpdate() {
	r.ChannelUpdates.Inc()
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
}

// UpdateMQTTBufferSize updates the MQTT buffer size gauge.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	r.MQTTBufferSize.Set(float64(size))
}

// RecordMQTTReconnect records a reconnection attempt.
func (r *Registry) RecordMQTTReconnect() {
	r.MQTTReconnects.Inc()
}
