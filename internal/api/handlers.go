// Package api provides HTTP handlers for inspecting and commissioning the bridge.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/nexus-edge/modbus-bridge/internal/adapter/mqtt"
	"github.com/nexus-edge/modbus-bridge/internal/bridge"
	"github.com/nexus-edge/modbus-bridge/internal/channel"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/service"
	"github.com/rs/zerolog"
)

// MappingProvider exposes the current register mapping.
type MappingProvider interface {
	Entries() []bridge.EntryInfo
}

// ChannelProvider exposes and updates channel values.
type ChannelProvider interface {
	Snapshot() []channel.State
	Descriptor(addr domain.ChannelAddress) (domain.ChannelDescriptor, bool)
	SetValue(addr domain.ChannelAddress, value interface{}) error
	ApplyConfigValue(addr domain.ChannelAddress, value interface{}) error
}

// PendingProvider exposes runtime writes held by the arbiter.
type PendingProvider interface {
	Pending() []service.PendingWrite
}

// StatusProvider exposes the endpoint status.
type StatusProvider interface {
	Status() service.EndpointStatus
}

// StatsProvider exposes counters of a component.
type StatsProvider func() interface{}

// APIHandler handles API requests.
type APIHandler struct {
	mapping     MappingProvider
	channels    ChannelProvider
	pending     PendingProvider
	status      StatusProvider
	stats       map[string]StatsProvider
	topicPrefix string
	logger      zerolog.Logger
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(mapping MappingProvider, channels ChannelProvider, pending PendingProvider, status StatusProvider, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		mapping:  mapping,
		channels: channels,
		pending:  pending,
		status:   status,
		stats:    make(map[string]StatsProvider),
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// SetTopicPrefix enables the topics overview for the given MQTT prefix.
func (h *APIHandler) SetTopicPrefix(prefix string) {
	h.topicPrefix = prefix
}

// AddStats registers a component's counters under name in the status response.
func (h *APIHandler) AddStats(name string, provider StatsProvider) {
	h.stats[name] = provider
}

// Register mounts all handlers on mux.
func (h *APIHandler) Register(mux *http.ServeMux, m *Middleware) {
	mux.HandleFunc("/api/mapping", m.ReadOnly(h.MappingHandler))
	mux.HandleFunc("/api/channels", m.ReadOnly(h.ChannelsHandler))
	mux.HandleFunc("/api/channels/value", m.Secure(h.SetChannelValueHandler))
	mux.HandleFunc("/api/writes", m.ReadOnly(h.PendingWritesHandler))
	mux.HandleFunc("/api/status", m.ReadOnly(h.StatusHandler))
	mux.HandleFunc("/api/topics", m.ReadOnly(h.TopicsOverviewHandler))
}

// MappingHandler returns all mapped channels with their current register values.
func (h *APIHandler) MappingHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, h.mapping.Entries())
}

// ChannelsHandler returns the channel catalog with live values.
func (h *APIHandler) ChannelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, h.channels.Snapshot())
}

// SetValueRequest is the body of POST /api/channels/value.
type SetValueRequest struct {
	Channel domain.ChannelAddress `json:"channel"`
	Value   interface{}           `json:"value"`
}

// SetChannelValueHandler sets a channel value. Config channels go through the
// apply path so the change is persisted; other channels are overwritten in the store.
func (h *APIHandler) SetChannelValueHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SetValueRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Value = domain.NormalizeNumber(req.Value)
	if req.Channel.IsZero() {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}

	desc, ok := h.channels.Descriptor(req.Channel)
	if !ok {
		http.Error(w, "Channel not found", http.StatusNotFound)
		return
	}

	var err error
	if desc.Kind == domain.ChannelKindConfig {
		err = h.channels.ApplyConfigValue(req.Channel, req.Value)
	} else {
		err = h.channels.SetValue(req.Channel, req.Value)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrChannelNotFound) {
			status = http.StatusNotFound
		}
		h.logger.Warn().Err(err).Str("channel", req.Channel.String()).Msg("Failed to set channel value")
		http.Error(w, err.Error(), status)
		return
	}

	h.logger.Info().Str("channel", req.Channel.String()).Interface("value", req.Value).Msg("Channel value set via API")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// PendingWritesHandler returns the runtime writes held by the arbiter.
func (h *APIHandler) PendingWritesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, h.pending.Pending())
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Endpoint service.EndpointStatus `json:"endpoint"`
	Stats    map[string]interface{} `json:"stats"`
}

// StatusHandler returns the endpoint status and component counters.
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := StatusResponse{
		Endpoint: h.status.Status(),
		Stats:    make(map[string]interface{}, len(h.stats)),
	}
	for name, provider := range h.stats {
		resp.Stats[name] = provider()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// TopicRoute describes the MQTT topics of one mapped channel.
type TopicRoute struct {
	Ref          int                   `json:"ref"`
	Channel      domain.ChannelAddress `json:"channel"`
	Kind         domain.ChannelKind    `json:"kind"`
	ValueTopic   string                `json:"value_topic"`
	CommandTopic string                `json:"command_topic,omitempty"`
}

// TopicsOverview is the body of GET /api/topics.
type TopicsOverview struct {
	GeneratedAt  time.Time    `json:"generated_at"`
	Subscription string       `json:"subscription"`
	Routes       []TopicRoute `json:"routes"`
}

// TopicsOverviewHandler returns the value subscription and the topics of every
// mapped channel, computed from the current mapping.
func (h *APIHandler) TopicsOverviewHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.topicPrefix == "" {
		http.Error(w, "MQTT is disabled", http.StatusNotFound)
		return
	}

	entries := h.mapping.Entries()
	routes := make([]TopicRoute, 0, len(entries))
	for _, e := range entries {
		route := TopicRoute{
			Ref:        e.Ref,
			Channel:    e.Address,
			Kind:       e.Descriptor.Kind,
			ValueTopic: mqtt.ValueTopic(h.topicPrefix, e.Address),
		}
		if e.Descriptor.IsWritable() {
			route.CommandTopic = mqtt.CommandTopic(h.topicPrefix, e.Address)
		}
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Ref < routes[j].Ref })

	h.writeJSON(w, http.StatusOK, TopicsOverview{
		GeneratedAt:  time.Now(),
		Subscription: mqtt.ValueSubscription(h.topicPrefix),
		Routes:       routes,
	})
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
