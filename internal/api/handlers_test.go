package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nexus-edge/modbus-bridge/internal/adapter/config"
	"github.com/nexus-edge/modbus-bridge/internal/bridge"
	"github.com/nexus-edge/modbus-bridge/internal/channel"
	"github.com/nexus-edge/modbus-bridge/internal/domain"
	"github.com/nexus-edge/modbus-bridge/internal/service"
	"github.com/rs/zerolog"
)

var (
	power    = domain.NewChannelAddress("meter0", "ActivePower")
	gridMode = domain.NewChannelAddress("ess0", "GridMode")
	setPoint = domain.NewChannelAddress("ess0", "SetActivePowerEquals")
)

type staticMapping []bridge.EntryInfo

func (m staticMapping) Entries() []bridge.EntryInfo { return m }

type staticPending []service.PendingWrite

func (p staticPending) Pending() []service.PendingWrite { return p }

type staticStatus service.EndpointStatus

func (s staticStatus) Status() service.EndpointStatus { return service.EndpointStatus(s) }

type apiFixture struct {
	mux   *http.ServeMux
	store *channel.Store
}

func newAPIFixture(t *testing.T, apiCfg config.APIConfig) *apiFixture {
	t.Helper()

	store := channel.NewStore(zerolog.Nop(), nil)
	for addr, desc := range map[domain.ChannelAddress]domain.ChannelDescriptor{
		power:    {Type: domain.DataTypeInt32, BitLength: 32, Kind: domain.ChannelKindReadOnly},
		gridMode: {Type: domain.DataTypeInt16, BitLength: 16, Kind: domain.ChannelKindConfig},
		setPoint: {Type: domain.DataTypeInt32, BitLength: 32, Kind: domain.ChannelKindRuntimeWrite},
	} {
		if err := store.Define(addr, desc); err != nil {
			t.Fatalf("Define(%s): %v", addr, err)
		}
	}

	mapping := staticMapping{
		{Ref: 2, Address: setPoint, Descriptor: domain.ChannelDescriptor{Type: domain.DataTypeInt32, BitLength: 32, Kind: domain.ChannelKindRuntimeWrite}, Registers: []uint16{0, 0}},
		{Ref: 0, Address: power, Descriptor: domain.ChannelDescriptor{Type: domain.DataTypeInt32, BitLength: 32, Kind: domain.ChannelKindReadOnly}, Registers: []uint16{0, 1000}},
	}
	pending := staticPending{{Address: setPoint, Value: int32(-2)}}
	status := staticStatus{Active: true, ListenerUp: true, Port: 502, Entries: 2}

	h := NewAPIHandler(mapping, store, pending, status, zerolog.Nop())
	h.SetTopicPrefix("edge/channels")
	h.AddStats("arbiter", func() interface{} { return map[string]uint64{"commits": 3} })

	mux := http.NewServeMux()
	h.Register(mux, NewMiddleware(apiCfg, zerolog.Nop()))
	return &apiFixture{mux: mux, store: store}
}

func (f *apiFixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestMappingHandler(t *testing.T) {
	f := newAPIFixture(t, config.APIConfig{})

	rec := f.do(http.MethodGet, "/api/mapping", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}
	var entries []map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 || entries[1]["channel"] != "meter0/ActivePower" {
		t.Errorf("entries = %v", entries)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	if rec := f.do(http.MethodPost, "/api/mapping", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST code = %d, want 405", rec.Code)
	}
}

func TestSetChannelValueHandler(t *testing.T) {
	f := newAPIFixture(t, config.APIConfig{})

	applied := make(chan domain.ChannelSample, 4)
	f.store.OnConfigApplied(func(s domain.ChannelSample) { applied <- s })

	tests := []struct {
		name string
		body string
		want int
	}{
		{"measurement", `{"channel":"meter0/ActivePower","value":1500}`, http.StatusOK},
		{"config", `{"channel":"ess0/GridMode","value":2}`, http.StatusOK},
		{"unknown channel", `{"channel":"meter1/ActivePower","value":1}`, http.StatusNotFound},
		{"bad address", `{"channel":"nope","value":1}`, http.StatusBadRequest},
		{"missing channel", `{"value":1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/channels/value", tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("code = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	if v, ok := f.store.CurrentValue(power); !ok || v != int64(1500) {
		t.Errorf("power = %v (%T), %v", v, v, ok)
	}
	select {
	case s := <-applied:
		if s.Address != gridMode {
			t.Errorf("config listener got %s, want %s", s.Address, gridMode)
		}
	case <-time.After(time.Second):
		t.Fatal("config listener not notified")
	}
	select {
	case s := <-applied:
		t.Errorf("unexpected extra notification %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSetChannelValueHandler_LargeIntegers(t *testing.T) {
	f := newAPIFixture(t, config.APIConfig{})

	energy := domain.NewChannelAddress("meter0", "ActiveProductionEnergy")
	limit := domain.NewChannelAddress("ess0", "MaxEnergyLimit")
	if err := f.store.Define(energy, domain.ChannelDescriptor{Type: domain.DataTypeUInt64, BitLength: 64, Kind: domain.ChannelKindReadOnly}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Define(limit, domain.ChannelDescriptor{Type: domain.DataTypeInt64, BitLength: 64, Kind: domain.ChannelKindConfig}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		addr domain.ChannelAddress
		body string
		want interface{}
	}{
		{"int64 above 2^53", limit, `{"channel":"ess0/MaxEnergyLimit","value":9007199254740993}`, int64(9007199254740993)},
		{"negative int64", limit, `{"channel":"ess0/MaxEnergyLimit","value":-9223372036854775807}`, int64(-9223372036854775807)},
		{"uint64 above int64", energy, `{"channel":"meter0/ActiveProductionEnergy","value":18446744073709551615}`, uint64(18446744073709551615)},
		{"fraction", energy, `{"channel":"meter0/ActiveProductionEnergy","value":1.5}`, 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/channels/value", tt.body, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("code = %d (%s)", rec.Code, rec.Body.String())
			}
			if v, _ := f.store.CurrentValue(tt.addr); v != tt.want {
				t.Errorf("value = %v (%T), want %v (%T)", v, v, tt.want, tt.want)
			}
		})
	}
}

func TestSetChannelValueHandler_Auth(t *testing.T) {
	f := newAPIFixture(t, config.APIConfig{AuthEnabled: true, APIKey: "secret"})
	body := `{"channel":"meter0/ActivePower","value":1}`

	if rec := f.do(http.MethodPost, "/api/channels/value", body, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: code = %d, want 401", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/channels/value", body, map[string]string{"X-API-Key": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: code = %d, want 401", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/channels/value", body, map[string]string{"X-API-Key": "secret"}); rec.Code != http.StatusOK {
		t.Errorf("valid key: code = %d, want 200", rec.Code)
	}
	// Reads stay public.
	if rec := f.do(http.MethodGet, "/api/channels", "", nil); rec.Code != http.StatusOK {
		t.Errorf("GET /api/channels code = %d, want 200", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	f := newAPIFixture(t, config.APIConfig{AllowedOrigins: []string{"http://ems.local"}})

	rec := f.do(http.MethodOptions, "/api/mapping", "", map[string]string{"Origin": "http://ems.local"})
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "http://ems.local" {
		t.Errorf("preflight: code = %d, headers = %v", rec.Code, rec.Header())
	}

	rec = f.do(http.MethodGet, "/api/mapping", "", map[string]string{"Origin": "http://evil.example"})
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin received CORS header")
	}
}

func TestStatusAndPending(t *testing.T) {
	f := newAPIFixture(t, config.APIConfig{})

	rec := f.do(http.MethodGet, "/api/status", "", nil)
	var status StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Endpoint.ListenerUp || status.Endpoint.Entries != 2 {
		t.Errorf("endpoint = %+v", status.Endpoint)
	}
	if _, ok := status.Stats["arbiter"]; !ok {
		t.Error("arbiter stats missing")
	}

	rec = f.do(http.MethodGet, "/api/writes", "", nil)
	var pending []map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&pending); err != nil {
		t.Fatalf("decode pending: %v", err)
	}
	if len(pending) != 1 || pending[0]["channel"] != "ess0/SetActivePowerEquals" {
		t.Errorf("pending = %v", pending)
	}
}

func TestTopicsOverviewHandler(t *testing.T) {
	f := newAPIFixture(t, config.APIConfig{})

	rec := f.do(http.MethodGet, "/api/topics", "", nil)
	var overview TopicsOverview
	if err := json.NewDecoder(rec.Body).Decode(&overview); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if overview.Subscription != "edge/channels/+/+" {
		t.Errorf("subscription = %q", overview.Subscription)
	}
	if len(overview.Routes) != 2 {
		t.Fatalf("routes = %+v", overview.Routes)
	}
	if overview.Routes[0].Ref != 0 || overview.Routes[0].CommandTopic != "" {
		t.Errorf("read-only route = %+v", overview.Routes[0])
	}
	if overview.Routes[1].CommandTopic != "edge/channels/ess0/SetActivePowerEquals/set" {
		t.Errorf("command topic = %q", overview.Routes[1].CommandTopic)
	}
}
