// Package domain contains core business entities.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Quality represents the reliability of a channel sample.
type Quality string

const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
)

// ChannelSample is a channel value observed at a point in time.
type ChannelSample struct {
	Address   ChannelAddress `json:"address"`
	Value     interface{}    `json:"v"`
	Unit      string         `json:"u,omitempty"`
	Quality   Quality        `json:"q"`
	Timestamp time.Time      `json:"ts"`
}

// Payload is the compact wire format used on MQTT topics.
// Uses short field names to minimize bandwidth.
type Payload struct {
	Value     interface{} `json:"v"`            // Value
	Unit      string      `json:"u,omitempty"`  // Unit
	Quality   Quality     `json:"q,omitempty"`  // Quality
	Timestamp int64       `json:"ts,omitempty"` // Unix timestamp (milliseconds)
}

// NewChannelSample creates a good-quality sample stamped now.
func NewChannelSample(addr ChannelAddress, value interface{}, unit string) ChannelSample {
	return ChannelSample{
		Address:   addr,
		Value:     value,
		Unit:      unit,
		Quality:   QualityGood,
		Timestamp: time.Now(),
	}
}

// ToPayload converts the sample to the compact wire format.
func (s ChannelSample) ToPayload() Payload {
	return Payload{
		Value:     s.Value,
		Unit:      s.Unit,
		Quality:   s.Quality,
		Timestamp: s.Timestamp.UnixMilli(),
	}
}

// ToJSON serializes the compact payload to JSON bytes.
func (s ChannelSample) ToJSON() ([]byte, error) {
	return json.Marshal(s.ToPayload())
}

// ParsePayload decodes a compact payload received for addr.
// A missing quality is treated as good; a missing timestamp as now.
func ParsePayload(addr ChannelAddress, data []byte) (ChannelSample, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return ChannelSample{}, fmt.Errorf("failed to parse payload for %s: %w", addr, err)
	}

	sample := ChannelSample{
		Address:   addr,
		Value:     NormalizeNumber(p.Value),
		Unit:      p.Unit,
		Quality:   p.Quality,
		Timestamp: time.Now(),
	}
	if sample.Quality == "" {
		sample.Quality = QualityGood
	}
	if p.Timestamp > 0 {
		sample.Timestamp = time.UnixMilli(p.Timestamp)
	}
	return sample, nil
}

// NormalizeNumber turns a json.Number decoded with UseNumber into int64,
// uint64 or float64, keeping 64-bit integers exact.
func NormalizeNumber(v interface{}) interface{} {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return u
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
