package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseValues(t *testing.T) {
	tests := []struct {
		in      string
		want    []uint16
		wantErr bool
	}{
		{in: "1", want: []uint16{1}},
		{in: "65535, 65534", want: []uint16{0xFFFF, 0xFFFE}},
		{in: "-2", want: []uint16{0xFFFE}},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "70000", wantErr: true},
		{in: "-40000", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseValues(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseValues(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("parseValues(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestProbe_RejectsBadArguments(t *testing.T) {
	if err := probe("127.0.0.1:1", 1, "read", -1, 1, "", 0); err == nil {
		t.Error("expected error for negative ref")
	}
	if err := probe("127.0.0.1:1", 300, "read", 0, 1, "", 0); err == nil {
		t.Error("expected error for unit out of range")
	}
}
