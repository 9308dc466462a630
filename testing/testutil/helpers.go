// Package testutil provides shared utilities for testing.
package testutil

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexus-edge/modbus-bridge/internal/domain"
)

// TestTimeout is the default timeout for test operations.
const TestTimeout = 5 * time.Second

// RequireNoError fails the test immediately if err is not nil.
func RequireNoError(t *testing.T, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if err != nil {
		if len(msgAndArgs) > 0 {
			t.Fatalf("unexpected error: %v - %v", err, msgAndArgs)
		}
		t.Fatalf("unexpected error: %v", err)
	}
}

// WaitForCondition waits for a condition to become true.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// FreePort returns a TCP port on loopback that was free a moment ago.
func FreePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// Int32Channel returns a descriptor for a 32-bit signed channel of the given kind.
func Int32Channel(kind domain.ChannelKind) domain.ChannelDescriptor {
	return domain.ChannelDescriptor{
		Type:      domain.DataTypeInt32,
		BitLength: 32,
		Kind:      kind,
	}
}

// WriteTemp writes content to dir/name, creating parent directories, and
// returns the path. An absolute name ignores dir.
func WriteTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := name
	if !filepath.IsAbs(name) {
		path = filepath.Join(dir, name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("create dir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
