package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// TestGetenv tests the getenv utility function
func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      string
		expected string
	}{
		{name: "environment variable set", key: "RAMSTREAM_TEST_SET", value: "test_value", def: "default", expected: "test_value"},
		{name: "environment variable not set", key: "RAMSTREAM_TEST_UNSET", def: "default_value", expected: "default_value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv(tt.key, tt.value)
			}
			if got := getenv(tt.key, tt.def); got != tt.expected {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.key, tt.def, got, tt.expected)
			}
		})
	}
}

// TestRootCmdFlags tests flag defaults and environment fallbacks
func TestRootCmdFlags(t *testing.T) {
	t.Setenv("COORDINATOR_ADDR", ":9999")
	t.Setenv("HOST_ID", "host-7")

	cmd := newRootCmd()
	flags := map[string]string{
		"listen":          ":9999",
		"host-id":         "host-7",
		"host-addr":       "http://127.0.0.1:8090",
		"log-level":       "info",
		"health-interval": "2s",
	}
	for name, want := range flags {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			t.Errorf("flag --%s missing", name)
			continue
		}
		if f.DefValue != want {
			t.Errorf("--%s default = %q, want %q", name, f.DefValue, want)
		}
	}
}

// TestSetupLogging tests log level parsing
func TestSetupLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)

	if err := setupLogging("debug"); err != nil {
		t.Fatalf("setupLogging(debug): %v", err)
	}
	if logrus.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %s, want debug", logrus.GetLevel())
	}
	if err := setupLogging("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

// TestRunRejectsBadConfig tests that run fails before listening on an invalid config
func TestRunRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("throttle_threshold: 1.5\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := run(ctx, options{listen: "127.0.0.1:0", configPath: path, healthInterval: time.Second})
	if err == nil || !strings.Contains(err.Error(), "throttle_threshold") {
		t.Errorf("run() error = %v, want a throttle_threshold violation", err)
	}
}

// TestRunShutsDownOnCancel tests a clean start and stop
func TestRunShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, options{
			listen:         "127.0.0.1:0",
			hostAddr:       "http://127.0.0.1:1",
			hostID:         "host-1",
			healthInterval: 50 * time.Millisecond,
		})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
