package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/ramstream/internal/cluster"
)

// TestGetenv tests the getenv utility function
func TestGetenv(t *testing.T) {
	t.Setenv("RAMSTREAM_NODE_TEST", "value")
	if got := getenv("RAMSTREAM_NODE_TEST", "def"); got != "value" {
		t.Errorf("getenv = %q, want value", got)
	}
	if got := getenv("RAMSTREAM_NODE_TEST_UNSET", "def"); got != "def" {
		t.Errorf("getenv = %q, want def", got)
	}
}

// TestRegister tests registration retries against a coordinator that fails first
func TestRegister(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	var got cluster.RegisterRequest
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/register" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer coord.Close()

	info := cluster.NodeInfo{ID: "n1", Addr: "http://127.0.0.1:8081", GRPCAddr: "127.0.0.1:9081"}
	if err := register(context.Background(), coord.URL, info, 5, time.Millisecond); err != nil {
		t.Fatalf("register: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if got.Node != info {
		t.Errorf("registered %+v, want %+v", got.Node, info)
	}
}

// TestRegisterGivesUp tests that registration fails after the attempt budget
func TestRegisterGivesUp(t *testing.T) {
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer coord.Close()

	err := register(context.Background(), coord.URL, cluster.NodeInfo{ID: "n1", Addr: "http://x"}, 2, time.Millisecond)
	if err == nil {
		t.Fatal("expected error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := register(ctx, coord.URL, cluster.NodeInfo{ID: "n1", Addr: "http://x"}, 5, time.Second); err == nil {
		t.Error("expected error for cancelled context")
	}
}

// TestRootCmdRequiresFlags tests that missing identity flags are rejected
func TestRootCmdRequiresFlags(t *testing.T) {
	t.Setenv("NODE_ID", "")
	t.Setenv("COORDINATOR_ADDR", "")

	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error without --id")
	}

	cmd = newRootCmd()
	cmd.SetArgs([]string{"--id", "n1"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error without --coordinator")
	}
}

// TestRunRegistersAndStops tests a full node start against a fake coordinator
func TestRunRegistersAndStops(t *testing.T) {
	registered := make(chan cluster.NodeInfo, 1)
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RegisterRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		registered <- req.Node
		w.WriteHeader(http.StatusNoContent)
	}))
	defer coord.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, options{
			id:          "n1",
			listen:      "127.0.0.1:0",
			public:      "http://127.0.0.1:18081",
			grpcListen:  "127.0.0.1:0",
			grpcPublic:  "127.0.0.1:19081",
			coordinator: coord.URL,
		})
	}()

	select {
	case info := <-registered:
		if info.ID != "n1" || info.GRPCAddr != "127.0.0.1:19081" {
			t.Errorf("registered %+v", info)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("node never registered")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
}
