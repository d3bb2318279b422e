package keeper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestNodeDirectoryResolveSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/apps/location/demoapp" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(nodeDirectoryResponse{
			Status: "success",
			Data: []struct {
				IP string `json:"ip"`
			}{{IP: "10.0.0.5:9999"}},
		})
	}))
	defer srv.Close()

	nd := NewNodeDirectory(srv.URL)
	addrs, err := nd.Resolve(context.Background(), "demoapp", 8888)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "10.0.0.5:8888" {
		t.Errorf("addrs = %v, want [10.0.0.5:8888] (config comms port, not the directory's port)", addrs)
	}
}

func TestNodeDirectoryRetriesOn5xxThenFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	nd := NewNodeDirectory(srv.URL)
	_, err := nd.Resolve(context.Background(), "demoapp", 8888)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := atomic.LoadInt32(&calls); got != nodeDirectoryRetries+1 {
		t.Errorf("calls = %d, want %d", got, nodeDirectoryRetries+1)
	}
}

func TestNodeDirectoryNonRetryableStatusFailsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	nd := NewNodeDirectory(srv.URL)
	_, err := nd.Resolve(context.Background(), "demoapp", 8888)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1 (404 is not retryable)", got)
	}
}
