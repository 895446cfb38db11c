package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRunStatusCommand_RemoteHealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"healthy": true})
	}))
	defer ts.Close()

	_, out := setTestHome(t, testConfig+"gateway:\n  bind_addr: \""+ts.Listener.Addr().String()+"\"\n")
	if code := runStatusCommand(context.Background(), []string{"-remote"}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), `"healthy":true`) {
		t.Fatalf("output: %q", out.String())
	}
}

func TestRunStatusCommand_RemoteUnhealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"healthy":false}`))
	}))
	defer ts.Close()

	setTestHome(t, testConfig+"gateway:\n  bind_addr: \""+ts.Listener.Addr().String()+"\"\n")
	if code := runStatusCommand(context.Background(), []string{"-remote"}); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_RemoteConnectionRefused(t *testing.T) {
	setTestHome(t, testConfig+"gateway:\n  bind_addr: \"127.0.0.1:1\"\n")
	if code := runStatusCommand(context.Background(), []string{"-remote"}); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunStatusCommand_RemoteCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	setTestHome(t, testConfig)
	if code := runStatusCommand(ctx, []string{"-remote"}); code != 1 {
		t.Fatalf("got exit code %d, want 1 for cancelled context", code)
	}
}

func TestRemoteProvider_ReadsCounts(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"counts":{"not_executed":1,"executing":0,"executed":2,"failed":1},"total":4,"dead":1}`))
	}))
	defer ts.Close()

	snap := remoteProvider(context.Background(), ts.URL, "tok", time.Now())()
	if !snap.DBOK || snap.Counts.Executed != 2 || snap.Dead != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	snap = remoteProvider(context.Background(), ts.URL, "wrong", time.Now())()
	if snap.DBOK || !strings.Contains(snap.LastError, "401") {
		t.Fatalf("expected auth failure, got %+v", snap)
	}
}
