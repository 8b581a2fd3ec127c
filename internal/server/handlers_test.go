package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/syncbridge/sessionsync/internal/poller"
	"github.com/syncbridge/sessionsync/internal/session"
	"github.com/syncbridge/sessionsync/internal/upstream"
	"github.com/syncbridge/sessionsync/internal/ws"
)

func newTestServer(t *testing.T, upstreamHandler http.HandlerFunc) *httptest.Server {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	upstreamSrv := httptest.NewServer(upstreamHandler)
	t.Cleanup(upstreamSrv.Close)

	client := upstream.NewClient(upstreamSrv.URL, "test-key", 100, time.Second, 1,
		[]time.Duration{time.Millisecond}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := ws.NewHub(nil, logger)
	go hub.Run(ctx)

	broadcaster := ws.NewBroadcaster(hub, 1<<20, nil, logger)
	store := session.NewStore()
	p := poller.New(client, store, broadcaster, nil, time.Second, 0, logger)

	srv := NewServer(client, p, hub, broadcaster, nil, logger)
	api := httptest.NewServer(NewRouter(srv))
	t.Cleanup(api.Close)
	return api
}

func TestHealthz(t *testing.T) {
	api := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	resp, err := http.Get(api.URL + "/healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestListSessionsForwards(t *testing.T) {
	api := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions" {
			t.Errorf("expected upstream path /sessions, got %s", r.URL.Path)
		}
		w.Write([]byte(`[{"id":"a","updated_at":"v1"},{"id":"b","updated_at":"v1"}]`))
	})

	resp, err := http.Get(api.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payloads []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payloads); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(payloads) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(payloads))
	}
}

func TestGetSessionNotFound(t *testing.T) {
	api := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	resp, err := http.Get(api.URL + "/v1/sessions/ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListSessionsUpstreamDown(t *testing.T) {
	api := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	resp, err := http.Get(api.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}
}

func TestDeleteSessionForwards(t *testing.T) {
	deleted := false
	api := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete && r.URL.Path == "/sessions/a" {
			deleted = true
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	req, _ := http.NewRequest(http.MethodDelete, api.URL+"/v1/sessions/a", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	if !deleted {
		t.Error("expected delete to reach upstream")
	}
}

func TestStats(t *testing.T) {
	api := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	resp, err := http.Get(api.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.Connections != 0 {
		t.Errorf("expected 0 connections, got %d", stats.Connections)
	}
}

func TestAuditDisabled(t *testing.T) {
	api := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	resp, err := http.Get(api.URL + "/v1/audit")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 when audit disabled, got %d", resp.StatusCode)
	}
}

func TestMaskAccessToken(t *testing.T) {
	masked := maskAccessToken("access_token=supersecret&foo=bar")
	if masked == "" {
		t.Fatal("expected non-empty masked query")
	}
	if strings.Contains(masked, "supersecret") {
		t.Errorf("masked query still contains the token: %s", masked)
	}
	if !strings.Contains(masked, "supe****") {
		t.Errorf("expected masked token prefix, got %s", masked)
	}
}
