package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testBackoff() []time.Duration {
	return []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
}

func newTestClient(baseURL string, attempts int) *Client {
	logger, _ := zap.NewDevelopment()
	return NewClient(baseURL, "test-key", 100, 2*time.Second, attempts, testBackoff(), logger)
}

func TestFetchAllSessionsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions" {
			t.Errorf("expected path /sessions, got %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("expected Bearer test-key, got %s", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id":"a","updated_at":"2026-01-02T03:04:05Z","user":"alice"},
			{"id":"b","updated_at":"2026-01-02T03:05:06Z","user":"bob"}
		]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 4)
	snapshots, err := client.FetchAllSessions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snapshots))
	}
	if snapshots[0].ID != "a" || snapshots[0].Version != "2026-01-02T03:04:05Z" {
		t.Errorf("unexpected snapshot: %+v", snapshots[0])
	}
	if len(snapshots[1].Payload) == 0 {
		t.Error("payload should carry the raw session object")
	}
}

func TestFetchAllSessionsSkipsMalformedObjects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"a","updated_at":"v1"},{"no_id":true}]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 1)
	snapshots, err := client.FetchAllSessions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snapshots) != 1 || snapshots[0].ID != "a" {
		t.Fatalf("expected only session a, got %+v", snapshots)
	}
}

func TestRetryBoundOnServerError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 4)
	start := time.Now()
	_, err := client.FetchAllSessions(context.Background())
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if attempts != 4 {
		t.Errorf("expected exactly 4 attempts, got %d", attempts)
	}
	if !errors.Is(err, ErrServerError) {
		t.Errorf("expected ErrServerError, got %v", err)
	}
	// Three backoff gaps: 10 + 20 + 40 = 70ms.
	if elapsed < 70*time.Millisecond {
		t.Errorf("expected at least 70ms of backoff, ran in %v", elapsed)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 4)
	_, err := client.FetchAllSessions(context.Background())

	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", attempts)
	}
	var ue *Error
	if !errors.As(err, &ue) || ue.Retryable {
		t.Errorf("expected non-retryable upstream error, got %v", err)
	}
	if ue.Status != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", ue.Status)
	}
}

func TestRetryOnRateLimitThenSuccess(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 4)
	snapshots, err := client.FetchAllSessions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(snapshots) != 0 {
		t.Errorf("expected empty list, got %d", len(snapshots))
	}
}

func TestConnectionFailureIsRetryable(t *testing.T) {
	// Point at a server that is already closed.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := newTestClient(server.URL, 2)
	_, err := client.FetchAllSessions(context.Background())
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout classification, got %v", err)
	}
}

func TestDeleteSessionNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 4)
	err := client.DeleteSession(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
