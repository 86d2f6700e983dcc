package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cadenza-voice/cadenza/internal/health"
)

func get(t *testing.T, h *health.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s body: %v", path, err)
	}
	return rec, body
}

func checkField(t *testing.T, body map[string]any, name, field string) any {
	t.Helper()
	checks, ok := body["checks"].(map[string]any)
	if !ok {
		t.Fatalf("body has no checks map: %v", body)
	}
	c, ok := checks[name].(map[string]any)
	if !ok {
		t.Fatalf("no %q entry in checks: %v", name, checks)
	}
	return c[field]
}

func TestHealthzAlwaysOK(t *testing.T) {
	t.Parallel()

	h := health.New([]health.Check{{
		Name: "recording_store",
		Run:  func(context.Context) error { return errors.New("down") },
	}})

	rec, body := get(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	// Liveness ignores dependency state.
	if body["status"] != "ok" {
		t.Errorf("body status = %v, want ok", body["status"])
	}
}

func TestReadyzNoChecks(t *testing.T) {
	t.Parallel()

	rec, body := get(t, health.New(nil), "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("/readyz status = %d, want 200", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("body status = %v, want ok", body["status"])
	}
}

func TestReadyzReportsPerCheckOutcome(t *testing.T) {
	t.Parallel()

	h := health.New([]health.Check{
		{Name: "recording_store", Run: func(context.Context) error {
			return errors.New("connection refused")
		}},
		{Name: "credentials", Run: func(context.Context) error { return nil }},
	})

	rec, body := get(t, h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d, want 503", rec.Code)
	}
	if body["status"] != "fail" {
		t.Errorf("body status = %v, want fail", body["status"])
	}
	if got := checkField(t, body, "recording_store", "status"); got != "fail" {
		t.Errorf("recording_store status = %v, want fail", got)
	}
	if got := checkField(t, body, "recording_store", "error"); got != "connection refused" {
		t.Errorf("recording_store error = %v", got)
	}
	if got := checkField(t, body, "credentials", "status"); got != "ok" {
		t.Errorf("credentials status = %v, want ok", got)
	}
	if _, ok := checkField(t, body, "credentials", "latency_ms").(float64); !ok {
		t.Error("credentials entry has no latency_ms")
	}
}

func TestReadyzAllPass(t *testing.T) {
	t.Parallel()

	h := health.New([]health.Check{
		{Name: "recording_store", Run: func(context.Context) error { return nil }},
		{Name: "credentials", Run: func(context.Context) error { return nil }},
	})

	rec, body := get(t, h, "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("/readyz status = %d, want 200", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("body status = %v, want ok", body["status"])
	}
}

func TestReadyzTimeoutFailsCheck(t *testing.T) {
	t.Parallel()

	h := health.New([]health.Check{{
		Name: "recording_store",
		Run: func(ctx context.Context) error {
			<-ctx.Done() // a ping that never answers
			return ctx.Err()
		},
	}}, health.WithTimeout(10*time.Millisecond))

	rec, body := get(t, h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d, want 503", rec.Code)
	}
	if got := checkField(t, body, "recording_store", "status"); got != "fail" {
		t.Errorf("recording_store status = %v, want fail", got)
	}
}

func TestReadyzRunsChecksConcurrently(t *testing.T) {
	t.Parallel()

	// Both checks rendezvous on an unbuffered channel: the probe only passes
	// when they execute at the same time.
	gate := make(chan struct{})
	rendezvous := func(ctx context.Context) error {
		select {
		case gate <- struct{}{}:
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	h := health.New([]health.Check{
		{Name: "recording_store", Run: rendezvous},
		{Name: "credentials", Run: rendezvous},
	}, health.WithTimeout(2*time.Second))

	rec, body := get(t, h, "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("/readyz status = %d, want 200 (checks did not overlap)", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("body status = %v, want ok", body["status"])
	}
}

func TestRegisterMethodFiltering(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	health.New(nil).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz status = %d, want 405", rec.Code)
	}
}
