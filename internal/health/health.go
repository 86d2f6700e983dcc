// Package health serves the liveness and readiness probes of the local
// status surface.
//
// Liveness (/healthz) only claims the process can serve HTTP. Readiness
// (/readyz) gates on the dependencies a voice session needs before the engine
// is useful: the recording store must answer a ping and a bearer credential
// must be obtainable. Each check reports its own outcome and latency in the
// JSON body, so a failing /readyz names the dependency that is down.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// DefaultTimeout bounds a single readiness check. A store ping that takes
// longer than this counts as a failure.
const DefaultTimeout = 5 * time.Second

// Check is a named readiness probe. Run must return nil when the dependency
// is usable and respect context cancellation; the handler enforces a
// per-check deadline.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// checkResult is the per-check entry in the /readyz response body.
type checkResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

type response struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Checks run concurrently on each
// /readyz request; the set is fixed at construction time, so the handler is
// safe for concurrent use.
type Handler struct {
	timeout time.Duration
	checks  []Check
}

// Option configures a Handler.
type Option func(*Handler)

// WithTimeout overrides [DefaultTimeout] for every check.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// New creates a Handler evaluating the given checks.
func New(checks []Check, opts ...Option) *Handler {
	h := &Handler{
		timeout: DefaultTimeout,
		checks:  append([]Check(nil), checks...),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Healthz is the liveness probe; a process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs every check concurrently, each under its own timeout derived
// from the request context, and returns 503 when any check fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]checkResult, len(h.checks))

	var wg sync.WaitGroup
	for i, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
			defer cancel()

			start := time.Now()
			err := c.Run(ctx)
			res := checkResult{
				Status:    "ok",
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}
			results[i] = res
		}()
	}
	wg.Wait()

	resp := response{
		Status: "ok",
		Checks: make(map[string]checkResult, len(h.checks)),
	}
	status := http.StatusOK
	for i, c := range h.checks {
		resp.Checks[c.Name] = results[i]
		if results[i].Status != "ok" {
			resp.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
