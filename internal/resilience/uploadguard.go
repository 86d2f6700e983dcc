package resilience

import (
	"context"

	"github.com/cadenza-voice/cadenza/pkg/recording"
)

// UploadGuard wraps a [recording.Uploader] with a [CircuitBreaker]. When the
// intake endpoint fails repeatedly, further uploads are rejected with
// [ErrCircuitOpen] until the reset timeout elapses, which keeps sync passes
// cheap while the backend is down. Rejected recordings stay pending and are
// retried on the next pass.
type UploadGuard struct {
	next    recording.Uploader
	breaker *CircuitBreaker
}

var _ recording.Uploader = (*UploadGuard)(nil)

// NewUploadGuard wraps next with a breaker. A zero cfg gets the breaker
// defaults; the name defaults to "recording-upload".
func NewUploadGuard(next recording.Uploader, cfg CircuitBreakerConfig) *UploadGuard {
	if cfg.Name == "" {
		cfg.Name = "recording-upload"
	}
	return &UploadGuard{
		next:    next,
		breaker: NewCircuitBreaker(cfg),
	}
}

// Upload forwards to the wrapped uploader through the breaker.
func (g *UploadGuard) Upload(ctx context.Context, rec recording.Recording) error {
	return g.breaker.Execute(func() error {
		return g.next.Upload(ctx, rec)
	})
}

// State exposes the breaker state for status reporting.
func (g *UploadGuard) State() State {
	return g.breaker.State()
}
