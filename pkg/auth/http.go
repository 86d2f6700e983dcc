package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Compile-time interface assertion.
var _ Provider = (*HTTPProvider)(nil)

// DefaultRefreshLeeway is how long before expiry a cached token is considered
// stale and refreshed.
const DefaultRefreshLeeway = 30 * time.Second

// HTTPOption configures an [HTTPProvider] during construction.
type HTTPOption func(*HTTPProvider)

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) { p.client = c }
}

// WithRefreshLeeway sets how long before expiry a token is refreshed.
func WithRefreshLeeway(d time.Duration) HTTPOption {
	return func(p *HTTPProvider) { p.leeway = d }
}

// HTTPProvider exchanges an API key for short-lived session JWTs at a token
// endpoint and caches them until close to expiry.
//
// Safe for concurrent use; concurrent callers during a refresh share one
// round trip.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	leeway   time.Duration

	mu     sync.Mutex
	cached Credential
}

// NewHTTPProvider creates a provider that POSTs to endpoint with the API key.
func NewHTTPProvider(endpoint, apiKey string, opts ...HTTPOption) *HTTPProvider {
	p := &HTTPProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
		leeway:   DefaultRefreshLeeway,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// tokenResponse is the issuer's reply: {"token":"<jwt>"}.
type tokenResponse struct {
	Token string `json:"token"`
}

// Credential returns the cached credential, refreshing it when it is within
// the configured leeway of expiry.
func (p *HTTPProvider) Credential(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached.Token != "" && !p.cached.Expired(p.leeway) {
		return p.cached, nil
	}

	cred, err := p.fetch(ctx)
	if err != nil {
		return Credential{}, err
	}
	p.cached = cred
	return cred, nil
}

// Invalidate drops the cached credential so the next call refreshes. Called
// when the server rejects a token the cache still considered valid.
func (p *HTTPProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = Credential{}
}

func (p *HTTPProvider) fetch(ctx context.Context) (Credential, error) {
	body, err := json.Marshal(map[string]string{"grant_type": "session"})
	if err != nil {
		return Credential{}, fmt.Errorf("auth: marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("auth: build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("auth: token request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Credential{}, fmt.Errorf("%w: token endpoint returned %d", ErrCredential, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Credential{}, fmt.Errorf("auth: token endpoint returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, fmt.Errorf("auth: read token response: %w", err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return Credential{}, fmt.Errorf("auth: decode token response: %w", err)
	}
	if tr.Token == "" {
		return Credential{}, fmt.Errorf("%w: token endpoint returned empty token", ErrCredential)
	}

	return FromJWT(tr.Token)
}
