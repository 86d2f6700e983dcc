package auth_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cadenza-voice/cadenza/pkg/auth"
)

// signJWT mints an HS256 token expiring at exp.
func signJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "session",
		"exp": exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func TestFromJWT(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	cred, err := auth.FromJWT(signJWT(t, exp))
	if err != nil {
		t.Fatalf("FromJWT error: %v", err)
	}
	if !cred.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, exp)
	}
	if cred.Expired(0) {
		t.Error("fresh credential reported expired")
	}
	if !cred.Expired(2 * time.Hour) {
		t.Error("credential within leeway not reported expired")
	}
}

func TestFromJWTMalformed(t *testing.T) {
	t.Parallel()

	_, err := auth.FromJWT("not a jwt")
	if !errors.Is(err, auth.ErrCredential) {
		t.Errorf("error = %v, want ErrCredential", err)
	}
}

func TestStaticProvider(t *testing.T) {
	t.Parallel()

	fresh := auth.Static{Cred: auth.Credential{Token: "abc", ExpiresAt: time.Now().Add(time.Hour)}}
	cred, err := fresh.Credential(t.Context())
	if err != nil {
		t.Fatalf("Credential error: %v", err)
	}
	if cred.Token != "abc" {
		t.Errorf("token = %q, want abc", cred.Token)
	}

	stale := auth.Static{Cred: auth.Credential{Token: "abc", ExpiresAt: time.Now().Add(-time.Minute)}}
	if _, err := stale.Credential(t.Context()); !errors.Is(err, auth.ErrCredential) {
		t.Errorf("expired static error = %v, want ErrCredential", err)
	}
}

func TestHTTPProviderCachesUntilLeeway(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer api-key" {
			t.Errorf("Authorization = %q, want Bearer api-key", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"token": signJWT(t, time.Now().Add(time.Hour))})
	}))
	defer srv.Close()

	p := auth.NewHTTPProvider(srv.URL, "api-key")

	for range 3 {
		cred, err := p.Credential(t.Context())
		if err != nil {
			t.Fatalf("Credential error: %v", err)
		}
		if cred.Token == "" {
			t.Fatal("empty token")
		}
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("token endpoint hit %d times, want 1 (cached)", got)
	}

	p.Invalidate()
	if _, err := p.Credential(t.Context()); err != nil {
		t.Fatalf("Credential after Invalidate error: %v", err)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("token endpoint hit %d times after Invalidate, want 2", got)
	}
}

func TestHTTPProviderRefreshesNearExpiry(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		// Tokens that are already inside the refresh leeway.
		json.NewEncoder(w).Encode(map[string]string{"token": signJWT(t, time.Now().Add(10*time.Second))})
	}))
	defer srv.Close()

	p := auth.NewHTTPProvider(srv.URL, "api-key", auth.WithRefreshLeeway(30*time.Second))
	for range 2 {
		if _, err := p.Credential(t.Context()); err != nil {
			t.Fatalf("Credential error: %v", err)
		}
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("token endpoint hit %d times, want 2 (no caching near expiry)", got)
	}
}

func TestHTTPProviderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		handler        http.HandlerFunc
		wantCredential bool
	}{
		{
			name:           "unauthorized",
			handler:        func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusUnauthorized) },
			wantCredential: true,
		},
		{
			name:           "server error",
			handler:        func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			wantCredential: false,
		},
		{
			name: "empty token",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{"token": ""})
			},
			wantCredential: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			p := auth.NewHTTPProvider(srv.URL, "api-key")
			_, err := p.Credential(t.Context())
			if err == nil {
				t.Fatal("Credential succeeded, want error")
			}
			if got := errors.Is(err, auth.ErrCredential); got != tc.wantCredential {
				t.Errorf("errors.Is(err, ErrCredential) = %v, want %v (err: %v)", got, tc.wantCredential, err)
			}
		})
	}
}
