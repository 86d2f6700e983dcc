// Package auth supplies the bearer credentials used to open duplex voice
// sessions.
//
// Credentials are short-lived JWTs minted by a token endpoint. The
// [Provider] interface abstracts where they come from so tests and local
// setups can use a static token while production refreshes through HTTP.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrCredential indicates the credential was rejected, expired, or could not
// be obtained. Session setup failures wrapping this error are not retried by
// reconnection logic, because retrying with the same bad credential cannot
// succeed.
var ErrCredential = errors.New("auth: credential rejected")

// Credential is a bearer token plus its expiry.
type Credential struct {
	// Token is the raw bearer token placed on the Authorization header.
	Token string

	// ExpiresAt is when the token stops being accepted. Zero means unknown,
	// which is treated as non-expiring.
	ExpiresAt time.Time
}

// Expired reports whether the credential is expired or will expire within
// leeway. A zero ExpiresAt never expires.
func (c Credential) Expired(leeway time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(leeway).After(c.ExpiresAt)
}

// FromJWT builds a Credential from a JWT, reading the expiry from the exp
// claim. The signature is not verified here — the server does that; the
// client only needs the expiry to know when to refresh.
func FromJWT(token string) (Credential, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Credential{}, fmt.Errorf("%w: parse token: %w", ErrCredential, err)
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return Credential{}, fmt.Errorf("%w: read exp claim: %w", ErrCredential, err)
	}

	cred := Credential{Token: token}
	if exp != nil {
		cred.ExpiresAt = exp.Time
	}
	return cred, nil
}

// Provider yields a credential valid for opening a session right now.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Credential returns a usable credential, refreshing if the cached one is
	// expired or close to it. Failures wrap [ErrCredential] when the issuer
	// rejected the request, as opposed to transient transport errors.
	Credential(ctx context.Context) (Credential, error)
}

// Static is a Provider that always returns the same credential. Useful for
// tests and API-key setups without a token exchange.
type Static struct {
	Cred Credential
}

// Credential returns the fixed credential, or an error if it has expired.
func (s Static) Credential(_ context.Context) (Credential, error) {
	if s.Cred.Expired(0) {
		return Credential{}, fmt.Errorf("%w: static credential expired at %s", ErrCredential, s.Cred.ExpiresAt.Format(time.RFC3339))
	}
	return s.Cred, nil
}
