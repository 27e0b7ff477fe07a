// Package auth verifies the bearer token presented when a client attaches
// its WebSocket. Verification is stateless HS256; the token's subject is
// the user identity the session is allowed to register as.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks attach tokens. A zero-secret verifier is disabled and
// admits everything (development mode).
type Verifier struct {
	secret []byte
}

// NewVerifier builds a verifier for the shared HS256 secret. An empty
// secret disables verification.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return &Verifier{}
	}

	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether tokens are required.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Subject validates tokenString and returns its subject claim. Only HS256
// is accepted; an alg switch in the header is rejected outright.
func (v *Verifier) Subject(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}

		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("token has no subject")
	}

	return subject, nil
}
