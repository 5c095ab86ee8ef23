package signal

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource fetches the current attestation token from wherever the host
// platform delivers it (an SDK callback, a header, a file dropped by the
// attestation agent). An empty token means no attestation happened.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken returns a source that always yields the same token.
func StaticToken(token string) TokenSource {
	return TokenSourceFunc(func(context.Context) (string, error) { return token, nil })
}

// TokenAttestation verifies signed JWT verdict tokens from an attestation
// backend. The token's kid header selects the verification key; the "verdict"
// claim carries pass or fail. Anything that prevents verification yields an
// inconclusive verdict rather than a failure, since a broken token pipeline
// is not evidence about the device.
type TokenAttestation struct {
	source TokenSource
	keys   map[string]crypto.PublicKey
	leeway time.Duration
}

// NewTokenAttestation creates a client reading tokens from source and
// verifying them against keys, a map from kid to public key.
func NewTokenAttestation(source TokenSource, keys map[string]crypto.PublicKey) *TokenAttestation {
	return &TokenAttestation{
		source: source,
		keys:   keys,
		leeway: 30 * time.Second,
	}
}

// Verdict implements AttestationClient.
func (t *TokenAttestation) Verdict(ctx context.Context) (IntegrityVerdict, error) {
	token, err := t.source.Token(ctx)
	if err != nil || token == "" {
		return VerdictUnavailable, nil
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, t.keyFor,
		jwt.WithValidMethods([]string{"RS256", "ES256", "EdDSA"}),
		jwt.WithLeeway(t.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return VerdictUnknown, nil
	}

	verdict, ok := claims["verdict"].(string)
	if !ok {
		return VerdictUnknown, nil
	}
	switch verdict {
	case "pass":
		return VerdictPass, nil
	case "fail":
		return VerdictFail, nil
	default:
		return VerdictUnknown, nil
	}
}

func (t *TokenAttestation) keyFor(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token has no kid header")
	}
	key, ok := t.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no verification key for kid %q", kid)
	}
	return key, nil
}
