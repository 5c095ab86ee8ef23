// Package hmacsig produces and verifies detached HMAC-SHA256 signatures
// over resolved keys. Signatures are lowercase hex, 64 characters, matching
// the offline signing tools.
package hmacsig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"appguard/internal/keystore"
	"appguard/internal/security"
)

// SignatureLength is the hex-encoded length of an HMAC-SHA256 tag.
const SignatureLength = 64

var ErrNoKey = errors.New("hmacsig: no key")

// Sign computes the detached signature of data under the resolved key.
func Sign(data []byte, key *keystore.ResolvedKey) (string, error) {
	if key == nil {
		return "", ErrNoKey
	}
	secret, err := key.HMACKey()
	if err != nil {
		return "", fmt.Errorf("hmacsig: materialize key: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a detached signature. Malformed signatures are rejected
// before any key material is touched, and every failure path, including key
// derivation errors, reports plain false: callers branch on one bit, not on
// why verification failed.
func Verify(data []byte, signature string, key *keystore.ResolvedKey) bool {
	if key == nil || !WellFormed(signature) {
		return false
	}
	expected, err := Sign(data, key)
	if err != nil {
		return false
	}
	return security.SecureCompareHex(expected, signature)
}

// WellFormed reports whether signature is syntactically a lowercase hex
// HMAC-SHA256 tag.
func WellFormed(signature string) bool {
	if len(signature) != SignatureLength {
		return false
	}
	for _, c := range signature {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

// SignArtifactDigest signs the hex-encoded SHA-256 digest of an artifact.
// The MAC is computed over the digest text, not the raw digest bytes, to
// stay interoperable with the release tooling.
func SignArtifactDigest(artifact []byte, key *keystore.ResolvedKey) (string, error) {
	digest := sha256.Sum256(artifact)
	return Sign([]byte(hex.EncodeToString(digest[:])), key)
}

// VerifyArtifactDigest checks an artifact signature made by
// SignArtifactDigest.
func VerifyArtifactDigest(artifact []byte, signature string, key *keystore.ResolvedKey) bool {
	digest := sha256.Sum256(artifact)
	return Verify([]byte(hex.EncodeToString(digest[:])), signature, key)
}
