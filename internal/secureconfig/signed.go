package secureconfig

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"appguard/internal/hmacsig"
	"appguard/internal/keystore"
	"appguard/internal/logging"
)

// VerificationState classifies the outcome of the signature check. The
// distinction between could-not-verify and verified-and-failed is
// load-bearing: the former is an operational gap, the latter means someone
// changed the bytes.
type VerificationState int

const (
	// StateVerified means the signature matched the exact raw bytes.
	StateVerified VerificationState = iota

	// StateNoSignature means no signature material was present.
	StateNoSignature

	// StateCouldNotVerify means signature material existed but could not
	// be checked (I/O failure, key resolution failure).
	StateCouldNotVerify

	// StateVerifiedAndFailed means the check ran and the signature did
	// not match. Treat as tampering.
	StateVerifiedAndFailed
)

func (s VerificationState) String() string {
	switch s {
	case StateVerified:
		return "verified"
	case StateNoSignature:
		return "no_signature"
	case StateCouldNotVerify:
		return "could_not_verify"
	case StateVerifiedAndFailed:
		return "verified_and_failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// SignedResult carries the loaded config plus how much to trust it.
type SignedResult struct {
	Config *SecurityConfig
	State  VerificationState
}

// SignedLoader verifies and loads signed JSON configurations. The primary
// scheme is a detached HMAC-SHA256 over the exact raw file bytes; an RSA
// public key may be configured as a fallback scheme for configs signed by
// release infrastructure rather than a shared key.
type SignedLoader struct {
	resolver *keystore.Resolver
	rsaKey   *rsa.PublicKey
	audit    *logging.AuditLogger
}

// NewSignedLoader creates a loader verifying with the config MAC key from
// the resolver. rsaKeyPEM may be empty.
func NewSignedLoader(resolver *keystore.Resolver, rsaKeyPEM []byte) (*SignedLoader, error) {
	l := &SignedLoader{resolver: resolver}
	if len(rsaKeyPEM) > 0 {
		key, err := parseRSAPublicKey(rsaKeyPEM)
		if err != nil {
			return nil, err
		}
		l.rsaKey = key
	}
	return l, nil
}

// SetAuditLogger routes verification outcomes and config loads to the audit
// trail. A nil logger disables auditing.
func (l *SignedLoader) SetAuditLogger(audit *logging.AuditLogger) {
	l.audit = audit
}

// Load reads the config at configPath and its detached signature at sigPath,
// verifies, and parses. Verification failure never prevents a config from
// loading; the caller decides what the state is worth. Only a config that
// cannot be parsed or violates the contract returns an error.
func (l *SignedLoader) Load(configPath, sigPath string) (*SignedResult, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("secureconfig: read signed config: %w", err)
	}

	state := l.verify(raw, sigPath)
	if l.audit != nil && (state == StateVerified || state == StateVerifiedAndFailed) {
		l.audit.LogVerification(configPath, state == StateVerified)
	}

	cfg := DefaultConfig()
	if err := ParseJSON(raw, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if l.audit != nil {
		l.audit.Log(logging.AuditEvent{
			EventType: logging.AuditEventConfigLoaded,
			Action:    "load",
			Resource:  configPath,
			Result:    "success",
			Details:   map[string]string{"verification": state.String()},
		})
	}
	return &SignedResult{Config: cfg, State: state}, nil
}

func (l *SignedLoader) verify(raw []byte, sigPath string) VerificationState {
	sigData, err := os.ReadFile(sigPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StateNoSignature
		}
		return StateCouldNotVerify
	}
	signature := strings.TrimSpace(string(sigData))
	if signature == "" {
		return StateNoSignature
	}

	if hmacsig.WellFormed(signature) {
		key, err := l.resolver.GetBestAvailable(keystore.AliasConfigMAC)
		if err != nil {
			return StateCouldNotVerify
		}
		if hmacsig.Verify(raw, signature, key) {
			return StateVerified
		}
		if l.rsaKey == nil {
			return StateVerifiedAndFailed
		}
		// A 64-hex string is never a plausible RSA signature; the HMAC
		// verdict stands.
		return StateVerifiedAndFailed
	}

	if l.rsaKey != nil {
		return l.verifyRSA(raw, signature)
	}
	return StateCouldNotVerify
}

// verifyRSA checks a base64 RSA signature over SHA-256 of the raw bytes,
// accepting either PSS or PKCS1v15 padding.
func (l *SignedLoader) verifyRSA(raw []byte, signature string) VerificationState {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return StateCouldNotVerify
	}

	digest := sha256.Sum256(raw)
	if err := rsa.VerifyPSS(l.rsaKey, crypto.SHA256, digest[:], sig, nil); err == nil {
		return StateVerified
	}
	if err := rsa.VerifyPKCS1v15(l.rsaKey, crypto.SHA256, digest[:], sig); err == nil {
		return StateVerified
	}
	return StateVerifiedAndFailed
}

func parseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("secureconfig: RSA key is not PEM encoded")
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("secureconfig: public key is not RSA")
		}
		return rsaPub, nil
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	return nil, errors.New("secureconfig: unable to parse RSA public key")
}
