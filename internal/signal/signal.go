// Package signal defines the collaborator interfaces through which the host
// platform feeds environment observations into the checks. Producers are
// synchronous and cheap; anything slow belongs behind the host's own cache.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"appguard/internal/policy"
)

var ErrNoProducer = errors.New("signal: no producer registered")

// BoolProducer reports whether a condition currently holds.
type BoolProducer interface {
	Detect() (bool, error)
}

// CountProducer reports how many indicators of a condition are present.
type CountProducer interface {
	Count() (int, error)
}

// BoolFunc adapts a function to BoolProducer.
type BoolFunc func() (bool, error)

func (f BoolFunc) Detect() (bool, error) { return f() }

// CountFunc adapts a function to CountProducer.
type CountFunc func() (int, error)

func (f CountFunc) Count() (int, error) { return f() }

// StaticBool is a producer with a fixed answer, mostly for tests.
func StaticBool(v bool) BoolProducer {
	return BoolFunc(func() (bool, error) { return v, nil })
}

// StaticCount is a producer with a fixed count, mostly for tests.
func StaticCount(n int) CountProducer {
	return CountFunc(func() (int, error) { return n, nil })
}

// Registry holds the producers the host wired in, keyed by signal category.
// Registration happens at startup; lookups are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	bools  map[policy.Category]BoolProducer
	counts map[policy.Category]CountProducer
}

func NewRegistry() *Registry {
	return &Registry{
		bools:  make(map[policy.Category]BoolProducer),
		counts: make(map[policy.Category]CountProducer),
	}
}

// RegisterBool wires a boolean producer for a category, replacing any
// previous producer.
func (r *Registry) RegisterBool(cat policy.Category, p BoolProducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bools[cat] = p
}

// RegisterCount wires a counting producer for a category.
func (r *Registry) RegisterCount(cat policy.Category, p CountProducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[cat] = p
}

// Detect runs the boolean producer for a category.
func (r *Registry) Detect(cat policy.Category) (bool, error) {
	r.mu.RLock()
	p, ok := r.bools[cat]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoProducer, cat)
	}
	return p.Detect()
}

// Count runs the counting producer for a category.
func (r *Registry) Count(cat policy.Category) (int, error) {
	r.mu.RLock()
	p, ok := r.counts[cat]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoProducer, cat)
	}
	return p.Count()
}

// HasBool reports whether a boolean producer is wired for the category.
func (r *Registry) HasBool(cat policy.Category) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bools[cat]
	return ok
}

// HasCount reports whether a counting producer is wired for the category.
func (r *Registry) HasCount(cat policy.Category) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.counts[cat]
	return ok
}

// IntegrityVerdict is the outcome of a remote attestation check.
type IntegrityVerdict int

const (
	// VerdictUnknown means the attestation service answered with something
	// the client could not classify.
	VerdictUnknown IntegrityVerdict = iota

	// VerdictUnavailable means no attestation service is present on this
	// device. Not an attack signal.
	VerdictUnavailable

	// VerdictPass means the device and app passed attestation.
	VerdictPass

	// VerdictFail means attestation ran and the device or app failed it.
	VerdictFail
)

func (v IntegrityVerdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictFail:
		return "fail"
	case VerdictUnavailable:
		return "unavailable"
	case VerdictUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("Unknown(%d)", int(v))
	}
}

// AttestationClient is the optional remote attestation collaborator. Hosts
// that have one wire it in at startup; hosts that don't use NoAttestation.
// Presence is decided by injection, never by probing for types at runtime.
type AttestationClient interface {
	Verdict(ctx context.Context) (IntegrityVerdict, error)
}

type noAttestation struct{}

func (noAttestation) Verdict(context.Context) (IntegrityVerdict, error) {
	return VerdictUnavailable, nil
}

// NoAttestation is the not-present variant of AttestationClient.
func NoAttestation() AttestationClient { return noAttestation{} }

// AttestationFunc adapts a function to AttestationClient.
type AttestationFunc func(ctx context.Context) (IntegrityVerdict, error)

func (f AttestationFunc) Verdict(ctx context.Context) (IntegrityVerdict, error) {
	return f(ctx)
}
