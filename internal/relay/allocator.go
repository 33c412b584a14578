package relay

import (
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
)

// subdomainAlphabet is the character set for generated subdomains.
const subdomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// defaultMaxAllocationAttempts bounds collision retries. With length 12 the
// per-draw collision probability is ~1 in 3.6e9, so the bound is never hit in
// practice.
const defaultMaxAllocationAttempts = 100

// ErrAllocationExhausted is returned when no free subdomain was found within
// the attempt budget.
var ErrAllocationExhausted = errors.New("relay: subdomain allocation exhausted")

// subdomainPattern validates caller-requested subdomains.
var subdomainPattern = regexp.MustCompile(`^[a-z0-9]+$`)

// subdomainChecker is the slice of the Registry the allocator consults for
// collisions.
type subdomainChecker interface {
	Has(subdomain string) bool
}

// Allocator mints random subdomains of a fixed length and checks them for
// collisions against the registry.
type Allocator struct {
	length      int
	maxAttempts int
	registry    subdomainChecker
}

// NewAllocator builds an allocator. Length must be positive.
func NewAllocator(length int, registry subdomainChecker) (*Allocator, error) {
	if length < 1 {
		return nil, fmt.Errorf("relay: subdomain length must be positive, got %d", length)
	}
	return &Allocator{
		length:      length,
		maxAttempts: defaultMaxAllocationAttempts,
		registry:    registry,
	}, nil
}

// Allocate returns a subdomain that was free at draw time. The caller still
// races other allocations and must treat Registry.Register as the authority.
func (a *Allocator) Allocate() (string, error) {
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		candidate, err := randomSubdomain(a.length)
		if err != nil {
			return "", err
		}
		if !a.registry.Has(candidate) {
			return candidate, nil
		}
	}
	return "", ErrAllocationExhausted
}

// ValidRequested reports whether a caller-supplied subdomain is well-formed
// for this allocator's configuration.
func (a *Allocator) ValidRequested(subdomain string) bool {
	return len(subdomain) == a.length && subdomainPattern.MatchString(subdomain)
}

func randomSubdomain(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("relay: random source failed: %w", err)
	}
	for i := range buf {
		buf[i] = subdomainAlphabet[int(buf[i])%len(subdomainAlphabet)]
	}
	return string(buf), nil
}
