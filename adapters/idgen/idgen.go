// Package idgen provides ID generation implementations.
// Every generator yields RFC 4122 UUID strings.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/artpar/utter/ports"
)

// UUID generates random UUIDs.
type UUID struct{}

// New generates a new UUID v4.
func (UUID) New() string {
	return uuid.New().String()
}

// Ensure interface compliance.
var _ ports.IDGenerator = UUID{}

// Sequential generates reproducible UUIDs (for testing).
// The n-th id is the v5 UUID of "<seed>/<n>".
type Sequential struct {
	seed    string
	counter uint64
}

// NewSequential creates a sequential ID generator.
func NewSequential(seed string) *Sequential {
	return &Sequential{seed: seed}
}

// New generates the next id.
func (s *Sequential) New() string {
	n := atomic.AddUint64(&s.counter, 1)
	return s.At(n)
}

// At returns the id New yields on its n-th call.
func (s *Sequential) At(n uint64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(s.seed+"/"+strconv.FormatUint(n, 10))).String()
}

// Reset restarts the sequence.
func (s *Sequential) Reset() {
	atomic.StoreUint64(&s.counter, 0)
}

// Ensure interface compliance.
var _ ports.IDGenerator = (*Sequential)(nil)

// Valid reports whether s is a UUID in canonical form.
func Valid(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
