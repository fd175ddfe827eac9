// Package ids generates callback tokens and other opaque identifiers.
package ids

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique identifiers.
// Implemented by UUIDv7 (production) and Fixed (tests).
type Generator interface {
	Generate() string
}

// UUIDv7 generates time-sortable UUIDv7 identifiers.
//
// UUIDv7 embeds a timestamp in the most significant bits, so tokens sort
// by issue time, which helps when reading the callbacks table.
//
// Thread-safety: UUIDv7 is stateless and safe for concurrent use.
type UUIDv7 struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ApplicationIDs generates application IDs of the form
// LOAN-<unix seconds>-<4 hex digits>.
type ApplicationIDs struct {
	Now func() time.Time
}

// Generate returns a new application ID. The suffix is taken from the
// random tail of a UUIDv7.
func (g ApplicationIDs) Generate() string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	u := uuid.Must(uuid.NewV7()).String()
	return fmt.Sprintf("LOAN-%d-%s", now().Unix(), strings.ToUpper(u[len(u)-4:]))
}

// Fixed returns predetermined identifiers for testing.
//
// Thread-safety: Fixed is safe for concurrent use via internal mutex.
type Fixed struct {
	mu     sync.Mutex
	values []string
	idx    int
}

// NewFixed creates a generator that returns values in order.
//
// Example:
//
//	gen := NewFixed("tok-1", "tok-2")
//	gen.Generate() // "tok-1"
//	gen.Generate() // "tok-2"
//	gen.Generate() // panic: all identifiers exhausted
func NewFixed(values ...string) *Fixed {
	return &Fixed{values: values}
}

// Generate returns the next predetermined identifier.
//
// Panics if all values have been consumed, so a test that issues more
// identifiers than it expected fails loudly.
func (g *Fixed) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.values) {
		panic("ids.Fixed: all identifiers exhausted")
	}
	v := g.values[g.idx]
	g.idx++
	return v
}

// Sequence returns prefix-1, prefix-2, ... in order.
//
// Thread-safety: Sequence is safe for concurrent use via internal mutex.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequence creates a generator numbering from 1.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// Generate returns the next identifier of the sequence.
func (g *Sequence) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
