package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDs generates predictable entity ids: prefix-0001, prefix-0002, ...
//
// This enables deterministic test execution and golden snapshot comparison.
// The same scenario with a fresh SequenceIDs produces identical ids.
//
// Thread-safety: SequenceIDs is safe for concurrent use.
type SequenceIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDs creates a generator. If prefix is empty, "id" is used.
func NewSequenceIDs(prefix string) *SequenceIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequenceIDs{prefix: prefix}
}

// NewID returns the next id.
//
// Implements mutation.IDGenerator.
func (g *SequenceIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
