// Package idgenerator allocates replicated entity identifiers.
package idgenerator

import "sync/atomic"

// Generator hands out monotonically increasing uint64 identifiers. Zero is
// never returned so it can mean "no entity" on the wire.
type Generator struct {
	last atomic.Uint64
}

// New creates a Generator whose first Next() returns start+1.
//
// Parameters:
//   - start: The value to initialize the counter to
//
// Returns:
//   - A new Generator, safe for concurrent use
func New(start uint64) *Generator {
	g := &Generator{}
	g.last.Store(start)
	return g
}

// Next returns the next identifier, skipping zero on wrap-around.
func (g *Generator) Next() uint64 {
	for {
		id := g.last.Add(1)
		if id != 0 {
			return id
		}
	}
}

// Last returns the most recently issued identifier, or the start value if
// Next has not been called.
func (g *Generator) Last() uint64 {
	return g.last.Load()
}
