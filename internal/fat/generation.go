package fat

import "sync/atomic"

// Generation counts how often cluster chains were freed.
// Directory entry handles remember the value they were resolved at; a handle
// is stale as soon as the counter is bigger than its tag. Allocations do not
// advance the counter.
type Generation struct {
	value uint64
}

// Value returns the current generation.
func (g *Generation) Value() uint64 {
	return atomic.LoadUint64(&g.value)
}

// Advance increments the counter and returns the new value.
func (g *Generation) Advance() uint64 {
	return atomic.AddUint64(&g.value, 1)
}

// IsStale reports whether something tagged with tag may reference freed clusters.
func (g *Generation) IsStale(tag uint64) bool {
	return g.Value() > tag
}
