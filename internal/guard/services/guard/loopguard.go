package guard

import (
	"sync"
	"sync/atomic"
)

// DefaultMaxAttempts is the loop ceiling. The attempt after it is forced open.
const DefaultMaxAttempts = 3

// LoopGuard counts how often each URL entered the engine during this process
// lifetime. Counters are never reset.
type LoopGuard struct {
	ceiling  int
	counters sync.Map // string -> *atomic.Int64
}

// NewLoopGuard returns a guard with the given ceiling; values < 1 select DefaultMaxAttempts.
func NewLoopGuard(ceiling int) *LoopGuard {
	if ceiling < 1 {
		ceiling = DefaultMaxAttempts
	}
	return &LoopGuard{ceiling: ceiling}
}

// RecordAttempt increments and returns the attempt count for url.
func (g *LoopGuard) RecordAttempt(url string) int {
	v, ok := g.counters.Load(url)
	if !ok {
		v, _ = g.counters.LoadOrStore(url, new(atomic.Int64))
	}
	return int(v.(*atomic.Int64).Add(1))
}

// Exceeded reports whether count is past the ceiling.
func (g *LoopGuard) Exceeded(count int) bool { return count > g.ceiling }

// Ceiling returns the highest attempt count that is not forced open.
func (g *LoopGuard) Ceiling() int { return g.ceiling }

// Len returns the number of tracked URLs.
func (g *LoopGuard) Len() int {
	n := 0
	g.counters.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
