package bloom

import (
	"sync"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/haukened/linkguard/internal/guard/domain"
)

// filter is the negative prefilter over approval fingerprints. It counts
// distinct fingerprints so the repository can tell when the filter has grown
// past the capacity it was sized for.
type filter struct {
	mu       sync.RWMutex
	bf       *bitsbloom.BloomFilter
	capacity uint64
	distinct uint64
}

// Add sets the bits for fp. Re-approving a URL that is already present does
// not count against capacity.
func (f *filter) Add(fp domain.Fingerprint) {
	f.mu.Lock()
	if !f.bf.TestAndAdd(fp[:]) {
		f.distinct++
	}
	f.mu.Unlock()
}

func (f *filter) MightContain(fp domain.Fingerprint) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.Test(fp[:])
}

// Saturated reports whether more fingerprints were added than the filter was
// sized for. Past that point the false-positive rate climbs above target.
func (f *filter) Saturated() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.distinct > f.capacity
}
