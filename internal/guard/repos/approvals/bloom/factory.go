package bloom

import (
	bitsbloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/haukened/linkguard/internal/guard/repos/approvals"
)

// MinCapacity is the smallest filter built. A fresh or cleared cache still
// admits this many approvals before it reports saturation.
const MinCapacity = 1024

// DefaultFPRate is used when the requested rate is outside (0, 1).
const DefaultFPRate = 0.01

type factory struct{}

// NewFactory returns a BloomFactory backed by bits-and-blooms filters.
func NewFactory() approvals.BloomFactory { return factory{} }

// New builds a filter for capacity approvals at fpRate. The bit count and
// hash count come from bitsbloom.EstimateParameters.
func (factory) New(capacity uint64, fpRate float64) approvals.BloomFilter {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	if !(fpRate > 0 && fpRate < 1) {
		fpRate = DefaultFPRate
	}
	return &filter{
		bf:       bitsbloom.NewWithEstimates(uint(capacity), fpRate),
		capacity: capacity,
	}
}

var _ approvals.BloomFilter = (*filter)(nil)
