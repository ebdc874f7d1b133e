package approvals

import (
	"time"

	"github.com/haukened/linkguard/internal/guard/domain"
)

// BloomFilter is the negative prefilter over approval fingerprints.
// Saturated reports that more distinct fingerprints were added than the
// filter was sized for.
type BloomFilter interface {
	Add(fp domain.Fingerprint)
	MightContain(fp domain.Fingerprint) bool
	Saturated() bool
}

// BloomFactory builds filters sized for capacity approvals at fpRate.
// Implementations raise a small or zero capacity to their own minimum.
type BloomFactory interface {
	New(capacity uint64, fpRate float64) BloomFilter
}

// HotCache is the bounded in-memory projection of the store, keyed by fingerprint.
// Get treats an entry whose expiry has passed as absent and evicts it.
type HotCache interface {
	Get(fp domain.Fingerprint, now time.Time) (domain.HotEntry, bool)
	Put(fp domain.Fingerprint, e domain.HotEntry)
	Remove(fp domain.Fingerprint)
	PurgeExpired(now time.Time) int
	Purge()
	Len() int
	Stats() CacheStats
}

// Store is the durable fingerprint store.
//   - Put upserts a record for url; the last write wins on expiry.
//   - Lookup returns the record only if it belongs to url and is live.
//   - Contains is Lookup with storage errors read as false.
//   - Recent returns up to limit live records, most recently written first.
//   - Visit walks every stored record, expired ones included.
type Store interface {
	Put(url string, d domain.Decision, ttl time.Duration) (domain.ApprovalRecord, error)
	Lookup(url string) (domain.ApprovalRecord, bool, error)
	Contains(url string) bool
	Delete(url string) error
	PurgeExpired() (int, error)
	Clear() error
	Count() (int, error)
	Recent(limit int) ([]domain.ApprovalRecord, error)
	Visit(fn func(domain.ApprovalRecord) bool) error
	Stats() StoreStats
	Close() error
}

// Repository is the single answer to "is this URL already resolved safe?".
// It composes hot cache -> bloom -> store on reads and store -> bloom -> hot cache on writes.
type Repository interface {
	Init() error
	IsApproved(url string) bool
	Approve(url string, ttl time.Duration) error
	Remember(url string, d domain.Decision, ttl time.Duration) error
	Invalidate(url string) error
	ClearAll() error
	PurgeExpired() (int, error)
	Size() int
	Stats() RepoStats
}
