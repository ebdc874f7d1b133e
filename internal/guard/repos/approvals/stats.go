package approvals

// CacheStats reports lightweight cache metrics.
// All fields are best-effort snapshots and may be updated concurrently.
type CacheStats struct {
	Capacity  int    // configured capacity (0 for disabled cache)
	Size      int    // current number of entries
	Hits      uint64 // total cache hits since construction
	Misses    uint64 // total cache misses since construction
	Evictions uint64 // total evictions since construction, explicit removals included
}

// StoreStats reports store metrics read in a single read-only transaction.
type StoreStats struct {
	Records   uint64 // stored records, expired ones included
	SizeBytes int64  // database size as seen by the transaction
}

// RepoStats exposes repository-level counters and the underlying layer stats.
type RepoStats struct {
	Hot          CacheStats
	Store        StoreStats
	BloomEnabled bool
	BloomSkips   uint64 // lookups answered negative by the prefilter
	StoreHits    uint64 // lookups answered by the store and promoted
	StoreErrors  uint64 // failed store reads, treated as misses
}
