package approvals

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/haukened/linkguard/internal/guard/common/clock"
	"github.com/haukened/linkguard/internal/guard/common/log"
	"github.com/haukened/linkguard/internal/guard/domain"
)

// DefaultPreload is how many recent records Init loads into the hot cache.
const DefaultPreload = 200

// Options configures a repository. Zero values select defaults.
type Options struct {
	Clock         clock.Clock
	Fingerprinter domain.Fingerprinter
	Logger        log.Logger
	Preload       int
	FPRate        float64
}

type bloomRef struct{ f BloomFilter }

// repository implements Repository by composing a Store, a HotCache and an
// optional Bloom prefilter. Reads run hot cache -> bloom -> store and promote
// store hits. Writes go to the store first; the bloom and hot cache follow.
type repository struct {
	store   Store
	hot     HotCache
	factory BloomFactory
	opts    Options

	// writeMu serialises every mutation across the three layers. A write holds
	// it from the durable commit until the hot cache reflects it, so a clear or
	// invalidate never lands between the two. bloom is swapped whole on rebuild.
	// gen advances on every removal; a read only promotes a store hit into the
	// hot cache if no removal happened since the read began.
	writeMu sync.Mutex
	bloom   atomic.Pointer[bloomRef]
	gen     atomic.Uint64

	initOnce sync.Once
	initErr  error

	bloomSkips  atomic.Uint64
	storeHits   atomic.Uint64
	storeErrors atomic.Uint64
}

// NewRepository constructs a Repository. factory may be nil to run without a prefilter.
func NewRepository(store Store, hot HotCache, factory BloomFactory, opts Options) Repository {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Fingerprinter == nil {
		opts.Fingerprinter = domain.SHA256Fingerprint
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Preload < 0 {
		opts.Preload = 0
	}
	if !(opts.FPRate > 0 && opts.FPRate < 1) {
		opts.FPRate = 0.01
	}
	return &repository{store: store, hot: hot, factory: factory, opts: opts}
}

// Init preloads the most recent live records into the hot cache and builds the
// prefilter. Only the first call does any work; later calls return its result.
// Preload failures leave the hot cache cold and are not fatal.
func (r *repository) Init() error {
	r.initOnce.Do(func() {
		r.preload()
		r.initErr = r.rebuildBloom()
	})
	return r.initErr
}

func (r *repository) preload() {
	if r.opts.Preload == 0 {
		return
	}
	recs, err := r.store.Recent(r.opts.Preload)
	if err != nil {
		r.opts.Logger.Warn(map[string]any{"error": err.Error()}, "hot cache preload failed")
		return
	}
	// Oldest first so the newest records end up most recently used.
	for i := len(recs) - 1; i >= 0; i-- {
		r.hot.Put(recs[i].Fingerprint, domain.HotEntryOf(recs[i]))
	}
	r.opts.Logger.Debug(map[string]any{"records": len(recs)}, "hot cache preloaded")
}

// rebuildBloom scans the store and swaps in a fresh filter. On a scan error
// the prefilter is dropped and every lookup falls through to the store.
func (r *repository) rebuildBloom() error {
	if r.factory == nil {
		return nil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.rebuildBloomLocked()
}

func (r *repository) rebuildBloomLocked() error {
	n, err := r.store.Count()
	if err != nil {
		r.bloom.Store(nil)
		return err
	}
	bf := r.factory.New(uint64(2*n), r.opts.FPRate)
	now := r.opts.Clock.Now()
	err = r.store.Visit(func(rec domain.ApprovalRecord) bool {
		if rec.Live(now) {
			bf.Add(rec.Fingerprint)
		}
		return true
	})
	if err != nil {
		r.bloom.Store(nil)
		return err
	}
	r.bloom.Store(&bloomRef{f: bf})
	return nil
}

func (r *repository) ensureInit() {
	if err := r.Init(); err != nil {
		r.opts.Logger.Warn(map[string]any{"error": err.Error()}, "approval cache init incomplete, prefilter disabled")
	}
}

// IsApproved reports whether url has a live approval.
// Store read errors are absorbed and read as "not approved".
func (r *repository) IsApproved(url string) bool {
	r.ensureInit()
	fp := r.opts.Fingerprinter(url)
	now := r.opts.Clock.Now()

	if e, ok := r.hot.Get(fp, now); ok {
		// A different URL under the same fingerprint is a collision, not a hit.
		return e.URL == url
	}
	if ref := r.bloom.Load(); ref != nil && !ref.f.MightContain(fp) {
		r.bloomSkips.Add(1)
		return false
	}
	gen := r.gen.Load()
	rec, ok, err := r.store.Lookup(url)
	if err != nil {
		r.storeErrors.Add(1)
		r.opts.Logger.Warn(map[string]any{"error": err.Error()}, "approval store read failed, treating as miss")
		return false
	}
	if !ok {
		return false
	}
	r.storeHits.Add(1)
	r.writeMu.Lock()
	if r.gen.Load() == gen {
		r.hot.Put(fp, domain.HotEntryOf(rec))
	}
	r.writeMu.Unlock()
	return true
}

// Approve records an explicit user approval.
func (r *repository) Approve(url string, ttl time.Duration) error {
	return r.Remember(url, domain.UserApproved(), ttl)
}

// Remember writes the durable record first. Only after it commits are the
// prefilter and hot cache updated, so a failed write leaves no trace in memory.
// A prefilter that has outgrown its sizing is rebuilt from the store.
func (r *repository) Remember(url string, d domain.Decision, ttl time.Duration) error {
	r.ensureInit()
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	rec, err := r.store.Put(url, d, ttl)
	if err != nil {
		return err
	}
	if ref := r.bloom.Load(); ref != nil {
		ref.f.Add(rec.Fingerprint)
		if ref.f.Saturated() {
			if berr := r.rebuildBloomLocked(); berr != nil {
				r.opts.Logger.Warn(map[string]any{"error": berr.Error()}, "prefilter rebuild failed, prefilter disabled")
			}
		}
	}
	r.hot.Put(rec.Fingerprint, domain.HotEntryOf(rec))
	return nil
}

// Invalidate removes url from both layers. The prefilter keeps its bit, which
// only costs a store read.
func (r *repository) Invalidate(url string) error {
	r.ensureInit()
	fp := r.opts.Fingerprinter(url)
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.gen.Add(1)
	if err := r.store.Delete(url); err != nil {
		return err
	}
	r.hot.Remove(fp)
	return nil
}

// ClearAll empties the store, the hot cache and the prefilter.
func (r *repository) ClearAll() error {
	r.ensureInit()
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.gen.Add(1)
	if err := r.store.Clear(); err != nil {
		return err
	}
	r.hot.Purge()
	if r.factory != nil {
		r.bloom.Store(&bloomRef{f: r.factory.New(0, r.opts.FPRate)})
	}
	return nil
}

// PurgeExpired removes expired records from the store, sweeps the hot cache
// and rebuilds the prefilter when anything was removed. The store purge runs
// in its own batched transactions and never holds the hot cache lock.
func (r *repository) PurgeExpired() (int, error) {
	r.ensureInit()
	n, err := r.store.PurgeExpired()
	swept := r.hot.PurgeExpired(r.opts.Clock.Now())
	if err != nil {
		return n, err
	}
	if n > 0 {
		if berr := r.rebuildBloom(); berr != nil {
			r.opts.Logger.Warn(map[string]any{"error": berr.Error()}, "prefilter rebuild failed, prefilter disabled")
		}
	}
	r.opts.Logger.Debug(map[string]any{"purged": n, "hot_swept": swept}, "expired approvals purged")
	return n, nil
}

// Size returns the number of stored records, or 0 when the store is unreadable.
func (r *repository) Size() int {
	r.ensureInit()
	n, err := r.store.Count()
	if err != nil {
		r.opts.Logger.Warn(map[string]any{"error": err.Error()}, "approval store count failed")
		return 0
	}
	return n
}

func (r *repository) Stats() RepoStats {
	return RepoStats{
		Hot:          r.hot.Stats(),
		Store:        r.store.Stats(),
		BloomEnabled: r.bloom.Load() != nil,
		BloomSkips:   r.bloomSkips.Load(),
		StoreHits:    r.storeHits.Load(),
		StoreErrors:  r.storeErrors.Load(),
	}
}

var _ Repository = (*repository)(nil)
