package bolt

import (
	"errors"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"
	bberrors "go.etcd.io/bbolt/errors"

	"github.com/haukened/linkguard/internal/guard/common/clock"
	"github.com/haukened/linkguard/internal/guard/common/log"
	"github.com/haukened/linkguard/internal/guard/domain"
	"github.com/haukened/linkguard/internal/guard/repos/approvals"
)

var (
	bucketApprovals = []byte("approvals")
	bucketByCreated = []byte("by_created")
)

// DefaultPurgeBatch is the number of deletions per purge write transaction.
const DefaultPurgeBatch = 256

// Options configures a store. Zero values select defaults.
type Options struct {
	Clock         clock.Clock
	Fingerprinter domain.Fingerprinter
	Logger        log.Logger
	PurgeBatch    int
	Timeout       time.Duration
}

// boltStore implements approvals.Store using bbolt.
type boltStore struct {
	db     *bbolt.DB
	clock  clock.Clock
	fp     domain.Fingerprinter
	logger log.Logger
	batch  int
}

// ensureBucketsFn creates the buckets on open. Replaceable in tests.
var ensureBucketsFn = func(tx *bbolt.Tx) error {
	if _, err := tx.CreateBucketIfNotExists(bucketApprovals); err != nil {
		return err
	}
	_, err := tx.CreateBucketIfNotExists(bucketByCreated)
	return err
}

// New opens (or creates) a Bolt database at path and ensures buckets exist.
func New(path string, opts Options) (approvals.Store, error) {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Fingerprinter == nil {
		opts.Fingerprinter = domain.SHA256Fingerprint
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.PurgeBatch <= 0 {
		opts.PurgeBatch = DefaultPurgeBatch
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrStorage, path, err)
	}
	if err := db.Update(ensureBucketsFn); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: create buckets: %v", domain.ErrStorage, err)
	}
	return &boltStore{
		db:     db,
		clock:  opts.Clock,
		fp:     opts.Fingerprinter,
		logger: opts.Logger,
		batch:  opts.PurgeBatch,
	}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

// Put upserts the record and its creation index entry in one transaction.
func (s *boltStore) Put(url string, d domain.Decision, ttl time.Duration) (domain.ApprovalRecord, error) {
	if ttl <= 0 {
		ttl = domain.DefaultApprovalTTL
	}
	now := s.clock.Now()
	rec := domain.ApprovalRecord{
		Fingerprint: s.fp(url),
		URL:         url,
		Decision:    d,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, idx, err := buckets(tx)
		if err != nil {
			return err
		}
		key := rec.Fingerprint[:]
		if old := b.Get(key); old != nil {
			prev := decodeRecord(rec.Fingerprint, old)
			if err := idx.Delete(indexKey(prev.CreatedAt, rec.Fingerprint)); err != nil {
				return err
			}
		}
		if err := b.Put(key, encodeRecord(rec)); err != nil {
			return err
		}
		return idx.Put(indexKey(rec.CreatedAt, rec.Fingerprint), []byte{})
	})
	if err != nil {
		return domain.ApprovalRecord{}, fmt.Errorf("%w: put: %v", domain.ErrStorage, err)
	}
	return rec, nil
}

// Lookup returns the live record for url. A record stored under the same
// fingerprint for a different URL is a miss.
func (s *boltStore) Lookup(url string) (domain.ApprovalRecord, bool, error) {
	fp := s.fp(url)
	var (
		rec   domain.ApprovalRecord
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketApprovals)
		if b == nil {
			return errMissingBucket
		}
		v := b.Get(fp[:])
		if v == nil {
			return nil
		}
		rec = decodeRecord(fp, v)
		found = true
		return nil
	})
	if err != nil {
		return domain.ApprovalRecord{}, false, fmt.Errorf("%w: lookup: %v", domain.ErrStorage, err)
	}
	if !found || !rec.Matches(url) || !rec.Live(s.clock.Now()) {
		return domain.ApprovalRecord{}, false, nil
	}
	return rec, true, nil
}

// Contains is fail-closed: a storage error is logged and reported as absent.
func (s *boltStore) Contains(url string) bool {
	_, ok, err := s.Lookup(url)
	if err != nil {
		s.logger.Warn(map[string]any{"error": err.Error()}, "approval store read failed, treating as miss")
		return false
	}
	return ok
}

// Delete removes the record for url. Records owned by a colliding URL are left alone.
func (s *boltStore) Delete(url string) error {
	fp := s.fp(url)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, idx, err := buckets(tx)
		if err != nil {
			return err
		}
		v := b.Get(fp[:])
		if v == nil {
			return nil
		}
		rec := decodeRecord(fp, v)
		if !rec.Matches(url) {
			return nil
		}
		return deleteRecord(b, idx, rec)
	})
	if err != nil {
		return fmt.Errorf("%w: delete: %v", domain.ErrStorage, err)
	}
	return nil
}

// PurgeExpired removes every record with expiresAt <= now. Candidates are
// collected in a read transaction and deleted in batches, each batch in its
// own write transaction, re-checking expiry so a concurrent re-approval survives.
func (s *boltStore) PurgeExpired() (int, error) {
	now := s.clock.Now()
	var expired []domain.Fingerprint
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketApprovals)
		if b == nil {
			return errMissingBucket
		}
		return b.ForEach(func(k, v []byte) error {
			fp, ok := domain.FingerprintFromBytes(k)
			if !ok {
				return nil
			}
			if !decodeRecord(fp, v).Live(now) {
				expired = append(expired, fp)
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("%w: purge scan: %v", domain.ErrStorage, err)
	}

	removed := 0
	for start := 0; start < len(expired); start += s.batch {
		end := min(start+s.batch, len(expired))
		n := 0
		err := s.db.Update(func(tx *bbolt.Tx) error {
			n = 0
			b, idx, err := buckets(tx)
			if err != nil {
				return err
			}
			for _, fp := range expired[start:end] {
				v := b.Get(fp[:])
				if v == nil {
					continue
				}
				rec := decodeRecord(fp, v)
				if rec.Live(now) {
					continue
				}
				if err := deleteRecord(b, idx, rec); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("%w: purge batch: %v", domain.ErrStorage, err)
		}
		removed += n
	}
	return removed, nil
}

// Clear drops and recreates both buckets.
func (s *boltStore) Clear() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketApprovals, bucketByCreated} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bberrors.ErrBucketNotFound) {
				return err
			}
		}
		return ensureBucketsFn(tx)
	})
	if err != nil {
		return fmt.Errorf("%w: clear: %v", domain.ErrStorage, err)
	}
	return nil
}

// Count returns the number of stored records, expired ones included.
func (s *boltStore) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketApprovals)
		if b == nil {
			return errMissingBucket
		}
		n = b.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", domain.ErrStorage, err)
	}
	return n, nil
}

// Recent walks the creation index newest first and returns up to limit live records.
func (s *boltStore) Recent(limit int) ([]domain.ApprovalRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.clock.Now()
	out := make([]domain.ApprovalRecord, 0, limit)
	seen := make(map[domain.Fingerprint]struct{}, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketApprovals)
		idx := tx.Bucket(bucketByCreated)
		if b == nil || idx == nil {
			return errMissingBucket
		}
		c := idx.Cursor()
		for k, _ := c.Last(); k != nil && len(out) < limit; k, _ = c.Prev() {
			fp, ok := fingerprintOfIndexKey(k)
			if !ok {
				continue
			}
			if _, dup := seen[fp]; dup {
				continue
			}
			v := b.Get(fp[:])
			if v == nil {
				continue
			}
			seen[fp] = struct{}{}
			rec := decodeRecord(fp, v)
			if rec.Live(now) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: recent: %v", domain.ErrStorage, err)
	}
	return out, nil
}

// Visit calls fn for every stored record until fn returns false.
func (s *boltStore) Visit(fn func(domain.ApprovalRecord) bool) error {
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketApprovals)
		if b == nil {
			return errMissingBucket
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			fp, ok := domain.FingerprintFromBytes(k)
			if !ok {
				continue
			}
			if !fn(decodeRecord(fp, v)) {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: visit: %v", domain.ErrStorage, err)
	}
	return nil
}

func (s *boltStore) Stats() approvals.StoreStats {
	st := approvals.StoreStats{}
	_ = s.db.View(func(tx *bbolt.Tx) error {
		st.SizeBytes = tx.Size()
		if b := tx.Bucket(bucketApprovals); b != nil {
			st.Records = uint64(b.Stats().KeyN)
		}
		return nil
	})
	return st
}

var errMissingBucket = errors.New("bucket missing")

func buckets(tx *bbolt.Tx) (*bbolt.Bucket, *bbolt.Bucket, error) {
	b := tx.Bucket(bucketApprovals)
	idx := tx.Bucket(bucketByCreated)
	if b == nil || idx == nil {
		return nil, nil, errMissingBucket
	}
	return b, idx, nil
}

func deleteRecord(b, idx *bbolt.Bucket, rec domain.ApprovalRecord) error {
	if err := idx.Delete(indexKey(rec.CreatedAt, rec.Fingerprint)); err != nil {
		return err
	}
	return b.Delete(rec.Fingerprint[:])
}

var _ approvals.Store = (*boltStore)(nil)
