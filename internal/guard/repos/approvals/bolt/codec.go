package bolt

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/haukened/linkguard/internal/guard/domain"
)

// Record layout, all integers big-endian:
//
//	createdAt(8) expiresAt(8) kind(1) phishing(1) confidence(8) url(rest)
//
// Times are unix nanoseconds.
const headerLen = 8 + 8 + 1 + 1 + 8

func encodeRecord(r domain.ApprovalRecord) []byte {
	buf := make([]byte, headerLen+len(r.URL))
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.CreatedAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.ExpiresAt.UnixNano()))
	buf[16] = byte(r.Decision.Kind)
	if r.Decision.IsPhishing {
		buf[17] = 1
	}
	binary.BigEndian.PutUint64(buf[18:26], math.Float64bits(r.Decision.Confidence))
	copy(buf[headerLen:], r.URL)
	return buf
}

// decodeRecord is lenient: a value too short to carry a header decodes as an
// expired record with no URL, so lookups miss and the purge removes it.
func decodeRecord(fp domain.Fingerprint, v []byte) domain.ApprovalRecord {
	rec := domain.ApprovalRecord{Fingerprint: fp}
	if len(v) < headerLen {
		rec.CreatedAt = time.Unix(0, 0)
		rec.ExpiresAt = time.Unix(0, 0)
		return rec
	}
	rec.CreatedAt = time.Unix(0, int64(binary.BigEndian.Uint64(v[0:8])))
	rec.ExpiresAt = time.Unix(0, int64(binary.BigEndian.Uint64(v[8:16])))
	rec.Decision = domain.Decision{
		Kind:       domain.DecisionKind(v[16]),
		IsPhishing: v[17] == 1,
		Confidence: math.Float64frombits(binary.BigEndian.Uint64(v[18:26])),
	}
	rec.URL = string(v[headerLen:])
	return rec
}

// indexKey orders fingerprints by creation time: createdAt(8) || fingerprint.
func indexKey(createdAt time.Time, fp domain.Fingerprint) []byte {
	k := make([]byte, 8+domain.FingerprintSize)
	binary.BigEndian.PutUint64(k[0:8], uint64(createdAt.UnixNano()))
	copy(k[8:], fp[:])
	return k
}

func fingerprintOfIndexKey(k []byte) (domain.Fingerprint, bool) {
	if len(k) != 8+domain.FingerprintSize {
		return domain.Fingerprint{}, false
	}
	return domain.FingerprintFromBytes(k[8:])
}
