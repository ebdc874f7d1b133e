package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// FingerprintSize is the length in bytes of a Fingerprint.
const FingerprintSize = sha256.Size

// Fingerprint is the one-way digest of a canonical URL used as a cache key.
// The original URL is always stored next to it and compared on every hit.
type Fingerprint [FingerprintSize]byte

// Fingerprinter derives a Fingerprint from a URL string.
type Fingerprinter func(url string) Fingerprint

// SHA256Fingerprint is the default Fingerprinter.
func SHA256Fingerprint(url string) Fingerprint {
	return Fingerprint(sha256.Sum256([]byte(url)))
}

// String returns the lowercase hex encoding.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Bytes returns a copy of the fingerprint as a byte slice.
func (f Fingerprint) Bytes() []byte {
	b := make([]byte, FingerprintSize)
	copy(b, f[:])
	return b
}

// FingerprintFromBytes converts a stored key back into a Fingerprint.
// ok is false when b has the wrong length.
func FingerprintFromBytes(b []byte) (fp Fingerprint, ok bool) {
	if len(b) != FingerprintSize {
		return fp, false
	}
	copy(fp[:], b)
	return fp, true
}
