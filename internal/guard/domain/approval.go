package domain

import (
	"fmt"
	"time"
)

// DefaultApprovalTTL is how long an approval stays valid unless the caller says otherwise.
const DefaultApprovalTTL = 24 * time.Hour

// DecisionKind records why a URL was approved.
type DecisionKind uint8

const (
	// DecisionApproved is an explicit user "open anyway".
	DecisionApproved DecisionKind = iota + 1
	// DecisionClassified is a verdict returned by the classifier.
	DecisionClassified
)

// String returns a stable string representation of the decision kind.
func (k DecisionKind) String() string {
	switch k {
	case DecisionApproved:
		return "approved"
	case DecisionClassified:
		return "classified"
	default:
		return fmt.Sprintf("DecisionKind(%d)", k)
	}
}

// Decision is the reason an ApprovalRecord exists.
type Decision struct {
	Kind       DecisionKind
	IsPhishing bool
	Confidence float64
}

// UserApproved returns the decision stored when the user chooses to open a URL anyway.
func UserApproved() Decision { return Decision{Kind: DecisionApproved} }

// ClassifiedAs returns the decision stored for a classifier verdict.
func ClassifiedAs(isPhishing bool, confidence float64) Decision {
	return Decision{Kind: DecisionClassified, IsPhishing: isPhishing, Confidence: confidence}
}

// ApprovalRecord is the durable form of "this URL was resolved safe".
type ApprovalRecord struct {
	Fingerprint Fingerprint
	URL         string
	Decision    Decision
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Live reports whether the record is still valid at now.
func (r ApprovalRecord) Live(now time.Time) bool {
	return r.ExpiresAt.After(now)
}

// Matches reports whether the record belongs to url. Guards against digest collisions.
func (r ApprovalRecord) Matches(url string) bool {
	return r.URL == url
}

// HotEntry is the in-memory projection of an ApprovalRecord.
type HotEntry struct {
	URL       string
	ExpiresAt time.Time
}

// Live reports whether the entry is still valid at now.
func (e HotEntry) Live(now time.Time) bool {
	return e.ExpiresAt.After(now)
}

// HotEntryOf projects a record into the hot cache shape.
func HotEntryOf(r ApprovalRecord) HotEntry {
	return HotEntry{URL: r.URL, ExpiresAt: r.ExpiresAt}
}
