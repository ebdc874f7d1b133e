package guard

import (
	"context"
	"time"

	"github.com/haukened/linkguard/internal/guard/domain"
	"github.com/haukened/linkguard/internal/guard/repos/approvals"
	"github.com/haukened/linkguard/internal/guard/repos/history"
)

// Classifier is the remote phishing classifier.
type Classifier interface {
	Classify(ctx context.Context, url string) (domain.Classification, error)
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(ctx context.Context, url string) (domain.Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, url string) (domain.Classification, error) {
	return f(ctx, url)
}

// Launcher opens URLs outside this program. OpenFallback must never route the
// URL back through our own interception path.
type Launcher interface {
	OpenExternal(ctx context.Context, url string) error
	OpenFallback(ctx context.Context, url string) error
}

// ApprovalCache is the unified approval cache.
type ApprovalCache interface {
	IsApproved(url string) bool
	Approve(url string, ttl time.Duration) error
	Remember(url string, d domain.Decision, ttl time.Duration) error
	Invalidate(url string) error
	ClearAll() error
	PurgeExpired() (int, error)
	Size() int
	Stats() approvals.RepoStats
}

// HistoryRecorder receives one ScanOutcome per completed classification.
type HistoryRecorder interface {
	Record(ctx context.Context, o domain.ScanOutcome) error
	Stats(ctx context.Context) (history.Stats, error)
}

// RecentWindow suppresses repeated passive-path sightings of the same URL.
type RecentWindow interface {
	CheckAndMark(url string) bool
	Forget(url string)
	Purge()
}

// Purger is what the Maintainer drives.
type Purger interface {
	PurgeExpired() (int, error)
}
