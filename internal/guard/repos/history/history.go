package history

import (
	"context"
	"time"

	"github.com/haukened/linkguard/internal/guard/domain"
)

// Recorder persists completed classifications.
type Recorder interface {
	Record(ctx context.Context, o domain.ScanOutcome) error
	Stats(ctx context.Context) (Stats, error)
	Recent(ctx context.Context, limit int) ([]domain.ScanOutcome, error)
	Close() error
}

// Stats summarises the ledger.
type Stats struct {
	Total      int
	Phishing   int
	Safe       int
	BySeverity map[domain.Severity]int
	LastScan   time.Time // zero when the ledger is empty
}

// NopRecorder discards every outcome. Used when history is disabled.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, domain.ScanOutcome) error { return nil }

func (NopRecorder) Stats(context.Context) (Stats, error) {
	return Stats{BySeverity: map[domain.Severity]int{}}, nil
}

func (NopRecorder) Recent(context.Context, int) ([]domain.ScanOutcome, error) { return nil, nil }

func (NopRecorder) Close() error { return nil }

var _ Recorder = NopRecorder{}
