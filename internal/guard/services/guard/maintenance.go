package guard

import (
	"context"
	"time"

	"github.com/haukened/linkguard/internal/guard/common/log"
)

// Default maintenance schedule.
const (
	DefaultMaintenanceInterval = 24 * time.Hour
	DefaultRetryInterval       = 15 * time.Minute
)

// Maintainer purges expired approvals on a schedule. A failed purge is retried
// after the retry interval instead of waiting for the next full interval.
type Maintainer struct {
	purger   Purger
	interval time.Duration
	retry    time.Duration
	logger   log.Logger
	after    func(time.Duration) <-chan time.Time
}

// NewMaintainer returns a Maintainer. Non-positive durations select the defaults.
func NewMaintainer(p Purger, interval, retry time.Duration, logger log.Logger) *Maintainer {
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Maintainer{purger: p, interval: interval, retry: retry, logger: logger, after: time.After}
}

// RunOnce performs a single purge and logs the result.
func (m *Maintainer) RunOnce() (int, error) {
	n, err := m.purger.PurgeExpired()
	if err != nil {
		m.logger.Warn(map[string]any{"error": err.Error(), "retry_in": m.retry.String()}, "expired approval purge failed")
		return n, err
	}
	m.logger.Info(map[string]any{"purged": n}, "expired approvals purged")
	return n, nil
}

// Run purges immediately, then on every tick until ctx is done.
func (m *Maintainer) Run(ctx context.Context) {
	for {
		wait := m.interval
		if _, err := m.RunOnce(); err != nil {
			wait = m.retry
		}
		select {
		case <-ctx.Done():
			return
		case <-m.after(wait):
		}
	}
}
