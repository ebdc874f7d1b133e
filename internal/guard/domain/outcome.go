package domain

import "time"

// Severity buckets a classification for the scan history.
type Severity string

const (
	SeveritySafe     Severity = "safe"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityOf maps a verdict and its confidence onto a Severity.
func SeverityOf(isPhishing bool, confidence float64) Severity {
	switch {
	case !isPhishing:
		return SeveritySafe
	case confidence > 0.8:
		return SeverityCritical
	case confidence > 0.5:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// ScanOutcome is produced once per completed classification.
// Cache hits never produce one.
type ScanOutcome struct {
	URL        string
	Domain     string
	IsPhishing bool
	Confidence float64
	Severity   Severity
	Layer      Layer
	Timestamp  time.Time
}
