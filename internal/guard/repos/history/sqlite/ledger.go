package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haukened/linkguard/internal/guard/common/log"
	"github.com/haukened/linkguard/internal/guard/domain"
	"github.com/haukened/linkguard/internal/guard/repos/history"
)

const schema = `
CREATE TABLE IF NOT EXISTS scans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL,
	domain TEXT NOT NULL,
	is_phishing INTEGER NOT NULL,
	confidence REAL NOT NULL,
	severity TEXT NOT NULL,
	layer TEXT NOT NULL,
	scanned_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scans_scanned_at ON scans(scanned_at);
`

// Ledger is a scan-history recorder backed by SQLite.
type Ledger struct {
	db     *sql.DB
	logger log.Logger
}

// Open creates the database directory if needed, opens the file and ensures the schema.
func Open(path string, logger log.Logger) (*Ledger, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql.Open failed for %s: %w", path, err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Info(map[string]any{"path": path}, "scan history ready")
	return &Ledger{db: db, logger: logger}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// Record appends one outcome.
func (l *Ledger) Record(ctx context.Context, o domain.ScanOutcome) error {
	const q = `INSERT INTO scans (url, domain, is_phishing, confidence, severity, layer, scanned_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := l.db.ExecContext(ctx, q, o.URL, o.Domain, boolToInt(o.IsPhishing), o.Confidence, string(o.Severity), o.Layer.String(), o.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert scan: %w", err)
	}
	return nil
}

// Stats aggregates the ledger in one pass per query.
func (l *Ledger) Stats(ctx context.Context) (history.Stats, error) {
	st := history.Stats{BySeverity: make(map[domain.Severity]int)}

	var last sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(is_phishing), 0), MAX(scanned_at) FROM scans`,
	).Scan(&st.Total, &st.Phishing, &last)
	if err != nil {
		return history.Stats{}, fmt.Errorf("failed to query scan totals: %w", err)
	}
	st.Safe = st.Total - st.Phishing
	if last.Valid {
		st.LastScan = time.Unix(0, last.Int64)
	}

	rows, err := l.db.QueryContext(ctx, `SELECT severity, COUNT(*) FROM scans GROUP BY severity`)
	if err != nil {
		return history.Stats{}, fmt.Errorf("failed to query severities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sev string
			n   int
		)
		if err := rows.Scan(&sev, &n); err != nil {
			return history.Stats{}, fmt.Errorf("failed to scan severity row: %w", err)
		}
		st.BySeverity[domain.Severity(sev)] = n
	}
	return st, rows.Err()
}

// Recent returns up to limit outcomes, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]domain.ScanOutcome, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT url, domain, is_phishing, confidence, severity, layer, scanned_at FROM scans ORDER BY scanned_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent scans: %w", err)
	}
	defer rows.Close()

	var out []domain.ScanOutcome
	for rows.Next() {
		var (
			o        domain.ScanOutcome
			phishing int
			sev      string
			layer    string
			ts       int64
		)
		if err := rows.Scan(&o.URL, &o.Domain, &phishing, &o.Confidence, &sev, &layer, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		o.IsPhishing = phishing == 1
		o.Severity = domain.Severity(sev)
		if lay, err := domain.ParseLayer(layer); err == nil {
			o.Layer = lay
		}
		o.Timestamp = time.Unix(0, ts)
		out = append(out, o)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ history.Recorder = (*Ledger)(nil)
