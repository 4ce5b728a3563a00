// Package bloblite is the in-repo default implementation of the
// blob-sink port described in spec.md §6: append-only audit rows for
// terminal executions, fills, and metrics-snapshot batches. The
// durable column-store itself is out of scope; this is a concrete
// local sink so the rest of the module has something to write to.
package bloblite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a single SQLite database holding the three audit tables.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates the database directory if needed, opens a WAL-mode
// SQLite connection tuned for append-heavy audit writes, and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve bloblite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create bloblite directory: %w", err)
	}

	connStr := absPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=auto_vacuum(NONE)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=wal_autocheckpoint(1000)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open bloblite database: %w", err)
	}
	conn.SetMaxOpenConns(1) // single-writer append log; avoid SQLITE_BUSY under WAL
	conn.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping bloblite database: %w", err)
	}

	s := &Store{conn: conn, path: absPath}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS execution_rows (
	execution_id TEXT PRIMARY KEY,
	signal_id TEXT NOT NULL,
	instrument TEXT NOT NULL,
	side TEXT NOT NULL,
	status TEXT NOT NULL,
	filled_qty REAL NOT NULL,
	vwap REAL NOT NULL,
	commission REAL NOT NULL,
	latency_ms REAL NOT NULL,
	error TEXT,
	recorded_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS fill_rows (
	broker_exec_id TEXT PRIMARY KEY,
	order_id INTEGER NOT NULL,
	instrument TEXT NOT NULL,
	price REAL NOT NULL,
	quantity REAL NOT NULL,
	commission REAL NOT NULL,
	executed_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS metric_snapshot_rows (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	metric_type TEXT NOT NULL,
	name TEXT NOT NULL,
	value REAL NOT NULL,
	recorded_at TEXT NOT NULL
);
`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("apply bloblite schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.conn.Close() }

// ExecutionRow is one terminal-execution audit entry.
type ExecutionRow struct {
	ExecutionID string
	SignalID    string
	Instrument  string
	Side        string
	Status      string
	FilledQty   float64
	VWAP        float64
	Commission  float64
	LatencyMs   float64
	Error       string
	RecordedAt  time.Time
}

// FillRow is one fill audit entry.
type FillRow struct {
	BrokerExecID string
	OrderID      int64
	Instrument   string
	Price        float64
	Quantity     float64
	Commission   float64
	ExecutedAt   time.Time
}

// MetricSnapshotRow is one ring-buffer point flushed from the
// performance monitor.
type MetricSnapshotRow struct {
	MetricType string
	Name       string
	Value      float64
	RecordedAt time.Time
}

// AppendExecutionRow writes one terminal-execution row. Re-appending
// the same execution id is a no-op (idempotent on retry).
func (s *Store) AppendExecutionRow(r ExecutionRow) error {
	_, err := s.conn.Exec(
		`INSERT INTO execution_rows
			(execution_id, signal_id, instrument, side, status, filled_qty, vwap, commission, latency_ms, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO NOTHING`,
		r.ExecutionID, r.SignalID, r.Instrument, r.Side, r.Status,
		r.FilledQty, r.VWAP, r.Commission, r.LatencyMs, r.Error, r.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append execution row %s: %w", r.ExecutionID, err)
	}
	return nil
}

// AppendFillRow writes one fill row, keyed by the broker's execution
// id so retried appends are idempotent.
func (s *Store) AppendFillRow(f FillRow) error {
	_, err := s.conn.Exec(
		`INSERT INTO fill_rows
			(broker_exec_id, order_id, instrument, price, quantity, commission, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(broker_exec_id) DO NOTHING`,
		f.BrokerExecID, f.OrderID, f.Instrument, f.Price, f.Quantity, f.Commission, f.ExecutedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append fill row %s: %w", f.BrokerExecID, err)
	}
	return nil
}

// AppendMetricsSnapshot writes a batch of ring-buffer points in one
// transaction, matching the monitor's periodic flush cadence.
func (s *Store) AppendMetricsSnapshot(rows []MetricSnapshotRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin metrics snapshot transaction: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO metric_snapshot_rows (metric_type, name, value, recorded_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare metrics snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(r.MetricType, r.Name, r.Value, r.RecordedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append metrics snapshot row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metrics snapshot transaction: %w", err)
	}
	return nil
}

// CountExecutionRows is a small test/diagnostic helper.
func (s *Store) CountExecutionRows() (int, error) {
	var n int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM execution_rows`).Scan(&n)
	return n, err
}

// CountMetricSnapshotRows is a small test/diagnostic helper.
func (s *Store) CountMetricSnapshotRows() (int, error) {
	var n int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM metric_snapshot_rows`).Scan(&n)
	return n, err
}
