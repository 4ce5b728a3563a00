package bloblite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendExecutionRow_IsIdempotentOnRetry(t *testing.T) {
	s := newTestStore(t)
	row := ExecutionRow{ExecutionID: "exec-1", SignalID: "s1", Instrument: "AAPL", Side: "buy", Status: "executed", FilledQty: 10, VWAP: 150, RecordedAt: time.Now()}

	require.NoError(t, s.AppendExecutionRow(row))
	require.NoError(t, s.AppendExecutionRow(row))

	n, err := s.CountExecutionRows()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestAppendFillRow_IsIdempotentOnRetry(t *testing.T) {
	s := newTestStore(t)
	fill := FillRow{BrokerExecID: "exec-1", OrderID: 1, Instrument: "AAPL", Price: 150, Quantity: 10, ExecutedAt: time.Now()}

	require.NoError(t, s.AppendFillRow(fill))
	require.NoError(t, s.AppendFillRow(fill))

	var n int
	require.NoError(t, s.conn.QueryRow(`SELECT COUNT(*) FROM fill_rows`).Scan(&n))
	require.Equal(t, 1, n)
}

func TestAppendMetricsSnapshot_WritesBatchInOneTransaction(t *testing.T) {
	s := newTestStore(t)
	rows := []MetricSnapshotRow{
		{MetricType: "latency", Name: "order_latency_ms", Value: 10, RecordedAt: time.Now()},
		{MetricType: "latency", Name: "order_latency_ms", Value: 20, RecordedAt: time.Now()},
	}
	require.NoError(t, s.AppendMetricsSnapshot(rows))

	var n int
	require.NoError(t, s.conn.QueryRow(`SELECT COUNT(*) FROM metric_snapshot_rows`).Scan(&n))
	require.Equal(t, 2, n)
}

func TestAppendMetricsSnapshot_EmptyBatchIsNoOp(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendMetricsSnapshot(nil))

	var n int
	require.NoError(t, s.conn.QueryRow(`SELECT COUNT(*) FROM metric_snapshot_rows`).Scan(&n))
	require.Equal(t, 0, n)
}
