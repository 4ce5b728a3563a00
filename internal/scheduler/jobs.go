package scheduler

import (
	"time"

	"github.com/aristath/midplane/internal/bloblite"
	"github.com/aristath/midplane/internal/monitor"
	"github.com/aristath/midplane/internal/pool"
)

// PoolHealthCheckJob sweeps a connection pool's idle sessions for
// eviction/refill on a fixed interval, per spec.md §4.5.
type PoolHealthCheckJob struct {
	name string
	p    *pool.Pool
}

// NewPoolHealthCheckJob names the job after the service the pool backs
// (e.g. "order_management") so scheduler logs distinguish pools.
func NewPoolHealthCheckJob(serviceName string, p *pool.Pool) *PoolHealthCheckJob {
	return &PoolHealthCheckJob{name: "pool_health_check:" + serviceName, p: p}
}

func (j *PoolHealthCheckJob) Name() string { return j.name }

func (j *PoolHealthCheckJob) Run() error {
	j.p.RunHealthCheck()
	return nil
}

// DashboardSnapshotJob computes the performance monitor's rolling
// snapshot and flushes it to the blob sink, per spec.md §4.10.
type DashboardSnapshotJob struct {
	mon  *monitor.Monitor
	sink *bloblite.Store
}

// NewDashboardSnapshotJob wires a monitor to its audit sink. sink may
// be nil to skip persistence (e.g. in tests).
func NewDashboardSnapshotJob(mon *monitor.Monitor, sink *bloblite.Store) *DashboardSnapshotJob {
	return &DashboardSnapshotJob{mon: mon, sink: sink}
}

func (j *DashboardSnapshotJob) Name() string { return "dashboard_snapshot" }

func (j *DashboardSnapshotJob) Run() error {
	j.mon.CheckStaleData()
	d := j.mon.Snapshot()

	if j.sink == nil {
		return nil
	}

	rows := make([]bloblite.MetricSnapshotRow, 0, len(d.Metrics))
	now := time.Now()
	for name, s := range d.Metrics {
		rows = append(rows, bloblite.MetricSnapshotRow{
			MetricType: "dashboard_snapshot",
			Name:       name,
			Value:      s.Current,
			RecordedAt: now,
		})
	}
	return j.sink.AppendMetricsSnapshot(rows)
}
