// Package monitor implements the performance monitor: rolling metric
// ring buffers, per-strategy/per-model aggregates, alerting and model
// performance reports, per spec.md §4.10.
package monitor

import (
	"math"
	"sync"
	"time"

	"github.com/aristath/midplane/pkg/quant"
)

const (
	ringBufferCapacity = 10000
	alertDequeCapacity  = 1000

	defaultExecutionScoreThreshold = 70.0
	defaultLatencyThresholdMs      = 500.0
	anomalyZScoreThreshold         = 2.5
	anomalyMinPoints               = 10
	anomalyWindow                  = 20
	staleDataThreshold             = 10 * time.Minute
	warningAlertFloodThreshold     = 5
)

// MetricPoint is one ring-buffer entry, per spec.md §3.
type MetricPoint struct {
	Timestamp time.Time
	Type      string
	Name      string
	Value     float64
	Context   map[string]interface{}
}

// Severity is an alert's severity tag.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert is one raised condition, per spec.md §3.
type Alert struct {
	ID         int64
	Timestamp  time.Time
	Severity   Severity
	MetricType string
	Title      string
	Message    string
	Context    map[string]interface{}
	Acknowledged bool
	Resolved   bool
}

// SystemStatus is the dashboard's overall health bucket.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusWarning  SystemStatus = "warning"
	StatusError    SystemStatus = "error"
	StatusCritical SystemStatus = "critical"
)

// ring is a fixed-capacity circular buffer of MetricPoint.
type ring struct {
	buf   []MetricPoint
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]MetricPoint, capacity)}
}

func (r *ring) push(p MetricPoint) {
	idx := (r.start + r.size) % len(r.buf)
	r.buf[idx] = p
	if r.size < len(r.buf) {
		r.size++
	} else {
		r.start = (r.start + 1) % len(r.buf)
	}
}

func (r *ring) items() []MetricPoint {
	out := make([]MetricPoint, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// strategyAggregate holds per-strategy/per-model running totals.
type strategyAggregate struct {
	totalSignals      int
	confidenceSum     float64
	signalsToday      int
	today             int // day-of-year + year*1000, mirrors validator's daily roll
}

// SignalOutcome is a per-signal outcome record used by model reports.
type SignalOutcome struct {
	SignalID     string
	ModelVersion string
	Strategy     string
	Confidence   float64
	Timestamp    time.Time
	TargetQty    float64

	HasExecutionQuality bool
	ExecutionScore      float64
	LatencyMs           float64
	SlippagePct         float64

	PnL      float64
	HasFinalPnL bool
}

// Monitor ingests signal/execution-quality/P&L events and serves rolling
// summaries, alerts, and model performance reports.
type Monitor struct {
	mu sync.Mutex

	metrics map[string]*ring // keyed by metric name

	strategyAgg map[string]*strategyAggregate
	modelAgg    map[string]*strategyAggregate

	outcomes map[string]*SignalOutcome

	alerts   []Alert
	alertSeq int64

	executionScoreThreshold float64
	latencyThresholdMs      float64

	lastMetricAt time.Time

	now func() time.Time
}

// New constructs an empty Monitor. nowFn may be nil to use time.Now.
func New(nowFn func() time.Time) *Monitor {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Monitor{
		metrics:                 make(map[string]*ring),
		strategyAgg:             make(map[string]*strategyAggregate),
		modelAgg:                make(map[string]*strategyAggregate),
		outcomes:                make(map[string]*SignalOutcome),
		executionScoreThreshold: defaultExecutionScoreThreshold,
		latencyThresholdMs:      defaultLatencyThresholdMs,
		now:                     nowFn,
	}
}

func dayKey(t time.Time) int { return t.YearDay() + t.Year()*1000 }

// RecordMetric appends a point to its named ring buffer and checks
// stale-data/anomaly alert conditions.
func (m *Monitor) RecordMetric(metricType, name string, value float64, context map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.metrics[name]
	if !ok {
		r = newRing(ringBufferCapacity)
		m.metrics[name] = r
	}
	now := m.now()
	r.push(MetricPoint{Timestamp: now, Type: metricType, Name: name, Value: value, Context: context})
	m.lastMetricAt = now

	m.checkAnomalyLocked(name, r)
}

func (m *Monitor) checkAnomalyLocked(name string, r *ring) {
	items := r.items()
	if len(items) < anomalyMinPoints {
		return
	}
	window := items
	if len(window) > anomalyWindow {
		window = window[len(window)-anomalyWindow:]
	}
	values := make([]float64, len(window))
	for i, p := range window {
		values[i] = p.Value
	}
	mean := quant.Mean(values)
	sd := quant.StdDev(values)
	if sd == 0 {
		return
	}
	latest := values[len(values)-1]
	z := (latest - mean) / sd
	if z < 0 {
		z = -z
	}
	if z > anomalyZScoreThreshold {
		m.raiseAlertLocked(SeverityWarning, "metric_anomaly", "Metric anomaly detected",
			name+" deviates from its recent trend", map[string]interface{}{"metric": name, "z_score": z})
	}
}

// RecordSignal ingests a signal-generated event.
func (m *Monitor) RecordSignal(o SignalOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outcomes[o.SignalID] = &o

	today := dayKey(o.Timestamp)
	m.bumpAggregateLocked(m.strategyAgg, o.Strategy, o.Confidence, today)
	m.bumpAggregateLocked(m.modelAgg, o.ModelVersion, o.Confidence, today)
}

func (m *Monitor) bumpAggregateLocked(aggs map[string]*strategyAggregate, key string, confidence float64, today int) {
	if key == "" {
		return
	}
	a, ok := aggs[key]
	if !ok {
		a = &strategyAggregate{}
		aggs[key] = a
	}
	a.totalSignals++
	a.confidenceSum += confidence
	if a.today != today {
		a.today = today
		a.signalsToday = 0
	}
	a.signalsToday++
}

// RecordExecutionQuality ingests an execution-quality event from the
// execution engine on success, and raises score/latency alerts.
func (m *Monitor) RecordExecutionQuality(signalID string, score, latencyMs, slippagePct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.outcomes[signalID]; ok {
		o.HasExecutionQuality = true
		o.ExecutionScore = score
		o.LatencyMs = latencyMs
		o.SlippagePct = slippagePct
	}

	now := m.now()
	if score < m.executionScoreThreshold {
		m.raiseAlertLocked(SeverityWarning, "execution_score", "Execution score below threshold",
			"execution quality score fell below the configured threshold",
			map[string]interface{}{"signal_id": signalID, "score": score})
	}
	if latencyMs > m.latencyThresholdMs {
		m.raiseAlertLocked(SeverityWarning, "execution_latency", "Execution latency above threshold",
			"signal-to-execution latency exceeded the configured threshold",
			map[string]interface{}{"signal_id": signalID, "latency_ms": latencyMs})
	}
	_ = now
}

// RecordPnL ingests a position-P&L update; final marks the terminal
// update for a signal so model reports can use it.
func (m *Monitor) RecordPnL(signalID string, pnl float64, final bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.outcomes[signalID]
	if !ok {
		return
	}
	o.PnL = pnl
	if final {
		o.HasFinalPnL = true
	}
}

func (m *Monitor) raiseAlertLocked(sev Severity, metricType, title, message string, context map[string]interface{}) {
	m.alertSeq++
	a := Alert{
		ID: m.alertSeq, Timestamp: m.now(), Severity: sev,
		MetricType: metricType, Title: title, Message: message, Context: context,
	}
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > alertDequeCapacity {
		m.alerts = m.alerts[len(m.alerts)-alertDequeCapacity:]
	}
}

// CheckStaleData raises a warning if no metric has been received for
// more than staleDataThreshold. Intended to be called from the 30s
// dashboard loop.
func (m *Monitor) CheckStaleData() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastMetricAt.IsZero() {
		return
	}
	if m.now().Sub(m.lastMetricAt) > staleDataThreshold {
		m.raiseAlertLocked(SeverityWarning, "stale_data", "No metrics received recently",
			"no metric point has been recorded in over 10 minutes", nil)
	}
}

// MetricSummary is a rolling per-metric summary over the last hour.
type MetricSummary struct {
	Current float64
	Avg     float64
	Min     float64
	Max     float64
	Count   int
}

// StrategySummary is a per-strategy/per-model aggregate snapshot.
type StrategySummary struct {
	TotalSignals     int
	AvgConfidence    float64
	SignalsToday     int
}

// Dashboard is the 30s snapshot described in spec.md §4.10.
type Dashboard struct {
	Status    SystemStatus
	Metrics   map[string]MetricSummary
	Strategies map[string]StrategySummary
	Models     map[string]StrategySummary
}

// Snapshot computes the dashboard snapshot. Intended to be called from
// the 30s background loop (internal/scheduler).
func (m *Monitor) Snapshot() Dashboard {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := Dashboard{
		Metrics:    make(map[string]MetricSummary),
		Strategies: make(map[string]StrategySummary),
		Models:     make(map[string]StrategySummary),
	}

	cutoff := m.now().Add(-time.Hour)
	for name, r := range m.metrics {
		items := r.items()
		var sum, min, max float64
		count := 0
		for _, p := range items {
			if p.Timestamp.Before(cutoff) {
				continue
			}
			if count == 0 {
				min, max = p.Value, p.Value
			}
			if p.Value < min {
				min = p.Value
			}
			if p.Value > max {
				max = p.Value
			}
			sum += p.Value
			count++
		}
		if count == 0 {
			continue
		}
		d.Metrics[name] = MetricSummary{
			Current: items[len(items)-1].Value,
			Avg:     sum / float64(count),
			Min:     min,
			Max:     max,
			Count:   count,
		}
	}

	for name, a := range m.strategyAgg {
		d.Strategies[name] = summarize(a)
	}
	for name, a := range m.modelAgg {
		d.Models[name] = summarize(a)
	}

	d.Status = m.statusLocked()
	return d
}

func summarize(a *strategyAggregate) StrategySummary {
	avg := 0.0
	if a.totalSignals > 0 {
		avg = a.confidenceSum / float64(a.totalSignals)
	}
	return StrategySummary{TotalSignals: a.totalSignals, AvgConfidence: avg, SignalsToday: a.signalsToday}
}

func (m *Monitor) statusLocked() SystemStatus {
	criticalCount, errorCount, warningCount := 0, 0, 0
	for _, a := range m.alerts {
		switch a.Severity {
		case SeverityCritical:
			criticalCount++
		case SeverityError:
			errorCount++
		case SeverityWarning:
			warningCount++
		}
	}
	switch {
	case criticalCount > 0:
		return StatusCritical
	case errorCount > 0:
		return StatusError
	case warningCount > warningAlertFloodThreshold:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

// Alerts returns a copy of all currently retained alerts.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// ModelReport is the output of a model performance report, per spec.md §4.10.
type ModelReport struct {
	TotalSignals    int
	ExecutedSignals int
	WinRate         float64
	AvgWin          float64
	AvgLoss         float64
	ProfitFactor    float64
	Sharpe          float64
	MaxDrawdown     float64
	VaR95           float64
	AvgExecutionScore float64
	AvgLatencyMs      float64
	AvgSlippagePct    float64
	AvgConfidence     float64
	MaxTargetQty      float64
}

// ModelReport builds the report described in spec.md §4.10 for
// (modelVersion, strategy, lookbackDays). An empty strategy matches any.
func (m *Monitor) ModelReport(modelVersion, strategy string, lookbackDays int) ModelReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().AddDate(0, 0, -lookbackDays)

	var pnls []float64
	var scores, latencies, slippages, confidences []float64
	var maxQty float64
	total, executed := 0, 0

	for _, o := range m.outcomes {
		if o.ModelVersion != modelVersion {
			continue
		}
		if strategy != "" && o.Strategy != strategy {
			continue
		}
		if o.Timestamp.Before(cutoff) {
			continue
		}

		total++
		confidences = append(confidences, o.Confidence)
		if o.TargetQty > maxQty {
			maxQty = o.TargetQty
		}

		if o.HasExecutionQuality {
			executed++
			scores = append(scores, o.ExecutionScore)
			latencies = append(latencies, o.LatencyMs)
			slippages = append(slippages, o.SlippagePct)
		}
		if o.HasFinalPnL {
			pnls = append(pnls, o.PnL)
		}
	}

	report := ModelReport{TotalSignals: total, ExecutedSignals: executed, MaxTargetQty: maxQty}
	if total == 0 {
		return report
	}

	report.AvgConfidence = quant.Mean(confidences)
	report.AvgExecutionScore = quant.Mean(scores)
	report.AvgLatencyMs = quant.Mean(latencies)
	report.AvgSlippagePct = quant.Mean(slippages)

	if len(pnls) > 0 {
		var wins, losses []float64
		for _, p := range pnls {
			if p > 0 {
				wins = append(wins, p)
			} else if p < 0 {
				losses = append(losses, p)
			}
		}
		report.WinRate = float64(len(wins)) / float64(len(pnls))
		report.AvgWin = quant.Mean(wins)
		report.AvgLoss = quant.Mean(losses)

		sumWins, sumLosses := 0.0, 0.0
		for _, w := range wins {
			sumWins += w
		}
		for _, l := range losses {
			sumLosses += l
		}
		if sumLosses == 0 {
			if sumWins > 0 {
				report.ProfitFactor = math.Inf(1)
			}
		} else {
			report.ProfitFactor = sumWins / (-sumLosses)
		}

		sum := 0.0
		for _, p := range pnls {
			sum += p
		}
		sd := quant.StdDev(pnls)
		if sd > 0 {
			report.Sharpe = sum / (sd * sqrt252)
		}

		maxPnL := pnls[0]
		minPnL := pnls[0]
		for _, p := range pnls {
			if p > maxPnL {
				maxPnL = p
			}
			if p < minPnL {
				minPnL = p
			}
		}
		denom := maxPnL
		if denom < 1 {
			denom = 1
		}
		report.MaxDrawdown = minPnL / denom

		report.VaR95 = quant.Percentile(pnls, 0.05)
	}

	return report
}

const sqrt252 = 15.874507866387544
