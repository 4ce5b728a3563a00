// Package execution implements the per-signal state machine that drives
// a Signal from received to a terminal state, per spec.md §4.9. It is
// the heart of the system: validate -> size -> place -> monitor -> report.
package execution

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/aristath/midplane/internal/book"
	"github.com/aristath/midplane/internal/broker"
	"github.com/aristath/midplane/internal/clock"
	"github.com/aristath/midplane/internal/risk"
	"github.com/aristath/midplane/internal/validator"
)

// Side re-exports validator's side vocabulary for callers constructing Signals.
type Side = validator.Side

const (
	SideBuy        = validator.SideBuy
	SideSell       = validator.SideSell
	SideHold       = validator.SideHold
	SideCloseLong  = validator.SideCloseLong
	SideCloseShort = validator.SideCloseShort
)

// Urgency is carried into the execution report's quality section; it
// does not change how a signal's orders are placed.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Signal is the externally produced trading signal, per spec.md §3.
type Signal struct {
	ID           string
	Instrument   string
	Side         Side
	TargetQty    float64
	Confidence   float64
	Timestamp    time.Time
	ModelVersion string
	Strategy     string
	Urgency      Urgency
	MaxExecTime  time.Duration
}

// Status is the execution record's lifecycle state, per spec.md §3.
type Status string

const (
	StatusReceived  Status = "received"
	StatusValidated Status = "validated"
	StatusRejected  Status = "rejected"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusExecuted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Record is the signal execution record, per spec.md §3. Mutated only by
// the engine; terminal statuses are sticky.
type Record struct {
	ExecutionID        string
	Signal             Signal
	Status             Status
	ReceivedAt         time.Time
	ValidatedAt        time.Time
	ExecutionStartedAt time.Time
	ExecutionCompleteAt time.Time
	OrderIDs           []int64
	FilledQty          float64
	VWAP               float64
	Commission         float64
	LatencyMs          float64
	Error              string
	RetryCount         int
}

func (r Record) clone() Record {
	cp := r
	cp.OrderIDs = append([]int64(nil), r.OrderIDs...)
	return cp
}

// Report is emitted on finalization (success, failure, or timeout), per
// spec.md §4.9.
type Report struct {
	ExecutionSummary struct {
		SignalID   string
		Instrument string
		Side       Side
		TargetQty  float64
		ActualQty  float64
		VWAP       float64
		Commission float64
		Status     Status
	}
	PerformanceMetrics struct {
		SignalToExecutionLatencyMs float64
		FillRatePct                float64
		SlippagePct                float64
		CommissionPerShare         float64
	}
	RiskMetrics struct {
		PositionSizeRisk float64
		Confidence       float64
	}
	ExecutionQuality struct {
		OrdersCreated       int
		RetryCount          int
		ExecutionTimeSeconds float64
		Urgency             Urgency
	}
}

// StatusObserver is notified on every status transition.
type StatusObserver func(r Record, previous Status)

// CompleteObserver is notified once, when an execution reaches a
// terminal state, with its final report.
type CompleteObserver func(r Record, report Report)

func sideToBrokerAction(s Side) broker.Side {
	if s == SideSell || s == SideCloseLong {
		return broker.SideSell
	}
	return broker.SideBuy
}

// monitorQuantum bounds the cooperative monitoring loop's sleep between
// aggregation passes, per spec.md §4.9 step 5 ("yield for a short
// quantum (<=1s)").
const monitorQuantum = 200 * time.Millisecond

// PortfolioView supplies the sizer and risk assessor with the state they
// need but never mutate: current prices and positions.
type PortfolioView interface {
	PortfolioValue() float64
	CurrentPrice(instrument string) float64
	PositionQty(instrument string) float64
	PositionWeights() map[string]float64
}

// Engine drives signals through the state machine described in spec.md §4.9.
type Engine struct {
	mu      sync.RWMutex
	records map[string]*Record

	ids       *clock.IDs
	clk       clock.Clock
	validator *validator.Validator
	sizer     *risk.Sizer
	book      *book.Book
	portfolio PortfolioView

	statusObservers   []StatusObserver
	completeObservers []CompleteObserver

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// New constructs an Engine.
func New(ids *clock.IDs, clk clock.Clock, v *validator.Validator, sizer *risk.Sizer, bk *book.Book, portfolio PortfolioView) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{
		records:   make(map[string]*Record),
		ids:       ids,
		clk:       clk,
		validator: v,
		sizer:     sizer,
		book:      bk,
		portfolio: portfolio,
		shutdown:  make(chan struct{}),
	}
}

// OnStatusChanged registers a status-transition observer.
func (e *Engine) OnStatusChanged(fn StatusObserver) { e.statusObservers = append(e.statusObservers, fn) }

// OnComplete registers a terminal-state observer.
func (e *Engine) OnComplete(fn CompleteObserver) { e.completeObservers = append(e.completeObservers, fn) }

func (e *Engine) notifyStatus(r Record, previous Status) {
	for _, fn := range e.statusObservers {
		safeCall(func() { fn(r, previous) })
	}
}

// notifyComplete fires on every terminal transition. It also releases the
// signal's admission slot (validator.Release is a no-op if the signal was
// never admitted), since every finalize* path funnels through here
// exactly once; without this, max_concurrent_signals admission would
// monotonically tighten as activeSignals never shrinks.
func (e *Engine) notifyComplete(r Record, report Report) {
	if e.validator != nil {
		e.validator.Release(r.Signal.ID)
	}
	for _, fn := range e.completeObservers {
		safeCall(func() { fn(r, report) })
	}
}

func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// Submit creates an execution record in `received`, spawns a per-signal
// task to drive the state machine, and returns immediately. Thread-safe.
func (e *Engine) Submit(signal Signal) string {
	executionID := e.ids.NewExecutionID()
	now := e.clk.Now()

	record := &Record{
		ExecutionID: executionID,
		Signal:      signal,
		Status:      StatusReceived,
		ReceivedAt:  now,
	}

	e.mu.Lock()
	e.records[executionID] = record
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(executionID)
	}()

	return executionID
}

// Status returns a read-only snapshot of an execution record.
func (e *Engine) Status(executionID string) (Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.records[executionID]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

func (e *Engine) transition(executionID string, mutate func(r *Record) Status) Record {
	e.mu.Lock()
	r := e.records[executionID]
	previous := r.Status
	next := mutate(r)
	if !r.Status.Terminal() {
		r.Status = next
	}
	snapshot := r.clone()
	e.mu.Unlock()

	if snapshot.Status != previous {
		e.notifyStatus(snapshot, previous)
	}
	return snapshot
}

// drive runs one signal's full state machine to a terminal state.
func (e *Engine) drive(executionID string) {
	admitted, violations := e.admit(executionID)
	if !admitted {
		e.finalizeRejected(executionID, violations)
		return
	}

	record := e.transition(executionID, func(r *Record) Status {
		r.ValidatedAt = e.clk.Now()
		return StatusValidated
	})

	if record.Signal.Side == SideHold {
		e.finalizeHold(executionID)
		return
	}

	orderIDs, placeErr := e.sizeAndPlace(executionID)
	if placeErr != nil {
		e.finalizeFailed(executionID, placeErr.Error())
		return
	}

	e.transition(executionID, func(r *Record) Status {
		r.ExecutionStartedAt = e.clk.Now()
		r.OrderIDs = orderIDs
		return StatusExecuting
	})

	e.monitor(executionID)
}

func (e *Engine) admit(executionID string) (bool, []string) {
	e.mu.RLock()
	signal := e.records[executionID].Signal
	e.mu.RUnlock()

	vs := validator.Signal{
		ID: signal.ID, Instrument: signal.Instrument, Side: signal.Side,
		TargetQty: signal.TargetQty, Confidence: signal.Confidence,
		Timestamp: signal.Timestamp, ModelVersion: signal.ModelVersion,
	}

	if e.validator == nil {
		return true, nil
	}
	return e.validator.Admit(vs, e.clk.Now())
}

func (e *Engine) finalizeRejected(executionID string, violations []string) {
	msg := "rejected"
	if len(violations) > 0 {
		msg = violations[0]
		for _, v := range violations[1:] {
			msg += "," + v
		}
	}
	record := e.transition(executionID, func(r *Record) Status {
		r.Error = msg
		r.ExecutionCompleteAt = e.clk.Now()
		return StatusRejected
	})
	e.notifyComplete(record, e.buildReport(record))
}

func (e *Engine) finalizeHold(executionID string) {
	record := e.transition(executionID, func(r *Record) Status {
		r.ExecutionStartedAt = e.clk.Now()
		r.ExecutionCompleteAt = e.clk.Now()
		r.LatencyMs = float64(r.ExecutionCompleteAt.Sub(r.ReceivedAt).Milliseconds())
		return StatusExecuted
	})
	e.notifyComplete(record, e.buildReport(record))
}

func (e *Engine) finalizeFailed(executionID string, msg string) {
	record := e.transition(executionID, func(r *Record) Status {
		r.Error = msg
		r.ExecutionCompleteAt = e.clk.Now()
		return StatusFailed
	})
	e.notifyComplete(record, e.buildReport(record))
}

// sizeAndPlace runs the risk sizer, translates side to a broker action
// per spec.md §4.9, and places the resulting order(s) via the order book.
func (e *Engine) sizeAndPlace(executionID string) ([]int64, error) {
	e.mu.RLock()
	signal := e.records[executionID].Signal
	e.mu.RUnlock()

	var qty float64
	var action broker.Side

	switch signal.Side {
	case SideBuy:
		action = broker.SideBuy
		qty = e.resolveQty(signal)
	case SideSell:
		action = broker.SideSell
		qty = e.resolveQty(signal)
	case SideCloseLong:
		pos := e.portfolio.PositionQty(signal.Instrument)
		if pos <= 0 {
			return nil, fmt.Errorf("no long position to close")
		}
		action = broker.SideSell
		qty = pos
	case SideCloseShort:
		pos := e.portfolio.PositionQty(signal.Instrument)
		if pos >= 0 {
			return nil, fmt.Errorf("no short position to close")
		}
		action = broker.SideBuy
		qty = -pos
	default:
		return nil, fmt.Errorf("unsupported side for placement: %s", signal.Side)
	}

	if qty <= 0 {
		return nil, fmt.Errorf("resolved zero quantity for side %s", signal.Side)
	}

	order, err := e.book.Place(book.Request{
		Instrument:    signal.Instrument,
		Action:        action,
		Quantity:      qty,
		ClientOrderID: e.ids.NewClientOrderID(),
	})
	if err != nil {
		return nil, err
	}
	return []int64{order.ID}, nil
}

// resolveQty sizes a buy/sell signal via the risk sizer when a portfolio
// view and sizer are configured; otherwise it falls back to the signal's
// own target quantity.
func (e *Engine) resolveQty(signal Signal) float64 {
	if e.sizer == nil || e.portfolio == nil {
		return absF(signal.TargetQty)
	}
	price := e.portfolio.CurrentPrice(signal.Instrument)
	result := e.sizer.Size(risk.SizeInput{
		ModelVersion:     signal.ModelVersion,
		Confidence:       signal.Confidence,
		PortfolioValue:   e.portfolio.PortfolioValue(),
		CurrentPrice:     price,
		Method:           risk.MethodConfidenceWeighted,
	})
	if result.FinalSize <= 0 {
		return absF(signal.TargetQty)
	}
	return float64(result.FinalSize)
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// monitor runs the cooperative monitoring loop described in spec.md §4.9.
func (e *Engine) monitor(executionID string) {
	e.mu.RLock()
	r := e.records[executionID]
	deadline := r.ExecutionStartedAt.Add(r.Signal.MaxExecTime)
	orderIDs := append([]int64(nil), r.OrderIDs...)
	e.mu.RUnlock()

	for {
		select {
		case <-e.shutdown:
			return
		default:
		}

		orders := e.book.OrdersByIDs(orderIDs)

		allFilled := true
		var totalFilled, totalValue, totalCommission float64
		anyActive := false
		for _, o := range orders {
			switch o.Status {
			case book.StatusPendingSubmit, book.StatusSubmitted, book.StatusPartialFilled:
				allFilled = false
				anyActive = true
			}
			totalFilled += o.FilledQty
			totalValue += o.FilledQty * o.AvgFillPrice
			totalCommission += o.Commission
		}

		vwap := 0.0
		if totalFilled > 0 {
			vwap = totalValue / totalFilled
		}

		e.transition(executionID, func(r *Record) Status {
			r.FilledQty = totalFilled
			r.VWAP = vwap
			r.Commission = totalCommission
			return r.Status
		})

		if allFilled && totalFilled > 0 {
			e.finalizeExecuted(executionID)
			return
		}
		if !anyActive && totalFilled == 0 {
			e.finalizeFailed(executionID, "all orders failed/cancelled")
			return
		}

		now := e.clk.Now()
		if !now.Before(deadline) {
			e.finalizeTimeout(executionID)
			return
		}

		e.clk.Sleep(monitorQuantum)
	}
}

func (e *Engine) finalizeExecuted(executionID string) {
	record := e.transition(executionID, func(r *Record) Status {
		r.ExecutionCompleteAt = e.clk.Now()
		r.LatencyMs = float64(r.ExecutionCompleteAt.Sub(r.ReceivedAt).Milliseconds())
		return StatusExecuted
	})
	e.notifyComplete(record, e.buildReport(record))
}

func (e *Engine) finalizeTimeout(executionID string) {
	record := e.transition(executionID, func(r *Record) Status {
		r.Error = "execution deadline exceeded"
		r.ExecutionCompleteAt = e.clk.Now()
		return StatusTimeout
	})
	e.notifyComplete(record, e.buildReport(record))
}

// buildReport assembles the ExecutionReport described in spec.md §4.9.
func (e *Engine) buildReport(r Record) Report {
	var report Report
	report.ExecutionSummary.SignalID = r.Signal.ID
	report.ExecutionSummary.Instrument = r.Signal.Instrument
	report.ExecutionSummary.Side = r.Signal.Side
	report.ExecutionSummary.TargetQty = absF(r.Signal.TargetQty)
	report.ExecutionSummary.ActualQty = r.FilledQty
	report.ExecutionSummary.VWAP = r.VWAP
	report.ExecutionSummary.Commission = r.Commission
	report.ExecutionSummary.Status = r.Status

	report.PerformanceMetrics.SignalToExecutionLatencyMs = r.LatencyMs
	if report.ExecutionSummary.TargetQty > 0 {
		report.PerformanceMetrics.FillRatePct = 100 * r.FilledQty / report.ExecutionSummary.TargetQty
	}
	if r.VWAP > 0 && e.portfolio != nil {
		ref := e.portfolio.CurrentPrice(r.Signal.Instrument)
		if ref > 0 {
			report.PerformanceMetrics.SlippagePct = 100 * (r.VWAP - ref) / ref
		}
	}
	if r.FilledQty > 0 {
		report.PerformanceMetrics.CommissionPerShare = r.Commission / r.FilledQty
	}

	report.RiskMetrics.Confidence = r.Signal.Confidence

	report.ExecutionQuality.OrdersCreated = len(r.OrderIDs)
	report.ExecutionQuality.RetryCount = r.RetryCount
	if !r.ExecutionStartedAt.IsZero() && !r.ExecutionCompleteAt.IsZero() {
		report.ExecutionQuality.ExecutionTimeSeconds = r.ExecutionCompleteAt.Sub(r.ExecutionStartedAt).Seconds()
	}
	report.ExecutionQuality.Urgency = r.Signal.Urgency

	return report
}

// ExecutionScore computes the 0-100 execution-quality score the
// performance monitor alerts on, grounded on
// original_source/src/services/ml_order_management_service.py's
// calculate_scores: 30% execution speed, 40% price slippage, 30% fill
// completeness. SlippagePct is a percentage; it is converted to basis
// points (1% = 100bps) before the 2-points-per-bp penalty is applied.
func ExecutionScore(report Report) float64 {
	speedScore := 100 - (report.PerformanceMetrics.SignalToExecutionLatencyMs/1000)*10
	if speedScore < 0 {
		speedScore = 0
	}
	slippageScore := 100 - math.Abs(report.PerformanceMetrics.SlippagePct*100)*2
	if slippageScore < 0 {
		slippageScore = 0
	}
	fillScore := report.PerformanceMetrics.FillRatePct
	if fillScore < 0 {
		fillScore = 0
	} else if fillScore > 100 {
		fillScore = 100
	}
	return speedScore*0.3 + slippageScore*0.4 + fillScore*0.3
}

// Shutdown signals all in-flight monitor loops to stop and waits up to
// grace for them to finish.
func (e *Engine) Shutdown(grace time.Duration) {
	e.once.Do(func() { close(e.shutdown) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-e.clk.After(grace):
	}
}
