// Package book implements the order book: Place/Cancel/Modify/ApplyFill
// plus position average-cost/realized-P&L bookkeeping, per spec.md §4.8.
package book

import (
	"fmt"
	"sync"
	"time"

	"github.com/aristath/midplane/internal/broker"
	"github.com/aristath/midplane/internal/clock"
	"github.com/aristath/midplane/internal/runtime"
)

// Status is an order's lifecycle state, per spec.md §3 (Order).
type Status string

const (
	StatusPendingSubmit Status = "pending-submit"
	StatusSubmitted     Status = "submitted"
	StatusPartialFilled Status = "partial-filled"
	StatusFilled        Status = "filled"
	StatusCancelled     Status = "cancelled"
	StatusAPICancelled  Status = "api-cancelled"
	StatusPendingCancel Status = "pending-cancel"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusAPICancelled:
		return true
	}
	return false
}

// Request is a new-order request.
type Request struct {
	Instrument    string
	Action        broker.Side
	Quantity      float64
	ClientOrderID string
}

// Order is the book's record of one order, per spec.md §3.
type Order struct {
	ID             int64
	Instrument     string
	Action         broker.Side
	RequestedQty   float64
	Status         Status
	FilledQty      float64
	RemainingQty   float64
	AvgFillPrice   float64
	LastFillPrice  float64
	LastFillQty    float64
	Commission     float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SubmittedAt    time.Time
	FilledAt       time.Time
	ClientOrderID  string
	BrokerOrderID  string
	Error          string
}

// RawFill is what ApplyFill accepts: a broker execution report translated
// into book terms.
type RawFill struct {
	OrderID      int64
	BrokerExecID string
	Price        float64
	Quantity     float64
	Commission   float64
	ExecutedAt   time.Time
}

// Fill is the book's stored record of one applied fill.
type Fill struct {
	BrokerExecID string
	OrderID      int64
	Price        float64
	Quantity     float64
	Commission   float64
	ExecutedAt   time.Time
}

// Position is the book's running position for one instrument.
type Position struct {
	Instrument   string
	Quantity     float64
	AvgCost      float64
	RealizedPnL  float64
}

// OrderStatusObserver is notified on every order status transition.
type OrderStatusObserver func(o Order, previous Status)

// FillObserver is notified whenever a fill is applied.
type FillObserver func(f Fill)

// PositionObserver is notified whenever a position changes.
type PositionObserver func(p Position)

// Book is the order/fill/position ledger, guarded by a single mutex as
// described in spec.md §4.8.
type Book struct {
	mu sync.Mutex

	orders    map[int64]*Order
	fills     map[string]*Fill
	positions map[string]*Position

	ids *clock.IDs
	brk broker.Broker
	rt  *runtime.Registry

	rejectedCount int

	orderObservers    []OrderStatusObserver
	fillObservers     []FillObserver
	positionObservers []PositionObserver
}

// New constructs an empty Book.
func New(ids *clock.IDs, brk broker.Broker, rt *runtime.Registry) *Book {
	return &Book{
		orders:    make(map[int64]*Order),
		fills:     make(map[string]*Fill),
		positions: make(map[string]*Position),
		ids:       ids,
		brk:       brk,
		rt:        rt,
	}
}

// OnOrderStatus registers an order-status observer.
func (b *Book) OnOrderStatus(fn OrderStatusObserver) { b.orderObservers = append(b.orderObservers, fn) }

// OnFill registers a fill observer.
func (b *Book) OnFill(fn FillObserver) { b.fillObservers = append(b.fillObservers, fn) }

// OnPosition registers a position observer.
func (b *Book) OnPosition(fn PositionObserver) { b.positionObservers = append(b.positionObservers, fn) }

func (b *Book) notifyOrder(o Order, previous Status) {
	for _, fn := range b.orderObservers {
		safeCall(func() { fn(o, previous) })
	}
}

func (b *Book) notifyFill(f Fill) {
	for _, fn := range b.fillObservers {
		safeCall(func() { fn(f) })
	}
}

func (b *Book) notifyPosition(p Position) {
	for _, fn := range b.positionObservers {
		safeCall(func() { fn(p) })
	}
}

// safeCall isolates one observer's panic so it cannot starve the others.
func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// Place assigns the next order id, submits to the broker via the service
// runtime at critical priority, and records the resulting state.
func (b *Book) Place(req Request) (*Order, error) {
	now := time.Now()
	id := b.ids.NextOrderID()

	order := &Order{
		ID:            id,
		Instrument:    req.Instrument,
		Action:        req.Action,
		RequestedQty:  req.Quantity,
		Status:        StatusPendingSubmit,
		RemainingQty:  req.Quantity,
		CreatedAt:     now,
		UpdatedAt:     now,
		ClientOrderID: req.ClientOrderID,
	}

	b.mu.Lock()
	b.orders[id] = order
	b.mu.Unlock()
	b.notifyOrder(*order, "")

	var placed *broker.PlacedOrder
	execErr := b.runServiceCall(func() error {
		var err error
		placed, err = b.brk.PlaceOrder(req.Instrument, req.Action, req.Quantity)
		return err
	})

	b.mu.Lock()
	prev := order.Status
	if execErr != nil {
		order.Status = StatusAPICancelled
		order.Error = execErr.Error()
		b.rejectedCount++
	} else {
		order.Status = StatusSubmitted
		order.SubmittedAt = time.Now()
		order.BrokerOrderID = placed.BrokerOrderID
	}
	order.UpdatedAt = time.Now()
	snapshot := *order
	b.mu.Unlock()

	b.notifyOrder(snapshot, prev)

	if execErr != nil {
		return &snapshot, execErr
	}
	return &snapshot, nil
}

func (b *Book) runServiceCall(op func() error) error {
	if b.rt == nil {
		return op()
	}
	return b.rt.Execute("order_management", op)
}

// Cancel rejects terminal orders, otherwise requests cancellation from
// the broker and updates status accordingly.
func (b *Book) Cancel(orderID int64) error {
	b.mu.Lock()
	order, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("book: unknown order %d", orderID)
	}
	if order.Status.Terminal() {
		b.mu.Unlock()
		return fmt.Errorf("book: order %d is already terminal (%s)", orderID, order.Status)
	}
	prior := order.Status
	order.Status = StatusPendingCancel
	order.UpdatedAt = time.Now()
	snapshot := *order
	b.mu.Unlock()
	b.notifyOrder(snapshot, prior)

	err := b.runServiceCall(func() error {
		return b.brk.CancelOrder(order.BrokerOrderID)
	})

	b.mu.Lock()
	if err != nil {
		order.Status = prior
		order.Error = err.Error()
	} else {
		order.Status = StatusCancelled
	}
	order.UpdatedAt = time.Now()
	snapshot = *order
	b.mu.Unlock()
	b.notifyOrder(snapshot, StatusPendingCancel)

	return err
}

// ModifyFields lists the whitelisted fields Modify accepts. Only Quantity
// is applied; Order has no limit or stop price, so Limit and Stop are
// ignored.
type ModifyFields struct {
	Quantity *float64
	Limit    *float64
	Stop     *float64
}

// Modify applies a quantity change to a non-terminal order and recomputes
// remaining quantity. Limit and Stop in changes are not applied.
func (b *Book) Modify(orderID int64, changes ModifyFields) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("book: unknown order %d", orderID)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("book: order %d is already terminal (%s)", orderID, order.Status)
	}

	if changes.Quantity != nil {
		order.RequestedQty = *changes.Quantity
		order.RemainingQty = order.RequestedQty - order.FilledQty
	}
	order.UpdatedAt = time.Now()
	return nil
}

// ApplyFill records a broker fill report, rejecting duplicates by
// BrokerExecID, updates the owning order, and updates the position.
func (b *Book) ApplyFill(raw RawFill) error {
	b.mu.Lock()

	if _, dup := b.fills[raw.BrokerExecID]; dup {
		b.mu.Unlock()
		return fmt.Errorf("book: duplicate fill %s", raw.BrokerExecID)
	}

	order, ok := b.orders[raw.OrderID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("book: fill for unknown order %d", raw.OrderID)
	}
	if order.Status.Terminal() {
		b.mu.Unlock()
		return fmt.Errorf("book: order %d is already terminal (%s)", raw.OrderID, order.Status)
	}

	fill := &Fill{
		BrokerExecID: raw.BrokerExecID,
		OrderID:      raw.OrderID,
		Price:        raw.Price,
		Quantity:     raw.Quantity,
		Commission:   raw.Commission,
		ExecutedAt:   raw.ExecutedAt,
	}
	b.fills[raw.BrokerExecID] = fill

	prevStatus := order.Status
	totalNotionalBefore := order.AvgFillPrice * order.FilledQty
	order.FilledQty += raw.Quantity
	order.RemainingQty = order.RequestedQty - order.FilledQty
	order.AvgFillPrice = (totalNotionalBefore + raw.Price*raw.Quantity) / order.FilledQty
	order.LastFillPrice = raw.Price
	order.LastFillQty = raw.Quantity
	order.Commission += raw.Commission
	order.UpdatedAt = raw.ExecutedAt

	if order.FilledQty >= order.RequestedQty {
		order.Status = StatusFilled
		order.FilledAt = raw.ExecutedAt
	} else {
		order.Status = StatusPartialFilled
	}
	orderSnapshot := *order

	pos := b.applyPositionLocked(order.Instrument, order.Action, raw.Quantity, raw.Price)

	b.mu.Unlock()

	b.notifyFill(*fill)
	b.notifyOrder(orderSnapshot, prevStatus)
	b.notifyPosition(*pos)

	return nil
}

// applyPositionLocked implements the average-cost/realized-P&L algebra
// from spec.md §4.8. Caller must hold b.mu.
func (b *Book) applyPositionLocked(instrument string, action broker.Side, qty, price float64) *Position {
	pos, ok := b.positions[instrument]
	if !ok {
		pos = &Position{Instrument: instrument}
		b.positions[instrument] = pos
	}

	signedDelta := qty
	if action == broker.SideSell {
		signedDelta = -qty
	}

	priorQty := pos.Quantity
	newQty := priorQty + signedDelta

	switch {
	case newQty == 0:
		// Closed exactly: realize P&L on the whole prior position, flatten cost.
		pos.RealizedPnL += realizedPnL(priorQty, pos.AvgCost, price)
		pos.AvgCost = 0
	case priorQty == 0:
		pos.AvgCost = price
	case sameSign(priorQty, newQty):
		if sameSign(priorQty, signedDelta) {
			// Adding to the position: weighted-average the cost.
			totalCostBefore := pos.AvgCost * absF(priorQty)
			totalCostAdded := price * absF(signedDelta)
			pos.AvgCost = (totalCostBefore + totalCostAdded) / absF(newQty)
		} else {
			// Reducing without crossing zero: cost basis unchanged,
			// realize P&L on the closed portion.
			pos.RealizedPnL += realizedPnL(-signedDelta, pos.AvgCost, price)
		}
	default:
		// Sign flip: realize P&L on the entire prior position, then the
		// residual carries a fresh cost basis at the fill price.
		pos.RealizedPnL += realizedPnL(priorQty, pos.AvgCost, price)
		pos.AvgCost = price
	}

	pos.Quantity = newQty
	return pos
}

func sameSign(a, b float64) bool {
	return (a >= 0 && b >= 0) || (a <= 0 && b <= 0)
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// realizedPnL computes the P&L realized by closing qty units (signed,
// same sign as the position being closed) held at avgCost, closed at price.
func realizedPnL(qty, avgCost, price float64) float64 {
	return qty * (price - avgCost)
}

// Get returns a snapshot of an order, if present.
func (b *Book) Get(orderID int64) (Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Position returns a snapshot of an instrument's position.
func (b *Book) Position(instrument string) Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[instrument]
	if !ok {
		return Position{Instrument: instrument}
	}
	return *p
}

// RejectedCount returns the number of orders rejected at placement time.
func (b *Book) RejectedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejectedCount
}

// OrdersByIDs returns snapshots of the given order ids, for the
// execution engine's aggregation pass.
func (b *Book) OrdersByIDs(ids []int64) []Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := b.orders[id]; ok {
			out = append(out, *o)
		}
	}
	return out
}
