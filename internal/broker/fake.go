package broker

import (
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Broker for tests and local development. Orders
// fill immediately and completely at a configurable fill price unless
// FailNextPlace is set or AutoFill has been turned off.
type Fake struct {
	mu          sync.Mutex
	seq         int
	orders      map[string]*OrderQuery
	positions   map[string]*Position
	pendingFills []Fill
	fillPrice   float64
	commission  float64

	// FailNextPlace, when true, makes the next PlaceOrder call fail and
	// resets itself to false.
	FailNextPlace bool
	// AutoFill controls whether PlaceOrder immediately fills the order.
	// Defaults to true; set false to drive fills manually via Fill().
	AutoFill bool
}

// NewFake constructs a Fake broker. fillPrice is the price of every
// auto-filled order.
func NewFake(fillPrice float64) *Fake {
	return &Fake{
		orders:     make(map[string]*OrderQuery),
		positions:  make(map[string]*Position),
		fillPrice:  fillPrice,
		commission: 1.0,
		AutoFill:   true,
	}
}

func (f *Fake) nextID() string {
	f.seq++
	return fmt.Sprintf("fake-order-%d", f.seq)
}

func (f *Fake) PlaceOrder(symbol string, side Side, quantity float64) (*PlacedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailNextPlace {
		f.FailNextPlace = false
		return nil, fmt.Errorf("fake broker: forced placement failure")
	}

	id := f.nextID()
	placed := &PlacedOrder{
		BrokerOrderID: id,
		Symbol:        symbol,
		Side:          side,
		Quantity:      quantity,
		SubmittedAt:   time.Now(),
	}

	state := OrderSubmitted
	filled := 0.0
	if f.AutoFill {
		state = OrderFilled
		filled = quantity
		f.pendingFills = append(f.pendingFills, Fill{
			BrokerOrderID: id,
			BrokerExecID:  id + "-exec",
			Symbol:        symbol,
			Side:          side,
			Quantity:      quantity,
			Price:         f.fillPrice,
			Commission:    f.commission,
			ExecutedAt:    time.Now(),
		})
		f.applyPositionLocked(symbol, side, quantity, f.fillPrice)
	}

	f.orders[id] = &OrderQuery{
		BrokerOrderID: id,
		State:         state,
		FilledQty:     filled,
		AvgFillPrice:  f.fillPrice,
		Commission:    filled * f.commission / maxOf(quantity, 1),
	}

	return placed, nil
}

func maxOf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func (f *Fake) applyPositionLocked(symbol string, side Side, qty, price float64) {
	pos, ok := f.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol}
		f.positions[symbol] = pos
	}
	signed := qty
	if side == SideSell {
		signed = -qty
	}
	pos.Quantity += signed
	pos.AvgPrice = price
}

func (f *Fake) CancelOrder(brokerOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("fake broker: unknown order %s", brokerOrderID)
	}
	if o.State == OrderFilled {
		return fmt.Errorf("fake broker: order %s already filled", brokerOrderID)
	}
	o.State = OrderCancelled
	return nil
}

func (f *Fake) QueryOrder(brokerOrderID string) (*OrderQuery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("fake broker: unknown order %s", brokerOrderID)
	}
	cp := *o
	return &cp, nil
}

func (f *Fake) QueryPosition(symbol string) (*Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[symbol]
	if !ok {
		return &Position{Symbol: symbol}, nil
	}
	cp := *p
	return &cp, nil
}

func (f *Fake) PollFills() ([]Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pendingFills
	f.pendingFills = nil
	return out, nil
}

// Fill manually fills qty of brokerOrderID at price, for AutoFill=false
// tests driving partial/delayed fills. totalQty is the order's original
// requested quantity, used to decide partial vs full.
func (f *Fake) Fill(brokerOrderID string, qty, price, totalQty float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("fake broker: unknown order %s", brokerOrderID)
	}

	o.FilledQty += qty
	o.AvgFillPrice = price
	if o.FilledQty >= totalQty {
		o.State = OrderFilled
	} else if o.FilledQty > 0 {
		o.State = OrderPartiallyFilled
	}

	f.pendingFills = append(f.pendingFills, Fill{
		BrokerOrderID: brokerOrderID,
		BrokerExecID:  fmt.Sprintf("%s-exec-%d", brokerOrderID, len(f.pendingFills)+1),
		Quantity:      qty,
		Price:         price,
		Commission:    f.commission,
		ExecutedAt:    time.Now(),
	})
	return nil
}
