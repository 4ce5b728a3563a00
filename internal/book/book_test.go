package book

import (
	"testing"
	"time"

	"github.com/aristath/midplane/internal/broker"
	"github.com/aristath/midplane/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBook(brk broker.Broker) *Book {
	return New(clock.NewIDs(), brk, nil)
}

func TestPlace_SuccessTransitionsToSubmitted(t *testing.T) {
	fake := broker.NewFake(100)
	fake.AutoFill = false
	b := newTestBook(fake)

	order, err := b.Place(Request{Instrument: "AAPL", Action: broker.SideBuy, Quantity: 10})
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, order.Status)
	assert.NotZero(t, order.SubmittedAt)
}

func TestPlace_BrokerFailureTransitionsToAPICancelled(t *testing.T) {
	fake := broker.NewFake(100)
	fake.FailNextPlace = true
	b := newTestBook(fake)

	order, err := b.Place(Request{Instrument: "AAPL", Action: broker.SideBuy, Quantity: 10})
	require.Error(t, err)
	assert.Equal(t, StatusAPICancelled, order.Status)
	assert.Equal(t, 1, b.RejectedCount())
}

func TestCancel_RejectsTerminalOrder(t *testing.T) {
	fake := broker.NewFake(100)
	b := newTestBook(fake)

	order, err := b.Place(Request{Instrument: "AAPL", Action: broker.SideBuy, Quantity: 10})
	require.NoError(t, err)

	applyFullFill(t, b, fake, order.ID, "AAPL", broker.SideBuy, 10, 100)

	err = b.Cancel(order.ID)
	assert.Error(t, err)
}

func TestApplyFill_RejectsDuplicateExecID(t *testing.T) {
	fake := broker.NewFake(100)
	fake.AutoFill = false
	b := newTestBook(fake)

	order, err := b.Place(Request{Instrument: "AAPL", Action: broker.SideBuy, Quantity: 10})
	require.NoError(t, err)

	raw := RawFill{OrderID: order.ID, BrokerExecID: "exec-1", Price: 100, Quantity: 10, ExecutedAt: time.Now()}
	require.NoError(t, b.ApplyFill(raw))
	err = b.ApplyFill(raw)
	assert.Error(t, err)
}

func TestApplyFill_PartialThenFullTransitionsCorrectly(t *testing.T) {
	fake := broker.NewFake(100)
	fake.AutoFill = false
	b := newTestBook(fake)

	order, err := b.Place(Request{Instrument: "AAPL", Action: broker.SideBuy, Quantity: 10})
	require.NoError(t, err)

	require.NoError(t, b.ApplyFill(RawFill{OrderID: order.ID, BrokerExecID: "e1", Price: 100, Quantity: 4, ExecutedAt: time.Now()}))
	got, _ := b.Get(order.ID)
	assert.Equal(t, StatusPartialFilled, got.Status)

	require.NoError(t, b.ApplyFill(RawFill{OrderID: order.ID, BrokerExecID: "e2", Price: 102, Quantity: 6, ExecutedAt: time.Now()}))
	got, _ = b.Get(order.ID)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, 10.0, got.FilledQty)
	assert.InDelta(t, (100*4+102*6)/10.0, got.AvgFillPrice, 1e-9)
}

func TestPosition_BuildsAverageCostOnAdds(t *testing.T) {
	fake := broker.NewFake(100)
	fake.AutoFill = false
	b := newTestBook(fake)

	order, _ := b.Place(Request{Instrument: "AAPL", Action: broker.SideBuy, Quantity: 10})
	require.NoError(t, b.ApplyFill(RawFill{OrderID: order.ID, BrokerExecID: "e1", Price: 100, Quantity: 10, ExecutedAt: time.Now()}))

	order2, _ := b.Place(Request{Instrument: "AAPL", Action: broker.SideBuy, Quantity: 10})
	require.NoError(t, b.ApplyFill(RawFill{OrderID: order2.ID, BrokerExecID: "e2", Price: 120, Quantity: 10, ExecutedAt: time.Now()}))

	pos := b.Position("AAPL")
	assert.Equal(t, 20.0, pos.Quantity)
	assert.InDelta(t, 110.0, pos.AvgCost, 1e-9)
}

func TestPosition_ReduceWithoutCrossingZeroRealizesPnLKeepsCost(t *testing.T) {
	fake := broker.NewFake(100)
	fake.AutoFill = false
	b := newTestBook(fake)

	buy, _ := b.Place(Request{Instrument: "AAPL", Action: broker.SideBuy, Quantity: 10})
	require.NoError(t, b.ApplyFill(RawFill{OrderID: buy.ID, BrokerExecID: "e1", Price: 100, Quantity: 10, ExecutedAt: time.Now()}))

	sell, _ := b.Place(Request{Instrument: "AAPL", Action: broker.SideSell, Quantity: 4})
	require.NoError(t, b.ApplyFill(RawFill{OrderID: sell.ID, BrokerExecID: "e2", Price: 110, Quantity: 4, ExecutedAt: time.Now()}))

	pos := b.Position("AAPL")
	assert.Equal(t, 6.0, pos.Quantity)
	assert.InDelta(t, 100.0, pos.AvgCost, 1e-9)
	assert.InDelta(t, 40.0, pos.RealizedPnL, 1e-9) // 4 * (110-100)
}

func TestPosition_SignFlipRealizesOnFullPriorAndRebasesCost(t *testing.T) {
	fake := broker.NewFake(100)
	fake.AutoFill = false
	b := newTestBook(fake)

	buy, _ := b.Place(Request{Instrument: "AAPL", Action: broker.SideBuy, Quantity: 10})
	require.NoError(t, b.ApplyFill(RawFill{OrderID: buy.ID, BrokerExecID: "e1", Price: 100, Quantity: 10, ExecutedAt: time.Now()}))

	sell, _ := b.Place(Request{Instrument: "AAPL", Action: broker.SideSell, Quantity: 15})
	require.NoError(t, b.ApplyFill(RawFill{OrderID: sell.ID, BrokerExecID: "e2", Price: 120, Quantity: 15, ExecutedAt: time.Now()}))

	pos := b.Position("AAPL")
	assert.Equal(t, -5.0, pos.Quantity)
	assert.InDelta(t, 120.0, pos.AvgCost, 1e-9)
	assert.InDelta(t, 200.0, pos.RealizedPnL, 1e-9) // 10 * (120-100)
}

func TestPosition_ClosingExactlyFlattensCost(t *testing.T) {
	fake := broker.NewFake(100)
	fake.AutoFill = false
	b := newTestBook(fake)

	buy, _ := b.Place(Request{Instrument: "AAPL", Action: broker.SideBuy, Quantity: 10})
	require.NoError(t, b.ApplyFill(RawFill{OrderID: buy.ID, BrokerExecID: "e1", Price: 100, Quantity: 10, ExecutedAt: time.Now()}))

	sell, _ := b.Place(Request{Instrument: "AAPL", Action: broker.SideSell, Quantity: 10})
	require.NoError(t, b.ApplyFill(RawFill{OrderID: sell.ID, BrokerExecID: "e2", Price: 130, Quantity: 10, ExecutedAt: time.Now()}))

	pos := b.Position("AAPL")
	assert.Equal(t, 0.0, pos.Quantity)
	assert.Equal(t, 0.0, pos.AvgCost)
	assert.InDelta(t, 300.0, pos.RealizedPnL, 1e-9)
}

func TestObservers_FireOnFillAndPositionChange(t *testing.T) {
	fake := broker.NewFake(100)
	fake.AutoFill = false
	b := newTestBook(fake)

	var gotFill bool
	var gotPosition bool
	b.OnFill(func(f Fill) { gotFill = true })
	b.OnPosition(func(p Position) { gotPosition = true })

	order, _ := b.Place(Request{Instrument: "AAPL", Action: broker.SideBuy, Quantity: 10})
	require.NoError(t, b.ApplyFill(RawFill{OrderID: order.ID, BrokerExecID: "e1", Price: 100, Quantity: 10, ExecutedAt: time.Now()}))

	assert.True(t, gotFill)
	assert.True(t, gotPosition)
}

func applyFullFill(t *testing.T, b *Book, fake *broker.Fake, orderID int64, symbol string, side broker.Side, qty, price float64) {
	t.Helper()
	require.NoError(t, b.ApplyFill(RawFill{OrderID: orderID, BrokerExecID: "full-fill", Price: price, Quantity: qty, ExecutedAt: time.Now()}))
}
