package portfolioview

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/midplane/internal/book"
	"github.com/aristath/midplane/internal/broker"
	"github.com/aristath/midplane/internal/clock"
)

type fakePriceSource struct {
	prices map[string]float64
	err    error
}

func (f *fakePriceSource) CurrentPrice(symbol string, maxRetries int) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	price, ok := f.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

func TestPortfolioValue_SumsCashAndPositions(t *testing.T) {
	fake := broker.NewFake(100)
	bk := book.New(clock.NewIDs(), fake, nil)
	_, err := bk.Place(book.Request{Instrument: "AAPL", Action: broker.SideBuy, Quantity: 10})
	require.NoError(t, err)

	prices := &fakePriceSource{prices: map[string]float64{"AAPL": 150}}
	v := New(bk, prices, []string{"AAPL"}, 1000, zerolog.Nop())

	assert.Equal(t, 1000+10*150.0, v.PortfolioValue())
}

func TestCurrentPrice_CachesWithinTTL(t *testing.T) {
	calls := 0
	source := &countingPriceSource{price: 50}
	_ = calls

	bk := book.New(clock.NewIDs(), broker.NewFake(100), nil)
	v := New(bk, source, []string{"AAPL"}, 0, zerolog.Nop())

	first := v.CurrentPrice("AAPL")
	second := v.CurrentPrice("AAPL")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, source.calls)
}

type countingPriceSource struct {
	price float64
	calls int
}

func (c *countingPriceSource) CurrentPrice(symbol string, maxRetries int) (float64, error) {
	c.calls++
	return c.price, nil
}

func TestCurrentPrice_FallsBackToLastKnownOnError(t *testing.T) {
	source := &fakePriceSource{prices: map[string]float64{"AAPL": 120}}
	bk := book.New(clock.NewIDs(), broker.NewFake(100), nil)
	v := New(bk, source, []string{"AAPL"}, 0, zerolog.Nop())

	first := v.CurrentPrice("AAPL")
	require.Equal(t, 120.0, first)

	source.err = fmt.Errorf("network down")
	// Expire the cache entry without losing its price, forcing a
	// re-fetch that fails and must fall back to the last known value.
	v.cached["AAPL"] = cachedPrice{price: 120, fetched: time.Now().Add(-time.Hour)}
	fallback := v.CurrentPrice("AAPL")
	assert.Equal(t, 120.0, fallback)
}

func TestPositionWeights_ExcludesZeroQuantityInstruments(t *testing.T) {
	bk := book.New(clock.NewIDs(), broker.NewFake(100), nil)
	_, err := bk.Place(book.Request{Instrument: "AAPL", Action: broker.SideBuy, Quantity: 10})
	require.NoError(t, err)

	prices := &fakePriceSource{prices: map[string]float64{"AAPL": 100, "MSFT": 200}}
	v := New(bk, prices, []string{"AAPL", "MSFT"}, 0, zerolog.Nop())

	weights := v.PositionWeights()
	assert.Contains(t, weights, "AAPL")
	assert.NotContains(t, weights, "MSFT")
}
