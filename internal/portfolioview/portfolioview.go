// Package portfolioview adapts the order book and a live price feed into
// the read-only execution.PortfolioView the sizer and risk assessor
// consume, grounded on the teacher's modules/portfolio PortfolioService
// aggregation idiom (positions + live prices -> portfolio-level figures).
package portfolioview

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/midplane/internal/book"
)

// PriceCacheTTL bounds how long a fetched price is reused before the
// next CurrentPrice call re-fetches it.
const priceCacheTTL = 5 * time.Second

// PriceSource is the live-quote collaborator the view pulls from;
// *marketdata.Client satisfies it.
type PriceSource interface {
	CurrentPrice(symbol string, maxRetries int) (float64, error)
}

// View implements execution.PortfolioView over a live order Book and a
// market data client, with a short-lived in-memory price cache so
// concurrent signal evaluations don't each pay a network round trip.
type View struct {
	mu          sync.Mutex
	book        *book.Book
	prices      PriceSource
	log         zerolog.Logger
	instruments []string

	cached    map[string]cachedPrice
	cashValue float64
}

type cachedPrice struct {
	price   float64
	fetched time.Time
}

// New constructs a View over bk, fetching live prices through client for
// the given tracked instrument universe. cashValue seeds the cash
// component of PortfolioValue; it is not updated by the view itself.
func New(bk *book.Book, client PriceSource, instruments []string, cashValue float64, log zerolog.Logger) *View {
	return &View{
		book:        bk,
		prices:      client,
		log:         log.With().Str("component", "portfolio_view").Logger(),
		instruments: instruments,
		cached:      make(map[string]cachedPrice),
		cashValue:   cashValue,
	}
}

// CurrentPrice returns the last-fetched price for instrument, fetching a
// fresh one through the market data client when the cache has expired.
func (v *View) CurrentPrice(instrument string) float64 {
	v.mu.Lock()
	if c, ok := v.cached[instrument]; ok && time.Since(c.fetched) < priceCacheTTL {
		v.mu.Unlock()
		return c.price
	}
	v.mu.Unlock()

	price, err := v.prices.CurrentPrice(instrument, 2)
	if err != nil {
		v.log.Warn().Err(err).Str("instrument", instrument).Msg("failed to fetch current price, using last known")
		v.mu.Lock()
		defer v.mu.Unlock()
		return v.cached[instrument].price
	}

	v.mu.Lock()
	v.cached[instrument] = cachedPrice{price: price, fetched: time.Now()}
	v.mu.Unlock()
	return price
}

// PositionQty returns the book's current net quantity for instrument.
func (v *View) PositionQty(instrument string) float64 {
	return v.book.Position(instrument).Quantity
}

// PositionWeights returns each tracked instrument's share of total
// portfolio market value, including cash in the denominator.
func (v *View) PositionWeights() map[string]float64 {
	total := v.PortfolioValue()
	weights := make(map[string]float64, len(v.instruments))
	if total <= 0 {
		return weights
	}
	for _, instrument := range v.instruments {
		qty := v.PositionQty(instrument)
		if qty == 0 {
			continue
		}
		weights[instrument] = (qty * v.CurrentPrice(instrument)) / total
	}
	return weights
}

// PortfolioValue sums cash plus the market value of every tracked
// instrument's current position.
func (v *View) PortfolioValue() float64 {
	total := v.cashValue
	for _, instrument := range v.instruments {
		qty := v.PositionQty(instrument)
		if qty == 0 {
			continue
		}
		total += qty * v.CurrentPrice(instrument)
	}
	return total
}
