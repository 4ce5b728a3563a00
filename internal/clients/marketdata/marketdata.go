// Package marketdata is the default implementation of the
// "request historical bars" / live quote collaborator named in
// spec.md §1's out-of-scope list, backing the runtime's market_data
// and historical_data services when no broker feed is wired.
// Grounded on the teacher's internal/clients/yahoo native client.
package marketdata

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnjoon/go-yfinance/pkg/models"
	"github.com/wnjoon/go-yfinance/pkg/ticker"
)

// Bar is one OHLCV historical bar.
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// Client fetches live quotes and historical bars via go-yfinance.
type Client struct {
	log zerolog.Logger
}

// New constructs a Client.
func New(log zerolog.Logger) *Client {
	return &Client{log: log.With().Str("client", "marketdata").Logger()}
}

// CurrentPrice returns the latest traded price for symbol, making up to
// maxRetries attempts in total with exponential backoff between them.
func (c *Client) CurrentPrice(symbol string, maxRetries int) (float64, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		price, err := c.fetchCurrentPrice(symbol)
		if err == nil {
			return price, nil
		}
		lastErr = err
		if attempt < maxRetries-1 {
			wait := time.Duration(1<<uint(attempt)) * time.Second
			c.log.Warn().Err(err).Str("symbol", symbol).Int("attempt", attempt+1).Dur("wait", wait).Msg("retrying quote fetch")
			time.Sleep(wait)
		}
	}
	return 0, fmt.Errorf("fetch current price for %s: %w", symbol, lastErr)
}

func (c *Client) fetchCurrentPrice(symbol string) (float64, error) {
	t, err := ticker.New(symbol)
	if err != nil {
		return 0, fmt.Errorf("create ticker: %w", err)
	}
	defer t.Close()

	quote, err := t.Quote()
	if err == nil && quote != nil && quote.RegularMarketPrice > 0 {
		return quote.RegularMarketPrice, nil
	}

	info, err := t.Info()
	if err != nil {
		return 0, fmt.Errorf("get info: %w", err)
	}
	if info.CurrentPrice > 0 {
		return info.CurrentPrice, nil
	}
	if info.RegularMarketPreviousClose > 0 {
		return info.RegularMarketPreviousClose, nil
	}
	return 0, fmt.Errorf("no valid price for %s", symbol)
}

// HistoricalBars returns daily OHLCV bars for symbol over period
// (e.g. "1mo", "1y"), feeding pkg/quant's volatility/return helpers.
func (c *Client) HistoricalBars(symbol, period string) ([]Bar, error) {
	t, err := ticker.New(symbol)
	if err != nil {
		return nil, fmt.Errorf("create ticker: %w", err)
	}
	defer t.Close()

	params := models.HistoryParams{Period: period, Interval: "1d", AutoAdjust: true}
	raw, err := t.History(params)
	if err != nil {
		return nil, fmt.Errorf("get historical bars for %s: %w", symbol, err)
	}

	bars := make([]Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, Bar{
			Date: b.Date, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: int64(b.Volume),
		})
	}
	return bars, nil
}

// CloseSeries extracts the closing-price series from a bar slice, the
// shape pkg/quant's Returns/AnnualizedVolatility/EMA helpers expect.
func CloseSeries(bars []Bar) []float64 {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return closes
}
