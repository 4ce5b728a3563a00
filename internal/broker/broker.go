// Package broker defines the order-placement port used by the execution
// engine, plus an HTTP-backed implementation grounded on
// internal/clients/tradernet's request/response idiom.
package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Side is the direction of a placed order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PlacedOrder is what a broker returns immediately after accepting an order.
type PlacedOrder struct {
	BrokerOrderID string
	Symbol        string
	Side          Side
	Quantity      float64
	SubmittedAt   time.Time
}

// OrderState is the broker-reported lifecycle state of a submitted order.
type OrderState string

const (
	OrderPending        OrderState = "pending"
	OrderSubmitted      OrderState = "submitted"
	OrderPartiallyFilled OrderState = "partial_filled"
	OrderFilled         OrderState = "filled"
	OrderCancelled      OrderState = "cancelled"
	OrderRejected       OrderState = "rejected"
)

// OrderQuery reports a broker order's current state and cumulative fill.
type OrderQuery struct {
	BrokerOrderID string
	State         OrderState
	FilledQty     float64
	AvgFillPrice  float64
	Commission    float64
}

// Position is a broker-reported net position for a symbol.
type Position struct {
	Symbol   string
	Quantity float64
	AvgPrice float64
}

// Fill is one broker execution report for a submitted order.
type Fill struct {
	BrokerOrderID   string
	BrokerExecID    string
	Symbol          string
	Side            Side
	Quantity        float64
	Price           float64
	Commission      float64
	ExecutedAt      time.Time
}

// Broker is the port the execution engine drives orders through. All
// methods must be safe for concurrent use.
type Broker interface {
	PlaceOrder(symbol string, side Side, quantity float64) (*PlacedOrder, error)
	CancelOrder(brokerOrderID string) error
	QueryOrder(brokerOrderID string) (*OrderQuery, error)
	QueryPosition(symbol string) (*Position, error)
	// PollFills returns fills reported since the last call. Implementations
	// may return an empty slice when nothing new has settled.
	PollFills() ([]Fill, error)
}

// HTTPClient is a broker implementation talking to a Tradernet-shaped
// microservice, grounded on internal/clients/tradernet/client.go's
// post/get/parseResponse pattern.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
	apiKey  string
}

// serviceResponse mirrors the microservice envelope the teacher's client uses.
type serviceResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *string         `json:"error"`
}

// NewHTTPClient constructs a broker HTTPClient.
func NewHTTPClient(baseURL, apiKey string, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("client", "broker").Logger(),
	}
}

func (c *HTTPClient) do(method, endpoint string, body interface{}) (*serviceResponse, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(b)
	}

	req, err := http.NewRequest(method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Broker-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read broker response: %w", err)
	}

	var parsed serviceResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse broker response: %w", err)
	}
	if !parsed.Success {
		msg := "unknown broker error"
		if parsed.Error != nil {
			msg = *parsed.Error
		}
		return &parsed, fmt.Errorf("broker error: %s", msg)
	}
	return &parsed, nil
}

type placeOrderRequest struct {
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Quantity float64 `json:"quantity"`
}

func (c *HTTPClient) PlaceOrder(symbol string, side Side, quantity float64) (*PlacedOrder, error) {
	resp, err := c.do(http.MethodPost, "/api/trading/place-order", placeOrderRequest{Symbol: symbol, Side: side, Quantity: quantity})
	if err != nil {
		return nil, err
	}
	var placed PlacedOrder
	if err := json.Unmarshal(resp.Data, &placed); err != nil {
		return nil, fmt.Errorf("parse placed order: %w", err)
	}
	placed.SubmittedAt = time.Now()
	return &placed, nil
}

func (c *HTTPClient) CancelOrder(brokerOrderID string) error {
	_, err := c.do(http.MethodPost, "/api/trading/cancel-order/"+brokerOrderID, nil)
	return err
}

func (c *HTTPClient) QueryOrder(brokerOrderID string) (*OrderQuery, error) {
	resp, err := c.do(http.MethodGet, "/api/trading/orders/"+brokerOrderID, nil)
	if err != nil {
		return nil, err
	}
	var q OrderQuery
	if err := json.Unmarshal(resp.Data, &q); err != nil {
		return nil, fmt.Errorf("parse order query: %w", err)
	}
	return &q, nil
}

func (c *HTTPClient) QueryPosition(symbol string) (*Position, error) {
	resp, err := c.do(http.MethodGet, "/api/portfolio/positions/"+symbol, nil)
	if err != nil {
		return nil, err
	}
	var p Position
	if err := json.Unmarshal(resp.Data, &p); err != nil {
		return nil, fmt.Errorf("parse position: %w", err)
	}
	return &p, nil
}

func (c *HTTPClient) PollFills() ([]Fill, error) {
	resp, err := c.do(http.MethodGet, "/api/trading/fills/recent", nil)
	if err != nil {
		return nil, err
	}
	var fills []Fill
	if err := json.Unmarshal(resp.Data, &fills); err != nil {
		return nil, fmt.Errorf("parse fills: %w", err)
	}
	return fills, nil
}
