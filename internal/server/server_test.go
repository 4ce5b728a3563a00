package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aristath/midplane/internal/book"
	"github.com/aristath/midplane/internal/broker"
	"github.com/aristath/midplane/internal/clock"
	"github.com/aristath/midplane/internal/execution"
	"github.com/aristath/midplane/internal/monitor"
	"github.com/aristath/midplane/internal/risk"
	"github.com/aristath/midplane/internal/validator"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakePortfolio struct{ price float64 }

func (p *fakePortfolio) PortfolioValue() float64                 { return 1_000_000 }
func (p *fakePortfolio) CurrentPrice(string) float64              { return p.price }
func (p *fakePortfolio) PositionQty(string) float64               { return 0 }
func (p *fakePortfolio) PositionWeights() map[string]float64      { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	fake := broker.NewFake(100.00)
	ids := clock.NewIDs()
	bk := book.New(ids, fake, nil)
	v := validator.New(validator.DefaultConfig(), nil)
	sizer := risk.New(nil)
	portfolio := &fakePortfolio{price: 100.00}
	engine := execution.New(ids, clock.Real{}, v, sizer, bk, portfolio)
	mon := monitor.New(nil)

	return New(Config{Log: zerolog.Nop(), Engine: engine, Monitor: mon, Port: 0, DevMode: true})
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleSubmitSignal_ReturnsExecutionID(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(signalRequest{
		ID: "s1", Instrument: "AAPL", Side: "buy", TargetQty: 10, Confidence: 0.9, MaxExecMs: 2000,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/signals", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["execution_id"])
}

func TestHandleGetStatus_UnknownExecutionReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/signals/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStatusDashboard_ReturnsMonitorAndHostStats(t *testing.T) {
	s := newTestServer(t)
	s.monitor.RecordMetric("latency", "order_latency_ms", 42, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusDashboard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.Monitor.Metrics, "order_latency_ms")
}

func TestHandleGetStatus_FoundAfterSubmit(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(signalRequest{ID: "s2", Instrument: "AAPL", Side: "hold", Confidence: 0.9})
	req := httptest.NewRequest(http.MethodPost, "/api/signals", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	executionID := resp["execution_id"]

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		req2 := httptest.NewRequest(http.MethodGet, "/api/signals/"+executionID, nil)
		rec2 := httptest.NewRecorder()
		s.router.ServeHTTP(rec2, req2)
		if rec2.Code == http.StatusOK {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("execution status never became available")
}
