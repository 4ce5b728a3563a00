// Package server exposes the midplane over HTTP: signal submission,
// execution status, a streaming execution-report feed, and a status
// dashboard endpoint. Grounded on the teacher's internal/server chi
// wiring (middleware stack, route grouping, logging middleware).
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/midplane/internal/execution"
	"github.com/aristath/midplane/internal/monitor"
)

// Config wires the server's collaborators.
type Config struct {
	Log     zerolog.Logger
	Engine  *execution.Engine
	Monitor *monitor.Monitor
	Port    int
	DevMode bool
}

// Server is the midplane's HTTP surface.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	engine  *execution.Engine
	monitor *monitor.Monitor

	streamMu sync.Mutex
	streams  map[chan execution.Record]struct{}
}

// New builds the router and wraps it in an http.Server.
func New(cfg Config) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     cfg.Log.With().Str("component", "server").Logger(),
		engine:  cfg.Engine,
		monitor: cfg.Monitor,
		streams: make(map[chan execution.Record]struct{}),
	}

	if s.engine != nil {
		s.engine.OnComplete(s.broadcastReport)
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams hold the connection open
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/signals", s.handleSubmitSignal)
		r.Get("/signals/{executionID}", s.handleGetStatus)
		r.Get("/signals/{executionID}/stream", s.handleStreamExecution)
		r.Get("/status", s.handleStatusDashboard)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// signalRequest is the wire shape for POST /api/signals.
type signalRequest struct {
	ID           string  `json:"id"`
	Instrument   string  `json:"instrument"`
	Side         string  `json:"side"`
	TargetQty    float64 `json:"target_qty"`
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version"`
	Strategy     string  `json:"strategy"`
	Urgency      string  `json:"urgency"`
	MaxExecMs    int64   `json:"max_exec_ms"`
}

func (s *Server) handleSubmitSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if s.engine == nil {
		http.Error(w, "execution engine not configured", http.StatusServiceUnavailable)
		return
	}

	maxExec := 5 * time.Second
	if req.MaxExecMs > 0 {
		maxExec = time.Duration(req.MaxExecMs) * time.Millisecond
	}

	signal := execution.Signal{
		ID:           req.ID,
		Instrument:   req.Instrument,
		Side:         execution.Side(req.Side),
		TargetQty:    req.TargetQty,
		Confidence:   req.Confidence,
		Timestamp:    time.Now(),
		ModelVersion: req.ModelVersion,
		Strategy:     req.Strategy,
		Urgency:      execution.Urgency(req.Urgency),
		MaxExecTime:  maxExec,
	}

	executionID := s.engine.Submit(signal)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": executionID})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	if s.engine == nil {
		http.Error(w, "execution engine not configured", http.StatusServiceUnavailable)
		return
	}
	record, ok := s.engine.Status(executionID)
	if !ok {
		http.Error(w, "execution not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

// handleStreamExecution serves a Server-Sent-Events feed of terminal
// execution reports, filtered to the requested execution id.
func (s *Server) handleStreamExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan execution.Record, 4)
	s.registerStream(ch)
	defer s.unregisterStream(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case record := <-ch:
			if record.ExecutionID != executionID {
				continue
			}
			payload, _ := json.Marshal(record)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if record.Status.Terminal() {
				return
			}
		}
	}
}

func (s *Server) registerStream(ch chan execution.Record) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	s.streams[ch] = struct{}{}
}

func (s *Server) unregisterStream(ch chan execution.Record) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	delete(s.streams, ch)
}

func (s *Server) broadcastReport(r execution.Record, _ execution.Report) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	for ch := range s.streams {
		select {
		case ch <- r:
		default:
		}
	}
}

// statusDashboard is the wire shape for GET /api/status.
type statusDashboard struct {
	Monitor    monitor.Dashboard `json:"monitor"`
	Host       hostStats         `json:"host"`
	RecordedAt time.Time         `json:"recorded_at"`
}

type hostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

func (s *Server) handleStatusDashboard(w http.ResponseWriter, r *http.Request) {
	d := statusDashboard{Host: s.collectHostStats(), RecordedAt: time.Now()}
	if s.monitor != nil {
		d.Monitor = s.monitor.Snapshot()
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) collectHostStats() hostStats {
	stats := hostStats{}

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read cpu stats")
	} else if len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read memory stats")
	} else {
		stats.MemoryPercent = memStat.UsedPercent
	}

	hostInfo, err := host.Info()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read host info")
	} else {
		stats.UptimeSeconds = hostInfo.Uptime
	}

	return stats
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Start serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting http server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down http server")
	return s.server.Shutdown(ctx)
}
