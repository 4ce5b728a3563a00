package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aristath/midplane/internal/bloblite"
	"github.com/aristath/midplane/internal/book"
	"github.com/aristath/midplane/internal/broker"
	"github.com/aristath/midplane/internal/clients/marketdata"
	"github.com/aristath/midplane/internal/clock"
	"github.com/aristath/midplane/internal/config"
	"github.com/aristath/midplane/internal/execution"
	"github.com/aristath/midplane/internal/monitor"
	"github.com/aristath/midplane/internal/pool"
	"github.com/aristath/midplane/internal/portfolioview"
	"github.com/aristath/midplane/internal/risk"
	"github.com/aristath/midplane/internal/runtime"
	"github.com/aristath/midplane/internal/scheduler"
	"github.com/aristath/midplane/internal/server"
	"github.com/aristath/midplane/internal/validator"
	"github.com/aristath/midplane/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true})
	log.Info().Msg("starting execution midplane")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	sink, err := bloblite.Open(cfg.DataDir + "/audit.db")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open audit store")
	}
	defer sink.Close()

	mon := monitor.New(nil)

	ids := clock.NewIDs()
	clk := clock.Real{}

	brokerClient := broker.NewHTTPClient(cfg.BrokerBaseURL, cfg.BrokerAPIKey, log)

	brokerPool := pool.New(pool.Config{
		Min:                 cfg.Pool.MinConnections,
		Max:                 cfg.Pool.MaxConnections,
		ConnectTimeout:      cfg.Pool.ConnectionTimeout,
		CallTimeout:         cfg.Pool.ConnectionTimeout,
		RetryCount:          2,
		BreakerThreshold:    cfg.Pool.CircuitBreakerThreshold,
		BreakerTimeout:      cfg.Pool.CircuitBreakerTimeout,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
	}, func() (*pool.Session, error) {
		return &pool.Session{ID: ids.NewSessionID()}, nil
	}, clk, func(format string, args ...interface{}) {
		log.Debug().Msgf(format, args...)
	})

	registry := runtime.New(brokerPool, nil)
	registry.RegisterDefaults()

	bk := book.New(ids, brokerClient, registry)

	mdClient := marketdata.New(log)
	view := portfolioview.New(bk, mdClient, cfg.Instruments, cfg.InitialCash, log)

	modelPerf := func(modelVersion string) (float64, bool) {
		report := mon.ModelReport(modelVersion, "", 30)
		if report.TotalSignals == 0 {
			return 0, false
		}
		return report.AvgExecutionScore / 100, true
	}

	v := validator.New(validator.DefaultConfig(), validator.ModelPerformance(modelPerf))
	sizer := risk.New(risk.ModelPerformanceLookup(modelPerf))

	engine := execution.New(ids, clk, v, sizer, bk, view)

	// orderSignal maps a placed order id back to the signal id that
	// caused it, so a later fill can be attributed to the right
	// signal outcome in the monitor. Populated when an execution
	// enters `executing` (the point at which Record.OrderIDs is set).
	var orderSignalMu sync.Mutex
	orderSignal := make(map[int64]string)

	engine.OnStatusChanged(func(r execution.Record, previous execution.Status) {
		if previous == execution.StatusReceived {
			mon.RecordSignal(monitor.SignalOutcome{
				SignalID:     r.Signal.ID,
				ModelVersion: r.Signal.ModelVersion,
				Strategy:     r.Signal.Strategy,
				Confidence:   r.Signal.Confidence,
				Timestamp:    r.Signal.Timestamp,
				TargetQty:    r.Signal.TargetQty,
			})
		}
		if r.Status == execution.StatusExecuting {
			orderSignalMu.Lock()
			for _, id := range r.OrderIDs {
				orderSignal[id] = r.Signal.ID
			}
			orderSignalMu.Unlock()
		}
	})

	engine.OnComplete(func(r execution.Record, report execution.Report) {
		if r.Status == execution.StatusExecuted {
			score := execution.ExecutionScore(report)
			mon.RecordExecutionQuality(r.Signal.ID, score,
				report.PerformanceMetrics.SignalToExecutionLatencyMs,
				report.PerformanceMetrics.SlippagePct)
		}
		if err := sink.AppendExecutionRow(bloblite.ExecutionRow{
			ExecutionID: r.ExecutionID,
			SignalID:    r.Signal.ID,
			Instrument:  r.Signal.Instrument,
			Side:        string(r.Signal.Side),
			Status:      string(r.Status),
			FilledQty:   r.FilledQty,
			VWAP:        r.VWAP,
			Commission:  r.Commission,
			LatencyMs:   r.LatencyMs,
			Error:       r.Error,
			RecordedAt:  r.ExecutionCompleteAt,
		}); err != nil {
			log.Error().Err(err).Str("execution_id", r.ExecutionID).Msg("failed to append execution audit row")
		}
	})

	bk.OnFill(func(f book.Fill) {
		order, ok := bk.Get(f.OrderID)
		instrument := ""
		if ok {
			instrument = order.Instrument
		}
		if err := sink.AppendFillRow(bloblite.FillRow{
			BrokerExecID: f.BrokerExecID,
			OrderID:      f.OrderID,
			Instrument:   instrument,
			Price:        f.Price,
			Quantity:     f.Quantity,
			Commission:   f.Commission,
			ExecutedAt:   f.ExecutedAt,
		}); err != nil {
			log.Error().Err(err).Str("broker_exec_id", f.BrokerExecID).Msg("failed to append fill audit row")
		}
		if !ok {
			return
		}

		orderSignalMu.Lock()
		signalID, found := orderSignal[f.OrderID]
		orderSignalMu.Unlock()
		if !found {
			return
		}

		pos := bk.Position(instrument)
		mon.RecordPnL(signalID, pos.RealizedPnL, order.Status.Terminal())
	})

	sched := scheduler.New(log)
	sched.Start()
	defer sched.Stop()

	healthJob := scheduler.NewPoolHealthCheckJob("broker_pool", brokerPool)
	if err := sched.AddJob("@every 30s", healthJob); err != nil {
		log.Fatal().Err(err).Msg("failed to register pool health-check job")
	}

	snapshotJob := scheduler.NewDashboardSnapshotJob(mon, sink)
	if err := sched.AddJob("@every 30s", snapshotJob); err != nil {
		log.Fatal().Err(err).Msg("failed to register dashboard snapshot job")
	}

	srv := server.New(server.Config{
		Log:     log,
		Engine:  engine,
		Monitor: mon,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && err.Error() != "http: Server closed" {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("stopped")
}
