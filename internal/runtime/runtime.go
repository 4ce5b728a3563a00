// Package runtime is the service registry and Execute façade composing
// the connection pool, retry engine and circuit breaker behind a single
// call per spec.md §4.5. Grounded on
// original_source/src/core/integrated_error_handling.py.
package runtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/aristath/midplane/internal/apperr"
	"github.com/aristath/midplane/internal/breaker"
	"github.com/aristath/midplane/internal/pool"
	"github.com/aristath/midplane/internal/retry"
)

// ServiceConfig describes one registered service's error-handling policy.
type ServiceConfig struct {
	Name             string
	RetryPolicy      retry.Policy
	Priority         pool.Priority
	Timeout          time.Duration
	FailureThreshold int
}

// Metrics tracks a service's rolling health counters.
type Metrics struct {
	mu                 sync.Mutex
	TotalRequests      int
	FailedRequests     int
	AvgResponseTime    time.Duration
	LastUpdated        time.Time
}

func (m *Metrics) recordSuccess(d time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
	m.updateResponseTime(d)
	m.LastUpdated = now
}

func (m *Metrics) recordFailure(d time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
	m.FailedRequests++
	m.updateResponseTime(d)
	m.LastUpdated = now
}

func (m *Metrics) updateResponseTime(d time.Duration) {
	if m.TotalRequests == 1 {
		m.AvgResponseTime = d
		return
	}
	const alpha = 0.1
	m.AvgResponseTime = time.Duration(alpha*float64(d) + (1-alpha)*float64(m.AvgResponseTime))
}

// SuccessRate returns the percentage of successful requests, 100 if none yet.
func (m *Metrics) SuccessRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TotalRequests == 0 {
		return 100
	}
	return 100 * float64(m.TotalRequests-m.FailedRequests) / float64(m.TotalRequests)
}

// Snapshot returns a copy of the metrics safe for concurrent reads.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		TotalRequests:   m.TotalRequests,
		FailedRequests:  m.FailedRequests,
		AvgResponseTime: m.AvgResponseTime,
		LastUpdated:     m.LastUpdated,
	}
}

type registeredService struct {
	cfg     ServiceConfig
	retryer *retry.Engine
	brk     *breaker.Breaker
	metrics *Metrics
}

// Registry composes the pool, retry engine and breaker behind Execute,
// and tracks a per-service health score.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*registeredService
	pool     *pool.Pool
	clock    interface {
		Now() time.Time
	}
}

type nowFunc func() time.Time

func (f nowFunc) Now() time.Time { return f() }

// New constructs an empty Registry backed by the given connection pool.
// nowFn may be nil to use time.Now.
func New(p *pool.Pool, nowFn func() time.Time) *Registry {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Registry{
		services: make(map[string]*registeredService),
		pool:     p,
		clock:    nowFunc(nowFn),
	}
}

// Register adds or replaces a service configuration.
func (r *Registry) Register(cfg ServiceConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[cfg.Name] = &registeredService{
		cfg:     cfg,
		retryer: retry.New(cfg.RetryPolicy, nil),
		brk:     breaker.New(cfg.FailureThreshold, cfg.Timeout, nil),
		metrics: &Metrics{},
	}
}

// RegisterDefaults registers the six baseline services named in spec.md §4.5:
// market_data, historical_data, order_management, data_persistence,
// ml_signal_execution, ml_risk_management.
func (r *Registry) RegisterDefaults() {
	r.Register(ServiceConfig{
		Name: "market_data",
		RetryPolicy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Strategy:    retry.StrategyExponential,
			Multiplier:  2.0,
		},
		Priority:         pool.PriorityCritical,
		Timeout:          10 * time.Second,
		FailureThreshold: 3,
	})
	r.Register(ServiceConfig{
		Name: "historical_data",
		RetryPolicy: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
			Strategy:    retry.StrategyExponential,
			Multiplier:  2.0,
		},
		Priority:         pool.PriorityHigh,
		Timeout:          60 * time.Second,
		FailureThreshold: 5,
	})
	r.Register(ServiceConfig{
		Name: "order_management",
		RetryPolicy: retry.Policy{
			MaxAttempts: 2,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Strategy:    retry.StrategyExponential,
			Multiplier:  2.0,
		},
		Priority:         pool.PriorityCritical,
		Timeout:          5 * time.Second,
		FailureThreshold: 2,
	})
	r.Register(ServiceConfig{
		Name: "data_persistence",
		RetryPolicy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
			Strategy:    retry.StrategyFixed,
		},
		Priority:         pool.PriorityNormal,
		Timeout:          30 * time.Second,
		FailureThreshold: 10,
	})
	r.Register(ServiceConfig{
		Name: "ml_signal_execution",
		RetryPolicy: retry.Policy{
			MaxAttempts: 2,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Strategy:    retry.StrategyFixed,
		},
		Priority:         pool.PriorityHigh,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
	})
	r.Register(ServiceConfig{
		Name: "ml_risk_management",
		RetryPolicy: retry.Policy{
			MaxAttempts: 2,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Strategy:    retry.StrategyFixed,
		},
		Priority:         pool.PriorityHigh,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
	})
}

// Execute acquires a pooled session (priority-based, per spec.md §4.5
// step 2), then runs op through that service's breaker and retry engine,
// recording success/failure metrics. Unknown services return a
// configuration error immediately.
func (r *Registry) Execute(serviceName string, op func() error) error {
	r.mu.RLock()
	svc, ok := r.services[serviceName]
	r.mu.RUnlock()
	if !ok {
		return apperr.Configuration(fmt.Sprintf("unknown service: %s", serviceName))
	}

	start := r.clock.Now()

	var sess *pool.Session
	if r.pool != nil {
		s, err := r.pool.Get(svc.cfg.Priority, start.Add(svc.cfg.Timeout))
		if err != nil {
			svc.metrics.recordFailure(r.clock.Now().Sub(start), r.clock.Now())
			return err
		}
		sess = s
	}

	err := svc.brk.Execute(func() error {
		return svc.retryer.Do(op)
	})
	duration := r.clock.Now().Sub(start)

	if sess != nil {
		r.pool.Put(sess, err != nil, duration)
	}

	if err != nil {
		svc.metrics.recordFailure(duration, r.clock.Now())
		return err
	}
	svc.metrics.recordSuccess(duration, r.clock.Now())
	return nil
}

// Config returns the registered config for a service, if present.
func (r *Registry) Config(serviceName string) (ServiceConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[serviceName]
	if !ok {
		return ServiceConfig{}, false
	}
	return svc.cfg, true
}

// Metrics returns the metrics snapshot for a service, if present.
func (r *Registry) Metrics(serviceName string) (Metrics, bool) {
	r.mu.RLock()
	svc, ok := r.services[serviceName]
	r.mu.RUnlock()
	if !ok {
		return Metrics{}, false
	}
	return svc.metrics.Snapshot(), true
}

// HealthScore computes the weighted health score for a service per
// spec.md §4.5: 40% success rate, 20% responsiveness, 20% pool health,
// 20% breaker state.
func (r *Registry) HealthScore(serviceName string) (float64, bool) {
	r.mu.RLock()
	svc, ok := r.services[serviceName]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}

	successRate := svc.metrics.SuccessRate()

	snap := svc.metrics.Snapshot()
	responseScore := 100 - float64(snap.AvgResponseTime.Milliseconds())/10
	if responseScore < 0 {
		responseScore = 0
	}
	if responseScore > 100 {
		responseScore = 100
	}

	poolHealth := 100.0
	if r.pool != nil {
		poolHealth = r.pool.OverallHealthScore()
	}

	breakerScore := 100.0
	if svc.brk.State() != breaker.Closed {
		breakerScore = 0
	}

	score := successRate*0.4 + responseScore*0.2 + poolHealth*0.2 + breakerScore*0.2
	return score, true
}

// ServiceNames returns the names of all registered services.
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}
