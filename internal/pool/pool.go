// Package pool implements a bounded pool of broker sessions with
// priority acquisition and health-based eviction, per spec.md §4.4.
// Faithful translation of original_source/src/core/connection_pool.py.
package pool

import (
	"sync"
	"time"

	"github.com/aristath/midplane/internal/apperr"
	"github.com/aristath/midplane/internal/breaker"
	"github.com/aristath/midplane/internal/clock"
)

// Priority labels acquisition urgency (1 = critical, 4 = low). Get does
// not order waiting callers by it; PriorityCritical only enables the
// soft-preempt log.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
)

// softPreemptThreshold is the advisory duration after which a busy
// session, whatever its holder's priority, is logged (not forcibly
// reclaimed) when a critical request is starved. See spec.md §9.
const softPreemptThreshold = 30 * time.Second

const acquireSpinQuantum = 50 * time.Millisecond

// Session is an opaque broker connection handle.
type Session struct {
	ID string
}

// Factory creates a new broker Session, e.g. by logging into the broker API.
type Factory func() (*Session, error)

// Health tracks per-session rolling counters.
type Health struct {
	Requests            int
	Failures            int
	ConsecutiveFailures int
	AvgResponseTime     time.Duration
	FirstSeen           time.Time
}

func (h *Health) successRate() float64 {
	if h.Requests == 0 {
		return 100
	}
	return 100 * float64(h.Requests-h.Failures) / float64(h.Requests)
}

func (h *Health) uptimePercent(now time.Time) float64 {
	return h.successRate()
}

// Config configures the pool.
type Config struct {
	Min                    int
	Max                    int
	ConnectTimeout         time.Duration
	CallTimeout            time.Duration
	RetryCount             int
	BreakerThreshold       int
	BreakerTimeout         time.Duration
	HealthCheckInterval    time.Duration
}

// Pool is a bounded collection of broker Sessions.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	factory  Factory
	clk      clock.Clock
	breaker  *breaker.Breaker
	total    int
	free     []*Session
	busy     map[string]time.Time // session id -> acquired-at
	sessions map[string]*Session
	health   map[string]*Health
	shutdown bool

	stopHealth chan struct{}
	healthDone chan struct{}

	onLog func(format string, args ...interface{})
}

// New constructs a Pool, creating Min sessions eagerly.
func New(cfg Config, factory Factory, clk clock.Clock, logf func(format string, args ...interface{})) *Pool {
	if clk == nil {
		clk = clock.Real{}
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	p := &Pool{
		cfg:      cfg,
		factory:  factory,
		clk:      clk,
		breaker:  breaker.New(cfg.BreakerThreshold, cfg.BreakerTimeout, clk),
		busy:     make(map[string]time.Time),
		sessions: make(map[string]*Session),
		health:   make(map[string]*Health),
		onLog:    logf,
	}
	for i := 0; i < cfg.Min; i++ {
		if s, err := p.createLocked(); err == nil {
			p.free = append(p.free, s)
		}
	}
	return p
}

func (p *Pool) createLocked() (*Session, error) {
	var sess *Session
	err := p.breaker.Execute(func() error {
		s, err := p.factory()
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.total++
	p.sessions[sess.ID] = sess
	p.health[sess.ID] = &Health{FirstSeen: p.clk.Now()}
	return sess, nil
}

// Get acquires a session, blocking (cooperatively) until one is free, a
// slot opens, or deadline elapses.
func (p *Pool) Get(priority Priority, deadline time.Time) (*Session, error) {
	for {
		p.mu.Lock()
		if p.shutdown {
			p.mu.Unlock()
			return nil, apperr.New(apperr.KindConnection, apperr.SeverityHigh, "connection pool is shut down")
		}

		if len(p.free) > 0 {
			s := p.free[0]
			p.free = p.free[1:]
			p.busy[s.ID] = p.clk.Now()
			p.mu.Unlock()
			return s, nil
		}

		if p.total < p.cfg.Max {
			s, err := p.createLocked()
			if err != nil {
				p.mu.Unlock()
				return nil, err
			}
			p.busy[s.ID] = p.clk.Now()
			p.mu.Unlock()
			return s, nil
		}

		if priority == PriorityCritical {
			p.logSoftPreemptLocked()
		}
		p.mu.Unlock()

		if !p.clk.Now().Before(deadline) {
			return nil, apperr.Timeout("connection pool acquire timed out").
				WithContext("priority", priority)
		}
		p.clk.Sleep(acquireSpinQuantum)
	}
}

// logSoftPreemptLocked logs (advisory only, never interrupts) when a busy
// session has been held past the soft-preempt threshold. Caller holds p.mu.
func (p *Pool) logSoftPreemptLocked() {
	now := p.clk.Now()
	for id, acquiredAt := range p.busy {
		if now.Sub(acquiredAt) > softPreemptThreshold {
			p.onLog("pool: session %s held %s past soft-preempt threshold for critical request", id, now.Sub(acquiredAt))
		}
	}
}

// Put releases a session back to the pool. If errored is true the session
// is destroyed instead of being returned to the free list.
func (p *Pool) Put(s *Session, errored bool, responseTime time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.busy, s.ID)

	h := p.health[s.ID]
	if h != nil {
		h.Requests++
		if errored {
			h.Failures++
			h.ConsecutiveFailures++
		} else {
			h.ConsecutiveFailures = 0
		}
		if h.AvgResponseTime == 0 {
			h.AvgResponseTime = responseTime
		} else {
			const alpha = 0.1
			h.AvgResponseTime = time.Duration(alpha*float64(responseTime) + (1-alpha)*float64(h.AvgResponseTime))
		}
	}

	if errored {
		p.destroyLocked(s.ID)
		return
	}

	p.free = append(p.free, s)
}

func (p *Pool) destroyLocked(id string) {
	delete(p.sessions, id)
	delete(p.health, id)
	p.total--
}

// RunHealthCheck evicts sessions with >=3 consecutive failures or <80%
// uptime, then tops the pool back up to Min. Intended to be invoked from
// a background loop (internal/scheduler) on cfg.HealthCheckInterval.
func (p *Pool) RunHealthCheck() {
	p.mu.Lock()
	var evict []string
	for id, h := range p.health {
		if h.ConsecutiveFailures >= 3 || h.uptimePercent(p.clk.Now()) < 80 {
			evict = append(evict, id)
		}
	}
	for _, id := range evict {
		p.evictFreeLocked(id)
	}
	needed := p.cfg.Min - p.total
	for i := 0; i < needed; i++ {
		if s, err := p.createLocked(); err == nil {
			p.free = append(p.free, s)
		} else {
			break
		}
	}
	p.mu.Unlock()
}

func (p *Pool) evictFreeLocked(id string) {
	for i, s := range p.free {
		if s.ID == id {
			p.free = append(p.free[:i], p.free[i+1:]...)
			p.destroyLocked(id)
			return
		}
	}
	// A busy, unhealthy session is destroyed once released via Put(errored=true)
	// by its caller; the health loop only reaps sessions currently idle.
}

// Shutdown closes all sessions and refuses further acquisitions.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
	p.free = nil
	p.busy = make(map[string]time.Time)
	p.sessions = make(map[string]*Session)
	p.health = make(map[string]*Health)
	p.total = 0
}

// Counts returns the current (busy, free, total) session counts.
func (p *Pool) Counts() (busy, free, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.busy), len(p.free), p.total
}

// HealthOf returns a copy of the health counters for id, if tracked.
func (p *Pool) HealthOf(id string) (Health, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.health[id]
	if !ok {
		return Health{}, false
	}
	return *h, true
}

// OverallHealthScore averages uptime across tracked sessions, 0..100,
// used by the service runtime's per-service health score (pool term).
func (p *Pool) OverallHealthScore() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.health) == 0 {
		return 100
	}
	sum := 0.0
	for _, h := range p.health {
		sum += h.uptimePercent(p.clk.Now())
	}
	return sum / float64(len(p.health))
}
