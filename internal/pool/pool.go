// Package pool keeps a bounded set of live connections to one environment database.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/envdb/internal/driver"
	"github.com/qualys/envdb/internal/metrics"
	"github.com/qualys/envdb/internal/models"
)

var (
	ErrPoolExhausted            = errors.New("connection pool exhausted")
	ErrConnectionCreationFailed = errors.New("connection creation failed")
	ErrPoolClosed               = errors.New("connection pool closed")
)

type Config struct {
	Name              string
	MaxConnections    int
	MinConnections    int
	MaxIdleTime       time.Duration
	ConnectionTimeout time.Duration
	CleanupInterval   time.Duration
	RetryAttempts     int
	RetryBackoff      time.Duration
	HealthWindow      int
}

func (c *Config) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.MinConnections < 0 {
		c.MinConnections = 0
	}
	if c.MinConnections > c.MaxConnections {
		c.MinConnections = c.MaxConnections
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 10 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 1
	}
	if c.HealthWindow <= 0 {
		c.HealthWindow = 100
	}
}

// Dialer opens one physical connection.
type Dialer func(ctx context.Context) (driver.Conn, error)

// PooledConnection is a connection owned by the pool. While borrowed it belongs to exactly
// one caller, who must hand it back with Release or Invalidate.
type PooledConnection struct {
	ID        string
	Conn      driver.Conn
	CreatedAt time.Time

	pool       *Pool
	active     bool
	lastUsed   time.Time
	usageCount int64
}

func (c *PooledConnection) Active() bool {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.active
}

func (c *PooledConnection) LastUsed() time.Time {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.lastUsed
}

func (c *PooledConnection) UsageCount() int64 {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.usageCount
}

type Stats struct {
	Name     string `json:"name"`
	Total    int    `json:"total"`
	Active   int    `json:"active"`
	Idle     int    `json:"idle"`
	Waiting  int    `json:"waiting"`
	Max      int    `json:"max"`
	Min      int    `json:"min"`
	Created  int64  `json:"created"`
	Closed   int64  `json:"closed"`
	Failures int64  `json:"failures"`
}

type Pool struct {
	cfg     Config
	dial    Dialer
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu       sync.Mutex
	conns    map[string]*PooledConnection
	idle     []*PooledConnection
	borrowed int
	pending  int
	waiting  int
	released chan struct{}
	closed   bool
	created  int64
	retired  int64
	failures int64
	window   *window

	stop chan struct{}
	done chan struct{}
}

// New creates a pool and starts its cleanup loop when cfg.CleanupInterval is positive.
// No connection is opened until Acquire or Warm.
func New(cfg Config, dial Dialer, logger *slog.Logger, m *metrics.Collector) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:      cfg,
		dial:     dial,
		logger:   logger.With("component", "pool", "pool", cfg.Name),
		metrics:  m,
		now:      time.Now,
		conns:    make(map[string]*PooledConnection),
		released: make(chan struct{}),
		window:   newWindow(cfg.HealthWindow),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		go p.cleanupLoop()
	} else {
		close(p.done)
	}

	return p
}

func (p *Pool) Name() string {
	return p.cfg.Name
}

// Acquire returns an idle connection, opens a new one while below the ceiling, or waits for
// a release. It fails with ErrPoolExhausted once ConnectionTimeout elapses.
func (p *Pool) Acquire(ctx context.Context) (*PooledConnection, error) {
	start := p.now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	conn, err := p.acquire(ctx)
	elapsed := p.now().Sub(start)

	p.mu.Lock()
	p.window.add(elapsed, err == nil)
	p.mu.Unlock()

	reason := ""
	switch {
	case errors.Is(err, ErrPoolExhausted):
		reason = "exhausted"
	case errors.Is(err, ErrConnectionCreationFailed):
		reason = "create_failed"
	case err != nil:
		reason = "other"
	}
	p.metrics.ObserveAcquire(p.cfg.Name, elapsed, err, reason)
	p.publish()

	return conn, err
}

func (p *Pool) acquire(ctx context.Context) (*PooledConnection, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.checkout(conn)
			p.mu.Unlock()
			return conn, nil
		}

		if len(p.conns)+p.pending < p.cfg.MaxConnections {
			p.pending++
			p.mu.Unlock()

			raw, err := p.create(ctx)

			p.mu.Lock()
			p.pending--
			if err != nil {
				p.failures++
				p.broadcast()
				p.mu.Unlock()
				return nil, err
			}
			if p.closed {
				p.mu.Unlock()
				raw.Close()
				return nil, ErrPoolClosed
			}
			conn := p.track(raw)
			p.checkout(conn)
			p.mu.Unlock()

			p.logger.Debug("connection created", "id", conn.ID)
			return conn, nil
		}

		released := p.released
		p.waiting++
		p.mu.Unlock()

		select {
		case <-released:
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
		case <-ctx.Done():
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s: no connection available within %s",
					ErrPoolExhausted, p.cfg.Name, p.cfg.ConnectionTimeout)
			}
			return nil, ctx.Err()
		}
	}
}

// create dials with exponential backoff between attempts.
func (p *Pool) create(ctx context.Context) (driver.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.RetryAttempts; attempt++ {
		conn, err := p.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		p.logger.Warn("connection attempt failed",
			"attempt", attempt+1,
			"max_attempts", p.cfg.RetryAttempts,
			"error", err,
		)

		if attempt == p.cfg.RetryAttempts-1 {
			break
		}
		backoff := p.cfg.RetryBackoff * time.Duration(1<<uint(attempt))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrConnectionCreationFailed, p.cfg.Name, ctx.Err())
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w",
		ErrConnectionCreationFailed, p.cfg.Name, p.cfg.RetryAttempts, lastErr)
}

// track registers a freshly dialed connection. Caller holds p.mu.
func (p *Pool) track(raw driver.Conn) *PooledConnection {
	now := p.now()
	conn := &PooledConnection{
		ID:        uuid.NewString(),
		Conn:      raw,
		CreatedAt: now,
		pool:      p,
		lastUsed:  now,
	}
	p.conns[conn.ID] = conn
	p.created++
	return conn
}

// checkout marks conn borrowed. Caller holds p.mu.
func (p *Pool) checkout(conn *PooledConnection) {
	conn.active = true
	conn.usageCount++
	conn.lastUsed = p.now()
	p.borrowed++
}

// broadcast wakes every waiter. Caller holds p.mu.
func (p *Pool) broadcast() {
	close(p.released)
	p.released = make(chan struct{})
}

// Release returns a borrowed connection to the idle set. Releasing an unknown or already
// idle connection is a no-op.
func (p *Pool) Release(conn *PooledConnection) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	tracked, ok := p.conns[conn.ID]
	if !ok || tracked != conn || !conn.active {
		p.mu.Unlock()
		return
	}
	conn.active = false
	conn.lastUsed = p.now()
	p.borrowed--
	p.idle = append(p.idle, conn)
	p.broadcast()
	p.mu.Unlock()

	p.publish()
}

// Invalidate closes and forgets a connection that failed validation, borrowed or not.
func (p *Pool) Invalidate(conn *PooledConnection) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	tracked, ok := p.conns[conn.ID]
	if !ok || tracked != conn {
		p.mu.Unlock()
		return
	}
	delete(p.conns, conn.ID)
	if conn.active {
		conn.active = false
		p.borrowed--
	} else {
		p.removeIdle(conn)
	}
	p.retired++
	p.broadcast()
	p.mu.Unlock()

	if err := conn.Conn.Close(); err != nil {
		p.logger.Warn("closing invalidated connection", "id", conn.ID, "error", err)
	}
	p.publish()
}

func (p *Pool) removeIdle(conn *PooledConnection) {
	for i, c := range p.idle {
		if c == conn {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

// Warm opens connections until the pool holds MinConnections.
func (p *Pool) Warm(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		if len(p.conns)+p.pending >= p.cfg.MinConnections {
			p.mu.Unlock()
			p.publish()
			return nil
		}
		p.pending++
		p.mu.Unlock()

		raw, err := p.create(ctx)

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.failures++
			p.mu.Unlock()
			return err
		}
		conn := p.track(raw)
		p.idle = append(p.idle, conn)
		p.broadcast()
		p.mu.Unlock()
	}
}

func (p *Pool) cleanupLoop() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if n := p.reap(p.now()); n > 0 {
				p.logger.Debug("closed idle connections", "count", n)
			}
			p.publish()
		}
	}
}

// reap closes idle connections unused for longer than MaxIdleTime, oldest first, without
// letting the pool shrink below MinConnections.
func (p *Pool) reap(now time.Time) int {
	if p.cfg.MaxIdleTime <= 0 {
		return 0
	}

	p.mu.Lock()
	var victims []*PooledConnection
	keep := p.idle[:0:0]
	for _, conn := range p.idle {
		if now.Sub(conn.lastUsed) > p.cfg.MaxIdleTime && len(p.conns) > p.cfg.MinConnections {
			delete(p.conns, conn.ID)
			p.retired++
			victims = append(victims, conn)
			continue
		}
		keep = append(keep, conn)
	}
	p.idle = keep
	p.mu.Unlock()

	for _, conn := range victims {
		if err := conn.Conn.Close(); err != nil {
			p.logger.Warn("closing idle connection", "id", conn.ID, "error", err)
		}
	}
	return len(victims)
}

// HealthReport is the pool's own verdict over recent acquisitions.
type HealthReport struct {
	Status      models.HealthStatus `json:"status"`
	FailureRate float64             `json:"failureRate"`
	AvgLatency  time.Duration       `json:"avgLatency"`
	Samples     int                 `json:"samples"`
	Stats       Stats               `json:"stats"`
}

func (p *Pool) HealthCheck() HealthReport {
	p.mu.Lock()
	failureRate, avg, n := p.window.summary()
	p.mu.Unlock()

	return HealthReport{
		Status:      models.EvaluateHealth(failureRate, avg),
		FailureRate: failureRate,
		AvgLatency:  avg,
		Samples:     n,
		Stats:       p.Stats(),
	}
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:     p.cfg.Name,
		Total:    len(p.conns),
		Active:   p.borrowed,
		Idle:     len(p.idle),
		Waiting:  p.waiting,
		Max:      p.cfg.MaxConnections,
		Min:      p.cfg.MinConnections,
		Created:  p.created,
		Closed:   p.retired,
		Failures: p.failures,
	}
}

func (p *Pool) publish() {
	if p.metrics == nil {
		return
	}
	s := p.Stats()
	p.metrics.SetPoolConnections(p.cfg.Name, s.Active, s.Idle)
}

// Close stops the cleanup loop and closes every connection, borrowed or idle. Borrowers
// still holding a connection get errors from the closed handle.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*PooledConnection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*PooledConnection)
	p.idle = nil
	p.borrowed = 0
	p.broadcast()
	p.mu.Unlock()

	if p.cfg.CleanupInterval > 0 {
		close(p.stop)
	}
	<-p.done

	var errs []error
	for _, c := range conns {
		if err := c.Conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Info("pool closed", "connections", len(conns))
	return errors.Join(errs...)
}
