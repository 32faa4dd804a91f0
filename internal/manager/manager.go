// Package manager is the entry point for environment database access. It checks access,
// leases pooled connections per (environment, engine), validates reused connections, and
// audits the lifecycle.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/qualys/envdb/internal/access"
	"github.com/qualys/envdb/internal/audit"
	"github.com/qualys/envdb/internal/driver"
	"github.com/qualys/envdb/internal/environment"
	"github.com/qualys/envdb/internal/metrics"
	"github.com/qualys/envdb/internal/models"
	"github.com/qualys/envdb/internal/monitor"
	"github.com/qualys/envdb/internal/pool"
	"github.com/qualys/envdb/internal/safety"
)

var (
	ErrConnectionLimitExceeded = errors.New("environment connection limit exceeded")
	ErrMockRefused             = errors.New("in-memory store refused")
	ErrClosed                  = errors.New("database manager closed")
)

type Options struct {
	CleanupInterval  time.Duration
	RetryAttempts    int
	RetryBackoff     time.Duration
	HealthWindow     int
	FallbackToMemory bool
}

// Deps are the collaborators a Manager is built from. Registry, Drivers, Access, Audit,
// Monitor and Guard are required.
type Deps struct {
	Registry *environment.Registry
	Drivers  *driver.Registry
	Access   *access.Controller
	Audit    *audit.Logger
	Monitor  *monitor.Monitor
	Guard    *safety.Guard
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

type handleKey struct {
	env    models.Environment
	engine models.EngineType
}

func (k handleKey) String() string {
	return string(k.env) + "/" + string(k.engine)
}

// handle is the cached per-(environment, engine) pool.
type handle struct {
	key  handleKey
	cfg  environment.Config
	pool *pool.Pool
}

type Manager struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	handles map[handleKey]*handle
	slots   map[models.Environment]*semaphore.Weighted
	closed  bool
}

func New(deps Deps, opts Options) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:    deps,
		opts:    opts,
		logger:  logger.With("component", "manager"),
		handles: make(map[handleKey]*handle),
		slots:   make(map[models.Environment]*semaphore.Weighted),
	}
}

// GetConnection leases a connection to env. When caller and op are both given, access is
// checked first and a denial is audited. The returned connection must be released.
func (m *Manager) GetConnection(ctx context.Context, env models.Environment, caller *models.Caller, op *models.Operation) (*EnvironmentConnection, error) {
	cfg, err := m.deps.Registry.Get(env)
	if err != nil {
		return nil, err
	}

	if caller != nil && op != nil {
		if err := m.authorize(ctx, cfg, *caller, *op); err != nil {
			return nil, err
		}
	}

	slot, err := m.reserve(ctx, cfg)
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			m.deps.Monitor.RecordConnectionError(err.Error())
		}
		m.auditConnection(ctx, cfg, caller, op, audit.EventConnectionFailed, nil, err)
		return nil, err
	}

	h, err := m.handleFor(ctx, cfg, cfg.Engine)
	if err != nil {
		slot.Release(1)
		m.auditConnection(ctx, cfg, caller, op, audit.EventConnectionFailed, nil, err)
		return nil, err
	}

	pc, err := m.lease(ctx, h)
	if err != nil && errors.Is(err, pool.ErrConnectionCreationFailed) && m.canFallback(cfg) {
		h, pc, err = m.fallback(ctx, cfg, err)
	}
	if err != nil {
		slot.Release(1)
		m.deps.Monitor.RecordConnectionError(err.Error())
		m.auditConnection(ctx, cfg, caller, op, audit.EventConnectionFailed, nil, err)
		return nil, err
	}

	event := audit.EventConnectionReused
	if pc.UsageCount() == 1 {
		event = audit.EventConnectionCreated
	}
	m.auditConnection(ctx, cfg, caller, op, event, map[string]interface{}{
		"connectionId": pc.ID,
		"engine":       string(h.key.engine),
	}, nil)

	return &EnvironmentConnection{
		Environment: cfg.Name,
		Engine:      h.key.engine,
		Config:      cfg,
		caller:      caller,
		pc:          pc,
		handle:      h,
		slot:        slot,
		m:           m,
	}, nil
}

// reserve takes one of the environment's MaxConnections slots, shared by every engine
// pool of that environment. It waits up to the connection timeout for a slot to free up.
// The slot is returned when the EnvironmentConnection is released or invalidated.
func (m *Manager) reserve(ctx context.Context, cfg environment.Config) (*semaphore.Weighted, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	slot, ok := m.slots[cfg.Name]
	if !ok {
		slot = semaphore.NewWeighted(int64(cfg.MaxConnections))
		m.slots[cfg.Name] = slot
	}
	m.mu.Unlock()

	if slot.TryAcquire(1) {
		return slot, nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()
	if err := slot.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s has all %d connections borrowed",
			ErrConnectionLimitExceeded, cfg.Name, cfg.MaxConnections)
	}
	return slot, nil
}

func (m *Manager) authorize(ctx context.Context, cfg environment.Config, caller models.Caller, op models.Operation) error {
	err := m.deps.Access.Validate(ctx, caller, cfg, op)
	if err == nil {
		return nil
	}

	data := map[string]interface{}{"reason": err.Error()}
	var denied *access.DeniedError
	if errors.As(err, &denied) {
		data["rule"] = string(denied.Rule)
		data["reason"] = denied.Reason
	}
	m.deps.Audit.Log(ctx, audit.Record{
		Event:       audit.EventAccessDenied,
		UserID:      caller.ID,
		Environment: cfg.Name,
		Operation:   &op,
		Data:        data,
		Success:     false,
		Err:         err,
	})
	return err
}

// handleFor returns the cached handle for (cfg.Name, engine), creating its pool on first
// use.
func (m *Manager) handleFor(ctx context.Context, cfg environment.Config, engine models.EngineType) (*handle, error) {
	key := handleKey{env: cfg.Name, engine: engine}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if h, ok := m.handles[key]; ok {
		return h, nil
	}

	if engine == models.EngineMemory {
		if d := m.deps.Guard.CheckMockUsage(cfg.Name); !d.Allowed {
			return nil, fmt.Errorf("%w: %s", ErrMockRefused, d.Reason)
		}
	}
	if !m.deps.Drivers.Has(engine) {
		return nil, fmt.Errorf("%w: %q for %s", driver.ErrUnknownEngine, engine, cfg.Name)
	}

	engineCfg := cfg
	engineCfg.Engine = engine
	dial := func(ctx context.Context) (driver.Conn, error) {
		return m.deps.Drivers.Open(ctx, engineCfg)
	}

	h := &handle{
		key: key,
		cfg: engineCfg,
		pool: pool.New(pool.Config{
			Name:              key.String(),
			MaxConnections:    cfg.MaxConnections,
			MinConnections:    cfg.MinConnections,
			MaxIdleTime:       cfg.MaxIdleTime,
			ConnectionTimeout: cfg.ConnectionTimeout,
			CleanupInterval:   m.opts.CleanupInterval,
			RetryAttempts:     m.opts.RetryAttempts,
			RetryBackoff:      m.opts.RetryBackoff,
			HealthWindow:      m.opts.HealthWindow,
		}, dial, m.logger, m.deps.Metrics),
	}
	m.handles[key] = h

	m.logger.Info("connection pool created", "environment", cfg.Name, "engine", engine, "max", cfg.MaxConnections)
	return h, nil
}

// lease acquires from the handle's pool. A connection that has been used before is pinged
// first; one that fails is invalidated and a fresh one acquired once.
func (m *Manager) lease(ctx context.Context, h *handle) (*pool.PooledConnection, error) {
	pc, err := h.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if pc.UsageCount() == 1 {
		return pc, nil
	}

	err = m.validate(ctx, h, pc)
	if err == nil {
		return pc, nil
	}
	m.logger.Warn("pooled connection failed validation", "pool", h.key.String(), "connection", pc.ID, "error", err)
	m.deps.Monitor.RecordConnectionError(err.Error())
	h.pool.Invalidate(pc)

	pc, err = h.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if pc.UsageCount() > 1 {
		if err := m.validate(ctx, h, pc); err != nil {
			h.pool.Invalidate(pc)
			return nil, fmt.Errorf("%w: %s: %w", pool.ErrConnectionCreationFailed, h.key, err)
		}
	}
	return pc, nil
}

func (m *Manager) validate(ctx context.Context, h *handle, pc *pool.PooledConnection) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ConnectionTimeout)
	defer cancel()
	return pc.Conn.Ping(ctx)
}

func (m *Manager) canFallback(cfg environment.Config) bool {
	return m.opts.FallbackToMemory && cfg.Engine != models.EngineMemory && m.deps.Drivers.Has(models.EngineMemory)
}

// fallback switches to the in-memory engine after the real engine failed, if the safety
// guard allows it.
func (m *Manager) fallback(ctx context.Context, cfg environment.Config, cause error) (*handle, *pool.PooledConnection, error) {
	h, err := m.handleFor(ctx, cfg, models.EngineMemory)
	if err != nil {
		return nil, nil, fmt.Errorf("%w; fallback: %w", cause, err)
	}
	pc, err := m.lease(ctx, h)
	if err != nil {
		return nil, nil, fmt.Errorf("%w; fallback: %w", cause, err)
	}
	m.logger.Warn("using in-memory fallback", "environment", cfg.Name, "cause", cause)
	return h, pc, nil
}

func (m *Manager) auditConnection(ctx context.Context, cfg environment.Config, caller *models.Caller, op *models.Operation, event audit.Event, data map[string]interface{}, err error) {
	if !cfg.Audited() {
		return
	}
	rec := audit.Record{
		Event:       event,
		Environment: cfg.Name,
		Operation:   op,
		Data:        data,
		Success:     err == nil,
		Err:         err,
	}
	if caller != nil {
		rec.UserID = caller.ID
	}
	m.deps.Audit.Log(ctx, rec)
}

// Warm creates the pool of every registered environment and opens its minimum
// connections. Failures are logged and returned joined.
func (m *Manager) Warm(ctx context.Context) error {
	var errs []error
	for _, name := range m.deps.Registry.Names() {
		cfg, _ := m.deps.Registry.Get(name)
		h, err := m.handleFor(ctx, cfg, cfg.Engine)
		if err == nil {
			err = h.pool.Warm(ctx)
		}
		if err != nil {
			m.logger.Warn("warming pool", "environment", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// HealthReport is the health endpoint payload.
type HealthReport struct {
	Status  models.HealthStatus `json:"status"`
	Details HealthDetails       `json:"details"`
}

type HealthDetails struct {
	Pools     map[string]pool.HealthReport `json:"pools"`
	Monitor   monitor.Health               `json:"monitor"`
	Timestamp time.Time                    `json:"timestamp"`
}

// Health combines every pool's verdict with the monitor's; the worst one wins.
func (m *Manager) Health(ctx context.Context) HealthReport {
	mon := m.deps.Monitor.HealthStatus()
	report := HealthReport{
		Status: mon.Status,
		Details: HealthDetails{
			Pools:     make(map[string]pool.HealthReport),
			Monitor:   mon,
			Timestamp: time.Now().UTC(),
		},
	}

	for _, h := range m.snapshot() {
		ph := h.pool.HealthCheck()
		report.Details.Pools[h.key.String()] = ph
		report.Status = models.WorseHealth(report.Status, ph.Status)
	}
	return report
}

// Stats returns the stats of every pool, sorted by name.
func (m *Manager) Stats() []pool.Stats {
	handles := m.snapshot()
	stats := make([]pool.Stats, 0, len(handles))
	for _, h := range handles {
		stats = append(stats, h.pool.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

func (m *Manager) Monitor() *monitor.Monitor {
	return m.deps.Monitor
}

func (m *Manager) Audit() *audit.Logger {
	return m.deps.Audit
}

func (m *Manager) Registry() *environment.Registry {
	return m.deps.Registry
}

func (m *Manager) snapshot() []*handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	return out
}

// Close closes every pool. Leases still outstanding become unusable.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	handles := m.handles
	m.handles = make(map[handleKey]*handle)
	m.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.key, err))
		}
	}
	return errors.Join(errs...)
}
