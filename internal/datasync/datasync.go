// Package datasync copies tables from one environment to another. A run checks its
// preconditions, snapshots the target, copies each table in batches with anonymization,
// verifies row counts and restores the snapshot when anything went wrong.
package datasync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/qualys/envdb/internal/access"
	"github.com/qualys/envdb/internal/anonymize"
	"github.com/qualys/envdb/internal/audit"
	"github.com/qualys/envdb/internal/backup"
	"github.com/qualys/envdb/internal/config"
	"github.com/qualys/envdb/internal/manager"
	"github.com/qualys/envdb/internal/metrics"
	"github.com/qualys/envdb/internal/models"
)

var (
	ErrProductionTarget    = errors.New("production cannot be a sync target")
	ErrSameEnvironment     = errors.New("source and target must differ")
	ErrDirectionNotAllowed = errors.New("sync direction not allowed")
	ErrSyncInProgress      = errors.New("sync already in progress")
	ErrConsistency         = errors.New("consistency check failed")
)

const (
	DefaultBatchSize   = 1000
	maxStoredResults   = 100
	IssueCountMismatch = "COUNT_MISMATCH"
)

// DefaultTables is the table set synced when none is configured.
var DefaultTables = []string{"users", "customers", "orders", "payments", "sessions"}

type Options struct {
	Anonymize           bool     `json:"anonymize"`
	ValidateConsistency bool     `json:"validateConsistency"`
	CreateBackup        bool     `json:"createBackup"`
	AutoRollback        bool     `json:"autoRollback"`
	ExcludeTables       []string `json:"excludeTables,omitempty"`
	IncludeTables       []string `json:"includeTables,omitempty"`
	BatchSize           int      `json:"batchSize,omitempty"`

	// Caller runs the sync. Nil means the configured service identity.
	Caller *models.Caller `json:"-"`
}

func DefaultOptions() Options {
	return Options{
		Anonymize:           true,
		ValidateConsistency: true,
		CreateBackup:        true,
		AutoRollback:        true,
	}
}

type SyncError struct {
	Table   string `json:"table,omitempty"`
	Phase   string `json:"phase"`
	Message string `json:"message"`
}

type ConsistencyIssue struct {
	Table    string `json:"table"`
	Type     string `json:"type"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
}

// Result describes one sync run. It is returned for every run that passed its
// preconditions, successful or not.
type Result struct {
	SyncID            string              `json:"syncId"`
	Source            models.Environment  `json:"source"`
	Target            models.Environment  `json:"target"`
	StartedAt         time.Time           `json:"startedAt"`
	FinishedAt        time.Time           `json:"finishedAt"`
	Tables            []string            `json:"tables"`
	TableCounts       map[string]int64    `json:"tableCounts"`
	AnonymizedFields  map[string][]string `json:"anonymizedFields,omitempty"`
	Errors            []SyncError         `json:"errors,omitempty"`
	ConsistencyIssues []ConsistencyIssue  `json:"consistencyIssues,omitempty"`
	BackupID          string              `json:"backupId,omitempty"`
	RolledBack        bool                `json:"rolledBack"`
	Success           bool                `json:"success"`
}

// Duration is the wall time of the run.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Err summarizes why the run was unsuccessful, or returns nil.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	var errs []error
	for _, e := range r.Errors {
		if e.Table != "" {
			errs = append(errs, fmt.Errorf("%s %s: %s", e.Phase, e.Table, e.Message))
		} else {
			errs = append(errs, fmt.Errorf("%s: %s", e.Phase, e.Message))
		}
	}
	for _, issue := range r.ConsistencyIssues {
		errs = append(errs, fmt.Errorf("%w: %s %s expected %d got %d", ErrConsistency, issue.Table, issue.Type, issue.Expected, issue.Actual))
	}
	if len(errs) == 0 {
		return fmt.Errorf("sync %s failed", r.SyncID)
	}
	return errors.Join(errs...)
}

// Notifier is told about every unsuccessful run.
type Notifier interface {
	SyncFailed(ctx context.Context, result *Result)
}

type Direction struct {
	Source models.Environment
	Target models.Environment
}

type Config struct {
	Directions       []Direction
	Tables           []string
	BatchSize        int
	BatchesPerSecond float64
	ServiceCaller    models.Caller
}

// ConfigFrom adapts the YAML sync section. The service caller gets access to every
// configured environment.
func ConfigFrom(cfg *config.Config) Config {
	c := Config{
		Tables:           cfg.Sync.Tables,
		BatchSize:        cfg.Sync.BatchSize,
		BatchesPerSecond: cfg.Sync.BatchesPerSecond,
		ServiceCaller: models.Caller{
			ID:   cfg.Sync.ServiceCallerID,
			Role: models.RoleAdmin,
		},
	}
	for _, d := range cfg.Sync.Directions {
		c.Directions = append(c.Directions, Direction{Source: models.Environment(d.Source), Target: models.Environment(d.Target)})
	}
	for _, name := range cfg.EnvironmentNames() {
		c.ServiceCaller.Permissions = append(c.ServiceCaller.Permissions, models.AccessPermission(models.Environment(name)))
	}
	if len(c.Tables) > 0 && len(cfg.Sync.ExcludeTables) > 0 {
		c.Tables = slices.DeleteFunc(slices.Clone(c.Tables), func(t string) bool {
			return slices.Contains(cfg.Sync.ExcludeTables, t)
		})
	}
	return c
}

type Deps struct {
	DB         *manager.Manager
	Anonymizer *anonymize.Anonymizer
	Backups    backup.Store
	Audit      *audit.Logger
	Metrics    *metrics.Collector
	Notifier   Notifier
	Logger     *slog.Logger
}

// Manager runs sync jobs. Only one run may be in flight at a time.
type Manager struct {
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	running atomic.Bool

	mu      sync.RWMutex
	results map[string]*Result
	order   []string
}

func New(deps Deps, cfg Config) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Anonymizer == nil {
		deps.Anonymizer = anonymize.New(nil, "")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if len(cfg.Tables) == 0 {
		cfg.Tables = DefaultTables
	}
	return &Manager{
		deps:    deps,
		cfg:     cfg,
		logger:  logger.With("component", "datasync"),
		results: make(map[string]*Result),
	}
}

// Running reports whether a sync is in flight.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Result returns a finished run by id.
func (m *Manager) Result(id string) (*Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[id]
	return r, ok
}

// Results returns finished runs, newest first.
func (m *Manager) Results() []*Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Result, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, m.results[m.order[i]])
	}
	return out
}

// SyncData copies tables from source to target. The error is non-nil only when the run
// was refused before touching anything; table failures and consistency issues are
// reported in the result.
func (m *Manager) SyncData(ctx context.Context, source, target models.Environment, opts Options) (*Result, error) {
	caller := m.cfg.ServiceCaller
	if opts.Caller != nil {
		caller = *opts.Caller
	}

	result := &Result{
		SyncID:      uuid.New().String(),
		Source:      source,
		Target:      target,
		StartedAt:   time.Now().UTC(),
		TableCounts: make(map[string]int64),
	}
	refuse := func(err error) (*Result, error) {
		result.FinishedAt = time.Now().UTC()
		result.Errors = append(result.Errors, SyncError{Phase: "precondition", Message: err.Error()})
		return result, err
	}

	if err := m.checkPreconditions(ctx, source, target, caller); err != nil {
		return refuse(err)
	}
	if !m.running.CompareAndSwap(false, true) {
		return refuse(ErrSyncInProgress)
	}
	defer m.running.Store(false)

	m.run(ctx, result, caller, opts)
	m.store(result)
	return result, nil
}

func (m *Manager) checkPreconditions(ctx context.Context, source, target models.Environment, caller models.Caller) error {
	if source == target {
		return fmt.Errorf("%w: %s", ErrSameEnvironment, source)
	}
	if target.IsProduction() {
		return ErrProductionTarget
	}
	if !m.directionAllowed(source, target) {
		return fmt.Errorf("%w: %s -> %s", ErrDirectionNotAllowed, source, target)
	}
	if source.IsProduction() && !caller.HasPermission(models.AccessPermission(source)) {
		m.deps.Audit.Log(ctx, audit.Record{
			Event:       audit.EventAccessDenied,
			UserID:      caller.ID,
			Environment: source,
			Operation:   models.NewOperation(models.VerbSelect, ""),
			Data:        map[string]interface{}{"reason": "sync source requires read access", "target": string(target)},
			Err:         access.ErrAccessDenied,
		})
		return &access.DeniedError{
			CallerID:    caller.ID,
			Environment: source,
			Verb:        models.VerbSelect,
			Rule:        access.RuleEnvironmentAccess,
			Reason:      "sync source requires read access",
		}
	}
	return nil
}

func (m *Manager) directionAllowed(source, target models.Environment) bool {
	for _, d := range m.cfg.Directions {
		if d.Source == source && d.Target == target {
			return true
		}
	}
	return false
}

// SelectTables applies the exclude and include filters to the configured table set,
// keeping its order.
func (m *Manager) SelectTables(opts Options) []string {
	var tables []string
	for _, t := range m.cfg.Tables {
		if slices.Contains(opts.ExcludeTables, t) {
			continue
		}
		if len(opts.IncludeTables) > 0 && !slices.Contains(opts.IncludeTables, t) {
			continue
		}
		tables = append(tables, t)
	}
	return tables
}

func (m *Manager) run(ctx context.Context, result *Result, caller models.Caller, opts Options) {
	logger := m.logger.With("sync_id", result.SyncID, "source", result.Source, "target", result.Target)
	result.Tables = m.SelectTables(opts)

	m.auditSync(ctx, audit.EventSyncStart, result, caller, map[string]interface{}{
		"tables":    result.Tables,
		"anonymize": opts.Anonymize,
		"backup":    opts.CreateBackup,
	}, nil)
	logger.Info("sync started", "tables", len(result.Tables))

	defer func() {
		result.FinishedAt = time.Now().UTC()
		result.Success = len(result.Errors) == 0 && len(result.ConsistencyIssues) == 0
		m.deps.Metrics.ObserveSync(string(result.Source), string(result.Target), result.Success, result.Duration())

		var err error
		if !result.Success {
			err = result.Err()
			if m.deps.Notifier != nil {
				m.deps.Notifier.SyncFailed(ctx, result)
			}
		}
		m.auditSync(ctx, audit.EventSyncComplete, result, caller, map[string]interface{}{
			"tableCounts": result.TableCounts,
			"errors":      len(result.Errors),
			"issues":      len(result.ConsistencyIssues),
			"rolledBack":  result.RolledBack,
			"durationMs":  result.Duration().Milliseconds(),
		}, err)
		logger.Info("sync finished", "success", result.Success, "errors", len(result.Errors), "rolled_back", result.RolledBack)
	}()

	src, err := m.deps.DB.GetConnection(ctx, result.Source, &caller, models.NewOperation(models.VerbSelect, ""))
	if err != nil {
		m.fail(ctx, result, caller, "", "connect", err)
		return
	}
	defer src.Release()

	dst, err := m.deps.DB.GetConnection(ctx, result.Target, &caller, models.NewOperation(models.VerbDelete, ""))
	if err != nil {
		m.fail(ctx, result, caller, "", "connect", err)
		return
	}
	defer dst.Release()

	var snap *backup.Snapshot
	if opts.CreateBackup && m.deps.Backups != nil {
		snap, err = m.createBackup(ctx, dst, result)
		if err != nil {
			// Nothing is mutated without a snapshot to return to.
			m.fail(ctx, result, caller, "", "backup", err)
			return
		}
		m.auditSync(ctx, audit.EventBackupCreated, result, caller, map[string]interface{}{
			"backupId": snap.ID,
			"rows":     snap.RowCount(),
		}, nil)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = m.cfg.BatchSize
	}
	var limiter *rate.Limiter
	if m.cfg.BatchesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(m.cfg.BatchesPerSecond), 1)
	}

	for _, table := range result.Tables {
		inserted, fields, err := m.syncTable(ctx, src, dst, result, table, opts, batchSize, limiter)
		if err != nil {
			m.fail(ctx, result, caller, table, "copy", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		result.TableCounts[table] = inserted
		if len(fields) > 0 {
			if result.AnonymizedFields == nil {
				result.AnonymizedFields = make(map[string][]string)
			}
			result.AnonymizedFields[table] = fields
		}
		m.deps.Metrics.AddSyncRows(table, inserted)
		logger.Debug("table synced", "table", table, "rows", inserted, "anonymized", fields)
	}

	if opts.ValidateConsistency {
		result.ConsistencyIssues = m.ValidateDataConsistency(ctx, dst, result.TableCounts)
		for _, issue := range result.ConsistencyIssues {
			logger.Warn("consistency issue", "table", issue.Table, "expected", issue.Expected, "actual", issue.Actual)
		}
	}

	failed := len(result.Errors) > 0 || len(result.ConsistencyIssues) > 0
	if failed && opts.AutoRollback && snap != nil {
		m.rollback(ctx, dst, result, caller, snap, batchSize)
	}
}

func (m *Manager) createBackup(ctx context.Context, dst *manager.EnvironmentConnection, result *Result) (*backup.Snapshot, error) {
	snap, err := backup.Capture(ctx, dst, result.Target, result.Tables)
	if err != nil {
		return nil, err
	}
	if err := m.deps.Backups.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("saving backup: %w", err)
	}
	result.BackupID = snap.ID
	return snap, nil
}

// syncTable fetches, optionally anonymizes, truncates the target and inserts in batches.
func (m *Manager) syncTable(ctx context.Context, src, dst *manager.EnvironmentConnection, result *Result, table string, opts Options, batchSize int, limiter *rate.Limiter) (int64, []string, error) {
	rows, err := src.FetchAll(ctx, table)
	if err != nil {
		return 0, nil, fmt.Errorf("fetching: %w", err)
	}

	var fields []string
	prodToLower := result.Source.IsProduction() && !result.Target.IsProduction()
	if opts.Anonymize && (prodToLower || m.deps.Anonymizer.IsSensitive(table)) {
		rows, fields = m.deps.Anonymizer.Rows(table, rows, prodToLower)
	}

	if err := dst.Truncate(ctx, table); err != nil {
		return 0, fields, fmt.Errorf("truncating: %w", err)
	}

	var inserted int64
	for start := 0; start < len(rows); start += batchSize {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return inserted, fields, err
			}
		}
		end := min(start+batchSize, len(rows))
		n, err := dst.InsertBatch(ctx, table, rows[start:end])
		if err != nil {
			return inserted, fields, fmt.Errorf("inserting rows %d-%d: %w", start, end, err)
		}
		inserted += n
	}
	return inserted, fields, nil
}

// ValidateDataConsistency compares the target row count of every synced table with the
// number of rows inserted.
func (m *Manager) ValidateDataConsistency(ctx context.Context, dst *manager.EnvironmentConnection, counts map[string]int64) []ConsistencyIssue {
	tables := make([]string, 0, len(counts))
	for table := range counts {
		tables = append(tables, table)
	}
	slices.Sort(tables)

	var issues []ConsistencyIssue
	for _, table := range tables {
		actual, err := dst.Count(ctx, table)
		if err != nil {
			actual = -1
		}
		if actual != counts[table] {
			issues = append(issues, ConsistencyIssue{
				Table:    table,
				Type:     IssueCountMismatch,
				Expected: counts[table],
				Actual:   actual,
			})
		}
	}
	return issues
}

func (m *Manager) rollback(ctx context.Context, dst *manager.EnvironmentConnection, result *Result, caller models.Caller, snap *backup.Snapshot, batchSize int) {
	err := backup.Restore(ctx, dst, snap, batchSize)
	if err != nil {
		result.Errors = append(result.Errors, SyncError{Phase: "rollback", Message: err.Error()})
		m.logger.Error("rollback failed", "sync_id", result.SyncID, "backup_id", snap.ID, "error", err)
	} else {
		result.RolledBack = true
	}
	m.auditSync(ctx, audit.EventSyncRollback, result, caller, map[string]interface{}{"backupId": snap.ID}, err)
}

func (m *Manager) fail(ctx context.Context, result *Result, caller models.Caller, table, phase string, err error) {
	result.Errors = append(result.Errors, SyncError{Table: table, Phase: phase, Message: err.Error()})
	m.logger.Warn("sync step failed", "sync_id", result.SyncID, "table", table, "phase", phase, "error", err)
	m.auditSync(ctx, audit.EventSyncError, result, caller, map[string]interface{}{"table": table, "phase": phase}, err)
}

func (m *Manager) auditSync(ctx context.Context, event audit.Event, result *Result, caller models.Caller, data map[string]interface{}, err error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["syncId"] = result.SyncID
	data["source"] = string(result.Source)
	m.deps.Audit.Log(ctx, audit.Record{
		Event:       event,
		UserID:      caller.ID,
		Environment: result.Target,
		Data:        data,
		Success:     err == nil,
		Err:         err,
	})
}

func (m *Manager) store(result *Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[result.SyncID] = result
	m.order = append(m.order, result.SyncID)
	if len(m.order) > maxStoredResults {
		delete(m.results, m.order[0])
		m.order = m.order[1:]
	}
}
