// Package driver abstracts the engine-specific database handle behind Conn and resolves
// engines by name through a Registry of factories.
package driver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/qualys/envdb/internal/environment"
	"github.com/qualys/envdb/internal/models"
)

var (
	ErrUnknownEngine     = errors.New("unknown database engine")
	ErrInvalidIdentifier = errors.New("invalid sql identifier")
	ErrUnsupported       = errors.New("operation not supported by engine")
	ErrClosed            = errors.New("connection closed")
)

// Conn is one physical connection to an environment database. A Conn is used by a single
// borrower at a time.
type Conn interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, query string, args ...interface{}) ([]models.Row, error)
	Exec(ctx context.Context, query string, args ...interface{}) (int64, error)

	FetchAll(ctx context.Context, table string) ([]models.Row, error)
	Truncate(ctx context.Context, table string) error
	InsertBatch(ctx context.Context, table string, rows []models.Row) (int64, error)
	Count(ctx context.Context, table string) (int64, error)

	Close() error
}

// Factory opens a new Conn for an environment.
type Factory func(ctx context.Context, cfg environment.Config) (Conn, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[models.EngineType]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.EngineType]Factory)}
}

// DefaultRegistry registers the postgres and sqlite engines, plus the memory engine backed
// by mem when mem is non-nil.
func DefaultRegistry(mem *MemoryStore) *Registry {
	r := NewRegistry()
	r.Register(models.EnginePostgres, PostgresFactory)
	r.Register(models.EngineSQLite, SQLiteFactory)
	if mem != nil {
		r.Register(models.EngineMemory, NewMemoryFactory(mem))
	}
	return r
}

func (r *Registry) Register(engine models.EngineType, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[engine] = factory
}

func (r *Registry) Has(engine models.EngineType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[engine]
	return ok
}

// Open resolves the factory for cfg.Engine and opens a connection.
func (r *Registry) Open(ctx context.Context, cfg environment.Config) (Conn, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
	}
	return factory(ctx, cfg)
}

func (r *Registry) Engines() []models.EngineType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engines := make([]models.EngineType, 0, len(r.factories))
	for e := range r.factories {
		engines = append(engines, e)
	}
	sort.Slice(engines, func(i, j int) bool { return engines[i] < engines[j] })
	return engines
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidateIdentifier accepts plain or schema-qualified table and column names.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// Columns returns the sorted union of column names across rows.
func Columns(rows []models.Row) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for col := range row {
			seen[col] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for col := range seen {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
