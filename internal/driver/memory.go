package driver

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/qualys/envdb/internal/environment"
	"github.com/qualys/envdb/internal/models"
)

// MemoryStore holds tables for the in-memory engine, keyed by environment. It is a test
// double and is only selectable when the safety guard allows it.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[models.Environment]map[string][]models.Row
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[models.Environment]map[string][]models.Row)}
}

// Seed replaces the contents of a table.
func (s *MemoryStore) Seed(env models.Environment, table string, rows []models.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envTables(env)[table] = cloneRows(rows)
}

// Rows returns a copy of a table's rows.
func (s *MemoryStore) Rows(env models.Environment, table string) []models.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRows(s.tables[env][table])
}

func (s *MemoryStore) Tables(env models.Environment) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables[env]))
	for name := range s.tables[env] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *MemoryStore) envTables(env models.Environment) map[string][]models.Row {
	t, ok := s.tables[env]
	if !ok {
		t = make(map[string][]models.Row)
		s.tables[env] = t
	}
	return t
}

func cloneRows(rows []models.Row) []models.Row {
	if rows == nil {
		return nil
	}
	out := make([]models.Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

// NewMemoryFactory returns a Factory whose connections read and write store.
func NewMemoryFactory(store *MemoryStore) Factory {
	return func(ctx context.Context, cfg environment.Config) (Conn, error) {
		return &memoryConn{store: store, env: cfg.Name}, nil
	}
}

type memoryConn struct {
	store  *MemoryStore
	env    models.Environment
	mu     sync.Mutex
	closed bool
}

var (
	memSelectAll   = regexp.MustCompile(`(?i)^\s*SELECT\s+\*\s+FROM\s+"?([A-Za-z_][A-Za-z0-9_.]*)"?\s*;?\s*$`)
	memSelectCount = regexp.MustCompile(`(?i)^\s*SELECT\s+COUNT\(\*\)\s+FROM\s+"?([A-Za-z_][A-Za-z0-9_.]*)"?\s*;?\s*$`)
	memSelectOne   = regexp.MustCompile(`(?i)^\s*SELECT\s+1\s*;?\s*$`)
	memDeleteAll   = regexp.MustCompile(`(?i)^\s*(?:DELETE\s+FROM|TRUNCATE(?:\s+TABLE)?)\s+"?([A-Za-z_][A-Za-z0-9_.]*)"?\s*;?\s*$`)
)

func (c *memoryConn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *memoryConn) Ping(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	return ctx.Err()
}

// Query understands SELECT 1, SELECT * FROM t and SELECT COUNT(*) FROM t.
func (c *memoryConn) Query(ctx context.Context, query string, args ...interface{}) ([]models.Row, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	switch {
	case memSelectOne.MatchString(query):
		return []models.Row{{"?column?": int64(1)}}, nil
	case memSelectAll.MatchString(query):
		return c.FetchAll(ctx, memSelectAll.FindStringSubmatch(query)[1])
	case memSelectCount.MatchString(query):
		n, err := c.Count(ctx, memSelectCount.FindStringSubmatch(query)[1])
		if err != nil {
			return nil, err
		}
		return []models.Row{{"count": n}}, nil
	}
	return nil, fmt.Errorf("%w: memory engine query %q", ErrUnsupported, firstWord(query))
}

// Exec understands DELETE FROM t and TRUNCATE t.
func (c *memoryConn) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	m := memDeleteAll.FindStringSubmatch(query)
	if m == nil {
		return 0, fmt.Errorf("%w: memory engine statement %q", ErrUnsupported, firstWord(query))
	}
	n, err := c.Count(ctx, m[1])
	if err != nil {
		return 0, err
	}
	return n, c.Truncate(ctx, m[1])
}

func (c *memoryConn) FetchAll(ctx context.Context, table string) ([]models.Row, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := ValidateIdentifier(table); err != nil {
		return nil, err
	}
	return c.store.Rows(c.env, table), nil
}

func (c *memoryConn) Truncate(ctx context.Context, table string) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := ValidateIdentifier(table); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.envTables(c.env)[table] = []models.Row{}
	return nil
}

func (c *memoryConn) InsertBatch(ctx context.Context, table string, rows []models.Row) (int64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	if err := ValidateIdentifier(table); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	tables := c.store.envTables(c.env)
	tables[table] = append(tables[table], cloneRows(rows)...)
	return int64(len(rows)), nil
}

func (c *memoryConn) Count(ctx context.Context, table string) (int64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	if err := ValidateIdentifier(table); err != nil {
		return 0, err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return int64(len(c.store.tables[c.env][table])), nil
}

func (c *memoryConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
