package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/qualys/envdb/internal/audit"
	"github.com/qualys/envdb/internal/environment"
	"github.com/qualys/envdb/internal/models"
	"github.com/qualys/envdb/internal/pool"
)

var ErrReleased = errors.New("connection already released")

// EnvironmentConnection is a leased connection bound to one environment. Every call is
// timed by the monitor and bounded by the environment's query timeout. State-changing
// calls against an audited environment produce exactly one OPERATION_EXECUTED entry.
type EnvironmentConnection struct {
	Environment models.Environment
	Engine      models.EngineType
	Config      environment.Config

	caller *models.Caller
	pc     *pool.PooledConnection
	handle *handle
	slot   *semaphore.Weighted
	m      *Manager

	mu       sync.Mutex
	released bool
}

// ID is the id of the underlying pooled connection.
func (c *EnvironmentConnection) ID() string {
	return c.pc.ID
}

func (c *EnvironmentConnection) Ping(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.run(ctx, "PING", func(ctx context.Context) error {
		return c.pc.Conn.Ping(ctx)
	})
}

// Query runs a row-returning statement. Statements without a recognised leading verb are
// treated as reads.
func (c *EnvironmentConnection) Query(ctx context.Context, query string, args ...interface{}) ([]models.Row, error) {
	verb := models.ParseVerb(query)
	if verb == "" {
		verb = models.VerbSelect
	}
	if err := c.authorize(ctx, verb, ""); err != nil {
		return nil, err
	}
	var rows []models.Row
	err := c.run(ctx, query, func(ctx context.Context) error {
		var err error
		rows, err = c.pc.Conn.Query(ctx, query, args...)
		return err
	})
	if verb.IsWrite() {
		c.auditWrite(ctx, verb, "", query, int64(len(rows)), err)
	}
	return rows, err
}

func (c *EnvironmentConnection) Exec(ctx context.Context, statement string, args ...interface{}) (int64, error) {
	verb := models.ParseVerb(statement)
	if err := c.authorize(ctx, verb, ""); err != nil {
		return 0, err
	}
	var n int64
	err := c.run(ctx, statement, func(ctx context.Context) error {
		var err error
		n, err = c.pc.Conn.Exec(ctx, statement, args...)
		return err
	})
	c.auditWrite(ctx, verb, "", statement, n, err)
	return n, err
}

func (c *EnvironmentConnection) FetchAll(ctx context.Context, table string) ([]models.Row, error) {
	if err := c.authorize(ctx, models.VerbSelect, table); err != nil {
		return nil, err
	}
	var rows []models.Row
	err := c.run(ctx, "SELECT * FROM "+table, func(ctx context.Context) error {
		var err error
		rows, err = c.pc.Conn.FetchAll(ctx, table)
		return err
	})
	return rows, err
}

func (c *EnvironmentConnection) Count(ctx context.Context, table string) (int64, error) {
	if err := c.authorize(ctx, models.VerbSelect, table); err != nil {
		return 0, err
	}
	var n int64
	err := c.run(ctx, "SELECT COUNT(*) FROM "+table, func(ctx context.Context) error {
		var err error
		n, err = c.pc.Conn.Count(ctx, table)
		return err
	})
	return n, err
}

// Truncate removes every row of table. It is a DELETE for access purposes.
func (c *EnvironmentConnection) Truncate(ctx context.Context, table string) error {
	if err := c.authorize(ctx, models.VerbDelete, table); err != nil {
		return err
	}
	desc := "TRUNCATE " + table
	err := c.run(ctx, desc, func(ctx context.Context) error {
		return c.pc.Conn.Truncate(ctx, table)
	})
	c.auditWrite(ctx, models.VerbDelete, table, desc, 0, err)
	return err
}

func (c *EnvironmentConnection) InsertBatch(ctx context.Context, table string, rows []models.Row) (int64, error) {
	if err := c.authorize(ctx, models.VerbInsert, table); err != nil {
		return 0, err
	}
	desc := fmt.Sprintf("INSERT INTO %s (%d rows)", table, len(rows))
	var n int64
	err := c.run(ctx, desc, func(ctx context.Context) error {
		var err error
		n, err = c.pc.Conn.InsertBatch(ctx, table, rows)
		return err
	})
	c.auditWrite(ctx, models.VerbInsert, table, desc, n, err)
	return n, err
}

// Release returns the connection to its pool. Further calls are no-ops.
func (c *EnvironmentConnection) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.mu.Unlock()

	c.handle.pool.Release(c.pc)
	c.slot.Release(1)
	if c.Config.Audited() {
		rec := audit.Record{
			Event:       audit.EventConnectionClosed,
			Environment: c.Environment,
			Data:        map[string]interface{}{"connectionId": c.pc.ID},
			Success:     true,
		}
		if c.caller != nil {
			rec.UserID = c.caller.ID
		}
		c.m.deps.Audit.Log(context.Background(), rec)
	}
}

// Invalidate retires the underlying connection instead of returning it to the pool.
func (c *EnvironmentConnection) Invalidate() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.mu.Unlock()

	c.handle.pool.Invalidate(c.pc)
	c.slot.Release(1)
}

func (c *EnvironmentConnection) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrReleased
	}
	return nil
}

// authorize re-checks access for the verb actually run when the lease carries a caller.
func (c *EnvironmentConnection) authorize(ctx context.Context, verb models.Verb, table string) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.caller == nil {
		return nil
	}
	op := models.NewOperation(verb, table)
	return c.m.authorize(ctx, c.Config, *c.caller, *op)
}

func (c *EnvironmentConnection) run(ctx context.Context, desc string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.Config.QueryTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%s: query timeout %s exceeded: %w", c.Environment, c.Config.QueryTimeout, err)
	}
	c.m.deps.Monitor.RecordQuery(desc, time.Since(start), err == nil, err)
	return err
}

func (c *EnvironmentConnection) auditWrite(ctx context.Context, verb models.Verb, table, desc string, rows int64, err error) {
	if !verb.IsWrite() && verb != "" {
		return
	}
	if !c.Config.Audited() {
		return
	}
	op := models.NewOperation(verb, table)
	rec := audit.Record{
		Event:       audit.EventOperation,
		Environment: c.Environment,
		Operation:   op,
		Data: map[string]interface{}{
			"statement":    desc,
			"rowsAffected": rows,
			"connectionId": c.pc.ID,
		},
		Success: err == nil,
		Err:     err,
	}
	if c.caller != nil {
		rec.UserID = c.caller.ID
	}
	c.m.deps.Audit.Log(ctx, rec)
}
