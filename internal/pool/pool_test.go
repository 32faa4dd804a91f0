package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/qualys/envdb/internal/driver"
	"github.com/qualys/envdb/internal/models"
)

type fakeConn struct {
	driver.Conn
	closed atomic.Bool
}

func (c *fakeConn) Ping(ctx context.Context) error { return nil }
func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeDialer struct {
	dials    atomic.Int64
	failures atomic.Int64 // number of dials to fail before succeeding
}

func (d *fakeDialer) Dial(ctx context.Context) (driver.Conn, error) {
	d.dials.Add(1)
	if d.failures.Load() > 0 {
		d.failures.Add(-1)
		return nil, errors.New("connection refused")
	}
	return &fakeConn{}, nil
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 50 * time.Millisecond
	}
	p := New(cfg, d.Dial, nil, nil)
	t.Cleanup(func() { p.Close() })
	return p, d
}

func TestPool_AcquireReusesIdle(t *testing.T) {
	p, d := newTestPool(t, Config{Name: "test", MaxConnections: 2})
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, c1.Active())
	p.Release(c1)
	assert.False(t, c1.Active())

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, int64(2), c2.UsageCount())
	assert.Equal(t, int64(1), d.dials.Load())
}

func TestPool_DoubleReleaseIsNoop(t *testing.T) {
	p, _ := newTestPool(t, Config{Name: "test", MaxConnections: 2})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(c)
	p.Release(c)
	p.Release(nil)

	s := p.Stats()
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, 1, s.Idle)
	assert.Equal(t, 1, s.Total)
}

func TestPool_ReleaseUnknownIsNoop(t *testing.T) {
	p, _ := newTestPool(t, Config{Name: "a", MaxConnections: 1})
	other, _ := newTestPool(t, Config{Name: "b", MaxConnections: 1})

	c, err := other.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(c)
	assert.Equal(t, 0, p.Stats().Idle)
	assert.True(t, c.Active())
}

func TestPool_Exhaustion(t *testing.T) {
	p, _ := newTestPool(t, Config{Name: "test", MaxConnections: 2, ConnectionTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	p.Release(c1)
	p.Release(c2)
}

func TestPool_WaiterGetsReleasedConnection(t *testing.T) {
	p, _ := newTestPool(t, Config{Name: "test", MaxConnections: 1, ConnectionTimeout: time.Second})
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *PooledConnection, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err == nil {
			got <- c
		}
		close(got)
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	p.Release(held)

	select {
	case c := <-got:
		assert.Same(t, held, c)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestPool_CreationRetry(t *testing.T) {
	p, d := newTestPool(t, Config{Name: "test", MaxConnections: 1, RetryAttempts: 3, RetryBackoff: time.Millisecond, ConnectionTimeout: time.Second})
	d.failures.Store(2)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Equal(t, int64(3), d.dials.Load())
}

func TestPool_CreationFailedAfterRetries(t *testing.T) {
	p, d := newTestPool(t, Config{Name: "test", MaxConnections: 1, RetryAttempts: 2, RetryBackoff: time.Millisecond, ConnectionTimeout: time.Second})
	d.failures.Store(10)

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrConnectionCreationFailed)
	assert.Equal(t, int64(2), d.dials.Load())
	assert.Equal(t, 0, p.Stats().Total)
	assert.Equal(t, int64(1), p.Stats().Failures)
}

func TestPool_Invalidate(t *testing.T) {
	p, d := newTestPool(t, Config{Name: "test", MaxConnections: 1})
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Invalidate(c)

	assert.True(t, c.Conn.(*fakeConn).closed.Load())
	assert.Equal(t, 0, p.Stats().Total)

	fresh, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, fresh.ID)
	assert.Equal(t, int64(2), d.dials.Load())

	p.Release(c)
	assert.Equal(t, 0, p.Stats().Idle, "releasing an invalidated connection must not resurrect it")
}

func TestPool_WarmAndReap(t *testing.T) {
	p, _ := newTestPool(t, Config{Name: "test", MaxConnections: 4, MinConnections: 2, MaxIdleTime: time.Minute})
	ctx := context.Background()

	require.NoError(t, p.Warm(ctx))
	assert.Equal(t, 2, p.Stats().Idle)

	var held []*PooledConnection
	for i := 0; i < 4; i++ {
		c, err := p.Acquire(ctx)
		require.NoError(t, err)
		held = append(held, c)
	}
	for _, c := range held {
		p.Release(c)
	}
	assert.Equal(t, 4, p.Stats().Total)

	assert.Zero(t, p.reap(time.Now()), "fresh connections are kept")

	closed := p.reap(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 2, closed)
	s := p.Stats()
	assert.Equal(t, 2, s.Total, "reaper never drops below min connections")
	assert.Equal(t, int64(2), s.Closed)
}

func TestPool_ReapSkipsBorrowed(t *testing.T) {
	p, _ := newTestPool(t, Config{Name: "test", MaxConnections: 2, MaxIdleTime: time.Millisecond})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.Zero(t, p.reap(time.Now().Add(time.Hour)))
	assert.Equal(t, 1, p.Stats().Active)
	p.Release(c)
}

func TestPool_CleanupLoop(t *testing.T) {
	p, _ := newTestPool(t, Config{Name: "test", MaxConnections: 2, MaxIdleTime: time.Millisecond, CleanupInterval: 5 * time.Millisecond})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c)

	require.Eventually(t, func() bool { return p.Stats().Total == 0 }, time.Second, 5*time.Millisecond)
}

func TestPool_HealthCheck(t *testing.T) {
	p, d := newTestPool(t, Config{Name: "test", MaxConnections: 1, HealthWindow: 4})
	ctx := context.Background()

	assert.Equal(t, models.HealthHealthy, p.HealthCheck().Status)

	d.failures.Store(3)
	for i := 0; i < 3; i++ {
		_, err := p.Acquire(ctx)
		require.Error(t, err)
	}
	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(c)

	report := p.HealthCheck()
	assert.Equal(t, models.HealthUnhealthy, report.Status)
	assert.InDelta(t, 0.75, report.FailureRate, 0.001)
	assert.Equal(t, 4, report.Samples)
}

func TestPool_Close(t *testing.T) {
	p, _ := newTestPool(t, Config{Name: "test", MaxConnections: 1})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.True(t, c.Conn.(*fakeConn).closed.Load())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.NoError(t, p.Close())
}

func TestPool_BorrowedNeverExceedsMax(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(1, 4).Draw(t, "max")
		workers := rapid.IntRange(1, 12).Draw(t, "workers")
		rounds := rapid.IntRange(1, 5).Draw(t, "rounds")

		d := &fakeDialer{}
		p := New(Config{Name: "prop", MaxConnections: max, ConnectionTimeout: 200 * time.Millisecond}, d.Dial, nil, nil)
		defer p.Close()

		var held, peak atomic.Int64
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for r := 0; r < rounds; r++ {
					c, err := p.Acquire(context.Background())
					if err != nil {
						continue
					}
					n := held.Add(1)
					for {
						old := peak.Load()
						if n <= old || peak.CompareAndSwap(old, n) {
							break
						}
					}
					time.Sleep(time.Microsecond * 50)
					held.Add(-1)
					p.Release(c)
				}
			}()
		}
		wg.Wait()

		if peak.Load() > int64(max) {
			t.Fatalf("peak borrowed %d exceeds max %d", peak.Load(), max)
		}
		s := p.Stats()
		if s.Active != 0 || s.Total > max {
			t.Fatalf("unexpected final stats %+v", s)
		}
		if d.dials.Load() > int64(max) {
			t.Fatalf("dialed %d connections for max %d", d.dials.Load(), max)
		}
	})
}
