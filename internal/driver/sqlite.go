package driver

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/qualys/envdb/internal/environment"
)

// SQLiteFactory opens a modernc.org/sqlite database. SQLite has no TRUNCATE, so Truncate
// issues an unqualified DELETE.
func SQLiteFactory(ctx context.Context, cfg environment.Config) (Conn, error) {
	db, err := sqlx.Open("sqlite", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite: %w", err)
	}

	return newSQLConn(db, "DELETE FROM", sqliteMaxParams), nil
}
