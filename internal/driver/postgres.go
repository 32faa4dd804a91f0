package driver

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/qualys/envdb/internal/environment"
)

// PostgresFactory opens a lib/pq connection. A configured auth token is used as the
// connection password.
func PostgresFactory(ctx context.Context, cfg environment.Config) (Conn, error) {
	dsn, err := postgresDSN(cfg.URL, cfg.AuthToken)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	return NewPostgresConn(db), nil
}

// NewPostgresConn wraps an open handle.
func NewPostgresConn(db *sqlx.DB) Conn {
	return newSQLConn(db, "TRUNCATE TABLE", postgresMaxParams)
}

func postgresDSN(raw, token string) (string, error) {
	if token == "" {
		return raw, nil
	}
	if !strings.Contains(raw, "://") {
		return raw + " password=" + quoteDSNValue(token), nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing postgres url: %w", err)
	}
	user := ""
	if u.User != nil {
		user = u.User.Username()
	}
	u.User = url.UserPassword(user, token)
	return u.String(), nil
}

func quoteDSNValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
