package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/envdb/internal/models"
)

const sampleConfig = `
auth:
  jwt_secret: ${ENVDB_TEST_SECRET}
environments:
  production:
    url: postgres://app@prod-db:5432/app
    auth_token: ${ENVDB_TEST_TOKEN}
    max_connections: 20
  development:
    engine: sqlite
    url: file:dev.db
    audit_enabled: true
sync:
  batch_size: 500
`

func TestParse_DefaultsAndExpansion(t *testing.T) {
	t.Setenv("ENVDB_TEST_SECRET", "s3cr3t")
	t.Setenv("ENVDB_TEST_TOKEN", "tok")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "s3cr3t", cfg.Auth.JWTSecret)
	assert.Equal(t, 8080, cfg.Server.Port)

	prod := cfg.Environments["production"]
	assert.Equal(t, "postgres", prod.Engine)
	assert.Equal(t, "tok", prod.AuthToken)
	assert.Equal(t, 20, prod.MaxConnections)
	assert.Equal(t, string(models.AccessRestricted), prod.AccessLevel)
	require.NotNil(t, prod.AuditEnabled)
	assert.True(t, *prod.AuditEnabled)
	assert.Equal(t, 10*time.Second, prod.ConnectionTimeout)

	dev := cfg.Environments["development"]
	assert.Equal(t, "sqlite", dev.Engine)
	assert.Equal(t, string(models.AccessFull), dev.AccessLevel)
	assert.True(t, *dev.AuditEnabled)

	assert.Equal(t, 500, cfg.Sync.BatchSize)
	assert.True(t, *cfg.Sync.Anonymize)
	assert.NotEmpty(t, cfg.Sync.Directions)
	assert.Equal(t, "file", cfg.Audit.Sink)
	assert.Equal(t, []string{"development", "production"}, cfg.EnvironmentNames())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing url", "environments:\n  staging:\n    engine: postgres\n"},
		{"unknown environment", "environments:\n  qa:\n    url: postgres://x\n"},
		{"min above max", "environments:\n  testing:\n    url: x\n    max_connections: 2\n    min_connections: 3\n"},
		{"production target", "sync:\n  directions:\n    - source: staging\n      target: production\n"},
		{"bad audit sink", "audit:\n  sink: kafka\n"},
		{"bad backup provider", "backup:\n  provider: tape\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environments:\n  testing:\n    engine: memory\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Environments["testing"].Engine)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	c := DatabaseConfig{Host: "h", Port: 1, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=h port=1 user=u password=p dbname=d sslmode=disable", c.DSN())
}
