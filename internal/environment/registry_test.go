package environment

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/envdb/internal/config"
	"github.com/qualys/envdb/internal/models"
)

func validConfig() Config {
	return Config{
		Engine:            models.EngineMemory,
		MaxConnections:    2,
		ConnectionTimeout: time.Second,
		QueryTimeout:      time.Second,
	}
}

func TestRegistry_Get(t *testing.T) {
	r, err := NewRegistry(map[models.Environment]Config{
		models.EnvDevelopment: validConfig(),
	})
	require.NoError(t, err)

	cfg, err := r.Get(models.EnvDevelopment)
	require.NoError(t, err)
	assert.Equal(t, models.EnvDevelopment, cfg.Name)

	_, err = r.Get(models.EnvProduction)
	assert.True(t, errors.Is(err, ErrUnknownEnvironment))
}

func TestRegistry_Validation(t *testing.T) {
	tests := []struct {
		name   string
		env    models.Environment
		mutate func(*Config)
	}{
		{"unknown name", "qa", func(c *Config) {}},
		{"missing engine", models.EnvStaging, func(c *Config) { c.Engine = "" }},
		{"missing url", models.EnvStaging, func(c *Config) { c.Engine = models.EnginePostgres }},
		{"zero max", models.EnvStaging, func(c *Config) { c.MaxConnections = 0 }},
		{"min above max", models.EnvStaging, func(c *Config) { c.MinConnections = 3 }},
		{"zero timeout", models.EnvStaging, func(c *Config) { c.QueryTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			_, err := NewRegistry(map[models.Environment]Config{tt.env: cfg})
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestConfig_AuditedAndWritesBlocked(t *testing.T) {
	prod := Config{Name: models.EnvProduction}
	assert.True(t, prod.Audited())

	dev := Config{Name: models.EnvDevelopment}
	assert.False(t, dev.Audited())
	dev.AuditEnabled = true
	assert.True(t, dev.Audited())

	assert.True(t, Config{ReadOnly: true}.WritesBlocked())
	assert.True(t, Config{AccessLevel: models.AccessReadOnly}.WritesBlocked())
	assert.False(t, Config{AccessLevel: models.AccessFull}.WritesBlocked())
}

func TestFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte("environments:\n  testing:\n    engine: memory\n  staging:\n    url: postgres://s\n"))
	require.NoError(t, err)

	r, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, []models.Environment{models.EnvStaging, models.EnvTesting}, r.Names())

	staging, err := r.Get(models.EnvStaging)
	require.NoError(t, err)
	assert.Equal(t, models.EnginePostgres, staging.Engine)
	assert.Equal(t, 10, staging.MaxConnections)
}
