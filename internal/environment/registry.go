// Package environment resolves the immutable per-environment connection settings.
package environment

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/qualys/envdb/internal/config"
	"github.com/qualys/envdb/internal/models"
)

var (
	ErrUnknownEnvironment = errors.New("unknown environment")
	ErrInvalidConfig      = errors.New("invalid environment config")
)

// Config is the resolved, immutable configuration of one environment.
type Config struct {
	Name              models.Environment
	Engine            models.EngineType
	URL               string
	AuthToken         string
	ReadOnly          bool
	MaxConnections    int
	MinConnections    int
	MaxIdleTime       time.Duration
	ConnectionTimeout time.Duration
	QueryTimeout      time.Duration
	AccessLevel       models.AccessLevel
	AuditEnabled      bool
}

// Audited reports whether operations against the environment must be audited.
// Production is always audited regardless of the flag.
func (c Config) Audited() bool {
	return c.AuditEnabled || c.Name.IsProduction()
}

// WritesBlocked reports whether the environment refuses write-class verbs.
func (c Config) WritesBlocked() bool {
	return c.ReadOnly || c.AccessLevel == models.AccessReadOnly
}

func (c Config) validate() error {
	if !c.Name.Valid() {
		return fmt.Errorf("%w: unknown name %q", ErrInvalidConfig, c.Name)
	}
	if c.Engine == "" {
		return fmt.Errorf("%w: %s: engine is required", ErrInvalidConfig, c.Name)
	}
	if c.URL == "" && c.Engine != models.EngineMemory {
		return fmt.Errorf("%w: %s: url is required", ErrInvalidConfig, c.Name)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("%w: %s: max connections must be positive", ErrInvalidConfig, c.Name)
	}
	if c.MinConnections < 0 || c.MinConnections > c.MaxConnections {
		return fmt.Errorf("%w: %s: min connections out of range", ErrInvalidConfig, c.Name)
	}
	if c.ConnectionTimeout <= 0 || c.QueryTimeout <= 0 {
		return fmt.Errorf("%w: %s: timeouts must be positive", ErrInvalidConfig, c.Name)
	}
	return nil
}

// Registry holds one Config per environment. It is built once and never mutated.
type Registry struct {
	configs map[models.Environment]Config
}

func NewRegistry(configs map[models.Environment]Config) (*Registry, error) {
	r := &Registry{configs: make(map[models.Environment]Config, len(configs))}
	for name, cfg := range configs {
		cfg.Name = name
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		r.configs[name] = cfg
	}
	return r, nil
}

// FromConfig builds a registry from the YAML environments section.
func FromConfig(cfg *config.Config) (*Registry, error) {
	configs := make(map[models.Environment]Config, len(cfg.Environments))
	for name, env := range cfg.Environments {
		audit := false
		if env.AuditEnabled != nil {
			audit = *env.AuditEnabled
		}
		configs[models.Environment(name)] = Config{
			Engine:            models.EngineType(env.Engine),
			URL:               env.URL,
			AuthToken:         env.AuthToken,
			ReadOnly:          env.ReadOnly,
			MaxConnections:    env.MaxConnections,
			MinConnections:    env.MinConnections,
			MaxIdleTime:       env.MaxIdleTime,
			ConnectionTimeout: env.ConnectionTimeout,
			QueryTimeout:      env.QueryTimeout,
			AccessLevel:       models.AccessLevel(env.AccessLevel),
			AuditEnabled:      audit,
		}
	}
	return NewRegistry(configs)
}

func (r *Registry) Get(name models.Environment) (Config, error) {
	cfg, ok := r.configs[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownEnvironment, name)
	}
	return cfg, nil
}

func (r *Registry) Names() []models.Environment {
	names := make([]models.Environment, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
