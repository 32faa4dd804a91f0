package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qualys/envdb/internal/models"
)

type Config struct {
	Server        ServerConfig                 `yaml:"server"`
	Auth          AuthConfig                   `yaml:"auth"`
	Database      DatabaseConfig               `yaml:"database"`
	Redis         RedisConfig                  `yaml:"redis"`
	Environments  map[string]EnvironmentConfig `yaml:"environments"`
	Pool          PoolConfig                   `yaml:"pool"`
	Monitor       MonitorConfig                `yaml:"monitor"`
	Audit         AuditConfig                  `yaml:"audit"`
	Sync          SyncConfig                   `yaml:"sync"`
	Backup        BackupConfig                 `yaml:"backup"`
	Safety        SafetyConfig                 `yaml:"safety"`
	Notifications NotificationsConfig          `yaml:"notifications"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	Issuer      string        `yaml:"issuer"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// DatabaseConfig is the control-plane database holding audit entries and scheduled jobs.
// It is unrelated to the per-environment databases under Environments.
type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type EnvironmentConfig struct {
	Engine            string        `yaml:"engine"`
	URL               string        `yaml:"url"`
	AuthToken         string        `yaml:"auth_token"`
	ReadOnly          bool          `yaml:"read_only"`
	MaxConnections    int           `yaml:"max_connections"`
	MinConnections    int           `yaml:"min_connections"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	QueryTimeout      time.Duration `yaml:"query_timeout"`
	AccessLevel       string        `yaml:"access_level"`
	AuditEnabled      *bool         `yaml:"audit_enabled"`
}

type PoolConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	HealthWindow    int           `yaml:"health_window"`
}

type MonitorConfig struct {
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
	RecentQueries      int           `yaml:"recent_queries"`
	HealthInterval     time.Duration `yaml:"health_interval"`
}

type AuditConfig struct {
	Sink          string `yaml:"sink"` // file, postgres, redis, memory
	Path          string `yaml:"path"`
	Stream        string `yaml:"stream"`
	RetentionDays int    `yaml:"retention_days"`
	PurgeSchedule string `yaml:"purge_schedule"`
}

type SyncDirection struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

type SyncConfig struct {
	Enabled          bool                         `yaml:"enabled"`
	Schedule         string                       `yaml:"schedule"`
	Source           string                       `yaml:"source"`
	Target           string                       `yaml:"target"`
	Tables           []string                     `yaml:"tables"`
	ExcludeTables    []string                     `yaml:"exclude_tables"`
	BatchSize        int                          `yaml:"batch_size"`
	BatchesPerSecond float64                      `yaml:"batches_per_second"`
	Directions       []SyncDirection              `yaml:"directions"`
	Anonymize        *bool                        `yaml:"anonymize"`
	AutoRollback     *bool                        `yaml:"auto_rollback"`
	HashSalt         string                       `yaml:"hash_salt"`
	SensitiveFields  map[string]map[string]string `yaml:"sensitive_fields"`
	UseQueue         bool                         `yaml:"use_queue"`
	ServiceCallerID  string                       `yaml:"service_caller_id"`
}

type BackupConfig struct {
	Provider string `yaml:"provider"` // file, s3, gcs, azure, memory
	Path     string `yaml:"path"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`

	// AWS
	Region        string `yaml:"region"`
	AssumeRoleARN string `yaml:"assume_role_arn"`
	ExternalID    string `yaml:"external_id"`

	// GCP
	CredentialsFile string `yaml:"credentials_file"`

	// Azure
	AccountURL   string `yaml:"account_url"`
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type SafetyConfig struct {
	ProcessEnvironment string `yaml:"process_environment"`
	Strict             bool   `yaml:"strict"`
	EmergencyOverride  bool   `yaml:"emergency_override"`
	FallbackToMemory   bool   `yaml:"fallback_to_memory"`
}

type NotificationsConfig struct {
	MinSeverity models.Severity   `yaml:"min_severity"`
	Slack       SlackNotifyConfig `yaml:"slack"`
	Email       EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, expanding ${VAR} references first.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 5 * time.Minute
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "envdb"
	}
	if c.Auth.TokenExpiry == 0 {
		c.Auth.TokenExpiry = time.Hour
	}

	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 2
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	for name, env := range c.Environments {
		if env.Engine == "" {
			env.Engine = string(models.EnginePostgres)
		}
		if env.MaxConnections == 0 {
			env.MaxConnections = 10
		}
		if env.MaxIdleTime == 0 {
			env.MaxIdleTime = 5 * time.Minute
		}
		if env.ConnectionTimeout == 0 {
			env.ConnectionTimeout = 10 * time.Second
		}
		if env.QueryTimeout == 0 {
			env.QueryTimeout = 30 * time.Second
		}
		if env.AccessLevel == "" {
			env.AccessLevel = string(models.AccessFull)
			if models.Environment(name).IsProduction() {
				env.AccessLevel = string(models.AccessRestricted)
			}
		}
		if env.AuditEnabled == nil {
			enabled := models.Environment(name).IsProduction()
			env.AuditEnabled = &enabled
		}
		c.Environments[name] = env
	}

	if c.Pool.CleanupInterval == 0 {
		c.Pool.CleanupInterval = 30 * time.Second
	}
	if c.Pool.RetryAttempts == 0 {
		c.Pool.RetryAttempts = 3
	}
	if c.Pool.RetryBackoff == 0 {
		c.Pool.RetryBackoff = 200 * time.Millisecond
	}
	if c.Pool.HealthWindow == 0 {
		c.Pool.HealthWindow = 100
	}

	if c.Monitor.SlowQueryThreshold == 0 {
		c.Monitor.SlowQueryThreshold = time.Second
	}
	if c.Monitor.RecentQueries == 0 {
		c.Monitor.RecentQueries = 100
	}
	if c.Monitor.HealthInterval == 0 {
		c.Monitor.HealthInterval = 30 * time.Second
	}

	if c.Audit.Sink == "" {
		c.Audit.Sink = "file"
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "audit.log"
	}
	if c.Audit.Stream == "" {
		c.Audit.Stream = "envdb:audit"
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 90
	}
	if c.Audit.PurgeSchedule == "" {
		c.Audit.PurgeSchedule = "0 30 3 * * *"
	}

	if c.Sync.Schedule == "" {
		c.Sync.Schedule = "0 0 2 * * *"
	}
	if c.Sync.Source == "" {
		c.Sync.Source = string(models.EnvProduction)
	}
	if c.Sync.Target == "" {
		c.Sync.Target = string(models.EnvDevelopment)
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 1000
	}
	if len(c.Sync.Directions) == 0 {
		c.Sync.Directions = []SyncDirection{
			{Source: string(models.EnvProduction), Target: string(models.EnvDevelopment)},
			{Source: string(models.EnvProduction), Target: string(models.EnvStaging)},
			{Source: string(models.EnvStaging), Target: string(models.EnvDevelopment)},
			{Source: string(models.EnvDevelopment), Target: string(models.EnvTesting)},
		}
	}
	if c.Sync.Anonymize == nil {
		enabled := true
		c.Sync.Anonymize = &enabled
	}
	if c.Sync.AutoRollback == nil {
		enabled := true
		c.Sync.AutoRollback = &enabled
	}
	if c.Sync.ServiceCallerID == "" {
		c.Sync.ServiceCallerID = "system:sync-scheduler"
	}

	if c.Backup.Provider == "" {
		c.Backup.Provider = "file"
	}
	if c.Backup.Path == "" {
		c.Backup.Path = "backups"
	}
	if c.Backup.Prefix == "" {
		c.Backup.Prefix = "envdb/backups"
	}
	if c.Backup.Region == "" {
		c.Backup.Region = "us-east-1"
	}

	if c.Safety.ProcessEnvironment == "" {
		c.Safety.ProcessEnvironment = os.Getenv("APP_ENV")
	}
	if c.Safety.ProcessEnvironment == "" {
		c.Safety.ProcessEnvironment = string(models.EnvDevelopment)
	}

	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = models.SeverityWarning
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}
}

// Validate rejects configurations that cannot be served at all. Missing per-environment
// settings fail here rather than on first use.
func (c *Config) Validate() error {
	var errs []error

	if c.Auth.JWTSecret == "" {
		fmt.Println("WARNING: auth.jwt_secret is empty; authenticated API routes will reject every token")
	}

	for _, name := range c.EnvironmentNames() {
		env := c.Environments[name]
		if !models.Environment(name).Valid() {
			errs = append(errs, fmt.Errorf("environment %q: unknown environment name", name))
			continue
		}
		if env.URL == "" && env.Engine != string(models.EngineMemory) {
			errs = append(errs, fmt.Errorf("environment %q: url is required", name))
		}
		if env.MinConnections < 0 || env.MinConnections > env.MaxConnections {
			errs = append(errs, fmt.Errorf("environment %q: min_connections must be between 0 and max_connections", name))
		}
	}

	for _, d := range c.Sync.Directions {
		if models.Environment(d.Target).IsProduction() {
			errs = append(errs, fmt.Errorf("sync direction %s -> %s: production can never be a sync target", d.Source, d.Target))
		}
	}

	if c.Sync.BatchSize < 0 {
		errs = append(errs, errors.New("sync.batch_size must be positive"))
	}

	switch c.Audit.Sink {
	case "file", "postgres", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("audit.sink %q: must be one of file, postgres, redis, memory", c.Audit.Sink))
	}

	switch c.Backup.Provider {
	case "file", "s3", "gcs", "azure", "memory":
	default:
		errs = append(errs, fmt.Errorf("backup.provider %q: must be one of file, s3, gcs, azure, memory", c.Backup.Provider))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// EnvironmentNames returns the configured environment names in sorted order.
func (c *Config) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
