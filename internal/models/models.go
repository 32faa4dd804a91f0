package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
)

// AllEnvironments lists the environment names the registry accepts.
var AllEnvironments = []Environment{EnvProduction, EnvStaging, EnvDevelopment, EnvTesting}

func (e Environment) Valid() bool {
	for _, env := range AllEnvironments {
		if e == env {
			return true
		}
	}
	return false
}

func (e Environment) IsProduction() bool {
	return e == EnvProduction
}

func (e Environment) String() string {
	return string(e)
}

type EngineType string

const (
	EnginePostgres EngineType = "postgres"
	EngineSQLite   EngineType = "sqlite"
	EngineMemory   EngineType = "memory"
)

type AccessLevel string

const (
	AccessFull       AccessLevel = "full"
	AccessReadOnly   AccessLevel = "read-only"
	AccessRestricted AccessLevel = "restricted"
)

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleReadOnly  Role = "readonly"
)

type Verb string

const (
	VerbSelect Verb = "SELECT"
	VerbInsert Verb = "INSERT"
	VerbUpdate Verb = "UPDATE"
	VerbDelete Verb = "DELETE"
	VerbCreate Verb = "CREATE"
	VerbDrop   Verb = "DROP"
	VerbAlter  Verb = "ALTER"
)

var AllVerbs = []Verb{VerbSelect, VerbInsert, VerbUpdate, VerbDelete, VerbCreate, VerbDrop, VerbAlter}

// IsWrite reports whether the verb changes state.
func (v Verb) IsWrite() bool {
	switch v {
	case VerbInsert, VerbUpdate, VerbDelete, VerbCreate, VerbDrop, VerbAlter:
		return true
	}
	return false
}

// IsDestructive reports whether the verb removes data or schema.
func (v Verb) IsDestructive() bool {
	switch v {
	case VerbDelete, VerbDrop, VerbAlter:
		return true
	}
	return false
}

// ParseVerb extracts the leading SQL keyword of a statement.
func ParseVerb(statement string) Verb {
	fields := strings.Fields(statement)
	if len(fields) == 0 {
		return ""
	}
	v := Verb(strings.ToUpper(fields[0]))
	if v == "TRUNCATE" {
		return VerbDelete
	}
	for _, known := range AllVerbs {
		if v == known {
			return v
		}
	}
	return ""
}

type Operation struct {
	Type      Verb      `json:"type"`
	Table     string    `json:"table,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
}

// NewOperation stamps an operation descriptor with the current time.
func NewOperation(verb Verb, table string) *Operation {
	return &Operation{Type: verb, Table: table, Timestamp: time.Now().UTC()}
}

type Caller struct {
	ID          string      `json:"id"`
	Role        Role        `json:"role"`
	Permissions []string    `json:"permissions"`
	Environment Environment `json:"environment,omitempty"`
}

func (c Caller) HasPermission(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// AccessPermission is the permission required to touch an environment at all.
func AccessPermission(env Environment) string {
	return string(env) + ":access"
}

// WritePermission is the permission required for write-class verbs in an environment.
func WritePermission(env Environment) string {
	return string(env) + ":write"
}

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

const (
	UnhealthyFailureRate = 0.50
	DegradedFailureRate  = 0.10
	DegradedLatency      = 5 * time.Second
)

// EvaluateHealth maps a failure rate (0..1) and an average latency to a verdict.
func EvaluateHealth(failureRate float64, avgLatency time.Duration) HealthStatus {
	switch {
	case failureRate > UnhealthyFailureRate:
		return HealthUnhealthy
	case failureRate > DegradedFailureRate || avgLatency > DegradedLatency:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// WorseHealth returns the more severe of two verdicts.
func WorseHealth(a, b HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{HealthHealthy: 0, HealthDegraded: 1, HealthUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// Row is one table row keyed by column name.
type Row map[string]interface{}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}
