// Package safety decides whether an in-memory test double may stand in for a real
// environment database.
package safety

import (
	"fmt"
	"log/slog"

	"github.com/qualys/envdb/internal/config"
	"github.com/qualys/envdb/internal/models"
)

type Decision struct {
	Allowed  bool            `json:"allowed"`
	Reason   string          `json:"reason"`
	Severity models.Severity `json:"severity"`
}

type Config struct {
	ProcessEnvironment models.Environment
	Strict             bool
	EmergencyOverride  bool
}

func FromConfig(cfg config.SafetyConfig) Config {
	return Config{
		ProcessEnvironment: models.Environment(cfg.ProcessEnvironment),
		Strict:             cfg.Strict,
		EmergencyOverride:  cfg.EmergencyOverride,
	}
}

type Guard struct {
	cfg    Config
	logger *slog.Logger
}

func NewGuard(cfg Config, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{cfg: cfg, logger: logger.With("component", "safety")}
}

// CheckMockUsage is consulted before an in-memory store is selected for target. A
// production process, or a production target, refuses the double in strict mode unless
// the emergency override is set.
func (g *Guard) CheckMockUsage(target models.Environment) Decision {
	production := g.cfg.ProcessEnvironment.IsProduction() || target.IsProduction()

	var d Decision
	switch {
	case !production:
		d = Decision{Allowed: true, Severity: models.SeverityInfo,
			Reason: fmt.Sprintf("in-memory store permitted for %s", target)}
	case g.cfg.EmergencyOverride:
		d = Decision{Allowed: true, Severity: models.SeverityWarning,
			Reason: fmt.Sprintf("in-memory store for %s permitted by emergency override", target)}
	case g.cfg.Strict:
		d = Decision{Allowed: false, Severity: models.SeverityCritical,
			Reason: fmt.Sprintf("in-memory store refused for %s in strict production mode", target)}
	default:
		d = Decision{Allowed: true, Severity: models.SeverityWarning,
			Reason: fmt.Sprintf("in-memory store used for %s outside strict mode; data is not persisted", target)}
	}

	switch d.Severity {
	case models.SeverityCritical:
		g.logger.Error("mock usage refused", "environment", target, "reason", d.Reason)
	case models.SeverityWarning:
		g.logger.Warn("mock usage", "environment", target, "reason", d.Reason)
	}
	return d
}
