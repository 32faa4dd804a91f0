package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/qualys/envdb/internal/config"
	"github.com/qualys/envdb/internal/datasync"
	"github.com/qualys/envdb/internal/models"
)

const (
	DefaultSyncJobName  = "nightly-production-sync"
	DefaultPurgeJobName = "audit-retention"
)

// SyncFunc matches datasync.Manager.SyncData.
type SyncFunc func(ctx context.Context, source, target models.Environment, opts datasync.Options) (*datasync.Result, error)

// PurgeFunc removes audit entries older than before.
type PurgeFunc func(ctx context.Context, before time.Time) (int64, error)

type Handlers struct {
	Sync  SyncFunc
	Purge PurgeFunc
}

func (h *Handlers) Register(s *Scheduler) {
	if h.Sync != nil {
		s.RegisterHandler(JobTypeSyncData, func(ctx context.Context, job *Job) (string, error) {
			source := models.Environment(job.Config["source"])
			target := models.Environment(job.Config["target"])
			if source == "" || target == "" {
				return "", fmt.Errorf("source and target must be set in job config")
			}

			result, err := h.Sync(ctx, source, target, SyncOptions(job.Config))
			if err != nil {
				return "", err
			}
			output := fmt.Sprintf("sync %s: %d tables, %d errors, %d issues", result.SyncID, len(result.TableCounts), len(result.Errors), len(result.ConsistencyIssues))
			return output, result.Err()
		})
	}

	if h.Purge != nil {
		s.RegisterHandler(JobTypePurgeAudit, func(ctx context.Context, job *Job) (string, error) {
			days := 90
			if d, ok := job.Config["retention_days"]; ok {
				n, err := strconv.Atoi(d)
				if err != nil || n <= 0 {
					return "", fmt.Errorf("invalid retention_days %q", d)
				}
				days = n
			}
			removed, err := h.Purge(ctx, time.Now().UTC().AddDate(0, 0, -days))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("purged %d audit entries older than %d days", removed, days), nil
		})
	}
}

// SyncOptions reads sync options from a job config. Unset flags default to on.
func SyncOptions(cfg map[string]string) datasync.Options {
	opts := datasync.DefaultOptions()
	opts.Anonymize = boolOr(cfg["anonymize"], opts.Anonymize)
	opts.ValidateConsistency = boolOr(cfg["validate_consistency"], opts.ValidateConsistency)
	opts.CreateBackup = boolOr(cfg["create_backup"], opts.CreateBackup)
	opts.AutoRollback = boolOr(cfg["auto_rollback"], opts.AutoRollback)
	opts.ExcludeTables = splitList(cfg["exclude_tables"])
	opts.IncludeTables = splitList(cfg["include_tables"])
	if n, err := strconv.Atoi(cfg["batch_size"]); err == nil && n > 0 {
		opts.BatchSize = n
	}
	return opts
}

// DefaultJobs are the jobs seeded at startup from configuration.
func DefaultJobs(cfg *config.Config) []*Job {
	anonymize := cfg.Sync.Anonymize == nil || *cfg.Sync.Anonymize
	rollback := cfg.Sync.AutoRollback == nil || *cfg.Sync.AutoRollback

	jobs := []*Job{{
		Name:        DefaultSyncJobName,
		Description: fmt.Sprintf("Copy %s data to %s", cfg.Sync.Source, cfg.Sync.Target),
		Schedule:    cfg.Sync.Schedule,
		JobType:     JobTypeSyncData,
		Enabled:     cfg.Sync.Enabled,
		Config: map[string]string{
			"source":               cfg.Sync.Source,
			"target":               cfg.Sync.Target,
			"anonymize":            strconv.FormatBool(anonymize),
			"validate_consistency": "true",
			"create_backup":        "true",
			"auto_rollback":        strconv.FormatBool(rollback),
		},
	}}
	if cfg.Audit.RetentionDays > 0 {
		jobs = append(jobs, &Job{
			Name:        DefaultPurgeJobName,
			Description: "Remove audit entries past retention",
			Schedule:    cfg.Audit.PurgeSchedule,
			JobType:     JobTypePurgeAudit,
			Enabled:     true,
			Config:      map[string]string{"retention_days": strconv.Itoa(cfg.Audit.RetentionDays)},
		})
	}
	return jobs
}

func boolOr(s string, fallback bool) bool {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return v
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
