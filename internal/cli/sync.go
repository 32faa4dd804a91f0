package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/qualys/envdb/internal/datasync"
	"github.com/qualys/envdb/internal/models"
)

type syncOptions struct {
	noAnonymize bool
	noBackup    bool
	noRollback  bool
	noValidate  bool
	tables      []string
	exclude     []string
	batchSize   int
}

func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &syncOptions{}

	cmd := &cobra.Command{
		Use:   "sync <source> <target>",
		Short: "Copy tables from one environment to another",
		Long: `Copy the configured tables from source to target as the service caller.

The target is backed up first and restored if any table fails. Sensitive fields are
anonymized unless --no-anonymize is given. Production is never a valid target.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, rootOpts, opts, models.Environment(args[0]), models.Environment(args[1]))
		},
	}

	cmd.Flags().BoolVar(&opts.noAnonymize, "no-anonymize", false, "copy sensitive fields verbatim")
	cmd.Flags().BoolVar(&opts.noBackup, "no-backup", false, "skip the pre-sync backup of the target")
	cmd.Flags().BoolVar(&opts.noRollback, "no-rollback", false, "leave the target as-is when a table fails")
	cmd.Flags().BoolVar(&opts.noValidate, "no-validate", false, "skip the row count check after copying")
	cmd.Flags().StringSliceVar(&opts.tables, "tables", nil, "only sync these tables")
	cmd.Flags().StringSliceVar(&opts.exclude, "exclude", nil, "skip these tables")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "rows per insert batch (default from config)")

	return cmd
}

func (o *syncOptions) toOptions() datasync.Options {
	opts := datasync.DefaultOptions()
	opts.Anonymize = !o.noAnonymize
	opts.CreateBackup = !o.noBackup
	opts.AutoRollback = !o.noRollback
	opts.ValidateConsistency = !o.noValidate
	opts.IncludeTables = o.tables
	opts.ExcludeTables = o.exclude
	opts.BatchSize = o.batchSize
	return opts
}

func runSync(cmd *cobra.Command, rootOpts *RootOptions, opts *syncOptions, source, target models.Environment) error {
	a, err := rootOpts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	result, err := a.Sync.SyncData(cmd.Context(), source, target, opts.toOptions())
	if err != nil {
		return WrapExitError(ExitCommandError, "sync refused", err)
	}

	out := rootOpts.formatter(cmd)
	text := func(w io.Writer) { printSyncResult(w, result) }
	if !result.Success {
		return out.Fail(result, text, result.Err())
	}
	return out.Print(result, text)
}

func printSyncResult(w io.Writer, r *datasync.Result) {
	status := "succeeded"
	if !r.Success {
		status = "FAILED"
	}
	fmt.Fprintf(w, "Sync %s: %s -> %s %s in %s\n", r.SyncID, r.Source, r.Target, status, r.Duration().Round(time.Millisecond))
	if r.BackupID != "" {
		fmt.Fprintf(w, "Backup: %s\n", r.BackupID)
	}

	tables := make([]string, 0, len(r.TableCounts))
	for t := range r.TableCounts {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		line := fmt.Sprintf("  %-20s %d rows", t, r.TableCounts[t])
		if fields := r.AnonymizedFields[t]; len(fields) > 0 {
			line += fmt.Sprintf("  (anonymized: %s)", strings.Join(fields, ", "))
		}
		fmt.Fprintln(w, line)
	}

	for _, e := range r.Errors {
		fmt.Fprintf(w, "  error [%s] %s: %s\n", e.Phase, e.Table, e.Message)
	}
	for _, i := range r.ConsistencyIssues {
		fmt.Fprintf(w, "  %s %s: expected %d got %d\n", i.Type, i.Table, i.Expected, i.Actual)
	}
	if r.RolledBack {
		fmt.Fprintln(w, "Target restored from backup.")
	}
}
