package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/qualys/envdb/internal/manager"
	"github.com/qualys/envdb/internal/models"
)

func NewHealthCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Connect to every environment and report pool health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			if err := a.DB.Warm(cmd.Context()); err != nil {
				rootOpts.logger(cmd).Warn("warming pools", "error", err)
			}
			report := a.DB.Health(cmd.Context())

			out := rootOpts.formatter(cmd)
			text := func(w io.Writer) { printHealth(w, report) }
			if report.Status == models.HealthUnhealthy {
				return out.Fail(report, text, fmt.Errorf("status %s", report.Status))
			}
			return out.Print(report, text)
		},
	}
}

func printHealth(w io.Writer, report manager.HealthReport) {
	fmt.Fprintf(w, "Status: %s\n", report.Status)

	names := make([]string, 0, len(report.Details.Pools))
	for name := range report.Details.Pools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := report.Details.Pools[name]
		fmt.Fprintf(w, "  %-30s %-10s failures=%.0f%% samples=%d\n", name, p.Status, p.FailureRate*100, p.Samples)
	}

	for _, issue := range report.Details.Monitor.Issues {
		fmt.Fprintf(w, "  issue: %s\n", issue)
	}
}
