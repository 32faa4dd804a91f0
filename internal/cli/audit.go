package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/qualys/envdb/internal/audit"
)

func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}
	cmd.AddCommand(newAuditVerifyCommand(rootOpts))
	return cmd
}

type verifyReport struct {
	Source  string `json:"source"`
	Entries int    `json:"entries"`
	Valid   bool   `json:"valid"`
}

func newAuditVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [path]",
		Short: "Check the hash chain of the audit trail",
		Long: `Recompute every entry's hash and check it links to its predecessor.

With a path, the JSON-lines file at that path is read directly. Without one, the
sink configured in the config file is read.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				entries []*audit.Entry
				source  string
				err     error
			)
			if len(args) == 1 {
				source = args[0]
				entries, err = audit.ReadFile(source)
			} else {
				entries, source, err = readConfiguredSink(cmd, rootOpts)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "reading audit trail", err)
			}

			report := verifyReport{Source: source, Entries: len(entries), Valid: true}
			out := rootOpts.formatter(cmd)
			if verr := audit.Verify(entries); verr != nil {
				report.Valid = false
				return out.Fail(report, func(w io.Writer) {
					fmt.Fprintf(w, "%s: chain broken after checking %d entries: %v\n", source, len(entries), verr)
				}, verr)
			}
			return out.Print(report, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %d entries verified\n", source, len(entries))
			})
		},
	}
}

func readConfiguredSink(cmd *cobra.Command, rootOpts *RootOptions) ([]*audit.Entry, string, error) {
	a, err := rootOpts.openApp(cmd)
	if err != nil {
		return nil, "", err
	}
	defer a.Close(cmd.Context())

	source := a.Config.Audit.Sink
	reader, ok := a.Audit.Sink().(audit.Reader)
	if !ok {
		return nil, source, fmt.Errorf("audit sink %q cannot be read back", source)
	}
	entries, err := reader.Entries(cmd.Context())
	return entries, source, err
}
