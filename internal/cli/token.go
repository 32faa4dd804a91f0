package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/qualys/envdb/internal/auth"
	"github.com/qualys/envdb/internal/models"
)

type tokenOptions struct {
	id          string
	role        string
	permissions []string
	environment string
	ttl         time.Duration
}

type issuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &tokenOptions{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token for a caller",
		Example: `  envdb token --id alice --role developer --permission development:access
  envdb token --id ops --role admin --permission production:access --permission staging:access --ttl 8h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}

			role := models.Role(opts.role)
			switch role {
			case models.RoleAdmin, models.RoleDeveloper, models.RoleReadOnly:
			default:
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown role %q", opts.role))
			}

			caller := models.Caller{
				ID:          opts.id,
				Role:        role,
				Permissions: opts.permissions,
				Environment: models.Environment(opts.environment),
			}
			token, expires, err := auth.NewService(auth.ConfigFrom(cfg.Auth)).IssueToken(caller, opts.ttl)
			if err != nil {
				return WrapExitError(ExitCommandError, "issuing token", err)
			}

			return rootOpts.formatter(cmd).Print(issuedToken{Token: token, ExpiresAt: expires}, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}

	cmd.Flags().StringVar(&opts.id, "id", "", "caller id (token subject)")
	cmd.Flags().StringVar(&opts.role, "role", string(models.RoleDeveloper), "caller role (admin|developer|readonly)")
	cmd.Flags().StringArrayVar(&opts.permissions, "permission", nil, "granted permission, repeatable")
	cmd.Flags().StringVar(&opts.environment, "env", "", "environment the caller is bound to")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 0, "token lifetime (default from config)")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}
