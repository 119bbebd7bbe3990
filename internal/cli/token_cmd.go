package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"qazna.org/telemetry/internal/app"
	"qazna.org/telemetry/internal/auth"
)

func newTokenCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue API bearer tokens",
	}

	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	issue := &cobra.Command{
		Use:     "issue",
		Short:   "Issue a signed token for the API",
		Example: "  telemetryctl token issue --subject ops@example.org --role " + auth.RoleAdmin,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.with(cmd, func(_ context.Context, a *app.App) error {
				if a.Issuer == nil {
					return errors.New("auth.secret is not configured")
				}
				token, err := a.Issuer.GenerateToken(subject, roles, ttl)
				if err != nil {
					return err
				}
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), map[string]interface{}{
						"token":      token,
						"subject":    subject,
						"roles":      roles,
						"expires_in": int64(ttl / time.Second),
					})
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
				return err
			})
		},
	}
	fs := issue.Flags()
	fs.StringVar(&subject, "subject", "", "Token subject")
	fs.StringSliceVar(&roles, "role", []string{auth.RoleAdmin}, "Role to grant (repeatable)")
	fs.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = issue.MarkFlagRequired("subject")

	cmd.AddCommand(issue)
	return cmd
}
