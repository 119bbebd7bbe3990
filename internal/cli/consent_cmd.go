package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"qazna.org/telemetry/internal/app"
	"qazna.org/telemetry/internal/apperr"
	"qazna.org/telemetry/internal/consent"
	"qazna.org/telemetry/internal/jsondoc"
)

var consentHeaders = []string{"TENANT", "USER", "SCOPE", "VERSION", "STATUS", "ACTIVE", "RECORDED", "EXPIRES"}

func consentRow(r consent.Record) []string {
	return []string{
		r.TenantID,
		r.UserID,
		r.Scope,
		r.Version,
		r.Status,
		strconv.FormatBool(r.IsActive),
		formatTime(&r.RecordedAt),
		formatTime(r.ExpiresAt),
	}
}

func newConsentCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Record and inspect consent decisions",
	}
	cmd.AddCommand(newConsentRecordCmd(s))
	cmd.AddCommand(newConsentShowCmd(s))
	return cmd
}

func newConsentRecordCmd(s *session) *cobra.Command {
	var (
		key        consentKey
		status     string
		ver        string
		recordedBy string
		reason     string
		effective  timeFlag
		expires    timeFlag
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a consent decision",
		Example: "  telemetryctl consent record --user u-1 --scope product.analytics --status granted\n" +
			"  telemetryctl consent record --user u-1 --scope product.analytics --status revoked --reason support-ticket",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := consent.Decision{
				UserID:      key.user,
				TenantID:    key.tenant,
				Scope:       key.scope,
				Version:     ver,
				Status:      status,
				EffectiveAt: effective.t,
				ExpiresAt:   expires.t,
				RecordedBy:  recordedBy,
				Evidence:    jsondoc.Document{"channel": "telemetryctl"},
			}
			if reason != "" {
				d.Metadata = jsondoc.Document{"reason": reason}
			}
			return s.with(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Consents.RecordDecision(ctx, d)
				if err != nil {
					return err
				}
				return render(cmd, rec, consentHeaders, [][]string{consentRow(rec)})
			})
		},
	}
	key.bind(cmd)
	fs := cmd.Flags()
	fs.StringVar(&status, "status", "", "Decision: granted, revoked or expired")
	fs.StringVar(&ver, "version", "", "Consent version (defaults to the configured version)")
	fs.StringVar(&recordedBy, "recorded-by", "telemetryctl", "Operator recorded on the decision")
	fs.StringVar(&reason, "reason", "", "Free-form reason stored in metadata")
	fs.Var(&effective, "effective-at", "Effective time (RFC 3339)")
	fs.Var(&expires, "expires-at", "Expiry time (RFC 3339)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func newConsentShowCmd(s *session) *cobra.Command {
	var (
		key     consentKey
		history bool
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active consent, or the full history with --history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.with(cmd, func(ctx context.Context, a *app.App) error {
				if history {
					recs, err := a.Consents.History(ctx, key.user, key.tenant, key.scope)
					if err != nil {
						return err
					}
					rows := make([][]string, 0, len(recs))
					for _, r := range recs {
						rows = append(rows, consentRow(r))
					}
					return render(cmd, map[string]interface{}{"items": recs}, consentHeaders, rows)
				}
				rec, err := a.Consents.ActiveConsent(ctx, key.user, key.tenant, key.scope)
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("no consent recorded for user %q scope %q: %w", key.user, key.scope, apperr.ErrNotFound)
				}
				return render(cmd, rec, consentHeaders, [][]string{consentRow(*rec)})
			})
		},
	}
	key.bind(cmd)
	cmd.Flags().BoolVar(&history, "history", false, "List every recorded decision")
	return cmd
}
