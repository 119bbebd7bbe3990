package cli

import (
	"context"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"qazna.org/telemetry/internal/app"
	"qazna.org/telemetry/internal/events"
)

func newEventsCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect stored telemetry events",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count events per ingestion status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.with(cmd, func(ctx context.Context, a *app.App) error {
				counts, err := a.Events.CountByStatus(ctx)
				if err != nil {
					return err
				}
				for _, st := range []string{events.StatusPending, events.StatusSuppressed, events.StatusExported, events.StatusFailed} {
					if _, ok := counts[st]; !ok {
						counts[st] = 0
					}
				}
				keys := make([]string, 0, len(counts))
				for k := range counts {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				rows := make([][]string, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, []string{k, strconv.Itoa(counts[k])})
				}
				return render(cmd, counts, []string{"STATUS", "COUNT"}, rows)
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <event-uuid>",
		Short: "Show one event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.with(cmd, func(ctx context.Context, a *app.App) error {
				e, err := a.Events.GetByUUID(ctx, args[0])
				if err != nil {
					return err
				}
				v := e.View()
				return render(cmd, v,
					[]string{"EVENT", "NAME", "SOURCE", "USER", "STATUS", "CONSENT", "OCCURRED"},
					[][]string{{v.EventUUID, v.EventName, v.EventSource, orDash(v.UserID), v.IngestionStatus, v.ConsentStatus, formatTime(&v.OccurredAt)}})
			})
		},
	}

	cmd.AddCommand(stats, show)
	return cmd
}
