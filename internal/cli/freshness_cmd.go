package cli

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"qazna.org/telemetry/internal/app"
)

func newFreshnessCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "freshness",
		Short: "Inspect pipeline freshness checkpoints",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints with their current status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.with(cmd, func(ctx context.Context, a *app.App) error {
				cps, err := a.Freshness.ListSnapshots(ctx, limit)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(cps))
				for _, cp := range cps {
					rows = append(rows, []string{
						cp.PipelineKey,
						cp.Status,
						formatTime(cp.LastEventAt),
						strconv.FormatInt(cp.LagSeconds, 10),
						strconv.Itoa(cp.ThresholdMinutes),
					})
				}
				return render(cmd, map[string]interface{}{
					"items": cps,
					"as_of": time.Now().UTC(),
				}, []string{"PIPELINE", "STATUS", "LAST EVENT", "LAG (S)", "THRESHOLD (MIN)"}, rows)
			})
		},
	}
	addLimitFlag(list.Flags(), &limit, 0)
	cmd.AddCommand(list)
	return cmd
}
