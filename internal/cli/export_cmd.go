package cli

import (
	"context"
	"errors"
	"strconv"

	"github.com/spf13/cobra"

	"qazna.org/telemetry/internal/app"
	"qazna.org/telemetry/internal/apperr"
	"qazna.org/telemetry/internal/export"
)

var batchHeaders = []string{"BATCH", "STATUS", "TRIGGER", "EVENTS", "DESTINATION", "STARTED", "COMPLETED", "FILE"}

func batchRow(b export.Batch) []string {
	return []string{
		b.BatchUUID,
		b.Status,
		b.Trigger,
		strconv.Itoa(b.EventsCount),
		b.Destination,
		formatTime(&b.StartedAt),
		formatTime(b.CompletedAt),
		orDash(b.FileKey),
	}
}

func newExportCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Run and inspect export batches",
	}
	cmd.AddCommand(newExportRunCmd(s))
	cmd.AddCommand(newExportListCmd(s))
	cmd.AddCommand(newExportShowCmd(s))
	return cmd
}

func newExportRunCmd(s *session) *cobra.Command {
	var trigger string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Export pending events to the warehouse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.with(cmd, func(ctx context.Context, a *app.App) error {
				sum, err := a.Batcher.ExportPendingEvents(ctx, trigger)
				var de *apperr.ExportDeliveryError
				if err != nil && !errors.As(err, &de) {
					return err
				}
				row := append(batchRow(sum.Batch), strconv.Itoa(sum.Failed))
				if rerr := render(cmd, sum, append(batchHeaders, "FAILED"), [][]string{row}); rerr != nil {
					return rerr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", export.TriggerManual, "Trigger recorded on the batch")
	return cmd
}

func newExportListCmd(s *session) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent export batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.with(cmd, func(ctx context.Context, a *app.App) error {
				batches, err := a.Batches.List(ctx, limit)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(batches))
				for _, b := range batches {
					rows = append(rows, batchRow(b))
				}
				return render(cmd, map[string]interface{}{"items": batches}, batchHeaders, rows)
			})
		},
	}
	addLimitFlag(cmd.Flags(), &limit, 20)
	return cmd
}

func newExportShowCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-uuid>",
		Short: "Show one export batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.with(cmd, func(ctx context.Context, a *app.App) error {
				b, err := a.Batches.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd, b, batchHeaders, [][]string{batchRow(b)})
			})
		},
	}
}
