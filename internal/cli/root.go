// Package cli implements telemetryctl, the operator command line. Commands
// open the pipeline directly from configuration; no API server is involved.
package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"qazna.org/telemetry/internal/app"
	"qazna.org/telemetry/internal/apperr"
	"qazna.org/telemetry/internal/config"
	"qazna.org/telemetry/internal/obs"
)

var (
	version = "dev"
	commit  = "none"
)

// Builder opens the pipeline for one command invocation.
type Builder func(ctx context.Context, configPath string) (*app.App, error)

func buildFromConfig(ctx context.Context, configPath string) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg)
}

// Execute runs the CLI.
func Execute() int {
	return run(os.Args[1:], os.Stdout, os.Stderr, buildFromConfig)
}

func run(args []string, stdout, stderr io.Writer, build Builder) int {
	rootCmd := newRootCmd(build)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	if err := rootCmd.Execute(); err != nil {
		if getOutputFormat(rootCmd) == "json" {
			errObj := map[string]interface{}{
				"error": err.Error(),
			}
			if status, msg := apperr.Describe(err); status != http.StatusInternalServerError {
				errObj["code"] = msg.Code
			}
			_ = printJSON(stdout, errObj)
		} else {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// session lazily opens the pipeline shared by one command run.
type session struct {
	build      Builder
	configPath string
	logLevel   string
}

func (s *session) with(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := s.build(ctx, s.configPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			obs.Logger().Warn("close_pipeline", "err", cerr)
		}
	}()
	return fn(ctx, a)
}

func newRootCmd(build Builder) *cobra.Command {
	var output string
	s := &session{build: build}

	rootCmd := &cobra.Command{
		Use:           "telemetryctl",
		Short:         "Telemetry pipeline operator CLI",
		Long:          "Inspect and operate the telemetry pipeline: consent, events, freshness and exports.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("output") {
				if v := os.Getenv(config.EnvPrefix + "_OUTPUT"); v != "" {
					output = v
				}
			}
			// Logs go to stderr so table and JSON output stay clean.
			obs.Configure(cmd.ErrOrStderr(), s.logLevel)
			return validateOutputFormat(output)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&s.configPath, "config", "c", "", "Path to config YAML (defaults to $TELEMETRY_CONFIG or ./config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&s.logLevel, "log-level", "warn", "Log level written to stderr")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newExportCmd(s))
	rootCmd.AddCommand(newFreshnessCmd(s))
	rootCmd.AddCommand(newConsentCmd(s))
	rootCmd.AddCommand(newEventsCmd(s))
	rootCmd.AddCommand(newTokenCmd(s))

	return rootCmd
}
