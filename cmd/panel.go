package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sci-proximity/internal/fetcher"
	"github.com/sells-group/sci-proximity/internal/panel"
)

var panelCmd = &cobra.Command{
	Use:   "panel",
	Short: "Join aggregate tables into a wide regression panel",
	Long: `Reads a YAML panel specification naming the dependent measure, the
predictor measures and their lags, loads every referenced aggregate table and
writes one row per (home_id, time_step) where the dependent value exists.
Unknown measures, duplicate columns and empty predictor lists are rejected
before any table is read.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if f := cmd.Flags(); f.Changed("spec") {
			cfg.Panel.Spec, _ = f.GetString("spec")
		}
		if f := cmd.Flags(); f.Changed("output") {
			cfg.Panel.Output, _ = f.GetString("output")
		}
		if err := cfg.Validate("panel"); err != nil {
			return err
		}

		spec, err := panel.LoadSpec(cfg.Panel.Spec)
		if err != nil {
			return err
		}

		load := panel.FileLoader(newFetcher(cfg.Fetch), cfg.Input.TempDir, spec.Entity)
		p, err := panel.Build(ctx, spec, load)
		if err != nil {
			return err
		}

		zap.L().Info("panel built",
			zap.String("command", "panel"),
			zap.String("name", spec.Name),
			zap.Strings("columns", p.Columns),
			zap.Int("records", len(p.Records)),
		)

		out := cfg.Panel.Output
		if out == "" || out == "-" {
			return p.Write(cmd.OutOrStdout(), ',')
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return eris.Wrap(err, "panel: create output dir")
		}
		f, err := os.Create(out)
		if err != nil {
			return eris.Wrapf(err, "panel: create %s", out)
		}
		if err := p.Write(f, fetcher.DelimiterFor(out)); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	},
}

func init() {
	panelCmd.Flags().String("spec", "", "panel specification YAML (default: panel.spec)")
	panelCmd.Flags().StringP("output", "o", "", "output file or - for stdout (default: panel.output)")
	rootCmd.AddCommand(panelCmd)
}
