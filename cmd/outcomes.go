package main

import (
	"encoding/csv"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/sci-proximity/internal/fetcher"
	"github.com/sells-group/sci-proximity/internal/outcome"
)

var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Print the cadence-filtered outcome series",
	Long: `Loads the outcome table, keeps the cadence steps and prints one
(entity_id, time_step, value, per_10k) row per entity and step. With
--outcome delta, values are period changes with negative changes clamped
to zero.`,
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if f := cmd.Flags(); f.Changed("outcomes") {
			cfg.Input.Outcomes, _ = f.GetString("outcomes")
		}
		if f := cmd.Flags(); f.Changed("outcome") {
			cfg.Aggregate.Outcome, _ = f.GetString("outcome")
		}
		if err := cfg.Validate("outcomes"); err != nil {
			return err
		}

		measure, err := outcome.ParseMeasure(cfg.Aggregate.Outcome)
		if err != nil {
			return err
		}
		env, err := newRunEnv(cfg, "outcomes", string(measure))
		if err != nil {
			return err
		}
		defer func() { env.finish(ctx, err) }()

		series, err := env.loadSeries(ctx, measure)
		if err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("output")
		if out == "" || out == "-" {
			return writeSeries(cmd.OutOrStdout(), series, ',')
		}
		f, err := os.Create(out)
		if err != nil {
			return eris.Wrapf(err, "outcomes: create %s", out)
		}
		if err := writeSeries(f, series, fetcher.DelimiterFor(out)); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	},
}

// writeSeries writes every present (entity, step) cell sorted by entity then
// step.
func writeSeries(w io.Writer, s *outcome.Series, delimiter rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = delimiter
	if err := cw.Write([]string{"entity_id", "time_step", "value", "per_10k"}); err != nil {
		return eris.Wrap(err, "outcomes: write header")
	}
	steps := s.Steps()
	for _, e := range s.Entities() {
		for i, step := range steps {
			p, ok := s.At(e, i)
			if !ok {
				continue
			}
			rec := []string{
				e,
				step.Format(time.DateOnly),
				strconv.FormatFloat(p.Value, 'f', -1, 64),
				strconv.FormatFloat(p.Rate, 'f', -1, 64),
			}
			if err := cw.Write(rec); err != nil {
				return eris.Wrap(err, "outcomes: write row")
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrap(err, "outcomes: flush")
	}
	return nil
}

func init() {
	outcomesCmd.Flags().String("outcomes", "", "outcome table path or URL (default: input.outcomes)")
	outcomesCmd.Flags().String("outcome", "", "cumulative or delta (default: aggregate.outcome)")
	outcomesCmd.Flags().StringP("output", "o", "-", "output file or - for stdout")
	rootCmd.AddCommand(outcomesCmd)
}
