package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sci-proximity/internal/outcome"
	"github.com/sells-group/sci-proximity/internal/proximity"
	"github.com/sells-group/sci-proximity/internal/sink"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Compute a weighted proximity measure",
	Long: `Loads the outcome series and the configured weighting (connectivity, distance
or mobility), aggregates every home and step in parallel partitions and writes
(home_id, time_step, weighted_aggregate, weighted_aggregate_per_10k) rows to
the configured sink.

With --verify the run is repeated as a single partition first and the rows
are only written when both runs agree.`,
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyAggregateFlags(cmd)
		if err := cfg.Validate("aggregate"); err != nil {
			return err
		}
		ac := cfg.Aggregate

		env, err := newRunEnv(cfg, ac.Measure, ac.Weighting)
		if err != nil {
			return err
		}
		defer func() { env.finish(ctx, err) }()

		log := zap.L().With(zap.String("command", "aggregate"), zap.String("measure", ac.Measure))

		res, weighting, err := runAggregation(ctx, env)
		if err != nil {
			return err
		}

		snk, err := env.openSink(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := snk.Close(); cerr != nil {
				log.Warn("sink close failed", zap.Error(cerr))
			}
		}()

		run := sink.NewRun(env.clock, ac.Measure, weighting)
		if err := snk.Write(ctx, run, res.Rows); err != nil {
			return eris.Wrap(err, "aggregate: write")
		}
		env.metrics.ObserveWritten(snk.Name(), len(res.Rows))
		env.collector.AddWritten(len(res.Rows))

		log.Info("aggregate complete",
			zap.String("run_id", run.ID),
			zap.String("sink", snk.Name()),
			zap.Int("rows", len(res.Rows)),
			zap.Int("homes", res.Homes),
			zap.Int("excluded", len(res.Excluded)),
			zap.Int("missing_outcome", res.MissingOutcome),
			zap.Int("missing_distance", res.MissingDistance),
		)
		return nil
	},
}

// runAggregation loads the inputs and runs the aggregator, verifying the
// partitioning first when aggregate.verify is set. It returns the merged
// result and the weighting name.
func runAggregation(ctx context.Context, env *runEnv) (*proximity.Result, string, error) {
	ac := env.cfg.Aggregate

	measure, err := outcome.ParseMeasure(ac.Outcome)
	if err != nil {
		return nil, "", err
	}
	series, err := env.loadSeries(ctx, measure)
	if err != nil {
		return nil, "", err
	}
	w, err := env.weighting(ctx, ac.Weighting, ac.SelfLoop)
	if err != nil {
		return nil, "", err
	}
	parts, err := partitions(ac, series)
	if err != nil {
		return nil, "", err
	}

	agg := &proximity.Aggregator{
		Weighting:   w,
		Outcome:     series,
		Concurrency: ac.Concurrency,
		Metrics:     env.metrics,
	}

	var res *proximity.Result
	if ac.Verify {
		res, err = agg.Verify(ctx, parts)
	} else {
		res, err = agg.Run(ctx, parts)
	}
	if err != nil {
		return nil, "", err
	}
	env.collector.SetAggregate(res.Homes, len(res.Excluded), res.MissingDistance, res.MissingOutcome)
	return res, w.Name(), nil
}

// applyAggregateFlags overrides config values with the flags set on cmd.
func applyAggregateFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("measure") {
		cfg.Aggregate.Measure, _ = f.GetString("measure")
	}
	if f.Changed("weighting") {
		cfg.Aggregate.Weighting, _ = f.GetString("weighting")
	}
	if f.Changed("self-loop") {
		cfg.Aggregate.SelfLoop, _ = f.GetString("self-loop")
	}
	if f.Changed("outcome") {
		cfg.Aggregate.Outcome, _ = f.GetString("outcome")
	}
	if f.Changed("partition") {
		cfg.Aggregate.Partition, _ = f.GetString("partition")
	}
	if f.Changed("concurrency") {
		cfg.Aggregate.Concurrency, _ = f.GetInt("concurrency")
	}
	if f.Changed("edges") {
		cfg.Input.Edges, _ = f.GetString("edges")
	}
	if f.Changed("distances") {
		cfg.Input.Distances, _ = f.GetString("distances")
	}
	if f.Changed("mobility") {
		cfg.Input.Mobility, _ = f.GetString("mobility")
	}
	if f.Changed("outcomes") {
		cfg.Input.Outcomes, _ = f.GetString("outcomes")
	}
	if f.Changed("sink") {
		cfg.Sink.Kind, _ = f.GetString("sink")
	}
	if f.Changed("output") {
		cfg.Sink.Path, _ = f.GetString("output")
	}
	if f.Changed("verify") {
		cfg.Aggregate.Verify, _ = f.GetBool("verify")
	}
}

// addInputFlags registers the input and aggregation flags shared by
// aggregate and verify.
func addInputFlags(cmd *cobra.Command) {
	cmd.Flags().String("measure", "", "measure name written with the rows (default: aggregate.measure)")
	cmd.Flags().String("weighting", "", "connectivity, distance or mobility (default: aggregate.weighting)")
	cmd.Flags().String("self-loop", "", "none, zero or distance (default: aggregate.self_loop)")
	cmd.Flags().String("outcome", "", "cumulative or delta (default: aggregate.outcome)")
	cmd.Flags().String("partition", "", "home-prefix, time-step or none (default: aggregate.partition)")
	cmd.Flags().Int("concurrency", 0, "partitions run at once (default: GOMAXPROCS)")
	cmd.Flags().String("edges", "", "connectivity edge table path or URL")
	cmd.Flags().String("distances", "", "distance table path or URL")
	cmd.Flags().String("mobility", "", "mobility table path or URL")
	cmd.Flags().String("outcomes", "", "outcome table path or URL")
}

func init() {
	addInputFlags(aggregateCmd)
	aggregateCmd.Flags().String("sink", "", "file, postgres or sqlite (default: sink.kind)")
	aggregateCmd.Flags().StringP("output", "o", "", "output file, sqlite database, or - for stdout (default: sink.path)")
	aggregateCmd.Flags().Bool("verify", false, "check partitioned rows against a single-partition run before writing")
	rootCmd.AddCommand(aggregateCmd)
}
