package main

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/sci-proximity/internal/config"
	"github.com/sells-group/sci-proximity/internal/connectivity"
	"github.com/sells-group/sci-proximity/internal/db"
	"github.com/sells-group/sci-proximity/internal/entity"
	"github.com/sells-group/sci-proximity/internal/fetcher"
	"github.com/sells-group/sci-proximity/internal/ingest"
	"github.com/sells-group/sci-proximity/internal/monitoring"
	"github.com/sells-group/sci-proximity/internal/outcome"
	"github.com/sells-group/sci-proximity/internal/proximity"
	"github.com/sells-group/sci-proximity/internal/sink"
)

// runEnv holds the clients and run-wide collectors shared by the commands.
type runEnv struct {
	cfg       *config.Config
	fetcher   fetcher.Fetcher
	norm      entity.Normalizer
	clock     clockwork.Clock
	metrics   *monitoring.Metrics
	collector *monitoring.Collector
}

// newRunEnv builds the environment for one run of measure with the given
// weighting name.
func newRunEnv(c *config.Config, measure, weighting string) (*runEnv, error) {
	norm, err := normalizer(c.Input)
	if err != nil {
		return nil, err
	}
	clock := clockwork.NewRealClock()
	return &runEnv{
		cfg:       c,
		fetcher:   newFetcher(c.Fetch),
		norm:      norm,
		clock:     clock,
		metrics:   monitoring.NewMetrics(),
		collector: monitoring.NewCollector(measure, weighting, clock),
	}, nil
}

func newFetcher(c config.FetchConfig) *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    c.UserAgent,
		Timeout:      time.Duration(c.TimeoutSecs) * time.Second,
		MaxRetries:   c.MaxRetries,
		RateLimiters: fetcher.DefaultRateLimiters(),
		DefaultRate:  rate.Limit(c.RatePerSec),
	})
}

// normalizer builds the identifier normalizer for the configured entity kind.
func normalizer(c config.InputConfig) (entity.Normalizer, error) {
	kind := entity.Kind(strings.ToLower(strings.TrimSpace(c.EntityKind)))
	switch kind {
	case "":
		kind = entity.KindCounty
	case entity.KindCounty, entity.KindNUTS3, entity.KindCountry:
	default:
		return entity.Normalizer{}, eris.Errorf("config: unknown input.entity_kind %q", c.EntityKind)
	}
	n := entity.Normalizer{Kind: kind}
	if kind == entity.KindCounty && c.MergeNYC {
		n.Merge = entity.NYCBoroughs
	}
	return n, nil
}

// cadence converts the cadence settings.
func cadence(c config.CadenceConfig) (outcome.Cadence, error) {
	out := outcome.DefaultCadence
	if c.Weekday != "" {
		d, err := outcome.ParseWeekday(c.Weekday)
		if err != nil {
			return out, err
		}
		out.Weekday = d
	}
	if c.Stride != 0 {
		out.Stride = c.Stride
	}
	if c.Start != "" {
		start, err := time.Parse(time.DateOnly, c.Start)
		if err != nil {
			return out, eris.Wrapf(err, "config: parse cadence.start %q", c.Start)
		}
		out.Start = start
	}
	return out, out.Validate()
}

// observe records an input tally in both the metrics and the collector.
func (e *runEnv) observe(t *ingest.Tally) {
	e.metrics.ObserveTally(t)
	e.collector.AddTally(t)
}

// loadOptions returns the connectivity load options for src.
func (e *runEnv) loadOptions(src string) connectivity.LoadOptions {
	return connectivity.LoadOptions{
		Normalizer:  e.norm,
		Delimiter:   fetcher.DelimiterFor(src),
		Latin1:      e.cfg.Input.Latin1,
		MaxSkipRate: e.cfg.Ingest.MaxSkipRate,
	}
}

// open resolves src (downloading and unpacking as needed) and opens it.
func (e *runEnv) open(ctx context.Context, src string) (io.ReadCloser, error) {
	return fetcher.Open(ctx, e.fetcher, src, e.cfg.Input.TempDir)
}

// loadSeries reads the outcome table (and the population workbook, if set)
// and reduces it to the cadence steps.
func (e *runEnv) loadSeries(ctx context.Context, measure outcome.Measure) (*outcome.Series, error) {
	log := zap.L().With(zap.String("component", "outcome"))
	in := e.cfg.Input

	cad, err := cadence(e.cfg.Cadence)
	if err != nil {
		return nil, err
	}

	var population map[string]float64
	if in.Population != "" {
		path, err := fetcher.Resolve(ctx, e.fetcher, in.Population, in.TempDir)
		if err != nil {
			return nil, err
		}
		pop, tally, err := outcome.LoadPopulationXLSX(path, in.PopulationSheet, e.norm, e.cfg.Ingest.MaxSkipRate)
		e.observe(tally)
		if err != nil {
			return nil, err
		}
		population = pop
		log.Info("population loaded", zap.Int("entities", len(pop)))
	}

	rc, err := e.open(ctx, in.Outcomes)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	obs, tally, err := outcome.LoadObservations(ctx, rc, in.Outcomes, outcome.LoadOptions{
		Normalizer:  e.norm,
		Delimiter:   fetcher.DelimiterFor(in.Outcomes),
		Latin1:      in.Latin1,
		MaxSkipRate: e.cfg.Ingest.MaxSkipRate,
		CountColumn: in.CountColumn,
		Population:  population,
	})
	e.observe(tally)
	if err != nil {
		return nil, err
	}

	series, rep, err := outcome.Build(obs, outcome.BuildOptions{Cadence: cad, Measure: measure})
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveClamps(len(rep.Clamps))
	e.collector.AddClamps(len(rep.Clamps))

	log.Info("outcome series built",
		zap.String("measure", string(measure)),
		zap.Int("steps", rep.Steps),
		zap.Int("entities", rep.Entities),
		zap.Int("observations", rep.Observations),
		zap.Int("clamps", len(rep.Clamps)),
	)
	return series, nil
}

// weighting builds the configured weighting variant.
func (e *runEnv) weighting(ctx context.Context, name, selfLoop string) (proximity.Weighting, error) {
	sl := connectivity.SelfLoop(strings.ToLower(strings.TrimSpace(selfLoop)))
	switch sl {
	case "":
		sl = connectivity.SelfLoopNone
	case connectivity.SelfLoopNone, connectivity.SelfLoopZero, connectivity.SelfLoopDistance:
	default:
		return nil, eris.Errorf("config: unknown aggregate.self_loop %q", selfLoop)
	}
	in := e.cfg.Input

	switch name {
	case "connectivity":
		if sl == connectivity.SelfLoopDistance {
			return nil, eris.New("config: self_loop distance needs distance weighting")
		}
		return &proximity.ConnectivityWeighting{Source: e.edgeSource(in.Edges), SelfLoop: sl}, nil

	case "distance":
		rc, err := e.open(ctx, in.Distances)
		if err != nil {
			return nil, err
		}
		defer rc.Close() //nolint:errcheck
		table, tally, err := connectivity.LoadDistances(ctx, rc, in.Distances, e.loadOptions(in.Distances))
		e.observe(tally)
		if err != nil {
			return nil, err
		}
		w := &proximity.DistanceWeighting{Table: table, SelfLoop: sl}
		if in.Edges != "" {
			w.Source = e.edgeSource(in.Edges)
		}
		return w, nil

	case "mobility":
		if sl == connectivity.SelfLoopDistance {
			return nil, eris.New("config: self_loop distance needs distance weighting")
		}
		rc, err := e.open(ctx, in.Mobility)
		if err != nil {
			return nil, err
		}
		defer rc.Close() //nolint:errcheck
		table, tally, err := connectivity.LoadMobility(ctx, rc, in.Mobility, e.loadOptions(in.Mobility))
		e.observe(tally)
		if err != nil {
			return nil, err
		}
		return &proximity.MobilityWeighting{Table: table, SelfLoop: sl}, nil

	default:
		return nil, eris.Errorf("config: unknown aggregate.weighting %q", name)
	}
}

// edgeSource streams the edge file once per partition. Every read sees the
// whole file, so only the first tally is recorded.
func (e *runEnv) edgeSource(src string) *proximity.FileEdges {
	var once sync.Once
	return &proximity.FileEdges{
		Source:  src,
		Fetcher: e.fetcher,
		TempDir: e.cfg.Input.TempDir,
		Options: e.loadOptions(src),
		OnTally: func(t *ingest.Tally) { once.Do(func() { e.observe(t) }) },
	}
}

// partitions splits the run by the configured mode. Home prefixes come from
// the outcome entities; homes outside them fall into a remainder partition.
func partitions(c config.AggregateConfig, series *outcome.Series) ([]proximity.Partition, error) {
	mode, err := proximity.ParseMode(c.Partition)
	if err != nil {
		return nil, err
	}
	switch mode {
	case proximity.ModeTimeStep:
		return proximity.ByTimeStep(len(series.Steps()), c.StepChunk), nil
	case proximity.ModeNone:
		return []proximity.Partition{proximity.All()}, nil
	default:
		return proximity.ByPrefixes(series.Entities(), c.PrefixLen), nil
	}
}

// openSink opens the configured output sink.
func (e *runEnv) openSink(ctx context.Context) (sink.Sink, error) {
	s := e.cfg.Sink
	kind, err := sink.ParseKind(s.Kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case sink.KindPostgres:
		pool, err := db.Connect(ctx, s.DatabaseURL, db.PoolConfig{MaxConns: s.MaxConns, MinConns: s.MinConns})
		if err != nil {
			return nil, err
		}
		return &sink.PostgresSink{
			Pool:      pool,
			Table:     s.Table,
			RunsTable: s.RunsTable,
			Upsert:    s.Upsert,
			BatchSize: s.BatchSize,
			Clock:     e.clock,
			CloseFn:   pool.Close,
		}, nil
	case sink.KindSQLite:
		return sink.NewSQLite(s.Path, s.Table, s.RunsTable, e.clock)
	default:
		return &sink.FileSink{Path: s.Path, Clock: e.clock, Stdout: os.Stdout}, nil
	}
}

// finish stamps the run outcome, writes the metrics textfile and sends any
// data quality alerts. Failures here are logged, never returned.
func (e *runEnv) finish(ctx context.Context, runErr error) {
	log := zap.L().With(zap.String("component", "monitoring"))

	e.collector.Fail(runErr)
	e.metrics.Finish(e.clock.Now(), runErr)
	if err := e.metrics.WriteTextfile(e.cfg.Monitoring.TextfilePath); err != nil {
		log.Warn("metrics textfile not written", zap.Error(err))
	}

	alerter := monitoring.NewAlerter(e.cfg.Monitoring)
	snap := e.collector.Snapshot()
	alerts := alerter.Evaluate(snap)
	for _, a := range alerts {
		log.Warn("data quality alert", zap.String("type", string(a.Type)), zap.String("message", a.Message))
	}
	// Alerts still go out after a cancelled run.
	if err := alerter.Notify(context.WithoutCancel(ctx), snap, alerts); err != nil {
		log.Warn("alert report not sent", zap.Error(err))
	}
}
