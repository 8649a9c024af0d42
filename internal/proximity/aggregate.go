package proximity

import (
	"context"
	"runtime"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/sci-proximity/internal/connectivity"
	"github.com/sells-group/sci-proximity/internal/monitoring"
	"github.com/sells-group/sci-proximity/internal/outcome"
)

// Row is one weighted aggregate: the share-weighted sum of neighbor outcomes
// for a home at a step.
type Row struct {
	Home            string
	Step            time.Time
	Aggregate       float64
	AggregatePer10k float64
	// Contributors is the number of neighbors with an outcome at this step.
	Contributors int
}

// PartitionResult is the output of one partition. Partitions never share
// mutable state; results are combined by Merge.
type PartitionResult struct {
	Key             string
	Rows            []Row
	Homes           []string
	Excluded        []string
	MissingDistance int
	MissingOutcome  int
	// Absent counts (home, step) cells with no contributing neighbor. No row
	// is emitted for them.
	Absent   int
	Duration time.Duration
}

// Aggregator computes weighted aggregates over an outcome series.
type Aggregator struct {
	Weighting Weighting
	Outcome   *outcome.Series
	// Concurrency bounds the partitions run at once. Zero uses GOMAXPROCS.
	Concurrency int
	Metrics     *monitoring.Metrics
}

// Run executes parts in parallel and merges their results. An empty parts
// list runs a single partition over everything.
func (a *Aggregator) Run(ctx context.Context, parts []Partition) (*Result, error) {
	if a.Weighting == nil {
		return nil, eris.New("proximity: no weighting configured")
	}
	if a.Outcome == nil {
		return nil, eris.New("proximity: no outcome series")
	}
	if len(parts) == 0 {
		parts = []Partition{All()}
	}

	limit := a.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	log := zap.L().With(
		zap.String("component", "proximity"),
		zap.String("weighting", a.Weighting.Name()),
	)
	log.Info("aggregation started",
		zap.Int("partitions", len(parts)),
		zap.Int("steps", len(a.Outcome.Steps())),
		zap.Int("concurrency", limit),
	)

	results := make([]PartitionResult, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, p := range parts {
		g.Go(func() error {
			r, err := a.runPartition(gctx, p)
			if err != nil {
				return eris.Wrapf(err, "proximity: partition %s", p.Key)
			}
			results[i] = r
			a.Metrics.ObservePartition(a.Weighting.Name(), r.Duration, len(r.Rows))
			log.Debug("partition complete",
				zap.String("partition", p.Key),
				zap.Int("homes", len(r.Homes)),
				zap.Int("rows", len(r.Rows)),
				zap.Duration("duration", r.Duration),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res, err := Merge(results)
	if err != nil {
		return nil, err
	}
	a.Metrics.ObserveExcluded(len(res.Excluded))
	a.Metrics.ObserveMissing("distance", res.MissingDistance)
	a.Metrics.ObserveMissing("outcome", res.MissingOutcome)

	log.Info("aggregation complete",
		zap.Int("rows", len(res.Rows)),
		zap.Int("homes", res.Homes),
		zap.Int("excluded_homes", len(res.Excluded)),
		zap.Int("missing_distance", res.MissingDistance),
		zap.Int("missing_outcome", res.MissingOutcome),
		zap.Int("absent", res.Absent),
	)
	return res, nil
}

func (a *Aggregator) runPartition(ctx context.Context, p Partition) (PartitionResult, error) {
	start := time.Now()
	res := PartitionResult{Key: p.Key}
	steps := a.Outcome.Steps()

	idx := p.Steps
	if idx == nil {
		idx = make([]int, len(steps))
		for i := range idx {
			idx[i] = i
		}
	}

	homes := make(map[string]bool)
	excluded := make(map[string]bool)
	absorb := func(rep WeightReport) {
		res.MissingDistance += rep.MissingDistance
		for _, h := range rep.Excluded {
			excluded[h] = true
		}
	}

	var static *connectivity.ShareMatrix
	if !a.Weighting.TimeVarying() {
		m, rep, err := a.Weighting.Shares(ctx, p.Homes, time.Time{})
		if err != nil {
			return res, err
		}
		static = m
		absorb(rep)
	}

	for _, i := range idx {
		if i < 0 || i >= len(steps) {
			return res, eris.Errorf("proximity: step index %d out of range", i)
		}
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "proximity: cancelled")
		}

		m := static
		if m == nil {
			var (
				rep WeightReport
				err error
			)
			m, rep, err = a.Weighting.Shares(ctx, p.Homes, steps[i])
			if err != nil {
				return res, err
			}
			absorb(rep)
		}

		for _, h := range m.Homes() {
			homes[h] = true
			row, missing := aggregate(m.Row(h), a.Outcome, i)
			res.MissingOutcome += missing
			if row.Contributors == 0 {
				res.Absent++
				continue
			}
			row.Home = h
			row.Step = steps[i]
			res.Rows = append(res.Rows, row)
		}
	}

	res.Homes = sortedKeys(homes)
	res.Excluded = sortedKeys(excluded)
	res.Duration = time.Since(start)
	return res, nil
}

// aggregate sums share × outcome over the neighbors of one home at step i.
// A neighbor without an outcome is skipped and the remaining shares are not
// re-normalized.
func aggregate(shares []connectivity.Share, s *outcome.Series, i int) (Row, int) {
	var (
		row     Row
		missing int
	)
	for _, sh := range shares {
		pt, ok := s.At(sh.Neighbor, i)
		if !ok {
			missing++
			continue
		}
		row.Aggregate += sh.Value * pt.Value
		row.AggregatePer10k += sh.Value * pt.Rate
		row.Contributors++
	}
	return row, missing
}

// SortRows orders rows by home, then step.
func SortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Home != rows[j].Home {
			return rows[i].Home < rows[j].Home
		}
		return rows[i].Step.Before(rows[j].Step)
	})
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}
