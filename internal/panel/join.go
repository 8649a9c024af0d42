package panel

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/sci-proximity/internal/entity"
	"github.com/sells-group/sci-proximity/internal/fetcher"
	"github.com/sells-group/sci-proximity/internal/proximity"
	"github.com/sells-group/sci-proximity/internal/sink"
)

// Loader returns the rows of one measure.
type Loader func(ctx context.Context, m Measure) ([]proximity.Row, error)

// FileLoader reads measures from delimited aggregate tables, downloading
// remote paths into tempDir.
func FileLoader(f fetcher.Fetcher, tempDir string, kind entity.Kind) Loader {
	norm := entity.Normalizer{Kind: kind}
	return func(ctx context.Context, m Measure) ([]proximity.Row, error) {
		path, err := fetcher.Resolve(ctx, f, m.Path, tempDir)
		if err != nil {
			return nil, err
		}
		file, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "panel: open %s", path)
		}
		defer file.Close() //nolint:errcheck
		return sink.ReadRows(ctx, file, path, fetcher.DelimiterFor(path), norm)
	}
}

// Record is one panel row. Values follow Panel.Columns after the two key
// columns; Present marks which values exist.
type Record struct {
	Home    string
	Step    time.Time
	Values  []float64
	Present []bool
}

// Panel is a wide table keyed by (home, step).
type Panel struct {
	Columns []string
	Records []Record
}

type series struct {
	values map[string]map[time.Time]float64
}

func (s series) at(home string, step time.Time) (float64, bool) {
	v, ok := s.values[home][step]
	return v, ok
}

// Build loads the dependent and predictor measures and joins them. One
// record is produced for every (home, step) with a dependent value; missing
// predictor values are left empty.
func Build(ctx context.Context, spec *Spec, load Loader) (*Panel, error) {
	names := append([]string{spec.Dependent}, spec.Predictors...)
	measures := make([]Measure, len(names))
	for i, name := range names {
		m, ok := spec.Measure(name)
		if !ok {
			return nil, eris.Errorf("panel: measure %q not declared", name)
		}
		measures[i] = m
	}
	loaded := make([]series, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, m := range measures {
		g.Go(func() error {
			rows, err := load(gctx, m)
			if err != nil {
				return eris.Wrapf(err, "panel: load measure %s", m.Name)
			}
			loaded[i] = index(rows, m.Value)
			zap.L().Debug("panel measure loaded",
				zap.String("component", "panel"),
				zap.String("measure", m.Name),
				zap.Int("rows", len(rows)),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stepSet := map[time.Time]bool{}
	for _, s := range loaded {
		for _, byStep := range s.values {
			for st := range byStep {
				stepSet[st] = true
			}
		}
	}
	steps := make([]time.Time, 0, len(stepSet))
	for st := range stepSet {
		steps = append(steps, st)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Before(steps[j]) })
	stepIdx := make(map[time.Time]int, len(steps))
	for i, st := range steps {
		stepIdx[st] = i
	}

	dep := loaded[0]
	preds := loaded[1:]
	homes := make([]string, 0, len(dep.values))
	for h := range dep.values {
		homes = append(homes, h)
	}
	sort.Strings(homes)

	p := &Panel{Columns: spec.Columns()}
	width := len(p.Columns) - 2
	for _, h := range homes {
		for _, st := range steps {
			v, ok := dep.at(h, st)
			if !ok {
				continue
			}
			rec := Record{Home: h, Step: st, Values: make([]float64, width), Present: make([]bool, width)}
			rec.Values[0], rec.Present[0] = v, true

			col := 1
			for _, ps := range preds {
				rec.Values[col], rec.Present[col] = ps.at(h, st)
				col++
			}
			for _, lag := range spec.Lags {
				for _, ps := range preds {
					if i := stepIdx[st] - lag; i >= 0 {
						rec.Values[col], rec.Present[col] = ps.at(h, steps[i])
					}
					col++
				}
			}
			p.Records = append(p.Records, rec)
		}
	}

	zap.L().Info("panel built",
		zap.String("component", "panel"),
		zap.String("panel", spec.Name),
		zap.Int("records", len(p.Records)),
		zap.Int("columns", len(p.Columns)),
	)
	return p, nil
}

func index(rows []proximity.Row, v Value) series {
	s := series{values: make(map[string]map[time.Time]float64)}
	for _, r := range rows {
		byStep, ok := s.values[r.Home]
		if !ok {
			byStep = make(map[time.Time]float64)
			s.values[r.Home] = byStep
		}
		val := r.AggregatePer10k
		if v == ValueAggregate {
			val = r.Aggregate
		}
		byStep[r.Step] = val
	}
	return s
}

// Write writes the panel as delimited text. Missing values are empty cells.
func (p *Panel) Write(w io.Writer, delimiter rune) error {
	cw := csv.NewWriter(w)
	if delimiter != 0 {
		cw.Comma = delimiter
	}
	if err := cw.Write(p.Columns); err != nil {
		return eris.Wrap(err, "panel: write header")
	}
	rec := make([]string, len(p.Columns))
	for _, r := range p.Records {
		rec[0] = r.Home
		rec[1] = r.Step.Format(time.DateOnly)
		for i, v := range r.Values {
			rec[i+2] = ""
			if r.Present[i] {
				rec[i+2] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
		if err := cw.Write(rec); err != nil {
			return eris.Wrap(err, "panel: write record")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "panel: flush")
}
