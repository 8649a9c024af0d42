package outcome

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Per10k scales counts to a rate per 10 000 residents.
const Per10k = 10000.0

// Measure selects which value of the cumulative series is aggregated.
type Measure string

const (
	// MeasureCumulative uses the cumulative count at each step.
	MeasureCumulative Measure = "cumulative"
	// MeasureDelta uses the change since the previous step, clamped at 0.
	MeasureDelta Measure = "delta"
)

// ParseMeasure validates a measure name.
func ParseMeasure(s string) (Measure, error) {
	switch Measure(s) {
	case MeasureCumulative, MeasureDelta:
		return Measure(s), nil
	case "":
		return MeasureCumulative, nil
	}
	return "", eris.Errorf("outcome: unknown measure %q", s)
}

// Observation is one entity's cumulative count on a calendar date.
type Observation struct {
	Entity     string
	Date       time.Time
	Count      float64
	Population float64
}

// Point is a step value and its population-normalized rate.
type Point struct {
	Value float64
	Rate  float64
}

type cell struct {
	Point
	ok bool
}

// Series maps (entity, step) to a Point. Missing cells mean no observation.
type Series struct {
	steps    []time.Time
	index    map[time.Time]int
	entities []string
	cells    map[string][]cell
}

// Steps returns the step dates in ascending order.
func (s *Series) Steps() []time.Time { return s.steps }

// Entities returns the entity IDs in ascending order.
func (s *Series) Entities() []string { return s.entities }

// StepIndex returns the position of step in Steps.
func (s *Series) StepIndex(step time.Time) (int, bool) {
	i, ok := s.index[day(step)]
	return i, ok
}

// At returns the point for entity at step index i.
func (s *Series) At(entity string, i int) (Point, bool) {
	row, ok := s.cells[entity]
	if !ok || i < 0 || i >= len(row) || !row[i].ok {
		return Point{}, false
	}
	return row[i].Point, true
}

// Clamp records one negative period change that was replaced by zero.
type Clamp struct {
	Entity   string
	Step     time.Time
	Original float64
}

// BuildReport summarizes a Build call.
type BuildReport struct {
	Steps        int
	Entities     int
	Observations int
	Cells        int
	Clamps       []Clamp
}

// BuildOptions configures Build.
type BuildOptions struct {
	Cadence Cadence
	Measure Measure
}

// Build reduces daily observations to the cadence steps. Observations on the
// same (entity, date) are summed, which folds merged sub-entities into their
// reporting entity.
func Build(obs []Observation, opts BuildOptions) (*Series, BuildReport, error) {
	if err := opts.Cadence.Validate(); err != nil {
		return nil, BuildReport{}, err
	}
	measure := opts.Measure
	if measure == "" {
		measure = MeasureCumulative
	}

	s := &Series{index: make(map[time.Time]int), cells: make(map[string][]cell)}
	rep := BuildReport{Observations: len(obs)}
	if len(obs) == 0 {
		return s, rep, nil
	}

	first, last := day(obs[0].Date), day(obs[0].Date)
	type key struct {
		entity string
		date   time.Time
	}
	daily := make(map[key]Observation, len(obs))
	for _, o := range obs {
		d := day(o.Date)
		if d.Before(first) {
			first = d
		}
		if d.After(last) {
			last = d
		}
		k := key{o.Entity, d}
		if prev, ok := daily[k]; ok {
			prev.Count += o.Count
			prev.Population += o.Population
			daily[k] = prev
			continue
		}
		o.Date = d
		daily[k] = o
	}

	s.steps = opts.Cadence.Steps(first, last)
	for i, st := range s.steps {
		s.index[st] = i
	}

	entitySet := make(map[string]struct{})
	for k := range daily {
		entitySet[k.entity] = struct{}{}
	}
	for e := range entitySet {
		s.entities = append(s.entities, e)
	}
	sort.Strings(s.entities)

	log := zap.L().With(zap.String("component", "outcome.series"))
	for _, e := range s.entities {
		cum := make([]cell, len(s.steps))
		for i, st := range s.steps {
			if o, ok := daily[key{e, st}]; ok {
				cum[i] = cell{Point: Point{Value: o.Count, Rate: rate(o.Count, o.Population)}, ok: true}
			}
		}

		row := cum
		if measure == MeasureDelta {
			row = make([]cell, len(s.steps))
			for i := 1; i < len(cum); i++ {
				if !cum[i].ok || !cum[i-1].ok {
					continue
				}
				change, clamped := ClampedChange(cum[i-1].Value, cum[i].Value)
				if clamped {
					c := Clamp{Entity: e, Step: s.steps[i], Original: cum[i].Value - cum[i-1].Value}
					rep.Clamps = append(rep.Clamps, c)
					log.Warn("negative period change clamped to zero",
						zap.String("entity", c.Entity),
						zap.String("step", c.Step.Format("2006-01-02")),
						zap.Float64("original", c.Original),
					)
				}
				pop := daily[key{e, s.steps[i]}].Population
				row[i] = cell{Point: Point{Value: change, Rate: rate(change, pop)}, ok: true}
			}
		}

		for _, c := range row {
			if c.ok {
				rep.Cells++
			}
		}
		s.cells[e] = row
	}

	rep.Steps = len(s.steps)
	rep.Entities = len(s.entities)
	return s, rep, nil
}

// ClampedChange returns cur - prev, or 0 when that is negative. The second
// result reports whether clamping happened.
func ClampedChange(prev, cur float64) (float64, bool) {
	d := cur - prev
	if d < 0 {
		return 0, true
	}
	return d, false
}

func rate(v, pop float64) float64 {
	if pop <= 0 {
		return 0
	}
	return v / pop * Per10k
}

// NewSeries builds a Series directly from step values. Used by callers that
// already hold step-level data.
func NewSeries(steps []time.Time, values map[string]map[time.Time]Point) *Series {
	s := &Series{index: make(map[time.Time]int), cells: make(map[string][]cell)}
	for _, st := range steps {
		s.steps = append(s.steps, day(st))
	}
	sort.Slice(s.steps, func(i, j int) bool { return s.steps[i].Before(s.steps[j]) })
	for i, st := range s.steps {
		s.index[st] = i
	}
	for e, pts := range values {
		row := make([]cell, len(s.steps))
		for st, p := range pts {
			if i, ok := s.index[day(st)]; ok {
				row[i] = cell{Point: p, ok: true}
			}
		}
		s.cells[e] = row
		s.entities = append(s.entities, e)
	}
	sort.Strings(s.entities)
	return s
}
