package proximity

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrOverlap is returned by Merge when two partitions emit the same
// (home, step).
var ErrOverlap = eris.New("proximity: partitions overlap")

// ErrPartitionMismatch is returned by Verify when a partitioned run differs
// from the single-partition run.
var ErrPartitionMismatch = eris.New("proximity: partitioned result differs from full run")

// VerifyTolerance is the largest absolute difference accepted between a
// partitioned and a full run.
const VerifyTolerance = 1e-9

// Result is the merged output of a run.
type Result struct {
	Rows            []Row
	Partitions      int
	Homes           int
	Excluded        []string
	MissingDistance int
	MissingOutcome  int
	Absent          int
}

// Merge concatenates partition rows, sorts them by (home, step) and sums the
// partition counters. Excluded homes are de-duplicated, since time-step
// partitions see the same homes.
func Merge(results []PartitionResult) (*Result, error) {
	out := &Result{Partitions: len(results)}
	homes := make(map[string]bool)
	excluded := make(map[string]bool)

	n := 0
	for _, r := range results {
		n += len(r.Rows)
	}
	out.Rows = make([]Row, 0, n)

	for _, r := range results {
		out.Rows = append(out.Rows, r.Rows...)
		out.MissingDistance += r.MissingDistance
		out.MissingOutcome += r.MissingOutcome
		out.Absent += r.Absent
		for _, h := range r.Homes {
			homes[h] = true
		}
		for _, h := range r.Excluded {
			excluded[h] = true
		}
	}
	SortRows(out.Rows)

	for i := 1; i < len(out.Rows); i++ {
		prev, cur := out.Rows[i-1], out.Rows[i]
		if prev.Home == cur.Home && prev.Step.Equal(cur.Step) {
			return nil, eris.Wrapf(ErrOverlap, "home %s step %s", cur.Home, cur.Step.Format(time.DateOnly))
		}
	}

	out.Homes = len(homes)
	out.Excluded = sortedKeys(excluded)
	return out, nil
}

// Mismatch is one difference between two runs.
type Mismatch struct {
	Home string
	Step time.Time
	// Kind is "missing" (only in the full run), "extra" (only in the
	// partitioned run) or "value".
	Kind        string
	Full        Row
	Partitioned Row
}

func (m Mismatch) String() string {
	switch m.Kind {
	case "value":
		return fmt.Sprintf("%s@%s: %g vs %g", m.Home, m.Step.Format(time.DateOnly), m.Full.Aggregate, m.Partitioned.Aggregate)
	default:
		return fmt.Sprintf("%s@%s: %s", m.Home, m.Step.Format(time.DateOnly), m.Kind)
	}
}

// Compare walks two row sets sorted by (home, step) and reports every
// difference larger than tol.
func Compare(full, partitioned []Row, tol float64) []Mismatch {
	var out []Mismatch
	i, j := 0, 0
	for i < len(full) || j < len(partitioned) {
		switch {
		case j >= len(partitioned) || (i < len(full) && rowLess(full[i], partitioned[j])):
			out = append(out, Mismatch{Home: full[i].Home, Step: full[i].Step, Kind: "missing", Full: full[i]})
			i++
		case i >= len(full) || rowLess(partitioned[j], full[i]):
			out = append(out, Mismatch{Home: partitioned[j].Home, Step: partitioned[j].Step, Kind: "extra", Partitioned: partitioned[j]})
			j++
		default:
			f, p := full[i], partitioned[j]
			if math.Abs(f.Aggregate-p.Aggregate) > tol ||
				math.Abs(f.AggregatePer10k-p.AggregatePer10k) > tol ||
				f.Contributors != p.Contributors {
				out = append(out, Mismatch{Home: f.Home, Step: f.Step, Kind: "value", Full: f, Partitioned: p})
			}
			i++
			j++
		}
	}
	return out
}

func rowLess(a, b Row) bool {
	if a.Home != b.Home {
		return a.Home < b.Home
	}
	return a.Step.Before(b.Step)
}

// Verify runs the aggregation once as a single partition and once split into
// parts, and returns ErrPartitionMismatch if the two disagree. The
// partitioned result is returned on success.
func (a *Aggregator) Verify(ctx context.Context, parts []Partition) (*Result, error) {
	full, err := a.Run(ctx, []Partition{All()})
	if err != nil {
		return nil, eris.Wrap(err, "proximity: verify full run")
	}
	split, err := a.Run(ctx, parts)
	if err != nil {
		return nil, eris.Wrap(err, "proximity: verify partitioned run")
	}

	diffs := Compare(full.Rows, split.Rows, VerifyTolerance)
	if len(diffs) == 0 {
		zap.L().Info("partition control check passed",
			zap.String("component", "proximity"),
			zap.Int("partitions", len(parts)),
			zap.Int("rows", len(full.Rows)),
		)
		return split, nil
	}

	log := zap.L().With(zap.String("component", "proximity"))
	for k, d := range diffs {
		if k == 10 {
			break
		}
		log.Error("partition mismatch", zap.String("diff", d.String()))
	}
	return nil, eris.Wrapf(ErrPartitionMismatch, "%d differences, first %s", len(diffs), diffs[0])
}
