// Package proximity computes share-weighted aggregates of a neighbor outcome
// for every home entity and time step ("proximity to cases").
package proximity

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sci-proximity/internal/connectivity"
)

// HomeSet selects home entities. A nil HomeSet accepts every home.
type HomeSet func(home string) bool

func (h HomeSet) has(home string) bool { return h == nil || h(home) }

// WeightReport describes one share computation.
type WeightReport struct {
	// Excluded lists homes with zero total weight (ZeroWeightEntity).
	Excluded []string
	// MissingDistance counts pairs dropped because the distance table had no
	// entry for them (MissingJoinKey).
	MissingDistance int
	Synthesized     int
}

// Weighting supplies per-home neighbor shares.
type Weighting interface {
	// Name identifies the variant in logs and run records.
	Name() string
	// TimeVarying reports whether shares depend on the step. Static
	// weightings are asked once per partition and the result is reused for
	// every step.
	TimeVarying() bool
	// Shares returns normalized shares for the homes in homes. Static
	// weightings ignore step.
	Shares(ctx context.Context, homes HomeSet, step time.Time) (*connectivity.ShareMatrix, WeightReport, error)
}

// ConnectivityWeighting uses the connectivity score as the weight.
type ConnectivityWeighting struct {
	Source   EdgeSource
	SelfLoop connectivity.SelfLoop
}

// Name implements Weighting.
func (w *ConnectivityWeighting) Name() string { return "connectivity" }

// TimeVarying implements Weighting.
func (w *ConnectivityWeighting) TimeVarying() bool { return false }

// Shares implements Weighting.
func (w *ConnectivityWeighting) Shares(ctx context.Context, homes HomeSet, _ time.Time) (*connectivity.ShareMatrix, WeightReport, error) {
	edges, err := w.Source.Edges(ctx, homes)
	if err != nil {
		return nil, WeightReport{}, eris.Wrap(err, "proximity: connectivity edges")
	}
	m, rep := connectivity.Normalize(edges, w.SelfLoop)
	return m, WeightReport{Excluded: rep.Excluded, Synthesized: rep.Synthesized}, nil
}

// DistanceWeighting weights each pair by 1 / (1 + distance). Pairs come from
// Source (typically the connectivity edge list) and distances from Table. A
// pair without a distance is dropped from its home's share computation.
type DistanceWeighting struct {
	// Source lists candidate pairs. Nil uses every pair in Table.
	Source EdgeSource
	Table  *connectivity.DistanceTable
	// SelfLoop set to SelfLoopDistance adds home->home at distance 0 when
	// the table has no self entry.
	SelfLoop connectivity.SelfLoop
}

// Name implements Weighting.
func (w *DistanceWeighting) Name() string { return "distance" }

// TimeVarying implements Weighting.
func (w *DistanceWeighting) TimeVarying() bool { return false }

// Shares implements Weighting.
func (w *DistanceWeighting) Shares(ctx context.Context, homes HomeSet, _ time.Time) (*connectivity.ShareMatrix, WeightReport, error) {
	if w.Table == nil {
		return nil, WeightReport{}, eris.New("proximity: distance weighting has no distance table")
	}

	var (
		pairs []connectivity.Edge
		err   error
	)
	if w.Source != nil {
		pairs, err = w.Source.Edges(ctx, homes)
		if err != nil {
			return nil, WeightReport{}, eris.Wrap(err, "proximity: distance pairs")
		}
	} else {
		pairs = connectivity.FilterHomes(w.Table.Pairs(), homes)
	}

	var rep WeightReport
	weighted := make([]connectivity.Edge, 0, len(pairs))
	seen := make(map[string]bool)
	selfPresent := make(map[string]bool)
	for _, p := range pairs {
		seen[p.Home] = true
		d, ok := w.Table.Lookup(p.Home, p.Neighbor)
		if !ok {
			if p.Home == p.Neighbor && w.SelfLoop == connectivity.SelfLoopDistance {
				d, ok = 0, true
				rep.Synthesized++
			}
		}
		if !ok {
			rep.MissingDistance++
			continue
		}
		if p.Home == p.Neighbor {
			selfPresent[p.Home] = true
		}
		weighted = append(weighted, connectivity.Edge{Home: p.Home, Neighbor: p.Neighbor, Weight: connectivity.InverseDistance(d)})
	}

	if w.SelfLoop == connectivity.SelfLoopDistance {
		for h := range seen {
			if selfPresent[h] {
				continue
			}
			weighted = append(weighted, connectivity.Edge{Home: h, Neighbor: h, Weight: connectivity.InverseDistance(0)})
			rep.Synthesized++
		}
	}

	m, nrep := connectivity.Normalize(weighted, connectivity.SelfLoopNone)
	rep.Excluded = nrep.Excluded
	return m, rep, nil
}

// MobilityWeighting uses a time-varying exchange index. Each step takes the
// latest exchange snapshot on or before it, and shares are re-normalized
// independently at every step.
type MobilityWeighting struct {
	Table    *connectivity.MobilityTable
	SelfLoop connectivity.SelfLoop
}

// Name implements Weighting.
func (w *MobilityWeighting) Name() string { return "mobility" }

// TimeVarying implements Weighting.
func (w *MobilityWeighting) TimeVarying() bool { return true }

// Shares implements Weighting.
func (w *MobilityWeighting) Shares(_ context.Context, homes HomeSet, step time.Time) (*connectivity.ShareMatrix, WeightReport, error) {
	if w.Table == nil {
		return nil, WeightReport{}, eris.New("proximity: mobility weighting has no table")
	}
	snapshot, _, ok := w.Table.EdgesAsOf(step)
	if !ok {
		m, _ := connectivity.Normalize(nil, connectivity.SelfLoopNone)
		return m, WeightReport{}, nil
	}
	edges := connectivity.FilterHomes(snapshot, homes)
	m, rep := connectivity.Normalize(edges, w.SelfLoop)
	return m, WeightReport{Excluded: rep.Excluded, Synthesized: rep.Synthesized}, nil
}
