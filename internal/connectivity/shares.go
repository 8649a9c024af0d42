package connectivity

import (
	"math"
	"sort"

	"go.uber.org/zap"
)

// ShareTolerance bounds |Σ shares - 1| for every home in a ShareMatrix.
const ShareTolerance = 1e-9

// SelfLoop controls how a missing home->home edge is treated before
// normalization.
type SelfLoop string

const (
	// SelfLoopNone leaves edge sets as loaded.
	SelfLoopNone SelfLoop = "none"
	// SelfLoopZero adds a home->home edge with weight 0 when absent, so the
	// home appears in its own neighbor list with share 0.
	SelfLoopZero SelfLoop = "zero"
	// SelfLoopDistance treats a missing self distance as 0 (weight 1 under
	// inverse-distance weighting). Only meaningful for distance tables.
	SelfLoopDistance SelfLoop = "distance"
)

// Share is a neighbor's normalized fraction of a home's total weight.
type Share struct {
	Neighbor string
	Value    float64
}

// ShareMatrix is a sparse home -> neighbor share relation, grouped by home.
// Neighbor lists are sorted by neighbor ID.
type ShareMatrix struct {
	rows  map[string][]Share
	homes []string
}

// Homes returns the home IDs in ascending order.
func (m *ShareMatrix) Homes() []string { return m.homes }

// Row returns the shares for home, or nil if home is not present.
func (m *ShareMatrix) Row(home string) []Share { return m.rows[home] }

// Len is the number of homes.
func (m *ShareMatrix) Len() int { return len(m.homes) }

// NNZ is the number of stored (home, neighbor) shares.
func (m *ShareMatrix) NNZ() int {
	n := 0
	for _, r := range m.rows {
		n += len(r)
	}
	return n
}

// Subset returns a matrix restricted to homes satisfying keep. Rows are
// shared with m, not copied.
func (m *ShareMatrix) Subset(keep func(home string) bool) *ShareMatrix {
	out := &ShareMatrix{rows: make(map[string][]Share)}
	for _, h := range m.homes {
		if keep(h) {
			out.rows[h] = m.rows[h]
			out.homes = append(out.homes, h)
		}
	}
	return out
}

// NormalizeReport summarizes a Normalize call.
type NormalizeReport struct {
	Homes       int
	Edges       int
	Synthesized int
	// Excluded lists homes with zero total weight (ZeroWeightEntity).
	Excluded []string
}

// Normalize groups edges by home and converts weights to shares:
// share(h, n) = w(h, n) / Σ w(h, ·). Edges must not contain duplicate pairs
// (collapse them with an Accumulator first). Homes whose total weight is
// zero are excluded and reported.
func Normalize(edges []Edge, selfLoop SelfLoop) (*ShareMatrix, NormalizeReport) {
	grouped := make(map[string][]Edge)
	for _, e := range edges {
		grouped[e.Home] = append(grouped[e.Home], e)
	}

	homes := make([]string, 0, len(grouped))
	for h := range grouped {
		homes = append(homes, h)
	}
	sort.Strings(homes)

	m := &ShareMatrix{rows: make(map[string][]Share, len(homes))}
	var rep NormalizeReport
	log := zap.L().With(zap.String("component", "connectivity.normalize"))

	for _, h := range homes {
		row := grouped[h]
		if selfLoop == SelfLoopZero && !hasNeighbor(row, h) {
			row = append(row, Edge{Home: h, Neighbor: h, Weight: 0})
			rep.Synthesized++
		}
		sort.Slice(row, func(i, j int) bool { return row[i].Neighbor < row[j].Neighbor })

		var total float64
		for _, e := range row {
			total += e.Weight
		}
		if total <= 0 || math.IsInf(total, 0) || math.IsNaN(total) {
			rep.Excluded = append(rep.Excluded, h)
			log.Warn("home excluded: zero total weight",
				zap.String("home", h),
				zap.Int("neighbors", len(row)),
			)
			continue
		}

		shares := make([]Share, len(row))
		for i, e := range row {
			shares[i] = Share{Neighbor: e.Neighbor, Value: e.Weight / total}
		}
		m.rows[h] = shares
		m.homes = append(m.homes, h)
		rep.Edges += len(shares)
	}
	rep.Homes = len(m.homes)

	return m, rep
}

// ShareSum returns Σ shares for home.
func (m *ShareMatrix) ShareSum(home string) float64 {
	var s float64
	for _, sh := range m.rows[home] {
		s += sh.Value
	}
	return s
}

func hasNeighbor(row []Edge, n string) bool {
	for _, e := range row {
		if e.Neighbor == n {
			return true
		}
	}
	return false
}
