package connectivity

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_SharesSumToOne(t *testing.T) {
	edges := []Edge{
		{"01001", "01001", 9000},
		{"01001", "01003", 1500},
		{"01001", "01005", 200.5},
		{"01003", "01001", 1500},
		{"01003", "01003", 7000},
	}
	m, rep := Normalize(edges, SelfLoopNone)

	assert.Equal(t, 2, rep.Homes)
	assert.Equal(t, 5, rep.Edges)
	assert.Empty(t, rep.Excluded)
	for _, h := range m.Homes() {
		assert.InDelta(t, 1.0, m.ShareSum(h), ShareTolerance, "home %s", h)
	}
}

func TestNormalize_ThreeEntityScenario(t *testing.T) {
	edges := []Edge{
		{"A", "B", 2},
		{"A", "C", 1},
	}
	m, rep := Normalize(edges, SelfLoopZero)
	require.Equal(t, []string{"A"}, m.Homes())
	assert.Equal(t, 1, rep.Synthesized)

	row := m.Row("A")
	require.Len(t, row, 3)
	assert.Equal(t, Share{Neighbor: "A", Value: 0}, row[0])
	assert.Equal(t, "B", row[1].Neighbor)
	assert.InDelta(t, 2.0/3.0, row[1].Value, 1e-12)
	assert.Equal(t, "C", row[2].Neighbor)
	assert.InDelta(t, 1.0/3.0, row[2].Value, 1e-12)
}

func TestNormalize_SelfLoopZeroKeepsExistingSelfEdge(t *testing.T) {
	m, rep := Normalize([]Edge{{"A", "A", 4}, {"A", "B", 4}}, SelfLoopZero)
	assert.Zero(t, rep.Synthesized)
	assert.InDelta(t, 0.5, m.Row("A")[0].Value, 1e-12)
}

func TestNormalize_ZeroWeightHomeExcluded(t *testing.T) {
	edges := []Edge{
		{"A", "B", 0},
		{"A", "C", 0},
		{"B", "A", 3},
	}
	m, rep := Normalize(edges, SelfLoopZero)
	assert.Equal(t, []string{"B"}, m.Homes())
	assert.Equal(t, []string{"A"}, rep.Excluded)
	assert.Nil(t, m.Row("A"))
}

func TestNormalize_DeterministicOrder(t *testing.T) {
	edges := []Edge{{"B", "Z", 1}, {"A", "Y", 1}, {"B", "X", 3}, {"A", "W", 1}}
	m1, _ := Normalize(edges, SelfLoopNone)
	m2, _ := Normalize([]Edge{edges[3], edges[2], edges[1], edges[0]}, SelfLoopNone)
	assert.Equal(t, m1.Homes(), m2.Homes())
	for _, h := range m1.Homes() {
		assert.Equal(t, m1.Row(h), m2.Row(h))
	}
	assert.Equal(t, "X", m1.Row("B")[0].Neighbor)
}

func TestNormalize_DoesNotMutateInput(t *testing.T) {
	edges := []Edge{{"A", "C", 1}, {"A", "B", 1}}
	_, _ = Normalize(edges, SelfLoopZero)
	assert.Equal(t, []Edge{{"A", "C", 1}, {"A", "B", 1}}, edges)
}

func TestNormalize_ManyNeighborsWithinTolerance(t *testing.T) {
	var edges []Edge
	for i := range 3000 {
		edges = append(edges, Edge{Home: "H", Neighbor: fmt.Sprintf("N%04d", i), Weight: math.Pow(1.01, float64(i%500))})
	}
	acc := NewAccumulator()
	for _, e := range edges {
		acc.Add(e.Home, e.Neighbor, e.Weight)
	}
	m, _ := Normalize(acc.Edges(), SelfLoopNone)
	assert.InDelta(t, 1.0, m.ShareSum("H"), ShareTolerance)
}

func TestShareMatrix_Subset(t *testing.T) {
	m, _ := Normalize([]Edge{{"01001", "01003", 1}, {"06037", "06059", 1}, {"06059", "06037", 1}}, SelfLoopNone)
	sub := m.Subset(func(h string) bool { return h[:2] == "06" })
	assert.Equal(t, []string{"06037", "06059"}, sub.Homes())
	assert.Equal(t, 2, sub.NNZ())
	assert.Equal(t, 3, m.NNZ())
	assert.Equal(t, 3, m.Len())
}
