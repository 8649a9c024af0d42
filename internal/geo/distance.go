package geo

import (
	"encoding/csv"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sci-proximity/internal/connectivity"
)

// EarthRadiusMiles is the mean Earth radius.
const EarthRadiusMiles = 3958.8

// DistanceHeader is the header written by WriteDistances. It matches the
// NBER county distance files, so the output loads with
// connectivity.LoadDistances.
var DistanceHeader = []string{"county1", "mi_to_county", "county2"}

// HaversineMiles returns the great-circle distance between two centroids.
func HaversineMiles(a, b Centroid) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMiles * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// PairOptions configures Pairs.
type PairOptions struct {
	// RadiusMiles drops pairs farther apart. Zero keeps every pair.
	RadiusMiles float64
	// IncludeSelf emits (id, id, 0) for every centroid.
	IncludeSelf bool
}

// Pairs returns the directed distance edges between all centroids, with
// Weight holding the distance in miles, sorted by (home, neighbor).
func Pairs(cs []Centroid, opts PairOptions) []connectivity.Edge {
	var out []connectivity.Edge
	for i := range cs {
		for j := range cs {
			if i == j {
				if opts.IncludeSelf {
					out = append(out, connectivity.Edge{Home: cs[i].ID, Neighbor: cs[i].ID})
				}
				continue
			}
			d := HaversineMiles(cs[i], cs[j])
			if opts.RadiusMiles > 0 && d > opts.RadiusMiles {
				continue
			}
			out = append(out, connectivity.Edge{Home: cs[i].ID, Neighbor: cs[j].ID, Weight: d})
		}
	}
	connectivity.SortEdges(out)
	return out
}

// WriteDistances writes the distance edges as delimited text with
// DistanceHeader.
func WriteDistances(w io.Writer, edges []connectivity.Edge, delimiter rune) error {
	cw := csv.NewWriter(w)
	if delimiter != 0 {
		cw.Comma = delimiter
	}
	if err := cw.Write(DistanceHeader); err != nil {
		return eris.Wrap(err, "geo: write header")
	}
	for _, e := range edges {
		rec := []string{e.Home, strconv.FormatFloat(e.Weight, 'f', 6, 64), e.Neighbor}
		if err := cw.Write(rec); err != nil {
			return eris.Wrap(err, "geo: write distance")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "geo: flush distances")
}

func sortCentroids(cs []Centroid) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}
