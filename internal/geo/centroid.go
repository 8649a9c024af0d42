// Package geo derives the physical distance table from entity centroids.
package geo

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"

	"github.com/sells-group/sci-proximity/internal/entity"
	"github.com/sells-group/sci-proximity/internal/fetcher"
	"github.com/sells-group/sci-proximity/internal/ingest"
)

// DefaultIDField is the TIGER county shapefile attribute holding the
// 5-digit county FIPS code.
const DefaultIDField = "GEOID"

// Centroid is the representative point of one entity in degrees (WGS84).
type Centroid struct {
	ID  string
	Lat float64
	Lon float64
}

// ShapefileOptions configures ReadShapefile.
type ShapefileOptions struct {
	IDField     string
	Normalizer  entity.Normalizer
	MaxSkipRate float64
}

// ReadShapefile reads polygon records and returns one centroid per entity.
// Records of merged sub-entities are folded into their reporting entity by
// averaging their centroids.
func ReadShapefile(path string, opts ShapefileOptions) ([]Centroid, *ingest.Tally, error) {
	if opts.IDField == "" {
		opts.IDField = DefaultIDField
	}

	reader, err := shp.Open(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "geo: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	idIdx := fieldIndex(reader, opts.IDField)
	if idIdx < 0 {
		return nil, nil, eris.Errorf("geo: shapefile field %s not found", opts.IDField)
	}

	tally := ingest.NewTally(path, opts.MaxSkipRate)
	acc := newCentroidAccumulator()

	for reader.Next() {
		tally.Row()
		_, shape := reader.Shape()

		raw := strings.TrimSpace(strings.TrimRight(reader.Attribute(idIdx), "\x00"))
		id, err := opts.Normalizer.Normalize(raw)
		if err != nil {
			if eris.Is(err, entity.ErrOutOfDomain) {
				tally.Discard()
			} else {
				tally.Skip("id")
			}
			continue
		}

		c, ok := shapeCentroid(shape)
		if !ok {
			tally.Skip("geometry")
			continue
		}
		tally.Accept()
		acc.add(id, c)
	}

	if err := tally.Check(); err != nil {
		return nil, tally, err
	}
	return acc.centroids(), tally, nil
}

func fieldIndex(reader *shp.Reader, name string) int {
	for i, f := range reader.Fields() {
		if strings.EqualFold(strings.TrimRight(f.String(), "\x00"), name) {
			return i
		}
	}
	return -1
}

// shapeCentroid returns the area centroid of a polygon shape, or the point
// itself for point shapes.
func shapeCentroid(shape shp.Shape) (geom.Coord, bool) {
	switch s := shape.(type) {
	case *shp.Point:
		return geom.Coord{s.X, s.Y}, true
	case *shp.Polygon:
		mp := polygonToMultiPolygon(s)
		if mp == nil {
			return nil, false
		}
		c, err := xy.Centroid(mp)
		if err != nil {
			zap.L().Debug("geo: centroid failed", zap.Error(err))
			return nil, false
		}
		return c, true
	default:
		return nil, false
	}
}

// polygonToMultiPolygon converts a shapefile polygon to a multipolygon with
// one polygon per part.
func polygonToMultiPolygon(p *shp.Polygon) *geom.MultiPolygon {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY).SetSRID(4326)
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if end-start < 4 {
			continue
		}

		flat := make([]float64, 0, 2*(end-start))
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}
		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(geom.NewLinearRingFlat(geom.XY, flat)); err != nil {
			continue
		}
		if err := mp.Push(poly); err != nil {
			continue
		}
	}
	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}

type centroidAccumulator struct {
	order []string
	sum   map[string][3]float64
}

func newCentroidAccumulator() *centroidAccumulator {
	return &centroidAccumulator{sum: make(map[string][3]float64)}
}

func (a *centroidAccumulator) add(id string, c geom.Coord) {
	s, ok := a.sum[id]
	if !ok {
		a.order = append(a.order, id)
	}
	a.sum[id] = [3]float64{s[0] + c.Y(), s[1] + c.X(), s[2] + 1}
}

func (a *centroidAccumulator) centroids() []Centroid {
	out := make([]Centroid, 0, len(a.order))
	for _, id := range a.order {
		s := a.sum[id]
		out = append(out, Centroid{ID: id, Lat: s[0] / s[2], Lon: s[1] / s[2]})
	}
	sortCentroids(out)
	return out
}

// Gazetteer column aliases (Census county gazetteer files use
// GEOID/INTPTLAT/INTPTLONG).
var (
	idAliases  = []string{"geoid", "entity_id", "fips", "id"}
	latAliases = []string{"intptlat", "lat", "latitude"}
	lonAliases = []string{"intptlong", "lon", "lng", "longitude"}
)

// GazetteerOptions configures LoadGazetteer.
type GazetteerOptions struct {
	Normalizer  entity.Normalizer
	Delimiter   rune
	MaxSkipRate float64
}

// LoadGazetteer reads centroids from a delimited file with a header naming
// id, latitude and longitude columns.
func LoadGazetteer(ctx context.Context, r io.Reader, source string, opts GazetteerOptions) ([]Centroid, *ingest.Tally, error) {
	rowCh, errCh := fetcher.StreamCSV(ctx, r, fetcher.CSVOptions{
		Delimiter:  opts.Delimiter,
		LazyQuotes: true,
		TrimSpace:  true,
	})

	tally := ingest.NewTally(source, opts.MaxSkipRate)
	acc := newCentroidAccumulator()
	var cols fetcher.Columns
	idIdx, latIdx, lonIdx := -1, -1, -1

	err := fetcher.Drain(rowCh, errCh, func(row fetcher.Row) error {
		if cols == nil {
			cols = fetcher.MapColumns(row.Fields)
			idIdx, latIdx, lonIdx = cols.Index(idAliases...), cols.Index(latAliases...), cols.Index(lonAliases...)
			if idIdx < 0 || latIdx < 0 || lonIdx < 0 {
				return eris.Errorf("geo: %s needs id, latitude and longitude columns", source)
			}
			return nil
		}

		tally.Row()
		id, err := opts.Normalizer.Normalize(fetcher.Field(row.Fields, idIdx))
		if err != nil {
			if eris.Is(err, entity.ErrOutOfDomain) {
				tally.Discard()
			} else {
				tally.Skip("id")
			}
			return nil
		}
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(fetcher.Field(row.Fields, latIdx)), 64)
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(fetcher.Field(row.Fields, lonIdx)), 64)
		if errLat != nil || errLon != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			tally.Skip("coordinates")
			return nil
		}
		tally.Accept()
		acc.add(id, geom.Coord{lon, lat})
		return nil
	})
	if err != nil {
		return nil, tally, eris.Wrapf(err, "geo: read %s", source)
	}
	if err := tally.Check(); err != nil {
		return nil, tally, err
	}
	return acc.centroids(), tally, nil
}
