package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sci-proximity/internal/fetcher"
	"github.com/sells-group/sci-proximity/internal/geo"
)

var distancesCmd = &cobra.Command{
	Use:   "distances",
	Short: "Build the centroid distance table",
	Long: `Computes one centroid per entity from a county polygon shapefile (TIGER
tl_<year>_us_county, zipped or not) or from a gazetteer file with internal
point coordinates, and writes the great-circle distance in miles for every
pair within --radius as (county1, mi_to_county, county2). The output is the
input.distances table of the distance weighting.`,
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyDistancesFlags(cmd)
		if err := cfg.Validate("distances"); err != nil {
			return err
		}
		dc := cfg.Distances

		env, err := newRunEnv(cfg, "distances", "distance")
		if err != nil {
			return err
		}
		defer func() { env.finish(ctx, err) }()

		centroids, err := env.centroids(ctx)
		if err != nil {
			return err
		}
		edges := geo.Pairs(centroids, geo.PairOptions{RadiusMiles: dc.RadiusMiles, IncludeSelf: dc.IncludeSelf})

		zap.L().Info("distance table built",
			zap.String("command", "distances"),
			zap.Int("centroids", len(centroids)),
			zap.Int("pairs", len(edges)),
			zap.Float64("radius_miles", dc.RadiusMiles),
		)

		if dc.Output == "" || dc.Output == "-" {
			return geo.WriteDistances(cmd.OutOrStdout(), edges, ',')
		}
		if err := os.MkdirAll(filepath.Dir(dc.Output), 0o755); err != nil {
			return eris.Wrap(err, "distances: create output dir")
		}
		tmp := dc.Output + ".tmp"
		f, err := os.Create(tmp)
		if err != nil {
			return eris.Wrapf(err, "distances: create %s", tmp)
		}
		if err := geo.WriteDistances(f, edges, fetcher.DelimiterFor(dc.Output)); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return err
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(tmp)
			return eris.Wrap(err, "distances: close output")
		}
		if err := os.Rename(tmp, dc.Output); err != nil {
			return eris.Wrap(err, "distances: rename output")
		}
		env.collector.AddWritten(len(edges))
		return nil
	},
}

// centroids reads entity centroids from the shapefile, or from the gazetteer
// when no shapefile is configured.
func (e *runEnv) centroids(ctx context.Context) ([]geo.Centroid, error) {
	dc := e.cfg.Distances
	tempDir := e.cfg.Input.TempDir

	if dc.Shapefile != "" {
		path, err := fetcher.Localize(ctx, e.fetcher, dc.Shapefile, tempDir)
		if err != nil {
			return nil, err
		}
		if fetcher.IsZIP(path) {
			base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			if path, err = fetcher.Member(path, filepath.Join(tempDir, base), ".shp"); err != nil {
				return nil, err
			}
		}
		cs, tally, err := geo.ReadShapefile(path, geo.ShapefileOptions{
			IDField:     dc.IDField,
			Normalizer:  e.norm,
			MaxSkipRate: e.cfg.Ingest.MaxSkipRate,
		})
		e.observe(tally)
		return cs, err
	}

	rc, err := e.open(ctx, dc.Gazetteer)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck
	cs, tally, err := geo.LoadGazetteer(ctx, rc, dc.Gazetteer, geo.GazetteerOptions{
		Normalizer:  e.norm,
		Delimiter:   fetcher.DelimiterFor(dc.Gazetteer),
		MaxSkipRate: e.cfg.Ingest.MaxSkipRate,
	})
	e.observe(tally)
	return cs, err
}

func applyDistancesFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("shapefile") {
		cfg.Distances.Shapefile, _ = f.GetString("shapefile")
	}
	if f.Changed("gazetteer") {
		cfg.Distances.Gazetteer, _ = f.GetString("gazetteer")
	}
	if f.Changed("radius") {
		cfg.Distances.RadiusMiles, _ = f.GetFloat64("radius")
	}
	if f.Changed("include-self") {
		cfg.Distances.IncludeSelf, _ = f.GetBool("include-self")
	}
	if f.Changed("output") {
		cfg.Distances.Output, _ = f.GetString("output")
	}
}

func init() {
	distancesCmd.Flags().String("shapefile", "", "county polygon shapefile (.shp or .zip), path or URL")
	distancesCmd.Flags().String("gazetteer", "", "gazetteer file with id and internal point columns, path or URL")
	distancesCmd.Flags().Float64("radius", 0, "drop pairs farther apart than this many miles, 0 keeps all (default: distances.radius_miles)")
	distancesCmd.Flags().Bool("include-self", false, "emit a zero-distance row for every entity")
	distancesCmd.Flags().StringP("output", "o", "", "output file or - for stdout (default: distances.output)")
	rootCmd.AddCommand(distancesCmd)
}
