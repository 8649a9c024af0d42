package proximity

import (
	"context"
	"os"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sci-proximity/internal/connectivity"
	"github.com/sells-group/sci-proximity/internal/fetcher"
	"github.com/sells-group/sci-proximity/internal/ingest"
)

// EdgeSource yields connectivity edges restricted to a set of homes.
type EdgeSource interface {
	Edges(ctx context.Context, homes HomeSet) ([]connectivity.Edge, error)
}

// MemoryEdges serves edges already held in memory.
type MemoryEdges []connectivity.Edge

// Edges implements EdgeSource.
func (m MemoryEdges) Edges(_ context.Context, homes HomeSet) ([]connectivity.Edge, error) {
	return connectivity.FilterHomes(m, homes), nil
}

// Homes returns the distinct homes in ascending order.
func (m MemoryEdges) Homes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range m {
		if !seen[e.Home] {
			seen[e.Home] = true
			out = append(out, e.Home)
		}
	}
	return sortedCopy(out)
}

// FileEdges re-reads an edge file on every call, keeping only the requested
// homes. Peak memory is the largest partition's edges, not the full file.
type FileEdges struct {
	Source  string
	Fetcher fetcher.Fetcher
	TempDir string
	Options connectivity.LoadOptions
	// OnTally receives the tally of every read. Optional. Called from
	// concurrent partitions.
	OnTally func(*ingest.Tally)

	resolveOnce sync.Once
	path        string
	resolveErr  error
}

// resolve downloads and unpacks the source once for all partitions.
func (f *FileEdges) resolve(ctx context.Context) (string, error) {
	f.resolveOnce.Do(func() {
		f.path, f.resolveErr = fetcher.Resolve(ctx, f.Fetcher, f.Source, f.TempDir)
	})
	return f.path, f.resolveErr
}

// Edges implements EdgeSource.
func (f *FileEdges) Edges(ctx context.Context, homes HomeSet) ([]connectivity.Edge, error) {
	path, err := f.resolve(ctx)
	if err != nil {
		return nil, err
	}
	rc, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "proximity: open %s", path)
	}
	defer rc.Close() //nolint:errcheck

	opts := f.Options
	if opts.Delimiter == 0 {
		opts.Delimiter = fetcher.DelimiterFor(path)
	}
	if homes != nil {
		outer := opts.HomeFilter
		opts.HomeFilter = func(h string) bool {
			return homes(h) && (outer == nil || outer(h))
		}
	}

	edges, tally, err := connectivity.LoadEdges(ctx, rc, f.Source, opts)
	if f.OnTally != nil && tally != nil {
		f.OnTally(tally)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "proximity: load edges from %s", f.Source)
	}
	zap.L().Debug("edges loaded for partition",
		zap.String("component", "proximity.source"),
		zap.String("source", f.Source),
		zap.Int("edges", len(edges)),
	)
	return edges, nil
}
