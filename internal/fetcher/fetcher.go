// Package fetcher reads input tables: local or remote delimited files and
// XLSX workbooks.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// IsRemote reports whether source is an http(s) URL.
func IsRemote(source string) bool {
	u, err := url.Parse(source)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Localize returns a local path for source. Remote sources are downloaded
// into tempDir first; local paths are returned unchanged.
func Localize(ctx context.Context, f Fetcher, source, tempDir string) (string, error) {
	if !IsRemote(source) {
		return source, nil
	}
	if f == nil {
		return "", eris.Errorf("fetcher: no fetcher configured for %s", source)
	}

	u, _ := url.Parse(source)
	name := filepath.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "download"
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", eris.Wrap(err, "fetcher: create temp dir")
	}
	dest := filepath.Join(tempDir, name)

	n, err := f.DownloadToFile(ctx, source, dest)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: download %s", source)
	}
	zap.L().Info("input downloaded",
		zap.String("component", "fetcher"),
		zap.String("url", source),
		zap.String("path", dest),
		zap.Int64("bytes", n),
	)
	return dest, nil
}

// Resolve returns a local path for source: remote sources are downloaded
// and a .zip archive is replaced by its single member, extracted under
// tempDir.
func Resolve(ctx context.Context, f Fetcher, source, tempDir string) (string, error) {
	path, err := Localize(ctx, f, source, tempDir)
	if err != nil {
		return "", err
	}
	if !IsZIP(path) {
		return path, nil
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Member(path, filepath.Join(tempDir, base), "")
}

// Open returns a reader over source after Resolve.
func Open(ctx context.Context, f Fetcher, source, tempDir string) (io.ReadCloser, error) {
	path, err := Resolve(ctx, f, source, tempDir)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", path)
	}
	return file, nil
}

// DelimiterFor picks a field delimiter from a file name: tab for .tsv/.tab/.txt
// (the SCI distribution format), comma otherwise.
func DelimiterFor(name string) rune {
	switch strings.ToLower(filepath.Ext(strings.TrimSuffix(name, ".gz"))) {
	case ".tsv", ".tab", ".txt":
		return '\t'
	default:
		return ','
	}
}
