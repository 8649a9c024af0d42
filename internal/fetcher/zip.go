package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// IsZIP reports whether path names a ZIP archive.
func IsZIP(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".zip")
}

// Member extracts the one data file in archive with extension ext (any
// extension when ext is empty) into destDir and returns its path. Entries
// sharing the member's stem are extracted beside it, so a .shp arrives with
// its .dbf, .shx and .prj. Directories, dotfiles and __MACOSX metadata are
// ignored. Entries land flat in destDir under their base names.
func Member(archive, destDir, ext string) (string, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return "", eris.Wrapf(err, "zip: open %s", archive)
	}
	defer r.Close() //nolint:errcheck

	var matches []*zip.File
	for _, f := range r.File {
		if junk(f) {
			continue
		}
		if ext == "" || strings.EqualFold(path.Ext(f.Name), ext) {
			matches = append(matches, f)
		}
	}
	if len(matches) != 1 {
		want := "data file"
		if ext != "" {
			want = ext + " file"
		}
		return "", eris.Errorf("zip: %s holds %d %ss, want exactly 1", filepath.Base(archive), len(matches), want)
	}
	member := matches[0]

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", eris.Wrap(err, "zip: create destination")
	}
	stem := stemOf(member.Name)
	var out string
	for _, f := range r.File {
		if junk(f) || !strings.EqualFold(stemOf(f.Name), stem) {
			continue
		}
		p, err := extract(f, destDir)
		if err != nil {
			return "", err
		}
		if f == member {
			out = p
		}
	}
	return out, nil
}

func junk(f *zip.File) bool {
	if f.FileInfo().IsDir() {
		return true
	}
	base := path.Base(f.Name)
	return strings.HasPrefix(f.Name, "__MACOSX/") || strings.HasPrefix(base, ".")
}

func stemOf(name string) string {
	base := path.Base(name)
	return strings.TrimSuffix(base, path.Ext(base))
}

func extract(f *zip.File, destDir string) (string, error) {
	dest := filepath.Join(destDir, path.Base(f.Name))

	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrapf(err, "zip: open entry %s", f.Name)
	}
	defer rc.Close() //nolint:errcheck

	w, err := os.Create(dest)
	if err != nil {
		return "", eris.Wrap(err, "zip: create file")
	}
	if _, err := io.Copy(w, rc); err != nil {
		_ = w.Close()
		return "", eris.Wrapf(err, "zip: extract %s", f.Name)
	}
	if err := w.Close(); err != nil {
		return "", eris.Wrap(err, "zip: close file")
	}
	return dest, nil
}
