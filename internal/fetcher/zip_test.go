package fetcher

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestZIP(t *testing.T, name string, files map[string]string) string {
	t.Helper()
	zipPath := filepath.Join(t.TempDir(), name)
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return zipPath
}

func TestIsZIP(t *testing.T) {
	assert.True(t, IsZIP("tl_2019_us_county.ZIP"))
	assert.False(t, IsZIP("county_county.tsv"))
}

func TestMember_ShapefileBundle(t *testing.T) {
	archive := createTestZIP(t, "tl_2019_us_county.zip", map[string]string{
		"tl_2019_us_county/tl_2019_us_county.shp": "shp",
		"tl_2019_us_county/tl_2019_us_county.dbf": "dbf",
		"tl_2019_us_county/tl_2019_us_county.shx": "shx",
		"tl_2019_us_county/readme.txt":            "notes",
		"__MACOSX/tl_2019_us_county/._tl.shp":     "junk",
	})
	dest := filepath.Join(t.TempDir(), "tl")

	p, err := Member(archive, dest, ".shp")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "tl_2019_us_county.shp"), p)
	assert.FileExists(t, filepath.Join(dest, "tl_2019_us_county.dbf"))
	assert.FileExists(t, filepath.Join(dest, "tl_2019_us_county.shx"))
	assert.NoFileExists(t, filepath.Join(dest, "readme.txt"))

	data, err := os.ReadFile(filepath.Join(dest, "tl_2019_us_county.dbf"))
	require.NoError(t, err)
	assert.Equal(t, "dbf", string(data))
}

func TestMember_Counts(t *testing.T) {
	archive := createTestZIP(t, "tl.zip", map[string]string{
		"tl.shp": "shp",
		"tl.dbf": "dbf",
	})

	_, err := Member(archive, t.TempDir(), "")
	assert.ErrorContains(t, err, "tl.zip holds 2 data files, want exactly 1")

	_, err = Member(archive, t.TempDir(), ".csv")
	assert.ErrorContains(t, err, "holds 0 .csv files")
}

func TestMember_FlattensTraversal(t *testing.T) {
	archive := createTestZIP(t, "evil.zip", map[string]string{"../../evil.tsv": "x"})
	dest := t.TempDir()

	p, err := Member(archive, dest, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "evil.tsv"), p)
}

func TestMember_NotAnArchive(t *testing.T) {
	p := filepath.Join(t.TempDir(), "plain.zip")
	require.NoError(t, os.WriteFile(p, []byte("not a zip"), 0o644))
	_, err := Member(p, t.TempDir(), "")
	assert.ErrorContains(t, err, "zip: open")
}

func TestResolve_UnpacksSingleMember(t *testing.T) {
	archive := createTestZIP(t, "county_county.zip", map[string]string{
		"county_county.tsv": "user_loc\tfr_loc\tscaled_sci\n1001\t1003\t5\n",
	})
	tempDir := t.TempDir()

	path, err := Resolve(context.Background(), nil, archive, tempDir)
	require.NoError(t, err)
	assert.Equal(t, "county_county.tsv", filepath.Base(path))
	assert.Equal(t, '\t', DelimiterFor(path))

	rc, err := Open(context.Background(), nil, archive, tempDir)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
}
