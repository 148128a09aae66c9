package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdeturckheim/hf-dataset/pkg/formats"
)

func write(t *testing.T, fs afero.Fs, name string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, afero.WriteFile(fs, name, []byte("x"), 0o644))
}

func TestWalkSortsAndClassifies(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, name := range []string{
		"/ds/train/b.jsonl",
		"/ds/train/a.csv.gz",
		"/ds/README.md",
		"/ds/test.parquet",
		"/ds/.git/objects/x.csv",
		"/ds/nested/.cache/tmp.jsonl",
		"/ds/A.tsv",
	} {
		write(t, fs, name)
	}

	res, err := Walk(fs, "/ds")
	require.NoError(t, err)

	paths := make([]string, len(res.Entries))
	for i, e := range res.Entries {
		paths[i] = e.Path
	}
	assert.Equal(t, []string{"A.tsv", "test.parquet", "train/a.csv.gz", "train/b.jsonl"}, paths)
	assert.Equal(t, 1, res.Skipped)

	assert.Equal(t, formats.TypeDelimitedText, res.Entries[2].Class.Type)
	assert.True(t, res.Entries[2].Class.Compressed())
	assert.Equal(t, formats.TypeColumnar, res.Entries[1].Class.Type)
}

func TestWalkOnlyUnsupported(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/ds/README.md")
	write(t, fs, "/ds/LICENSE")

	res, err := Walk(fs, "/ds")
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	assert.Equal(t, 2, res.Skipped)
}

func TestWalkMissingRoot(t *testing.T) {
	_, err := Walk(afero.NewMemMapFs(), "/nope")
	assert.Error(t, err)

	fs := afero.NewMemMapFs()
	write(t, fs, "/file.csv")
	_, err = Walk(fs, "/file.csv")
	assert.Error(t, err)
}

func TestWalkFollowsSymlinks(t *testing.T) {
	dir := t.TempDir()
	blobs := filepath.Join(dir, "blobs")
	snap := filepath.Join(dir, "snapshot")
	require.NoError(t, os.MkdirAll(blobs, 0o755))
	require.NoError(t, os.MkdirAll(snap, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blobs, "abc"), []byte("a\n1\n"), 0o644))

	if err := os.Symlink(filepath.Join(blobs, "abc"), filepath.Join(snap, "data.csv")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	require.NoError(t, os.Symlink(filepath.Join(blobs, "missing"), filepath.Join(snap, "dangling.csv")))

	res, err := Walk(afero.NewOsFs(), snap)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "data.csv", res.Entries[0].Path)
}
