package hub

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/vdeturckheim/hf-dataset/pkg/hferrors"
)

// LocalFetcher serves datasets already present under Root. A dataset
// "org/name" lives in Root/org/name; when Root/org/name/<revision> is a
// directory it is used instead, otherwise the revision is ignored.
type LocalFetcher struct {
	Fs   afero.Fs
	Root string
}

// FetchSnapshot resolves the dataset directory without copying anything.
func (f *LocalFetcher) FetchSnapshot(ctx context.Context, repoID, revision, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel, err := safeRel(repoID)
	if err != nil {
		return "", err
	}

	fs := f.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	dir := filepath.Join(f.Root, filepath.FromSlash(rel))
	if ok, _ := afero.DirExists(fs, dir); !ok {
		return "", hferrors.New(hferrors.ErrorTypeNotFound,
			fmt.Sprintf("dataset %s not found under %s", repoID, f.Root)).
			WithDetail("dataset", repoID)
	}
	if revision != "" {
		if rel, err := safeRel(revision); err == nil {
			withRev := filepath.Join(dir, filepath.FromSlash(rel))
			if ok, _ := afero.DirExists(fs, withRev); ok {
				return withRev, nil
			}
		}
	}
	return dir, nil
}
