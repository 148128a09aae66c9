package hub

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/vdeturckheim/hf-dataset/pkg/hferrors"
)

const incompleteSuffix = ".incomplete"

// safeRel cleans a slash-separated relative path and rejects absolute
// paths and parent references.
func safeRel(p string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if clean == "." || clean == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", hferrors.New(hferrors.ErrorTypeValidation, fmt.Sprintf("invalid relative path %q", p))
	}
	return clean, nil
}

// isComplete reports whether dest already exists as a regular file, with
// the expected size when size >= 0.
func isComplete(fs afero.Fs, dest string, size int64) bool {
	info, err := fs.Stat(dest)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return size < 0 || info.Size() == size
}

// writeAtomic creates dest by filling dest+".incomplete" and renaming it.
// On failure the partial file is removed.
func writeAtomic(fs afero.Fs, dest string, fill func(f afero.File) error) error {
	if err := fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return hferrors.Wrap(err, hferrors.ErrorTypeFile, "failed to create snapshot directory")
	}
	tmp := dest + incompleteSuffix
	f, err := fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return hferrors.Wrap(err, hferrors.ErrorTypeFile, fmt.Sprintf("failed to create %s", tmp))
	}
	if err := fill(f); err != nil {
		f.Close()
		_ = fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(tmp)
		return hferrors.Wrap(err, hferrors.ErrorTypeFile, fmt.Sprintf("failed to write %s", tmp))
	}
	if err := fs.Rename(tmp, dest); err != nil {
		return hferrors.Wrap(err, hferrors.ErrorTypeFile, fmt.Sprintf("failed to finalize %s", dest))
	}
	return nil
}

// objectPrefix is the bucket key prefix holding one dataset revision.
func objectPrefix(prefix, repoID, revision string) string {
	return path.Join(prefix, repoID, revision) + "/"
}

// mirrorDir is the local directory for a bucket-backed snapshot.
func mirrorDir(cacheDir, scheme, bucket, repoID, revision string) string {
	return filepath.Join(cacheDir, scheme, bucket, filepath.FromSlash(repoID), filepath.FromSlash(revision))
}
