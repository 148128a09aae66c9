// Package discovery walks a materialized dataset directory and classifies
// every regular file it finds.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"github.com/vdeturckheim/hf-dataset/pkg/formats"
)

// skipDirs are bookkeeping directories that never hold dataset files.
var skipDirs = map[string]bool{
	".git":         true,
	".cache":       true,
	".huggingface": true,
}

// Entry is one supported file found under the root.
type Entry struct {
	// Path is relative to the root and slash-separated
	Path  string
	Class formats.Classification
}

// Result is the outcome of a walk.
type Result struct {
	// Entries are the supported files sorted by Path
	Entries []Entry
	// Skipped counts regular files with unsupported extensions
	Skipped int
}

// Walk visits every file below root. Directories, devices, sockets and
// dangling links are ignored; symbolic links are followed to their
// target. Files whose extension is not recognised are counted in
// Skipped and otherwise dropped.
func Walk(fs afero.Fs, root string) (*Result, error) {
	info, err := fs.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	res := &Result{}
	err = afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if p != root && skipDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !isRegular(fs, p, info) {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		class, ok := formats.Classify(rel)
		if !ok {
			res.Skipped++
			return nil
		}
		res.Entries = append(res.Entries, Entry{Path: rel, Class: class})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	sort.Slice(res.Entries, func(i, j int) bool {
		return res.Entries[i].Path < res.Entries[j].Path
	})
	return res, nil
}

func isRegular(fs afero.Fs, p string, info os.FileInfo) bool {
	if info.Mode()&os.ModeSymlink == 0 {
		return info.Mode().IsRegular()
	}
	target, err := fs.Stat(p)
	if err != nil {
		return false
	}
	return target.Mode().IsRegular()
}
