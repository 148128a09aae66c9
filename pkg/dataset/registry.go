package dataset

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/vdeturckheim/hf-dataset/internal/discovery"
	"github.com/vdeturckheim/hf-dataset/pkg/compression"
	"github.com/vdeturckheim/hf-dataset/pkg/formats"
	"github.com/vdeturckheim/hf-dataset/pkg/hferrors"
)

// FileEntry describes one supported file of a prepared dataset.
type FileEntry struct {
	// Path is relative to the snapshot root and slash-separated
	Path        string                `json:"path"`
	Type        formats.Type          `json:"type"`
	Container   formats.Container     `json:"container"`
	Compressed  bool                  `json:"compressed"`
	Compression compression.Algorithm `json:"compression,omitempty"`
}

// Registry is the immutable set of files found in a snapshot, ordered by
// path.
type Registry struct {
	entries []FileEntry
	byPath  map[string]int
	skipped int
}

// Discover walks root and classifies every regular file. Files with an
// unsupported extension are left out.
func Discover(fs afero.Fs, root string) (*Registry, error) {
	res, err := discovery.Walk(fs, root)
	if err != nil {
		return nil, hferrors.Wrap(err, hferrors.ErrorTypeFile,
			fmt.Sprintf("failed to discover files under %s", root))
	}

	r := &Registry{
		entries: make([]FileEntry, 0, len(res.Entries)),
		byPath:  make(map[string]int, len(res.Entries)),
		skipped: res.Skipped,
	}
	for _, e := range res.Entries {
		if _, dup := r.byPath[e.Path]; dup {
			continue
		}
		r.byPath[e.Path] = len(r.entries)
		r.entries = append(r.entries, FileEntry{
			Path:        e.Path,
			Type:        e.Class.Type,
			Container:   e.Class.Container,
			Compressed:  e.Class.Compressed(),
			Compression: e.Class.Compression,
		})
	}
	return r, nil
}

// Len returns the number of entries.
func (r *Registry) Len() int { return len(r.entries) }

// Skipped returns how many files were excluded for an unsupported extension.
func (r *Registry) Skipped() int { return r.skipped }

// Entries returns a sorted copy of the entries.
func (r *Registry) Entries() []FileEntry {
	out := make([]FileEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Lookup returns the entry for path.
func (r *Registry) Lookup(path string) (FileEntry, bool) {
	i, ok := r.byPath[path]
	if !ok {
		return FileEntry{}, false
	}
	return r.entries[i], true
}
