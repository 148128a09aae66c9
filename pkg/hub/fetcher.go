// Package hub materializes dataset snapshots on the local filesystem.
//
// A Fetcher turns (repository, revision, credential) into a directory that
// holds the snapshot's files. Backends exist for the Hugging Face Hub HTTP
// API, S3, Google Cloud Storage and plain local directories. The dataset
// session treats every backend as an opaque, atomic operation.
package hub

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/vdeturckheim/hf-dataset/pkg/config"
	"github.com/vdeturckheim/hf-dataset/pkg/hferrors"
)

// Fetcher materializes a dataset snapshot and returns its root directory.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, repoID, revision, credential string) (string, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, repoID, revision, credential string) (string, error)

// FetchSnapshot calls f.
func (f FetcherFunc) FetchSnapshot(ctx context.Context, repoID, revision, credential string) (string, error) {
	return f(ctx, repoID, revision, credential)
}

// NewFetcher builds the backend selected by cfg.Hub.Backend. Snapshots are
// written through fs, which must be rooted at the real filesystem for
// the hub, s3 and gcs backends when their output is read back by path.
func NewFetcher(ctx context.Context, cfg *config.Config, fs afero.Fs, log *zap.Logger) (Fetcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Hub.Backend {
	case config.BackendLocal:
		return &LocalFetcher{Fs: fs, Root: cfg.Hub.LocalRoot}, nil
	case config.BackendHub, "":
		return NewHubFetcher(cfg.Hub, fs, log), nil
	case config.BackendS3:
		return NewS3Fetcher(ctx, cfg.Hub, fs, log)
	case config.BackendGCS:
		return NewGCSFetcher(ctx, cfg.Hub, fs, log)
	default:
		return nil, hferrors.New(hferrors.ErrorTypeConfig,
			fmt.Sprintf("unknown hub backend %q", cfg.Hub.Backend))
	}
}
