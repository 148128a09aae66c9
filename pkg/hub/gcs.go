package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/vdeturckheim/hf-dataset/pkg/config"
	"github.com/vdeturckheim/hf-dataset/pkg/hferrors"
)

// GCSFetcher mirrors datasets stored as gs://{Bucket}/{Prefix}/{org}/{name}/{revision}/...
// into {CacheDir}/gcs/{Bucket}/{org}/{name}/{revision}.
type GCSFetcher struct {
	Bucket      string
	Prefix      string
	CacheDir    string
	Concurrency int

	fs     afero.Fs
	client *storage.Client
	logger *zap.Logger
}

// NewGCSFetcher creates a client using application default credentials.
func NewGCSFetcher(ctx context.Context, cfg config.HubConfig, fs afero.Fs, log *zap.Logger, opts ...option.ClientOption) (*GCSFetcher, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, hferrors.Wrap(err, hferrors.ErrorTypeConfig, "failed to create GCS client")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if log == nil {
		log = zap.NewNop()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &GCSFetcher{
		Bucket:      cfg.Bucket,
		Prefix:      cfg.Prefix,
		CacheDir:    cfg.CacheDir,
		Concurrency: concurrency,
		fs:          fs,
		client:      client,
		logger:      log.With(zap.String("component", "gcs_fetcher"), zap.String("bucket", cfg.Bucket)),
	}, nil
}

// Close releases the underlying client.
func (f *GCSFetcher) Close() error {
	return f.client.Close()
}

// FetchSnapshot lists the revision prefix and downloads objects missing
// from the mirror. A non-empty credential is used as an OAuth2 access
// token instead of the default credentials.
func (f *GCSFetcher) FetchSnapshot(ctx context.Context, repoID, revision, credential string) (string, error) {
	repo, err := safeRel(repoID)
	if err != nil {
		return "", err
	}
	rev, err := safeRel(revision)
	if err != nil {
		return "", err
	}

	client := f.client
	if credential != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: credential})
		c, err := storage.NewClient(ctx, option.WithTokenSource(ts))
		if err != nil {
			return "", hferrors.Wrap(err, hferrors.ErrorTypeAuthentication, "failed to create GCS client")
		}
		defer c.Close()
		client = c
	}
	bucket := client.Bucket(f.Bucket)
	prefix := objectPrefix(f.Prefix, repo, rev)

	type object struct {
		name string
		rel  string
		size int64
	}
	var objects []object
	it := bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return "", gcsError(err, fmt.Sprintf("failed to list gs://%s/%s", f.Bucket, prefix))
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		rel, err := safeRel(strings.TrimPrefix(attrs.Name, prefix))
		if err != nil {
			f.logger.Warn("skipping object with unsafe name", zap.String("name", attrs.Name))
			continue
		}
		objects = append(objects, object{name: attrs.Name, rel: rel, size: attrs.Size})
	}
	if len(objects) == 0 {
		return "", hferrors.New(hferrors.ErrorTypeNotFound,
			fmt.Sprintf("no objects under gs://%s/%s", f.Bucket, prefix)).
			WithDetail("dataset", repoID).
			WithDetail("revision", revision)
	}

	dir := mirrorDir(f.CacheDir, "gcs", f.Bucket, repo, rev)
	f.logger.Info("mirroring snapshot",
		zap.String("prefix", prefix),
		zap.Int("objects", len(objects)),
		zap.String("dir", dir))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.Concurrency)
	for _, obj := range objects {
		dest := filepath.Join(dir, filepath.FromSlash(obj.rel))
		if isComplete(f.fs, dest, obj.size) {
			continue
		}
		g.Go(func() error {
			return writeAtomic(f.fs, dest, func(w afero.File) error {
				r, err := bucket.Object(obj.name).NewReader(gctx)
				if err != nil {
					return gcsError(err, fmt.Sprintf("failed to open gs://%s/%s", f.Bucket, obj.name))
				}
				defer r.Close()
				if _, err := io.Copy(w, r); err != nil {
					return gcsError(err, fmt.Sprintf("failed to download gs://%s/%s", f.Bucket, obj.name))
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return dir, nil
}

func gcsError(err error, msg string) error {
	switch {
	case errors.Is(err, storage.ErrBucketNotExist), errors.Is(err, storage.ErrObjectNotExist):
		return hferrors.Wrap(err, hferrors.ErrorTypeNotFound, msg)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return hferrors.Wrap(err, hferrors.ErrorTypeTimeout, msg)
	default:
		return hferrors.Wrap(err, hferrors.ErrorTypeTransport, msg)
	}
}
