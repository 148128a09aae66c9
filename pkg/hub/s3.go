package hub

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vdeturckheim/hf-dataset/pkg/config"
	"github.com/vdeturckheim/hf-dataset/pkg/hferrors"
)

// S3API is the part of the S3 client the fetcher needs.
type S3API interface {
	s3.ListObjectsV2APIClient
	manager.DownloadAPIClient
}

// S3Fetcher mirrors datasets stored as s3://{Bucket}/{Prefix}/{org}/{name}/{revision}/...
// into {CacheDir}/s3/{Bucket}/{org}/{name}/{revision}.
type S3Fetcher struct {
	Bucket      string
	Prefix      string
	CacheDir    string
	Concurrency int

	fs         afero.Fs
	client     S3API
	downloader *manager.Downloader
	logger     *zap.Logger
}

// NewS3Fetcher loads the default AWS configuration for cfg.Region.
func NewS3Fetcher(ctx context.Context, cfg config.HubConfig, fs afero.Fs, log *zap.Logger) (*S3Fetcher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, hferrors.Wrap(err, hferrors.ErrorTypeConfig, "failed to load AWS config")
	}
	return NewS3FetcherWithClient(cfg, s3.NewFromConfig(awsCfg), fs, log), nil
}

// NewS3FetcherWithClient uses an existing client.
func NewS3FetcherWithClient(cfg config.HubConfig, client S3API, fs afero.Fs, log *zap.Logger) *S3Fetcher {
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
	return &S3Fetcher{
		Bucket:      cfg.Bucket,
		Prefix:      cfg.Prefix,
		CacheDir:    cfg.CacheDir,
		Concurrency: concurrency,
		fs:          fs,
		client:      client,
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.Concurrency = 1
		}),
		logger: log.With(zap.String("component", "s3_fetcher"), zap.String("bucket", cfg.Bucket)),
	}
}

type s3Object struct {
	key  string
	rel  string
	size int64
}

// FetchSnapshot lists the revision prefix and downloads objects missing
// from the mirror. The credential is unused; AWS credentials come from
// the default provider chain.
func (f *S3Fetcher) FetchSnapshot(ctx context.Context, repoID, revision, _ string) (string, error) {
	repo, err := safeRel(repoID)
	if err != nil {
		return "", err
	}
	rev, err := safeRel(revision)
	if err != nil {
		return "", err
	}
	prefix := objectPrefix(f.Prefix, repo, rev)

	objects, err := f.list(ctx, prefix)
	if err != nil {
		return "", err
	}
	if len(objects) == 0 {
		return "", hferrors.New(hferrors.ErrorTypeNotFound,
			fmt.Sprintf("no objects under s3://%s/%s", f.Bucket, prefix)).
			WithDetail("dataset", repoID).
			WithDetail("revision", revision)
	}

	dir := mirrorDir(f.CacheDir, "s3", f.Bucket, repo, rev)
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
				_, err := f.downloader.Download(gctx, w, &s3.GetObjectInput{
					Bucket: aws.String(f.Bucket),
					Key:    aws.String(obj.key),
				})
				if err != nil {
					return hferrors.Wrap(err, hferrors.ErrorTypeTransport,
						fmt.Sprintf("failed to download s3://%s/%s", f.Bucket, obj.key))
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

func (f *S3Fetcher) list(ctx context.Context, prefix string) ([]s3Object, error) {
	var objects []s3Object
	p := s3.NewListObjectsV2Paginator(f.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(f.Bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, hferrors.Wrap(err, hferrors.ErrorTypeTransport,
				fmt.Sprintf("failed to list s3://%s/%s", f.Bucket, prefix))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			rel, err := safeRel(strings.TrimPrefix(key, prefix))
			if err != nil {
				f.logger.Warn("skipping object with unsafe key", zap.String("key", key))
				continue
			}
			objects = append(objects, s3Object{key: key, rel: rel, size: aws.ToInt64(obj.Size)})
		}
	}
	return objects, nil
}
