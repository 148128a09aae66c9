package hub

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/vdeturckheim/hf-dataset/pkg/config"
	"github.com/vdeturckheim/hf-dataset/pkg/hferrors"
)

// HubFetcher downloads dataset snapshots from the Hugging Face Hub into
// the standard cache layout:
//
//	{CacheDir}/datasets--{org}--{name}/snapshots/{sha}/{path}
//	{CacheDir}/datasets--{org}--{name}/refs/{revision}
//
// Files already present are not downloaded again. Interrupted downloads
// leave a "{path}.incomplete" file that the next attempt resumes with a
// Range request.
type HubFetcher struct {
	Endpoint    string
	CacheDir    string
	Concurrency int

	fs     afero.Fs
	retry  *retryablehttp.Client
	logger *zap.Logger
}

// NewHubFetcher creates a fetcher from the hub section of the config.
func NewHubFetcher(cfg config.HubConfig, fs afero.Fs, log *zap.Logger) *HubFetcher {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "hub_fetcher"))

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryAttempts
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.CheckRetry = RetryPolicy
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = &leveledLogger{log: log.Sugar()}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = config.DefaultEndpoint
	}

	return &HubFetcher{
		Endpoint:    strings.TrimRight(endpoint, "/"),
		CacheDir:    cfg.CacheDir,
		Concurrency: concurrency,
		fs:          fs,
		retry:       rc,
		logger:      log,
	}
}

// revisionInfo is the subset of the revision endpoint response we use.
type revisionInfo struct {
	SHA      string `json:"sha"`
	Siblings []struct {
		RFilename string `json:"rfilename"`
	} `json:"siblings"`
}

// FetchSnapshot resolves revision to a commit and downloads every file of
// that commit. It returns the snapshot directory.
func (f *HubFetcher) FetchSnapshot(ctx context.Context, repoID, revision, credential string) (string, error) {
	repoDir, err := f.repoDir(repoID)
	if err != nil {
		return "", err
	}
	client := f.httpClient(credential)

	info, err := f.revision(ctx, client, repoID, revision)
	if err != nil {
		return "", err
	}
	snapshot := filepath.Join(repoDir, "snapshots", info.SHA)
	f.logger.Info("fetching snapshot",
		zap.String("dataset", repoID),
		zap.String("revision", revision),
		zap.String("sha", info.SHA),
		zap.Int("files", len(info.Siblings)))

	files := make([]string, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		rel, err := safeRel(s.RFilename)
		if err != nil {
			return "", err
		}
		files = append(files, rel)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.Concurrency)
	for _, rel := range files {
		g.Go(func() error {
			return f.download(gctx, client, repoID, info.SHA, rel, snapshot)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	if revision != info.SHA {
		if err := f.writeRef(repoDir, revision, info.SHA); err != nil {
			f.logger.Warn("failed to record revision ref", zap.Error(err))
		}
	}
	if err := f.fs.MkdirAll(snapshot, 0o755); err != nil {
		return "", hferrors.Wrap(err, hferrors.ErrorTypeFile, "failed to create snapshot directory")
	}
	return snapshot, nil
}

func (f *HubFetcher) repoDir(repoID string) (string, error) {
	rel, err := safeRel(repoID)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.CacheDir, "datasets--"+strings.ReplaceAll(rel, "/", "--")), nil
}

func (f *HubFetcher) httpClient(credential string) *http.Client {
	var rt http.RoundTripper = &retryablehttp.RoundTripper{Client: f.retry}
	if credential != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: credential, TokenType: "Bearer"}),
			Base:   rt,
		}
	}
	return &http.Client{Transport: rt}
}

func (f *HubFetcher) revision(ctx context.Context, client *http.Client, repoID, revision string) (*revisionInfo, error) {
	u := fmt.Sprintf("%s/api/datasets/%s/revision/%s", f.Endpoint, repoID, url.PathEscape(revision))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, hferrors.Wrap(err, hferrors.ErrorTypeInternal, "failed to build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(err, repoID, revision)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, fmt.Sprintf("revision %s of %s", revision, repoID))
	}

	var info revisionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, hferrors.Wrap(err, hferrors.ErrorTypeTransport, "failed to decode revision info")
	}
	if info.SHA == "" {
		return nil, hferrors.New(hferrors.ErrorTypeTransport, "revision info has no commit sha")
	}
	return &info, nil
}

func (f *HubFetcher) download(ctx context.Context, client *http.Client, repoID, sha, rel, snapshot string) error {
	dest := filepath.Join(snapshot, filepath.FromSlash(rel))
	if isComplete(f.fs, dest, -1) {
		return nil
	}
	if err := f.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return hferrors.Wrap(err, hferrors.ErrorTypeFile, "failed to create snapshot directory")
	}

	tmp := dest + incompleteSuffix
	var offset int64
	if info, err := f.fs.Stat(tmp); err == nil {
		offset = info.Size()
	}

	u := fmt.Sprintf("%s/datasets/%s/resolve/%s/%s", f.Endpoint, repoID, sha, escapePath(rel))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return hferrors.Wrap(err, hferrors.ErrorTypeInternal, "failed to build request")
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := client.Do(req)
	if err != nil {
		return transportError(err, repoID, sha).WithDetail("path", rel)
	}
	defer resp.Body.Close()

	flag := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusOK:
		flag |= os.O_TRUNC
	case http.StatusPartialContent:
		flag |= os.O_APPEND
	case http.StatusRequestedRangeNotSatisfiable:
		_ = f.fs.Remove(tmp)
		return hferrors.New(hferrors.ErrorTypeRangeNotSatisfiable,
			fmt.Sprintf("range not satisfiable for %s at offset %d", rel, offset)).
			WithDetail("path", rel)
	default:
		return statusError(resp, rel)
	}

	out, err := f.fs.OpenFile(tmp, flag, 0o644)
	if err != nil {
		return hferrors.Wrap(err, hferrors.ErrorTypeFile, fmt.Sprintf("failed to open %s", tmp))
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return transportError(err, repoID, sha).WithDetail("path", rel)
	}
	if err := out.Close(); err != nil {
		return hferrors.Wrap(err, hferrors.ErrorTypeFile, fmt.Sprintf("failed to write %s", tmp))
	}
	if err := f.fs.Rename(tmp, dest); err != nil {
		return hferrors.Wrap(err, hferrors.ErrorTypeFile, fmt.Sprintf("failed to finalize %s", dest))
	}
	f.logger.Debug("downloaded file", zap.String("path", rel), zap.Int64("resumed_at", offset))
	return nil
}

func (f *HubFetcher) writeRef(repoDir, revision, sha string) error {
	rel, err := safeRel(revision)
	if err != nil {
		return err
	}
	dest := filepath.Join(repoDir, "refs", filepath.FromSlash(rel))
	return writeAtomic(f.fs, dest, func(w afero.File) error {
		_, err := io.WriteString(w, sha)
		return err
	})
}

func escapePath(rel string) string {
	parts := strings.Split(rel, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func transportError(err error, repoID, revision string) *hferrors.Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return hferrors.Wrap(err, hferrors.ErrorTypeTimeout, "request cancelled")
	}
	return hferrors.Wrap(err, hferrors.ErrorTypeTransport,
		fmt.Sprintf("request for %s@%s failed", repoID, revision)).
		WithDetail("dataset", repoID).
		WithDetail("revision", revision)
}

func statusError(resp *http.Response, what string) error {
	var t hferrors.ErrorType
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		t = hferrors.ErrorTypeAuthentication
	case http.StatusNotFound:
		t = hferrors.ErrorTypeNotFound
	case http.StatusTooManyRequests:
		t = hferrors.ErrorTypeRateLimit
	default:
		t = hferrors.ErrorTypeTransport
	}
	return hferrors.New(t, fmt.Sprintf("unexpected status %d for %s", resp.StatusCode, what)).
		WithDetail("status", resp.StatusCode)
}

var (
	redirectsErrorRe  = regexp.MustCompile(`stopped after \d+ redirects\z`)
	schemeErrorRe     = regexp.MustCompile(`unsupported protocol scheme`)
	notTrustedErrorRe = regexp.MustCompile(`certificate is not trusted`)
)

// RetryPolicy decides whether a request is retried. Cancelled contexts
// never retry. Connection errors retry unless they are redirect, scheme
// or certificate failures. 429 and 5xx responses other than 501 retry.
func RetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			if redirectsErrorRe.MatchString(uerr.Error()) ||
				schemeErrorRe.MatchString(uerr.Error()) ||
				notTrustedErrorRe.MatchString(uerr.Error()) {
				return false, err
			}
			var unknownAuthority x509.UnknownAuthorityError
			if errors.As(uerr.Err, &unknownAuthority) {
				return false, err
			}
		}
		return true, nil
	}

	if resp == nil {
		return false, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return true, nil
	}
	if resp.StatusCode == 0 || (resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented) {
		return true, nil
	}
	return false, nil
}

// leveledLogger routes retryablehttp logging through zap.
type leveledLogger struct {
	log *zap.SugaredLogger
}

func (l *leveledLogger) Error(msg string, kv ...interface{}) { l.log.Warnw(msg, kv...) }
func (l *leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warnw(msg, kv...) }
func (l *leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debugw(msg, kv...) }
func (l *leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Debugw(msg, kv...) }

var _ retryablehttp.LeveledLogger = (*leveledLogger)(nil)
