package dataset

import (
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/vdeturckheim/hf-dataset/pkg/config"
	"github.com/vdeturckheim/hf-dataset/pkg/formats"
	"github.com/vdeturckheim/hf-dataset/pkg/hub"
)

// Option configures a Session.
type Option func(*settings)

type settings struct {
	revision   string
	credential string
	fetcher    hub.Fetcher
	fs         afero.Fs
	logger     *zap.Logger
	cfg        *config.Config
	reader     *formats.Options
}

// WithRevision selects a branch, tag or commit.
func WithRevision(revision string) Option {
	return func(s *settings) { s.revision = revision }
}

// WithCredential sets the access token passed to the fetcher.
func WithCredential(credential string) Option {
	return func(s *settings) { s.credential = credential }
}

// WithFetcher replaces the fetcher built from the configuration.
func WithFetcher(f hub.Fetcher) Option {
	return func(s *settings) { s.fetcher = f }
}

// WithFs sets the filesystem snapshots are read from. Defaults to the OS.
func WithFs(fs afero.Fs) Option {
	return func(s *settings) { s.fs = fs }
}

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithConfig supplies hub, reader and dataset defaults. Explicit options
// take precedence over the values it holds.
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithReaderOptions overrides the adapter options taken from the config.
func WithReaderOptions(opts formats.Options) Option {
	return func(s *settings) { s.reader = &opts }
}
