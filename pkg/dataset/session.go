// Package dataset exposes a prepared dataset snapshot as one ordered,
// repeatable stream of records.
//
// A Session moves through four states:
//
//	unprepared --Prepare ok--> prepared --Dispose--> disposed
//	unprepared --Prepare fails--> unprepared
//
// Prepare materializes the snapshot through a hub.Fetcher and builds the
// file Registry. Concurrent Prepare calls share one attempt. Each range
// over the sequence returned by Iterate is an independent pass that opens
// every file again and closes it before moving on, including when the
// caller stops early.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vdeturckheim/hf-dataset/pkg/config"
	"github.com/vdeturckheim/hf-dataset/pkg/formats"
	"github.com/vdeturckheim/hf-dataset/pkg/hferrors"
	"github.com/vdeturckheim/hf-dataset/pkg/hub"
	"github.com/vdeturckheim/hf-dataset/pkg/logger"
	"github.com/vdeturckheim/hf-dataset/pkg/metrics"
	"github.com/vdeturckheim/hf-dataset/pkg/models"
	"github.com/vdeturckheim/hf-dataset/pkg/observability"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateUnprepared State = iota
	StatePreparing
	StatePrepared
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUnprepared:
		return "unprepared"
	case StatePreparing:
		return "preparing"
	case StatePrepared:
		return "prepared"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session iterates the records of one dataset revision.
type Session struct {
	handle  Handle
	cfg     *config.Config
	fs      afero.Fs
	reader  formats.Options
	logger  *zap.Logger
	fetcher hub.Fetcher

	group    singleflight.Group
	disposed atomic.Bool
	passes   atomic.Uint64

	mu       sync.RWMutex
	state    State
	root     string
	registry *Registry
}

// New creates an unprepared session for the named dataset.
func New(name string, opts ...Option) *Session {
	st := &settings{}
	for _, opt := range opts {
		opt(st)
	}

	cfg := st.cfg
	if cfg == nil {
		cfg = config.NewConfig()
	}
	revision := st.revision
	if revision == "" {
		revision = cfg.Dataset.RevisionOrDefault()
	}
	credential := st.credential
	if credential == "" {
		credential = cfg.Dataset.Credential
	}
	handle := NewHandle(name, revision, credential)

	fs := st.fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	log := st.logger
	if log == nil {
		log = logger.Get()
	}
	log = log.With(
		zap.String("component", "dataset_session"),
		zap.String("dataset", handle.Name),
		zap.String("revision", handle.Revision))

	reader := formats.Options{
		BufferSize:  cfg.Reader.BufferSize,
		MaxLineSize: cfg.Reader.MaxLineSize,
		BatchSize:   cfg.Reader.BatchSize,
	}
	if st.reader != nil {
		reader = *st.reader
	}
	if reader.Logger == nil {
		reader.Logger = log
	}

	return &Session{
		handle:  handle,
		cfg:     cfg,
		fs:      fs,
		reader:  reader,
		logger:  log,
		fetcher: st.fetcher,
	}
}

// Create returns a prepared session.
func Create(ctx context.Context, name string, opts ...Option) (*Session, error) {
	s := New(name, opts...)
	if err := s.Prepare(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Handle returns the dataset handle.
func (s *Session) Handle() Handle { return s.handle }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Root returns the local snapshot directory once prepared.
func (s *Session) Root() (string, error) {
	_, root, err := s.prepared()
	return root, err
}

// Prepare fetches the snapshot and discovers its files. It is a no-op
// once prepared. Callers arriving while an attempt is in flight wait for
// that attempt. The attempt does not observe any caller's cancellation,
// so a cancelled caller returns early while the others keep waiting.
// After a failure the session is unprepared again and Prepare may be
// retried.
func (s *Session) Prepare(ctx context.Context) error {
	if s.disposed.Load() {
		return s.disposedError()
	}
	if s.State() == StatePrepared {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// values (trace span, log fields) survive, cancellation does not
	attemptCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan("prepare", func() (interface{}, error) {
		return nil, s.prepare(attemptCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) prepare(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StatePrepared:
		s.mu.Unlock()
		return nil
	case StateDisposed:
		s.mu.Unlock()
		return s.disposedError()
	}
	s.state = StatePreparing
	s.mu.Unlock()

	timer := metrics.NewTimer()
	ctx, span := observability.StartSpan(ctx, observability.SpanPrepare,
		attribute.String("dataset", s.handle.Name),
		attribute.String("revision", s.handle.Revision))
	s.logger.Info("preparing dataset")

	root, registry, err := s.materialize(ctx)

	metrics.PrepareDuration.WithLabelValues(metrics.Outcome(err)).Observe(timer.Stop().Seconds())
	observability.EndSpan(span, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed.Load() {
		s.state = StateDisposed
		return s.disposedError()
	}
	if err != nil {
		s.state = StateUnprepared
		s.logger.Warn("dataset preparation failed", zap.Error(err))
		return err
	}
	s.root, s.registry, s.state = root, registry, StatePrepared
	s.logger.Info("dataset prepared",
		zap.String("root", root),
		zap.Int("files", registry.Len()),
		zap.Int("skipped", registry.Skipped()))
	return nil
}

func (s *Session) materialize(ctx context.Context) (string, *Registry, error) {
	if s.handle.Name == "" {
		return "", nil, hferrors.New(hferrors.ErrorTypeValidation, "dataset name is required")
	}

	fetcher := s.fetcher
	if fetcher == nil {
		f, err := hub.NewFetcher(ctx, s.cfg, s.fs, s.logger)
		if err != nil {
			return "", nil, err
		}
		fetcher = f
	}

	root, err := s.fetch(ctx, fetcher)
	if err != nil {
		return "", nil, err
	}

	registry, err := Discover(s.fs, root)
	if err != nil {
		return "", nil, s.annotate(err)
	}
	if registry.Len() == 0 {
		return "", nil, hferrors.New(hferrors.ErrorTypeDiscoveryEmpty,
			fmt.Sprintf("no supported files found in dataset %s", s.handle)).
			WithDetail("dataset", s.handle.Name).
			WithDetail("revision", s.handle.Revision).
			WithDetail("skipped", registry.Skipped())
	}
	return root, registry, nil
}

// fetch calls the fetcher, retrying exactly once when the remote store
// rejects a resumed range request.
func (s *Session) fetch(ctx context.Context, fetcher hub.Fetcher) (string, error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanFetch,
		attribute.String("dataset", s.handle.Name),
		attribute.String("revision", s.handle.Revision))

	root, err := fetcher.FetchSnapshot(ctx, s.handle.Name, s.handle.Revision, s.handle.Credential)
	if hferrors.HasType(err, hferrors.ErrorTypeRangeNotSatisfiable) {
		metrics.FetchRetries.Inc()
		s.logger.Warn("range not satisfiable, retrying snapshot fetch", zap.Error(err))
		root, err = fetcher.FetchSnapshot(ctx, s.handle.Name, s.handle.Revision, s.handle.Credential)
	}
	observability.EndSpan(span, err)

	if err != nil {
		return "", s.annotate(err)
	}
	return root, nil
}

// annotate attaches dataset and revision to structured errors and wraps
// foreign errors as transport failures. Context errors pass through.
func (s *Session) annotate(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var e *hferrors.Error
	if !errors.As(err, &e) {
		e = hferrors.Wrap(err, hferrors.ErrorTypeTransport,
			fmt.Sprintf("failed to fetch dataset %s", s.handle))
		err = e
	}
	e.WithDetail("dataset", s.handle.Name).WithDetail("revision", s.handle.Revision)
	return err
}

// Iterate returns the record sequence. Every range over it is a new pass
// over all files in path order. Disposing the session ends live passes
// with a DisposedSession error at the next record.
func (s *Session) Iterate(ctx context.Context) (iter.Seq2[*models.Record, error], error) {
	registry, root, err := s.prepared()
	if err != nil {
		return nil, err
	}

	entries := registry.Entries()
	return func(yield func(*models.Record, error) bool) {
		id := s.passes.Add(1)
		pctx := context.WithValue(ctx, logger.PassIDKey, id)
		pctx = context.WithValue(pctx, logger.DatasetKey, s.handle.Name)
		pctx = context.WithValue(pctx, logger.RevisionKey, s.handle.Revision)

		d := &dispatcher{
			fs:      s.fs,
			root:    root,
			entries: entries,
			reader:  s.reader,
			check:   s.checkDisposed,
			logger:  logger.FromContext(pctx, s.logger.With(zap.String("component", "dispatcher"))),
		}
		d.run(pctx, yield)
	}, nil
}

// ListFiles returns the discovered files sorted by path. It does no I/O.
func (s *Session) ListFiles() ([]FileEntry, error) {
	registry, _, err := s.prepared()
	if err != nil {
		return nil, err
	}
	return registry.Entries(), nil
}

// File returns the registry entry for a dataset-relative path.
func (s *Session) File(path string) (FileEntry, error) {
	registry, _, err := s.prepared()
	if err != nil {
		return FileEntry{}, err
	}
	e, ok := registry.Lookup(path)
	if !ok {
		return FileEntry{}, hferrors.New(hferrors.ErrorTypeNotFound,
			fmt.Sprintf("no supported file %q in dataset %s", path, s.handle)).
			WithDetail("path", path)
	}
	return e, nil
}

// Dispose makes every later operation fail. It is idempotent.
func (s *Session) Dispose() error {
	if s.disposed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	s.state = StateDisposed
	s.registry = nil
	s.mu.Unlock()
	s.logger.Debug("session disposed")
	return nil
}

// Close calls Dispose.
func (s *Session) Close() error {
	return s.Dispose()
}

func (s *Session) prepared() (*Registry, string, error) {
	if s.disposed.Load() {
		return nil, "", s.disposedError()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case StatePrepared:
		return s.registry, s.root, nil
	case StateDisposed:
		return nil, "", s.disposedError()
	default:
		return nil, "", hferrors.New(hferrors.ErrorTypeValidation,
			fmt.Sprintf("dataset %s is not prepared", s.handle)).
			WithDetail("state", s.state.String())
	}
}

func (s *Session) checkDisposed() error {
	if s.disposed.Load() {
		return s.disposedError()
	}
	return nil
}

func (s *Session) disposedError() error {
	return hferrors.New(hferrors.ErrorTypeDisposed,
		fmt.Sprintf("session for dataset %s is disposed", s.handle)).
		WithDetail("dataset", s.handle.Name).
		WithDetail("revision", s.handle.Revision)
}
