package dataset

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdeturckheim/hf-dataset/pkg/compression"
	"github.com/vdeturckheim/hf-dataset/pkg/config"
	"github.com/vdeturckheim/hf-dataset/pkg/formats"
	"github.com/vdeturckheim/hf-dataset/pkg/hferrors"
	"github.com/vdeturckheim/hf-dataset/pkg/hub"
	"github.com/vdeturckheim/hf-dataset/pkg/metrics"
	"github.com/vdeturckheim/hf-dataset/pkg/models"
	"github.com/vdeturckheim/hf-dataset/pkg/testutil"
)

const snapshotRoot = "/snapshots/org/name"

// fixture is a snapshot on an in-memory filesystem that counts open
// handles.
type fixture struct {
	fs    *testutil.CountingFs
	calls atomic.Int32
}

func newFixture(t *testing.T, files map[string][]byte) *fixture {
	t.Helper()
	mem := afero.NewMemMapFs()
	require.NoError(t, mem.MkdirAll(snapshotRoot, 0o755))
	for name, data := range files {
		testutil.WriteFile(t, mem, snapshotRoot+"/"+name, data)
	}
	return &fixture{fs: testutil.NewCountingFs(mem)}
}

func (f *fixture) fetch(context.Context, string, string, string) (string, error) {
	f.calls.Add(1)
	return snapshotRoot, nil
}

func (f *fixture) session(t *testing.T, opts ...Option) *Session {
	t.Helper()
	base := []Option{
		WithFs(f.fs),
		WithFetcher(hub.FetcherFunc(f.fetch)),
		WithLogger(testutil.TestLogger(t)),
	}
	return New("org/name", append(base, opts...)...)
}

func mixedFiles(t *testing.T) map[string][]byte {
	jsonl := []byte(`{"id": 1}` + "\n" + `{"id": 2}` + "\n" + `{"id": 3}` + "\n")
	return map[string][]byte{
		"a/train.csv":    []byte("a,b\n1,2\n3,4\n"),
		"b.jsonl.gz":     testutil.Compress(t, compression.Gzip, jsonl),
		"c.parquet":      testutil.ParquetBytes(t, testutil.Rows(5)),
		"README.md":      []byte("# card\n"),
		".gitattributes": []byte("*.parquet filter=lfs\n"),
	}
}

func sources(records []*models.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Metadata.Source
	}
	return out
}

func TestCreateListsSortedFiles(t *testing.T) {
	f := newFixture(t, mixedFiles(t))
	s, err := Create(testutil.TestContext(t), "org/name",
		WithFs(f.fs), WithFetcher(hub.FetcherFunc(f.fetch)), WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, StatePrepared, s.State())
	root, err := s.Root()
	require.NoError(t, err)
	assert.Equal(t, snapshotRoot, root)

	files, err := s.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []FileEntry{
		{Path: "a/train.csv", Type: formats.TypeDelimitedText, Container: formats.ContainerCSV, Compression: compression.None},
		{Path: "b.jsonl.gz", Type: formats.TypeLineJSON, Container: formats.ContainerJSONL, Compressed: true, Compression: compression.Gzip},
		{Path: "c.parquet", Type: formats.TypeColumnar, Container: formats.ContainerParquet, Compression: compression.None},
	}, files)

	// The returned slice is a copy.
	files[0].Path = "mutated"
	again, err := s.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, "a/train.csv", again[0].Path)
}

func TestFileLookup(t *testing.T) {
	f := newFixture(t, mixedFiles(t))
	s := f.session(t)

	_, err := s.File("c.parquet")
	assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeValidation))

	require.NoError(t, s.Prepare(testutil.TestContext(t)))

	e, err := s.File("b.jsonl.gz")
	require.NoError(t, err)
	assert.Equal(t, formats.TypeLineJSON, e.Type)
	assert.Equal(t, compression.Gzip, e.Compression)

	_, err = s.File("README.md")
	require.Error(t, err)
	assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeNotFound))
}

func TestIterateVisitsFilesInOrder(t *testing.T) {
	f := newFixture(t, mixedFiles(t))
	s := f.session(t)
	require.NoError(t, s.Prepare(testutil.TestContext(t)))

	seq, err := s.Iterate(testutil.TestContext(t))
	require.NoError(t, err)
	records, err := testutil.Collect(seq)
	require.NoError(t, err)
	require.Len(t, records, 10)

	assert.Equal(t, []string{
		"a/train.csv", "a/train.csv",
		"b.jsonl.gz", "b.jsonl.gz", "b.jsonl.gz",
		"c.parquet", "c.parquet", "c.parquet", "c.parquet", "c.parquet",
	}, sources(records))
	assert.Equal(t, map[string]interface{}{"a": "1", "b": "2"}, records[0].Data)
	assert.Equal(t, []interface{}{float64(1), float64(2), float64(3)}, testutil.Field(records[2:5], "id"))
	assert.Equal(t, []interface{}{int64(1), int64(2), int64(3), int64(4), int64(5)}, testutil.Field(records[5:], "id"))
	assert.Zero(t, f.fs.OpenHandles())
}

func TestEarlyTerminatedPassesDoNotLeak(t *testing.T) {
	f := newFixture(t, mixedFiles(t))
	s := f.session(t)
	ctx := testutil.TestContext(t)
	require.NoError(t, s.Prepare(ctx))

	seq, err := s.Iterate(ctx)
	require.NoError(t, err)
	full, err := testutil.Collect(seq)
	require.NoError(t, err)

	abandoned := metrics.Passes.WithLabelValues(metrics.OutcomeAbandoned)
	before := promtest.ToFloat64(abandoned)

	for _, n := range []int{1, 4, 9} {
		for pass := 0; pass < 2; pass++ {
			seq, err := s.Iterate(ctx)
			require.NoError(t, err)
			got, err := testutil.Take(seq, n)
			require.NoError(t, err)
			require.Len(t, got, n)
			assert.Equal(t, full[:n], got)
			assert.Zero(t, f.fs.OpenHandles(), "n=%d pass=%d", n, pass)
		}
	}
	assert.Equal(t, before+6, promtest.ToFloat64(abandoned))

	// The same sequence value can be ranged again.
	again, err := testutil.Collect(seq)
	require.NoError(t, err)
	assert.Equal(t, full, again)
	assert.Zero(t, f.fs.OpenHandles())
}

func TestCompressedColumnarFailsPass(t *testing.T) {
	f := newFixture(t, map[string][]byte{
		"a.csv":        []byte("x\n1\n2\n"),
		"b.parquet.gz": testutil.Compress(t, compression.Gzip, testutil.ParquetBytes(t, testutil.Rows(2))),
		"c.jsonl":      []byte(`{"never": true}` + "\n"),
	})
	s := f.session(t)
	require.NoError(t, s.Prepare(testutil.TestContext(t)))

	seq, err := s.Iterate(testutil.TestContext(t))
	require.NoError(t, err)
	records, err := testutil.Collect(seq)
	require.Error(t, err)
	assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeUnsupportedCombination))
	assert.Contains(t, err.Error(), "b.parquet.gz")
	assert.Equal(t, []string{"a.csv", "a.csv"}, sources(records))
	assert.Zero(t, f.fs.OpenHandles())
}

func TestMalformedRowFailsPass(t *testing.T) {
	f := newFixture(t, map[string][]byte{
		"1.csv": []byte("a,b\n1,2\n"),
		"2.csv": []byte("a,b,c\n1,2\n"),
		"3.csv": []byte("a\n9\n"),
	})
	s := f.session(t)
	require.NoError(t, s.Prepare(testutil.TestContext(t)))

	seq, err := s.Iterate(testutil.TestContext(t))
	require.NoError(t, err)
	records, err := testutil.Collect(seq)
	require.Error(t, err)
	assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeMalformedRow))
	assert.Contains(t, err.Error(), "2.csv")
	assert.Equal(t, []string{"1.csv"}, sources(records))
	assert.Zero(t, f.fs.OpenHandles())
}

func TestLineJSONSkipsMalformedAcrossPasses(t *testing.T) {
	f := newFixture(t, map[string][]byte{
		"rows.jsonl": []byte("{\"n\":1}\n{\"n\":2}\n{bad\n{\"n\":3}\n{\"n\":4}\n{\"n\":5}\n"),
	})
	s := f.session(t)
	require.NoError(t, s.Prepare(testutil.TestContext(t)))

	seq, err := s.Iterate(testutil.TestContext(t))
	require.NoError(t, err)
	for pass := 0; pass < 2; pass++ {
		records, err := testutil.Collect(seq)
		require.NoError(t, err)
		assert.Equal(t, []interface{}{float64(1), float64(2), float64(3), float64(4), float64(5)}, testutil.Field(records, "n"))
	}
}

func TestOperationsAfterDispose(t *testing.T) {
	f := newFixture(t, mixedFiles(t))
	s := f.session(t)
	ctx := testutil.TestContext(t)
	require.NoError(t, s.Prepare(ctx))

	require.NoError(t, s.Dispose())
	require.NoError(t, s.Dispose())
	require.NoError(t, s.Close())
	assert.Equal(t, StateDisposed, s.State())

	_, err := s.Iterate(ctx)
	assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeDisposed))
	_, err = s.ListFiles()
	assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeDisposed))
	err = s.Prepare(ctx)
	assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeDisposed))
	_, err = s.Root()
	assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeDisposed))

	assert.Contains(t, err.Error(), "org/name@main")
	var e *hferrors.Error
	require.ErrorAs(t, err, &e)
	rev, _ := e.Detail("revision")
	assert.Equal(t, "main", rev)
}

func TestDisposeDuringPass(t *testing.T) {
	f := newFixture(t, mixedFiles(t))
	s := f.session(t)
	ctx := testutil.TestContext(t)
	require.NoError(t, s.Prepare(ctx))

	seq, err := s.Iterate(ctx)
	require.NoError(t, err)

	var got int
	var passErr error
	for _, err := range seq {
		if err != nil {
			passErr = err
			break
		}
		got++
		if got == 3 {
			require.NoError(t, s.Dispose())
		}
	}
	assert.Equal(t, 3, got)
	assert.True(t, hferrors.IsType(passErr, hferrors.ErrorTypeDisposed))
	assert.Zero(t, f.fs.OpenHandles())
}

func TestDisposeBeforePrepare(t *testing.T) {
	f := newFixture(t, mixedFiles(t))
	s := f.session(t)
	require.NoError(t, s.Dispose())

	err := s.Prepare(testutil.TestContext(t))
	assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeDisposed))
	assert.Zero(t, f.calls.Load())
}

func TestNotPrepared(t *testing.T) {
	s := newFixture(t, mixedFiles(t)).session(t)
	assert.Equal(t, StateUnprepared, s.State())

	_, err := s.Iterate(context.Background())
	assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeValidation))
	_, err = s.ListFiles()
	assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeValidation))
}

func TestDiscoveryEmpty(t *testing.T) {
	f := newFixture(t, map[string][]byte{
		"README.md":  []byte("# card\n"),
		"data.bin":   {0x00, 0x01},
		"archive.gz": {0x1f, 0x8b},
	})
	_, err := Create(testutil.TestContext(t), "org/name", WithRevision("v1"),
		WithFs(f.fs), WithFetcher(hub.FetcherFunc(f.fetch)), WithLogger(testutil.TestLogger(t)))
	require.Error(t, err)
	assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeDiscoveryEmpty))
	assert.Contains(t, err.Error(), "org/name@v1")

	s := f.session(t)
	err = s.Prepare(testutil.TestContext(t))
	assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeDiscoveryEmpty))
	assert.Equal(t, StateUnprepared, s.State())
}

func TestPrepareRetriesAfterFailure(t *testing.T) {
	f := newFixture(t, mixedFiles(t))
	var calls atomic.Int32
	fetcher := hub.FetcherFunc(func(ctx context.Context, repo, rev, cred string) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("connection refused")
		}
		return f.fetch(ctx, repo, rev, cred)
	})
	s := f.session(t, WithFetcher(fetcher))
	ctx := testutil.TestContext(t)

	err := s.Prepare(ctx)
	require.Error(t, err)
	assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeTransport))
	assert.Equal(t, StateUnprepared, s.State())

	require.NoError(t, s.Prepare(ctx))
	require.NoError(t, s.Prepare(ctx))
	assert.Equal(t, StatePrepared, s.State())
	assert.Equal(t, int32(2), calls.Load())
}

func TestPrepareRetriesRangeFailureOnce(t *testing.T) {
	f := newFixture(t, mixedFiles(t))
	rangeErr := func() error {
		return hferrors.New(hferrors.ErrorTypeRangeNotSatisfiable, "range not satisfiable")
	}

	t.Run("recovers", func(t *testing.T) {
		var calls atomic.Int32
		before := promtest.ToFloat64(metrics.FetchRetries)
		s := f.session(t, WithFetcher(hub.FetcherFunc(func(ctx context.Context, repo, rev, cred string) (string, error) {
			if calls.Add(1) == 1 {
				return "", rangeErr()
			}
			return f.fetch(ctx, repo, rev, cred)
		})))
		require.NoError(t, s.Prepare(testutil.TestContext(t)))
		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, before+1, promtest.ToFloat64(metrics.FetchRetries))
	})

	t.Run("wrapped by the fetcher", func(t *testing.T) {
		var calls atomic.Int32
		s := f.session(t, WithFetcher(hub.FetcherFunc(func(ctx context.Context, repo, rev, cred string) (string, error) {
			if calls.Add(1) == 1 {
				return "", hferrors.Wrap(rangeErr(), hferrors.ErrorTypeTransport, "snapshot fetch failed")
			}
			return f.fetch(ctx, repo, rev, cred)
		})))
		require.NoError(t, s.Prepare(testutil.TestContext(t)))
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("gives up after one retry", func(t *testing.T) {
		var calls atomic.Int32
		s := f.session(t, WithFetcher(hub.FetcherFunc(func(context.Context, string, string, string) (string, error) {
			calls.Add(1)
			return "", rangeErr()
		})))
		err := s.Prepare(testutil.TestContext(t))
		require.Error(t, err)
		assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeRangeNotSatisfiable))
		assert.Equal(t, int32(2), calls.Load())

		var e *hferrors.Error
		require.ErrorAs(t, err, &e)
		dataset, _ := e.Detail("dataset")
		assert.Equal(t, "org/name", dataset)
	})
}

func TestConcurrentPrepareSharesAttempt(t *testing.T) {
	f := newFixture(t, mixedFiles(t))
	release := make(chan struct{})
	var calls atomic.Int32
	s := f.session(t, WithFetcher(hub.FetcherFunc(func(ctx context.Context, repo, rev, cred string) (string, error) {
		calls.Add(1)
		<-release
		return snapshotRoot, nil
	})))
	ctx := testutil.TestContext(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Prepare(ctx)
		}()
	}

	testutil.AssertEventually(t, func() bool { return calls.Load() == 1 }, time.Second, "fetch started")
	assert.Equal(t, StatePreparing, s.State())
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StatePrepared, s.State())
}

func TestPrepareWaiterCancellation(t *testing.T) {
	f := newFixture(t, mixedFiles(t))
	release := make(chan struct{})
	s := f.session(t, WithFetcher(hub.FetcherFunc(func(context.Context, string, string, string) (string, error) {
		<-release
		return snapshotRoot, nil
	})))

	done := make(chan error, 1)
	go func() { done <- s.Prepare(context.Background()) }()
	testutil.AssertEventually(t, func() bool { return s.State() == StatePreparing }, time.Second, "preparing")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Prepare(ctx), context.Canceled)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StatePrepared, s.State())
}

func TestPrepareSurvivesFirstCallerCancellation(t *testing.T) {
	f := newFixture(t, mixedFiles(t))
	var calls atomic.Int32
	release := make(chan struct{})
	s := f.session(t, WithFetcher(hub.FetcherFunc(func(ctx context.Context, repo, rev, cred string) (string, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return f.fetch(ctx, repo, rev, cred)
	})))

	ctx1, cancel1 := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- s.Prepare(ctx1) }()
	testutil.AssertEventually(t, func() bool { return calls.Load() == 1 }, time.Second, "fetch started")

	second := make(chan error, 1)
	go func() { second <- s.Prepare(context.Background()) }()

	cancel1()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(release)
	require.NoError(t, <-second)
	assert.Equal(t, StatePrepared, s.State())
	assert.Equal(t, int32(1), calls.Load())
}

func TestDisposeWhilePreparing(t *testing.T) {
	f := newFixture(t, mixedFiles(t))
	release := make(chan struct{})
	s := f.session(t, WithFetcher(hub.FetcherFunc(func(context.Context, string, string, string) (string, error) {
		<-release
		return snapshotRoot, nil
	})))

	done := make(chan error, 1)
	go func() { done <- s.Prepare(context.Background()) }()
	testutil.AssertEventually(t, func() bool { return s.State() == StatePreparing }, time.Second, "preparing")

	require.NoError(t, s.Dispose())
	close(release)
	err := <-done
	assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeDisposed))
	assert.Equal(t, StateDisposed, s.State())
}

func TestIterateCancelledContext(t *testing.T) {
	f := newFixture(t, mixedFiles(t))
	s := f.session(t)
	require.NoError(t, s.Prepare(testutil.TestContext(t)))

	ctx, cancel := context.WithCancel(context.Background())
	seq, err := s.Iterate(ctx)
	require.NoError(t, err)

	var got int
	var passErr error
	for _, err := range seq {
		if err != nil {
			passErr = err
			break
		}
		got++
		if got == 1 {
			cancel()
		}
	}
	assert.ErrorIs(t, passErr, context.Canceled)
	assert.Zero(t, f.fs.OpenHandles())
}

func TestSessionUsesConfiguredLocalBackend(t *testing.T) {
	mem := afero.NewMemMapFs()
	testutil.WriteFile(t, mem, "/data/org/name/v2/train.jsonl", []byte(`{"x": 1}`+"\n"))

	cfg := config.NewConfig()
	cfg.Hub.Backend = config.BackendLocal
	cfg.Hub.LocalRoot = "/data"
	cfg.Dataset.Revision = "v2"

	s, err := Create(testutil.TestContext(t), "org/name", WithConfig(cfg), WithFs(mem), WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)
	assert.Equal(t, "v2", s.Handle().Revision)

	seq, err := s.Iterate(testutil.TestContext(t))
	require.NoError(t, err)
	records, err := testutil.Collect(seq)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "train.jsonl", records[0].Metadata.Source)
}

func TestCreateRequiresName(t *testing.T) {
	_, err := Create(context.Background(), "", WithFetcher(hub.FetcherFunc(func(context.Context, string, string, string) (string, error) {
		t.Fatal("fetcher must not be called")
		return "", nil
	})))
	assert.True(t, hferrors.IsType(err, hferrors.ErrorTypeValidation))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unprepared", StateUnprepared.String())
	assert.Equal(t, "preparing", StatePreparing.String())
	assert.Equal(t, "prepared", StatePrepared.String())
	assert.Equal(t, "disposed", StateDisposed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
