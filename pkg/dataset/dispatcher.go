package dataset

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/vdeturckheim/hf-dataset/pkg/compression"
	"github.com/vdeturckheim/hf-dataset/pkg/formats"
	"github.com/vdeturckheim/hf-dataset/pkg/hferrors"
	"github.com/vdeturckheim/hf-dataset/pkg/metrics"
	"github.com/vdeturckheim/hf-dataset/pkg/models"
	"github.com/vdeturckheim/hf-dataset/pkg/observability"
)

// dispatcher drives one pass: files are visited in path order and each is
// read to the end before the next one is opened.
type dispatcher struct {
	fs      afero.Fs
	root    string
	entries []FileEntry
	reader  formats.Options
	check   func() error
	logger  *zap.Logger
}

func (d *dispatcher) run(ctx context.Context, yield func(*models.Record, error) bool) {
	outcome := metrics.OutcomeCompleted
	defer func() {
		metrics.Passes.WithLabelValues(outcome).Inc()
		d.logger.Debug("pass finished", zap.String("outcome", outcome))
	}()

	for _, e := range d.entries {
		if err := d.check(); err != nil {
			outcome = metrics.OutcomeFailed
			yield(nil, err)
			return
		}
		more, err := d.file(ctx, e, yield)
		if err != nil {
			outcome = metrics.OutcomeFailed
			yield(nil, err)
			return
		}
		if !more {
			outcome = metrics.OutcomeAbandoned
			return
		}
	}
}

// file streams one entry. It returns false when the caller stopped
// pulling, and the error that ended the file otherwise.
func (d *dispatcher) file(ctx context.Context, e FileEntry, yield func(*models.Record, error) bool) (more bool, err error) {
	if e.Type == formats.TypeColumnar && e.Compressed {
		return false, hferrors.New(hferrors.ErrorTypeUnsupportedCombination,
			fmt.Sprintf("compressed columnar file %s is not supported", e.Path)).
			WithDetail("path", e.Path).
			WithDetail("compression", string(e.Compression))
	}

	ctx, span := observability.StartSpan(ctx, observability.SpanFile,
		attribute.String("path", e.Path),
		attribute.String("type", e.Type.String()),
		attribute.Bool("compressed", e.Compressed))
	defer func() { observability.EndSpan(span, err) }()

	seq, err := d.open(ctx, e)
	if err != nil {
		return false, err
	}
	d.logger.Debug("reading file", zap.String("path", e.Path), zap.String("container", string(e.Container)))

	emitted := metrics.RecordsEmitted.WithLabelValues(e.Type.String())
	for rec, err := range seq {
		if err != nil {
			return false, d.fileError(err, e)
		}
		if err := d.check(); err != nil {
			return false, err
		}
		emitted.Inc()
		if !yield(rec, nil) {
			return false, nil
		}
	}
	return true, nil
}

// open returns the adapter sequence for e. The sequence owns the file
// handle from then on.
func (d *dispatcher) open(ctx context.Context, e FileEntry) (iter.Seq2[*models.Record, error], error) {
	f, err := d.fs.Open(filepath.Join(d.root, filepath.FromSlash(e.Path)))
	if err != nil {
		return nil, hferrors.Wrap(err, hferrors.ErrorTypeFile, fmt.Sprintf("failed to open %s", e.Path)).
			WithDetail("path", e.Path)
	}
	metrics.FilesOpened.WithLabelValues(e.Type.String(), strconv.FormatBool(e.Compressed)).Inc()

	switch e.Type {
	case formats.TypeColumnar:
		return formats.ColumnarRecords(ctx, e.Path, e.Container, f, d.reader), nil
	case formats.TypeDelimitedText, formats.TypeLineJSON:
		src, err := compression.NewReader(f, e.Compression)
		if err != nil {
			f.Close()
			return nil, err
		}
		if e.Type == formats.TypeDelimitedText {
			return formats.DelimitedRecords(ctx, e.Path, e.Container.Delimiter(), src, d.reader), nil
		}
		return formats.LineJSONRecords(ctx, e.Path, src, d.reader), nil
	default:
		f.Close()
		return nil, hferrors.New(hferrors.ErrorTypeInternal,
			fmt.Sprintf("no adapter for %s (type %s)", e.Path, e.Type))
	}
}

func (d *dispatcher) fileError(err error, e FileEntry) error {
	var he *hferrors.Error
	if errors.As(err, &he) {
		if _, ok := he.Detail("path"); !ok {
			he.WithDetail("path", e.Path)
		}
	}
	return err
}
