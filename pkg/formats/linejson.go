package formats

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/vdeturckheim/hf-dataset/pkg/hferrors"
	"github.com/vdeturckheim/hf-dataset/pkg/metrics"
	"github.com/vdeturckheim/hf-dataset/pkg/models"
	"github.com/vdeturckheim/hf-dataset/pkg/pool"
)

// LineJSONRecords streams a line-delimited JSON file. Every non-blank line
// is decoded independently. Objects become the record payload; any other
// JSON value is stored under the "value" key. Lines that fail to decode
// are logged, counted and skipped. A line longer than opts.MaxLineSize
// ends the sequence with an error.
//
// src is closed when the sequence ends. The sequence may be ranged once.
func LineJSONRecords(ctx context.Context, p string, src io.ReadCloser, opts Options) iter.Seq2[*models.Record, error] {
	opts = opts.withDefaults()
	log := opts.Logger.With(zap.String("path", p))
	skipped := metrics.MalformedSkipped.WithLabelValues(TypeLineJSON.String())

	var guard once
	return func(yield func(*models.Record, error) bool) {
		if !guard.claim() {
			yield(nil, errConsumed(p))
			return
		}
		defer src.Close()

		buf := pool.GlobalBufferPool.Get(opts.BufferSize)
		defer pool.GlobalBufferPool.Put(buf)

		scanner := bufio.NewScanner(src)
		scanner.Buffer(buf[:0:len(buf)], opts.MaxLineSize)

		var lineNo, offset int64
		for scanner.Scan() {
			lineNo++
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var value interface{}
			if err := json.Unmarshal(line, &value); err != nil {
				log.Warn("skipping malformed line",
					zap.Int64("line", lineNo),
					zap.Error(malformedRecord(p, lineNo, err)))
				skipped.Inc()
				continue
			}

			data, ok := value.(map[string]interface{})
			if !ok {
				data = map[string]interface{}{"value": value}
			}
			rec := newRecord(p, ContainerJSONL, offset, lineNo)
			rec.Data = data
			if !yield(rec, nil) {
				return
			}
			offset++
		}

		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				yield(nil, hferrors.Newf(hferrors.ErrorTypeData,
					"line %d of %s exceeds %d bytes", lineNo+1, p, opts.MaxLineSize).
					WithDetail("path", p).
					WithDetail("line", lineNo+1))
				return
			}
			yield(nil, hferrors.Wrap(err, hferrors.ErrorTypeFile, fmt.Sprintf("failed to read %s", p)).
				WithDetail("path", p))
		}
	}
}

func malformedRecord(p string, line int64, cause error) error {
	return hferrors.Wrap(cause, hferrors.ErrorTypeMalformedRecord,
		fmt.Sprintf("malformed record in %s at line %d", p, line)).
		WithDetail("path", p).
		WithDetail("line", line)
}
