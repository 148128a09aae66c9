package formats

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/vdeturckheim/hf-dataset/pkg/hferrors"
	"github.com/vdeturckheim/hf-dataset/pkg/models"
)

const utf8BOM = "\ufeff"

// DelimitedRecords streams a delimited text file. The first row names the
// fields; every later row becomes one record mapping those names to the
// row's values as strings. Blank lines are skipped. A row whose field
// count differs from the header, or with broken quoting, ends the
// sequence with an ErrorTypeMalformedRow error naming the file and line.
//
// src is closed when the sequence ends. The sequence may be ranged once.
func DelimitedRecords(ctx context.Context, p string, delimiter rune, src io.ReadCloser, opts Options) iter.Seq2[*models.Record, error] {
	opts = opts.withDefaults()
	container := ContainerCSV
	if delimiter == '\t' {
		container = ContainerTSV
	}

	var guard once
	return func(yield func(*models.Record, error) bool) {
		if !guard.claim() {
			yield(nil, errConsumed(p))
			return
		}
		defer src.Close()

		r := csv.NewReader(bufio.NewReaderSize(src, opts.BufferSize))
		r.Comma = delimiter
		r.ReuseRecord = true

		header, err := r.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			yield(nil, rowError(p, err))
			return
		}
		columns := make([]string, len(header))
		copy(columns, header)
		columns[0] = strings.TrimPrefix(columns[0], utf8BOM)

		var offset int64
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			row, err := r.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, rowError(p, err))
				return
			}

			line, _ := r.FieldPos(0)
			rec := newRecord(p, container, offset, int64(line))
			rec.Columns = columns
			rec.Data = make(map[string]interface{}, len(columns))
			for i, name := range columns {
				rec.Data[name] = row[i]
			}
			if !yield(rec, nil) {
				return
			}
			offset++
		}
	}
}

func rowError(p string, err error) error {
	var pe *csv.ParseError
	if !errors.As(err, &pe) {
		return hferrors.Wrap(err, hferrors.ErrorTypeFile, fmt.Sprintf("failed to read %s", p)).
			WithDetail("path", p)
	}
	return hferrors.Wrap(pe.Err, hferrors.ErrorTypeMalformedRow,
		fmt.Sprintf("malformed row in %s at line %d", p, pe.StartLine)).
		WithDetail("path", p).
		WithDetail("line", pe.StartLine)
}
