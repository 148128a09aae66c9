package formats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/goccy/go-json"
	"github.com/linkedin/goavro/v2"

	"github.com/vdeturckheim/hf-dataset/pkg/hferrors"
	"github.com/vdeturckheim/hf-dataset/pkg/models"
)

// ColumnarSource is a random-access file. Parquet and Arrow IPC readers
// need to seek to the footer, so columnar containers are never streamed
// through a decompressor.
type ColumnarSource interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
}

// ColumnarRecords streams the rows of a Parquet, Arrow IPC or Avro file
// as records whose Columns follow the file schema. Null values are nil.
//
// src is closed when the sequence ends. The sequence may be ranged once.
func ColumnarRecords(ctx context.Context, p string, container Container, src ColumnarSource, opts Options) iter.Seq2[*models.Record, error] {
	opts = opts.withDefaults()

	var guard once
	return func(yield func(*models.Record, error) bool) {
		if !guard.claim() {
			yield(nil, errConsumed(p))
			return
		}
		defer src.Close()

		var err error
		switch container {
		case ContainerParquet:
			err = readParquet(ctx, p, src, opts, yield)
		case ContainerArrow:
			err = readArrowIPC(ctx, p, src, yield)
		case ContainerAvro:
			err = readAvro(ctx, p, src, yield)
		default:
			err = hferrors.Newf(hferrors.ErrorTypeUnsupportedCombination,
				"container %q is not columnar: %s", container, p).WithDetail("path", p)
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

// errStop signals that the consumer stopped ranging.
var errStop = errors.New("stop")

func readParquet(ctx context.Context, p string, src ColumnarSource, opts Options, yield func(*models.Record, error) bool) error {
	// The parquet reader is not closed: src is owned and closed by the caller.
	pf, err := file.NewParquetReader(src)
	if err != nil {
		return dataError(err, "failed to open parquet file %s", p)
	}

	mem := memory.NewGoAllocator()
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: opts.BatchSize}, mem)
	if err != nil {
		return dataError(err, "failed to open parquet file %s", p)
	}

	rr, err := fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return dataError(err, "failed to read parquet file %s", p)
	}
	defer rr.Release()

	columns := fieldNames(rr.Schema())
	var offset int64
	for rr.Next() {
		offset, err = emitBatch(ctx, p, ContainerParquet, columns, rr.Record(), offset, yield)
		if errors.Is(err, errStop) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	if err := rr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return dataError(err, "failed to read parquet file %s", p)
	}
	return nil
}

func readArrowIPC(ctx context.Context, p string, src ColumnarSource, yield func(*models.Record, error) bool) error {
	r, err := ipc.NewFileReader(src, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return dataError(err, "failed to open arrow file %s", p)
	}
	defer r.Close()

	columns := fieldNames(r.Schema())
	var offset int64
	for i := 0; i < r.NumRecords(); i++ {
		batch, err := r.Record(i)
		if err != nil {
			return dataError(err, "failed to read arrow file %s", p)
		}
		offset, err = emitBatch(ctx, p, ContainerArrow, columns, batch, offset, yield)
		if errors.Is(err, errStop) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func emitBatch(ctx context.Context, p string, c Container, columns []string, batch arrow.Record, offset int64, yield func(*models.Record, error) bool) (int64, error) {
	rows := int(batch.NumRows())
	cols := batch.Columns()
	for row := 0; row < rows; row++ {
		if err := ctx.Err(); err != nil {
			return offset, err
		}
		rec := newRecord(p, c, offset, 0)
		rec.Columns = columns
		rec.Data = make(map[string]interface{}, len(cols))
		for i, col := range cols {
			rec.Data[columns[i]] = arrowValue(col, row)
		}
		if !yield(rec, nil) {
			return offset, errStop
		}
		offset++
	}
	return offset, nil
}

func fieldNames(schema *arrow.Schema) []string {
	names := make([]string, schema.NumFields())
	for i := range names {
		names[i] = schema.Field(i).Name
	}
	return names
}

type avroField struct {
	name  string
	union bool
}

func readAvro(ctx context.Context, p string, src ColumnarSource, yield func(*models.Record, error) bool) error {
	ocf, err := goavro.NewOCFReader(src)
	if err != nil {
		return dataError(err, "failed to open avro file %s", p)
	}

	fields := avroFields(ocf.Codec().Schema())
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.name
	}

	var offset int64
	for ocf.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		datum, err := ocf.Read()
		if err != nil {
			return dataError(err, "failed to read avro file %s", p)
		}

		rec := newRecord(p, ContainerAvro, offset, 0)
		if m, ok := datum.(map[string]interface{}); ok && len(fields) > 0 {
			rec.Columns = columns
			rec.Data = make(map[string]interface{}, len(fields))
			for _, f := range fields {
				v := m[f.name]
				if f.union {
					v = unwrapUnion(v)
				}
				rec.Data[f.name] = v
			}
		} else {
			rec.Data = map[string]interface{}{"value": datum}
		}

		if !yield(rec, nil) {
			return nil
		}
		offset++
	}
	if err := ocf.Err(); err != nil {
		return dataError(err, "failed to read avro file %s", p)
	}
	return nil
}

// avroFields lists the top-level fields of a record schema in order.
func avroFields(schema string) []avroField {
	var parsed struct {
		Fields []struct {
			Name string          `json:"name"`
			Type json.RawMessage `json:"type"`
		} `json:"fields"`
	}
	if err := json.Unmarshal([]byte(schema), &parsed); err != nil {
		return nil
	}
	out := make([]avroField, 0, len(parsed.Fields))
	for _, f := range parsed.Fields {
		t := f.Type
		out = append(out, avroField{name: f.Name, union: len(t) > 0 && t[0] == '['})
	}
	return out
}

// unwrapUnion flattens goavro's {"branch": value} union encoding.
func unwrapUnion(v interface{}) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) != 1 {
		return v
	}
	for _, inner := range m {
		return inner
	}
	return v
}

func dataError(err error, format string, p string) error {
	return hferrors.Wrap(err, hferrors.ErrorTypeData, fmt.Sprintf(format, p)).WithDetail("path", p)
}
