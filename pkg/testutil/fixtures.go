package testutil

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/linkedin/goavro/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/vdeturckheim/hf-dataset/pkg/compression"
)

// Row is one fixture row for the columnar builders.
type Row struct {
	ID        int64
	Name      string
	Score     float64
	NullScore bool
}

// Rows returns n deterministic rows; every third score is null.
func Rows(n int) []Row {
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{
			ID:        int64(i + 1),
			Name:      string(rune('a' + i%26)),
			Score:     float64(i) + 0.5,
			NullScore: i%3 == 2,
		}
	}
	return rows
}

var fixtureSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "score", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}, nil)

func buildRecord(rows []Row) arrow.Record {
	b := array.NewRecordBuilder(memory.NewGoAllocator(), fixtureSchema)
	defer b.Release()

	ids := b.Field(0).(*array.Int64Builder)
	names := b.Field(1).(*array.StringBuilder)
	scores := b.Field(2).(*array.Float64Builder)
	for _, r := range rows {
		ids.Append(r.ID)
		names.Append(r.Name)
		if r.NullScore {
			scores.AppendNull()
		} else {
			scores.Append(r.Score)
		}
	}
	return b.NewRecord()
}

// ParquetBytes encodes rows as a parquet file with small row groups so
// readers cross group boundaries.
func ParquetBytes(t testing.TB, rows []Row) []byte {
	t.Helper()
	rec := buildRecord(rows)
	defer rec.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithMaxRowGroupLength(4))
	w, err := pqarrow.NewFileWriter(fixtureSchema, &buf, props, pqarrow.DefaultWriterProps())
	require.NoError(t, err)
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// ArrowBytes encodes rows as an Arrow IPC file.
func ArrowBytes(t testing.TB, rows []Row) []byte {
	t.Helper()
	rec := buildRecord(rows)
	defer rec.Release()

	var buf bytes.Buffer
	w, err := ipc.NewFileWriter(&buf, ipc.WithSchema(fixtureSchema), ipc.WithAllocator(memory.NewGoAllocator()))
	require.NoError(t, err)
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

const avroSchema = `{
  "type": "record",
  "name": "Row",
  "fields": [
    {"name": "id", "type": "long"},
    {"name": "name", "type": "string"},
    {"name": "score", "type": ["null", "double"], "default": null}
  ]
}`

// AvroBytes encodes rows as an Avro object container file.
func AvroBytes(t testing.TB, rows []Row) []byte {
	t.Helper()
	codec, err := goavro.NewCodec(avroSchema)
	require.NoError(t, err)

	var buf bytes.Buffer
	w, err := goavro.NewOCFWriter(goavro.OCFConfig{W: &buf, Codec: codec})
	require.NoError(t, err)

	data := make([]interface{}, len(rows))
	for i, r := range rows {
		var score interface{}
		if !r.NullScore {
			score = goavro.Union("double", r.Score)
		}
		data[i] = map[string]interface{}{
			"id":    r.ID,
			"name":  r.Name,
			"score": score,
		}
	}
	require.NoError(t, w.Append(data))
	return buf.Bytes()
}

// Compress encodes data with alg.
func Compress(t testing.TB, alg compression.Algorithm, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := compression.NewWriter(&buf, alg)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// WriteFile writes data to name on fs, creating parent directories.
func WriteFile(t testing.TB, fs afero.Fs, name string, data []byte) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, afero.WriteFile(fs, name, data, 0o644))
}
