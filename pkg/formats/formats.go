// Package formats classifies dataset files by extension and turns a
// single file's byte stream into a lazy sequence of records.
//
// Three logical types are recognised, each backed by one or more
// concrete containers:
//
//	columnar        .parquet .arrow .feather .avro
//	delimited_text  .csv .tsv
//	line_json       .jsonl .ndjson
//
// Any of these may carry a trailing compression suffix (".gz", ".zst",
// ...). Compressed columnar containers are classified but cannot be read.
//
// Adapters return iter.Seq2 sequences that own their source: the source
// is closed when the sequence finishes, fails or the caller stops ranging.
package formats

import (
	"fmt"
	"path"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vdeturckheim/hf-dataset/pkg/compression"
	"github.com/vdeturckheim/hf-dataset/pkg/hferrors"
	"github.com/vdeturckheim/hf-dataset/pkg/logger"
	"github.com/vdeturckheim/hf-dataset/pkg/models"
)

// Type is the logical file type. The set is closed; adding a value
// requires a matching adapter in every switch over Type.
type Type int

const (
	// TypeColumnar is a binary, column-oriented container
	TypeColumnar Type = iota
	// TypeDelimitedText is header-plus-rows text
	TypeDelimitedText
	// TypeLineJSON is one JSON value per line
	TypeLineJSON
)

func (t Type) String() string {
	switch t {
	case TypeColumnar:
		return "columnar"
	case TypeDelimitedText:
		return "delimited_text"
	case TypeLineJSON:
		return "line_json"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// MarshalText renders the type by name.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Container is the concrete on-disk format.
type Container string

// Supported containers.
const (
	ContainerParquet Container = "parquet"
	ContainerArrow   Container = "arrow"
	ContainerAvro    Container = "avro"
	ContainerCSV     Container = "csv"
	ContainerTSV     Container = "tsv"
	ContainerJSONL   Container = "jsonl"
)

// Type returns the logical type of the container.
func (c Container) Type() Type {
	switch c {
	case ContainerParquet, ContainerArrow, ContainerAvro:
		return TypeColumnar
	case ContainerCSV, ContainerTSV:
		return TypeDelimitedText
	default:
		return TypeLineJSON
	}
}

// Delimiter returns the field separator of a delimited container.
func (c Container) Delimiter() rune {
	if c == ContainerTSV {
		return '\t'
	}
	return ','
}

var extensions = map[string]Container{
	".parquet": ContainerParquet,
	".arrow":   ContainerArrow,
	".feather": ContainerArrow,
	".avro":    ContainerAvro,
	".csv":     ContainerCSV,
	".tsv":     ContainerTSV,
	".jsonl":   ContainerJSONL,
	".ndjson":  ContainerJSONL,
}

// Classification is the result of classifying one path.
type Classification struct {
	Type        Type
	Container   Container
	Compression compression.Algorithm
}

// Compressed reports whether the file carries a compression suffix.
func (c Classification) Compressed() bool {
	return c.Compression != compression.None
}

// Classify derives the logical type and compression of a file from its
// name. The extension comparison is case-insensitive. A single trailing
// compression suffix is stripped before the type lookup. It returns false
// for unsupported extensions.
func Classify(p string) (Classification, bool) {
	name := strings.ToLower(path.Base(strings.ReplaceAll(p, "\\", "/")))

	alg, compressed := compression.FromSuffix(name)
	if compressed {
		name = strings.TrimSuffix(name, path.Ext(name))
	}

	container, ok := extensions[path.Ext(name)]
	if !ok {
		return Classification{}, false
	}
	return Classification{
		Type:        container.Type(),
		Container:   container,
		Compression: alg,
	}, true
}

// Options tunes the adapters.
type Options struct {
	// BufferSize is the initial line buffer size in bytes
	BufferSize int
	// MaxLineSize caps a single line in bytes
	MaxLineSize int
	// BatchSize is the number of rows decoded per columnar batch
	BatchSize int64
	// Logger receives skip warnings; defaults to the global logger
	Logger *zap.Logger
}

// DefaultOptions returns the adapter defaults.
func DefaultOptions() Options {
	return Options{
		BufferSize:  64 * 1024,
		MaxLineSize: 8 * 1024 * 1024,
		BatchSize:   1024,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.MaxLineSize < o.BufferSize {
		o.MaxLineSize = max(d.MaxLineSize, o.BufferSize)
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.Logger == nil {
		o.Logger = logger.Get()
	}
	return o
}

// errConsumed is yielded when a single-use sequence is ranged twice.
func errConsumed(p string) error {
	return hferrors.New(hferrors.ErrorTypeInternal, "sequence already consumed").
		WithDetail("path", p)
}

// once guards a sequence against being ranged more than once.
type once struct{ used atomic.Bool }

func (o *once) claim() bool { return o.used.CompareAndSwap(false, true) }

func newRecord(p string, c Container, offset, line int64) *models.Record {
	return &models.Record{
		Metadata: models.RecordMetadata{
			Source:    p,
			Type:      c.Type().String(),
			Container: string(c),
			Offset:    offset,
			Line:      line,
		},
	}
}
