// Package models defines the Record, the uniform unit produced by every
// format adapter regardless of the file it was read from.
package models

import (
	"sort"
)

// RecordMetadata describes where a record came from.
type RecordMetadata struct {
	// Source is the dataset-relative path of the file
	Source string `json:"source"`
	// Type is the logical file type (columnar, delimited_text, line_json)
	Type string `json:"type"`
	// Container is the concrete file format (parquet, csv, jsonl, ...)
	Container string `json:"container,omitempty"`
	// Offset is the zero-based record index within the file
	Offset int64 `json:"offset"`
	// Line is the one-based line number for text formats, 0 otherwise
	Line int64 `json:"line,omitempty"`
}

// Record is a mapping of field name to value. Values are scalars, nested
// maps or slices as produced by the format's decoder; delimited text
// always yields strings.
type Record struct {
	// Data contains the record payload
	Data map[string]interface{} `json:"data"`
	// Columns lists field names in file order for schema-bearing formats.
	// It is nil for line-JSON records, whose key order is not preserved.
	Columns []string `json:"columns,omitempty"`
	// Metadata identifies the originating file and position
	Metadata RecordMetadata `json:"metadata"`
}

// NewRecord creates a record with the given payload.
func NewRecord(meta RecordMetadata, data map[string]interface{}) *Record {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &Record{Data: data, Metadata: meta}
}

// Keys returns field names: Columns when known, otherwise the payload
// keys in sorted order.
func (r *Record) Keys() []string {
	if r.Columns != nil {
		out := make([]string, len(r.Columns))
		copy(out, r.Columns)
		return out
	}
	keys := make([]string, 0, len(r.Data))
	for k := range r.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
