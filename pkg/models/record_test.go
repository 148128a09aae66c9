package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordKeys(t *testing.T) {
	r := NewRecord(RecordMetadata{Source: "a.jsonl", Type: "line_json"}, map[string]interface{}{"b": 1, "a": 2})
	assert.Equal(t, []string{"a", "b"}, r.Keys())

	r.Columns = []string{"b", "a"}
	keys := r.Keys()
	assert.Equal(t, []string{"b", "a"}, keys)
	keys[0] = "mutated"
	assert.Equal(t, "b", r.Columns[0])
}

func TestNewRecordAllocatesData(t *testing.T) {
	r := NewRecord(RecordMetadata{Source: "a.csv"}, nil)
	assert.NotNil(t, r.Data)
	assert.Empty(t, r.Keys())
}
