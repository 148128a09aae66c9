package formats

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// arrowValue converts one cell to a plain Go value. Integers widen to
// int64/uint64, floats to float64, temporal types become time.Time and
// nested types become slices and maps. Strings and byte slices are
// copied out of the arrow buffers.
func arrowValue(col arrow.Array, i int) interface{} {
	if col.IsNull(i) {
		return nil
	}

	switch c := col.(type) {
	case *array.Boolean:
		return c.Value(i)
	case *array.Int8:
		return int64(c.Value(i))
	case *array.Int16:
		return int64(c.Value(i))
	case *array.Int32:
		return int64(c.Value(i))
	case *array.Int64:
		return c.Value(i)
	case *array.Uint8:
		return uint64(c.Value(i))
	case *array.Uint16:
		return uint64(c.Value(i))
	case *array.Uint32:
		return uint64(c.Value(i))
	case *array.Uint64:
		return c.Value(i)
	case *array.Float32:
		return float64(c.Value(i))
	case *array.Float64:
		return c.Value(i)
	case *array.String:
		return strings.Clone(c.Value(i))
	case *array.LargeString:
		return strings.Clone(c.Value(i))
	case *array.Binary:
		return append([]byte(nil), c.Value(i)...)
	case *array.LargeBinary:
		return append([]byte(nil), c.Value(i)...)
	case *array.Timestamp:
		unit := c.DataType().(*arrow.TimestampType).Unit
		return c.Value(i).ToTime(unit).UTC()
	case *array.Date32:
		return c.Value(i).ToTime().UTC()
	case *array.Date64:
		return c.Value(i).ToTime().UTC()
	case *array.Struct:
		st := c.DataType().(*arrow.StructType)
		out := make(map[string]interface{}, c.NumField())
		for f := 0; f < c.NumField(); f++ {
			out[st.Field(f).Name] = arrowValue(c.Field(f), i)
		}
		return out
	case array.ListLike:
		start, end := c.ValueOffsets(i)
		values := c.ListValues()
		out := make([]interface{}, 0, end-start)
		for j := start; j < end; j++ {
			out = append(out, arrowValue(values, int(j)))
		}
		return out
	case *array.Dictionary:
		return arrowValue(c.Dictionary(), c.GetValueIndex(i))
	default:
		return col.GetOneForMarshal(i)
	}
}
