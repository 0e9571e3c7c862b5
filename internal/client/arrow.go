package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// KeysColumn is the single column exchanged with the sort service.
const KeysColumn = "keys"

// KeysSchema is the schema of every record sent to and returned by the sort
// service.
var KeysSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: KeysColumn, Type: arrow.PrimitiveTypes.Uint32},
	},
	nil,
)

// RecordBatchBuilder converts between uint32 key slices and Arrow records.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch returns a one-column record holding keys. The caller
// releases it.
func (b *RecordBatchBuilder) BuildRecordBatch(keys []uint32) (arrow.RecordBatch, error) {
	builder := array.NewUint32Builder(b.mem)
	defer builder.Release()
	builder.AppendValues(keys, nil)

	col := builder.NewArray()
	defer col.Release()

	return array.NewRecordBatch(KeysSchema, []arrow.Array{col}, int64(len(keys))), nil
}

// Keys appends the keys column of rec to dst. Null entries are rejected.
func Keys(dst []uint32, rec arrow.RecordBatch) ([]uint32, error) {
	idx := rec.Schema().FieldIndices(KeysColumn)
	if len(idx) == 0 {
		return dst, fmt.Errorf("client: record has no %q column", KeysColumn)
	}
	col, ok := rec.Column(idx[0]).(*array.Uint32)
	if !ok {
		return dst, fmt.Errorf("client: column %q is %s, want uint32", KeysColumn, rec.Column(idx[0]).DataType())
	}
	if col.NullN() > 0 {
		return dst, fmt.Errorf("client: column %q has %d nulls", KeysColumn, col.NullN())
	}
	return append(dst, col.Uint32Values()...), nil
}
