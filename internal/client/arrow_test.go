package client

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRecordBatch(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)
	builder := NewRecordBatchBuilder(pool)

	t.Run("Empty input", func(t *testing.T) {
		rb, err := builder.BuildRecordBatch(nil)
		require.NoError(t, err)
		defer rb.Release()
		assert.Equal(t, int64(0), rb.NumRows())

		keys, err := Keys(nil, rb)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("Valid input", func(t *testing.T) {
		rb, err := builder.BuildRecordBatch([]uint32{5, 3, 5, 1})
		require.NoError(t, err)
		defer rb.Release()

		assert.Equal(t, int64(4), rb.NumRows())
		assert.Equal(t, int64(1), rb.NumCols())
		assert.Equal(t, KeysColumn, rb.ColumnName(0))

		keys, err := Keys([]uint32{9}, rb)
		require.NoError(t, err)
		assert.Equal(t, []uint32{9, 5, 3, 5, 1}, keys)
	})
}

func TestKeysRejects(t *testing.T) {
	pool := memory.NewGoAllocator()

	t.Run("Wrong type", func(t *testing.T) {
		schema := arrow.NewSchema([]arrow.Field{{Name: KeysColumn, Type: arrow.PrimitiveTypes.Float32}}, nil)
		b := array.NewFloat32Builder(pool)
		defer b.Release()
		b.AppendValues([]float32{1, 2}, nil)
		a := b.NewArray()
		defer a.Release()
		rb := array.NewRecordBatch(schema, []arrow.Array{a}, 2)
		defer rb.Release()

		_, err := Keys(nil, rb)
		assert.ErrorContains(t, err, "want uint32")
	})

	t.Run("Missing column", func(t *testing.T) {
		schema := arrow.NewSchema([]arrow.Field{{Name: "other", Type: arrow.PrimitiveTypes.Uint32}}, nil)
		b := array.NewUint32Builder(pool)
		defer b.Release()
		b.Append(1)
		a := b.NewArray()
		defer a.Release()
		rb := array.NewRecordBatch(schema, []arrow.Array{a}, 1)
		defer rb.Release()

		_, err := Keys(nil, rb)
		assert.ErrorContains(t, err, "no \"keys\" column")
	})

	t.Run("Nulls", func(t *testing.T) {
		b := array.NewUint32Builder(pool)
		defer b.Release()
		b.Append(1)
		b.AppendNull()
		a := b.NewArray()
		defer a.Release()
		rb := array.NewRecordBatch(KeysSchema, []arrow.Array{a}, 2)
		defer rb.Release()

		_, err := Keys(nil, rb)
		assert.ErrorContains(t, err, "nulls")
	})
}
