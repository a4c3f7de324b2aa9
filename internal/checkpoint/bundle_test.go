package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ckpt.arrow")
	b := NewBundle()
	b.Metadata["hparams"] = `{"num_tokens":4}`
	b.Put("encoder.proj.weight", []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b.Put("codebook.weight", []float32{0.5, -0.5}, 2, 1)
	require.NoError(t, Write(path, b))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, `{"num_tokens":4}`, got.Metadata["hparams"])
	assert.Equal(t, []string{"codebook.weight", "encoder.proj.weight"}, got.Names())

	w := got.Tensors["encoder.proj.weight"]
	assert.Equal(t, []int{2, 3}, w.Shape().Dimensions)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, tensors.MustCopyFlatData[float32](w))
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "absent.arrow"))
	require.Error(t, err)
}

func TestAppendRecordDetectsChecksumMismatch(t *testing.T) {
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema(schemaFields, nil)
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()

	rb.Field(0).(*array.StringBuilder).Append("w")
	shapes := rb.Field(1).(*array.ListBuilder)
	shapes.Append(true)
	shapes.ValueBuilder().(*array.Int64Builder).Append(2)
	values := rb.Field(2).(*array.ListBuilder)
	values.Append(true)
	values.ValueBuilder().(*array.Float32Builder).AppendValues([]float32{1, 2}, nil)
	rb.Field(3).(*array.Uint64Builder).Append(checksum([]float32{1, 3}))

	rec := rb.NewRecord()
	defer rec.Release()

	err := NewBundle().appendRecord(rec)
	require.ErrorIs(t, err, ErrChecksum)
}

// wrongTypeRecord builds one row under fields, whose shape or values column
// may use a list element type other than the one Write produces.
func wrongTypeRecord(t *testing.T, mem memory.Allocator, fields []arrow.Field) arrow.Record {
	t.Helper()
	rb := array.NewRecordBuilder(mem, arrow.NewSchema(fields, nil))
	defer rb.Release()

	rb.Field(0).(*array.StringBuilder).Append("w")
	shapes := rb.Field(1).(*array.ListBuilder)
	shapes.Append(true)
	switch vb := shapes.ValueBuilder().(type) {
	case *array.Int64Builder:
		vb.Append(2)
	case *array.Int32Builder:
		vb.Append(2)
	}
	values := rb.Field(2).(*array.ListBuilder)
	values.Append(true)
	switch vb := values.ValueBuilder().(type) {
	case *array.Float32Builder:
		vb.AppendValues([]float32{1, 2}, nil)
	case *array.Float64Builder:
		vb.AppendValues([]float64{1, 2}, nil)
	}
	rb.Field(3).(*array.Uint64Builder).Append(checksum([]float32{1, 2}))
	return rb.NewRecord()
}

func TestReadRejectsWrongColumnTypes(t *testing.T) {
	cases := map[string][]arrow.Field{
		"int32 shape": {
			schemaFields[0],
			{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
			schemaFields[2],
			schemaFields[3],
		},
		"float64 values": {
			schemaFields[0],
			schemaFields[1],
			{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
			schemaFields[3],
		},
	}
	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			mem := memory.NewGoAllocator()
			rec := wrongTypeRecord(t, mem, fields)
			defer rec.Release()

			path := filepath.Join(t.TempDir(), "bad.arrow")
			f, err := os.Create(path)
			require.NoError(t, err)
			w, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
			require.NoError(t, err)
			require.NoError(t, w.Write(rec))
			require.NoError(t, w.Close())
			require.NoError(t, f.Close())

			_, err = Read(path)
			require.Error(t, err)

			// A record that bypasses the schema check still fails cleanly.
			require.Error(t, NewBundle().appendRecord(rec))
		})
	}
}

func TestWriteLeavesNoTempFileOnFailure(t *testing.T) {
	dir := t.TempDir()
	// A directory at the destination makes the final rename fail.
	path := filepath.Join(dir, "ckpt.arrow")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "occupied"), 0o755))

	b := NewBundle()
	b.Put("w", []float32{1}, 1)
	require.Error(t, Write(path, b))
	assert.NoFileExists(t, path+".tmp")
}

func TestGroupsSelect(t *testing.T) {
	params := map[string]*tensors.Tensor{
		"encoder.proj.weight": tensors.FromFlatDataAndDimensions([]float32{1}, 1),
		"codebook.weight":     tensors.FromFlatDataAndDimensions([]float32{1}, 1),
		"decoder.conv.weight": tensors.FromFlatDataAndDimensions([]float32{1}, 1),
	}
	g := Groups{Required: []string{"encoder.", "codebook."}, Dropped: []string{"decoder."}}

	kept, dropped, err := g.Select(params)
	require.NoError(t, err)
	assert.Len(t, kept, 2)
	assert.Equal(t, []string{"decoder.conv.weight"}, dropped)

	params["mystery.weight"] = tensors.FromFlatDataAndDimensions([]float32{1}, 1)
	_, _, err = g.Select(params)
	require.ErrorIs(t, err, ErrUnexpectedParam)

	delete(params, "mystery.weight")
	delete(params, "codebook.weight")
	_, _, err = g.Select(params)
	require.ErrorIs(t, err, ErrMissingGroup)
}
