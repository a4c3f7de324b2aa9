// Package checkpoint stores named float32 tensors and string metadata in a
// single Arrow IPC file. Tokenizer weights and trainer state both use it.
//
// Each tensor is one row of the record: name, shape, values and an xxhash of
// the values, verified on read.
package checkpoint

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ErrChecksum reports a tensor whose stored values do not match its checksum.
var ErrChecksum = errors.New("checkpoint: checksum mismatch")

// Bundle is the in-memory form of a checkpoint file.
type Bundle struct {
	Metadata map[string]string
	Tensors  map[string]*tensors.Tensor
}

// NewBundle returns an empty bundle.
func NewBundle() *Bundle {
	return &Bundle{Metadata: map[string]string{}, Tensors: map[string]*tensors.Tensor{}}
}

// Put stores a float32 tensor under name.
func (b *Bundle) Put(name string, values []float32, dims ...int) {
	b.Tensors[name] = tensors.FromFlatDataAndDimensions(values, dims...)
}

// Names returns the tensor names, sorted.
func (b *Bundle) Names() []string {
	names := make([]string, 0, len(b.Tensors))
	for name := range b.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var schemaFields = []arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	{Name: "xxhash", Type: arrow.PrimitiveTypes.Uint64},
}

// Write stores b at path. The file is written next to path and renamed into
// place, so readers never observe a partial checkpoint.
func Write(path string, b *Bundle) error {
	keys := make([]string, 0, len(b.Metadata))
	for k := range b.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = b.Metadata[k]
	}
	md := arrow.NewMetadata(keys, vals)
	schema := arrow.NewSchema(schemaFields, &md)

	mem := memory.NewGoAllocator()
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()

	names := rb.Field(0).(*array.StringBuilder)
	shapes := rb.Field(1).(*array.ListBuilder)
	shapeValues := shapes.ValueBuilder().(*array.Int64Builder)
	values := rb.Field(2).(*array.ListBuilder)
	floatValues := values.ValueBuilder().(*array.Float32Builder)
	sums := rb.Field(3).(*array.Uint64Builder)

	for _, name := range b.Names() {
		t := b.Tensors[name]
		dims := t.Shape().Dimensions
		flat := tensors.MustCopyFlatData[float32](t)

		names.Append(name)
		shapes.Append(true)
		for _, d := range dims {
			shapeValues.Append(int64(d))
		}
		values.Append(true)
		floatValues.AppendValues(flat, nil)
		sums.Append(checksum(flat))
	}

	rec := rb.NewRecord()
	defer rec.Release()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint dir")
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, schema, rec, mem); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "rename checkpoint")
	}
	return nil
}

func writeFile(path string, schema *arrow.Schema, rec arrow.Record, mem memory.Allocator) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		f.Close()
		return errors.Wrap(err, "arrow writer")
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		f.Close()
		return errors.Wrap(err, "write checkpoint")
	}
	if err := w.Close(); err != nil {
		f.Close()
		return errors.Wrap(err, "close arrow writer")
	}
	return errors.Wrap(f.Close(), "close checkpoint")
}

// Read loads the bundle stored at path.
func Read(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, errors.Wrapf(err, "read checkpoint %s", path)
	}
	defer r.Close()
	if err := checkSchema(r.Schema()); err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", path)
	}

	b := NewBundle()
	md := r.Schema().Metadata()
	for i, k := range md.Keys() {
		b.Metadata[k] = md.Values()[i]
	}

	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, errors.Wrapf(err, "read record %d of %s", i, path)
		}
		if err := b.appendRecord(rec); err != nil {
			return nil, errors.Wrapf(err, "checkpoint %s", path)
		}
	}
	return b, nil
}

// checkSchema verifies the column names and types match schemaFields.
func checkSchema(schema *arrow.Schema) error {
	fields := schema.Fields()
	if len(fields) != len(schemaFields) {
		return errors.Errorf("expected %d columns, got %d", len(schemaFields), len(fields))
	}
	for i, want := range schemaFields {
		got := fields[i]
		if got.Name != want.Name || !arrow.TypeEqual(got.Type, want.Type) {
			return errors.Errorf("column %d is %s %s, want %s %s", i, got.Name, got.Type, want.Name, want.Type)
		}
	}
	return nil
}

func (b *Bundle) appendRecord(rec arrow.Record) error {
	if rec.NumCols() != int64(len(schemaFields)) {
		return errors.Errorf("expected %d columns, got %d", len(schemaFields), rec.NumCols())
	}
	names, ok := rec.Column(0).(*array.String)
	if !ok {
		return errors.New("column name is not a string column")
	}
	shapes, ok := rec.Column(1).(*array.List)
	if !ok {
		return errors.New("column shape is not a list column")
	}
	values, ok := rec.Column(2).(*array.List)
	if !ok {
		return errors.New("column values is not a list column")
	}
	sums, ok := rec.Column(3).(*array.Uint64)
	if !ok {
		return errors.New("column xxhash is not a uint64 column")
	}
	shapeValues, ok := shapes.ListValues().(*array.Int64)
	if !ok {
		return errors.Errorf("column shape holds %s, want int64", shapes.ListValues().DataType())
	}
	floatValues, ok := values.ListValues().(*array.Float32)
	if !ok {
		return errors.Errorf("column values holds %s, want float32", values.ListValues().DataType())
	}
	shapeFlat := shapeValues.Int64Values()
	valueFlat := floatValues.Float32Values()

	for row := 0; row < int(rec.NumRows()); row++ {
		name := names.Value(row)
		start, end := shapes.ValueOffsets(row)
		dims := make([]int, 0, end-start)
		size := 1
		for _, d := range shapeFlat[start:end] {
			dims = append(dims, int(d))
			size *= int(d)
		}
		start, end = values.ValueOffsets(row)
		flat := valueFlat[start:end]
		if len(flat) != size {
			return errors.Errorf("tensor %s: %d values for shape %v", name, len(flat), dims)
		}
		if checksum(flat) != sums.Value(row) {
			return errors.Wrapf(ErrChecksum, "tensor %s", name)
		}
		b.Tensors[name] = tensors.FromFlatDataAndDimensions(flat, dims...)
	}
	return nil
}

func checksum(values []float32) uint64 {
	d := xxhash.New()
	buf := make([]byte, 4)
	for _, v := range values {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		d.Write(buf)
	}
	return d.Sum64()
}
