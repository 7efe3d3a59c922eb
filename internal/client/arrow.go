package client

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Column names used on the wire.
const (
	ColumnModel      = "model"
	ColumnInput      = "input"
	ColumnPrediction = "prediction"
)

var (
	ErrRaggedRows = errors.New("client: rows differ in length")
	ErrNoColumn   = errors.New("client: column not found")
	ErrColumnType = errors.New("client: column is not a list of floats")
)

// RecordBatchBuilder creates Arrow RecordBatches from model inputs and
// predictions. Each row is stored as a fixed size list of float64.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildInputs converts input rows into a RecordBatch with a single
// "input" column. It returns nil for no rows.
func (b *RecordBatchBuilder) BuildInputs(inputs [][]float64) (arrow.RecordBatch, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	in, err := b.listColumn(inputs)
	if err != nil {
		return nil, err
	}
	defer in.Release()

	schema := arrow.NewSchema([]arrow.Field{{Name: ColumnInput, Type: in.DataType()}}, nil)
	return array.NewRecordBatch(schema, []arrow.Array{in}, int64(len(inputs))), nil
}

// BuildPredictions converts paired input and output rows into a
// RecordBatch with "model", "input" and "prediction" columns.
func (b *RecordBatchBuilder) BuildPredictions(modelName string, inputs, outputs [][]float64) (arrow.RecordBatch, error) {
	if len(inputs) != len(outputs) {
		return nil, fmt.Errorf("%w: %d inputs, %d predictions", ErrRaggedRows, len(inputs), len(outputs))
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	names := array.NewStringBuilder(b.mem)
	defer names.Release()
	for range inputs {
		names.Append(modelName)
	}
	nameArr := names.NewArray()
	defer nameArr.Release()

	in, err := b.listColumn(inputs)
	if err != nil {
		return nil, err
	}
	defer in.Release()
	out, err := b.listColumn(outputs)
	if err != nil {
		return nil, err
	}
	defer out.Release()

	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: ColumnModel, Type: arrow.BinaryTypes.String},
			{Name: ColumnInput, Type: in.DataType()},
			{Name: ColumnPrediction, Type: out.DataType()},
		},
		nil,
	)
	return array.NewRecordBatch(schema, []arrow.Array{nameArr, in, out}, int64(len(inputs))), nil
}

func (b *RecordBatchBuilder) listColumn(rows [][]float64) (arrow.Array, error) {
	width := len(rows[0])
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrRaggedRows, i, len(r), width)
		}
	}

	lb := array.NewFixedSizeListBuilder(b.mem, int32(width), arrow.PrimitiveTypes.Float64)
	defer lb.Release()
	vb := lb.ValueBuilder().(*array.Float64Builder)
	vb.Reserve(width * len(rows))
	for _, r := range rows {
		lb.Append(true)
		vb.AppendValues(r, nil)
	}
	return lb.NewArray(), nil
}

// Rows extracts a list column of float32 or float64 values as float64
// rows. Any list layout is accepted.
func Rows(rec arrow.RecordBatch, column string) ([][]float64, error) {
	idx := rec.Schema().FieldIndices(column)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoColumn, column)
	}
	list, ok := rec.Column(idx[0]).(array.ListLike)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %s", ErrColumnType, column, rec.Column(idx[0]).DataType())
	}

	var at func(i int) float64
	switch vals := list.ListValues().(type) {
	case *array.Float64:
		at = vals.Value
	case *array.Float32:
		at = func(i int) float64 { return float64(vals.Value(i)) }
	default:
		return nil, fmt.Errorf("%w: %q holds %s", ErrColumnType, column, vals.DataType())
	}

	rows := make([][]float64, list.Len())
	for i := range rows {
		if list.IsNull(i) {
			return nil, fmt.Errorf("%w: %q row %d is null", ErrColumnType, column, i)
		}
		start, end := list.ValueOffsets(i)
		row := make([]float64, end-start)
		for j := range row {
			row[j] = at(int(start) + j)
		}
		rows[i] = row
	}
	return rows, nil
}
