package writer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

// DefaultBatchSize is the number of rows per Arrow record batch.
const DefaultBatchSize = 64

const shapeKeyPrefix = "shape:"

// ArrowSink writes records as rows of an Arrow IPC file: an idx column, a
// seeds column and one column per feature. The schema is fixed by the first
// record. Rows are buffered into batches; Close flushes the last partial
// batch and writes the footer.
type ArrowSink struct {
	f         *os.File
	batchSize int
	mem       memory.Allocator

	schema  *arrow.Schema
	formats []Format
	w       *ipc.FileWriter
	b       *array.RecordBuilder
	rows    int
	count   int
}

// CreateArrow creates an Arrow IPC file at path.
func CreateArrow(path string, batchSize int) (*ArrowSink, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return &ArrowSink{f: f, batchSize: batchSize, mem: memory.NewGoAllocator()}, nil
}

func arrowType(f Format) arrow.DataType {
	switch f {
	case FloatList:
		return arrow.ListOf(arrow.PrimitiveTypes.Float32)
	case IntList:
		return arrow.ListOf(arrow.PrimitiveTypes.Int64)
	default:
		return arrow.PrimitiveTypes.Int64
	}
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}

func (s *ArrowSink) init(rec EncodedRecord) error {
	fields := []arrow.Field{
		{Name: idxFeature, Type: arrow.PrimitiveTypes.Int64},
		{Name: seedsFeature, Type: arrow.ListOf(arrow.PrimitiveTypes.Uint64)},
	}
	var keys, values []string
	for _, e := range rec.Features {
		fields = append(fields, arrow.Field{Name: e.Name, Type: arrowType(e.Format)})
		s.formats = append(s.formats, e.Format)
		if len(e.Shape) > 0 {
			keys = append(keys, shapeKeyPrefix+e.Name)
			values = append(values, formatShape(e.Shape))
		}
	}
	md := arrow.NewMetadata(keys, values)
	s.schema = arrow.NewSchema(fields, &md)

	w, err := ipc.NewFileWriter(s.f, ipc.WithSchema(s.schema), ipc.WithAllocator(s.mem))
	if err != nil {
		return fmt.Errorf("failed to start arrow file: %w", err)
	}
	s.w = w
	s.b = array.NewRecordBuilder(s.mem, s.schema)
	return nil
}

// check verifies rec against the schema before any column is touched, so a
// rejected record leaves no partial row behind.
func (s *ArrowSink) check(rec EncodedRecord) error {
	if len(rec.Features) != len(s.formats) {
		return fmt.Errorf("record idx %d has %d features, table has %d", rec.Idx, len(rec.Features), len(s.formats))
	}
	for i, e := range rec.Features {
		field := s.schema.Field(i + 2)
		if e.Name != field.Name || e.Format != s.formats[i] {
			return fmt.Errorf("record idx %d: feature %d is %s/%s, table has %s/%s",
				rec.Idx, i, e.Name, e.Format, field.Name, s.formats[i])
		}
		if e.Format == Int64 && len(e.Ints) != 1 {
			return fmt.Errorf("record idx %d: int64 feature %q has %d values", rec.Idx, e.Name, len(e.Ints))
		}
	}
	return nil
}

func (s *ArrowSink) Append(rec EncodedRecord) error {
	if s.schema == nil {
		if err := s.init(rec); err != nil {
			return err
		}
	}
	if err := s.check(rec); err != nil {
		return err
	}

	s.b.Field(0).(*array.Int64Builder).Append(rec.Idx)
	seeds := s.b.Field(1).(*array.ListBuilder)
	seeds.Append(true)
	seeds.ValueBuilder().(*array.Uint64Builder).AppendValues(rec.Seeds, nil)

	for i, e := range rec.Features {
		col := s.b.Field(i + 2)
		switch e.Format {
		case FloatList:
			lb := col.(*array.ListBuilder)
			lb.Append(true)
			lb.ValueBuilder().(*array.Float32Builder).AppendValues(e.Floats, nil)
		case IntList:
			lb := col.(*array.ListBuilder)
			lb.Append(true)
			lb.ValueBuilder().(*array.Int64Builder).AppendValues(e.Ints, nil)
		default:
			col.(*array.Int64Builder).Append(e.Ints[0])
		}
	}
	s.rows++
	s.count++

	if s.rows >= s.batchSize {
		return s.flush()
	}
	return nil
}

func (s *ArrowSink) flush() error {
	if s.rows == 0 {
		return nil
	}
	rec := s.b.NewRecord()
	defer rec.Release()
	s.rows = 0
	if err := s.w.Write(rec); err != nil {
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	return nil
}

// Count returns the number of records appended.
func (s *ArrowSink) Count() int { return s.count }

func (s *ArrowSink) Close() error {
	if s.w == nil {
		// Nothing was appended: leave an empty file rather than a table
		// without a schema.
		return s.f.Close()
	}
	err := s.flush()
	s.b.Release()
	err = errors.Join(err, s.w.Close())
	if cerr := s.f.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	return err
}

// ArrowTable is an Arrow IPC file opened for reading.
type ArrowTable struct {
	f *os.File
	r *ipc.FileReader
}

// OpenArrow opens an Arrow IPC file written by ArrowSink.
func OpenArrow(path string) (*ArrowTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := ipc.NewFileReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read arrow file %s: %w", path, err)
	}
	return &ArrowTable{f: f, r: r}, nil
}

// Schema returns the table schema.
func (t *ArrowTable) Schema() *arrow.Schema { return t.r.Schema() }

// Shapes returns the recorded shape of every multi-dimensional feature.
func (t *ArrowTable) Shapes() map[string]string {
	out := map[string]string{}
	md := t.r.Schema().Metadata()
	for i, k := range md.Keys() {
		if name, ok := strings.CutPrefix(k, shapeKeyPrefix); ok {
			out[name] = md.Values()[i]
		}
	}
	return out
}

// Records reads every row back as an EncodedRecord.
func (t *ArrowTable) Records() ([]EncodedRecord, error) {
	schema := t.r.Schema()
	var out []EncodedRecord
	for i := range t.r.NumRecords() {
		batch, err := t.r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read record batch %d: %w", i, err)
		}
		idx, ok := batch.Column(0).(*array.Int64)
		if !ok {
			return nil, fmt.Errorf("column %q is not int64", schema.Field(0).Name)
		}
		seeds, ok := batch.Column(1).(*array.List)
		if !ok {
			return nil, fmt.Errorf("column %q is not a list", schema.Field(1).Name)
		}
		for row := range int(batch.NumRows()) {
			rec := EncodedRecord{Idx: idx.Value(row)}
			start, end := seeds.ValueOffsets(row)
			vals := seeds.ListValues().(*array.Uint64)
			for j := start; j < end; j++ {
				rec.Seeds = append(rec.Seeds, vals.Value(int(j)))
			}
			for c := 2; c < int(batch.NumCols()); c++ {
				e, err := readCell(schema.Field(c).Name, batch.Column(c), row)
				if err != nil {
					return nil, err
				}
				rec.Features = append(rec.Features, e)
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func readCell(name string, col arrow.Array, row int) (Encoded, error) {
	e := Encoded{Name: name}
	switch c := col.(type) {
	case *array.Int64:
		e.Format = Int64
		e.Ints = []int64{c.Value(row)}
	case *array.List:
		start, end := c.ValueOffsets(row)
		switch vals := c.ListValues().(type) {
		case *array.Float32:
			e.Format = FloatList
			e.Floats = make([]float32, 0, end-start)
			for j := start; j < end; j++ {
				e.Floats = append(e.Floats, vals.Value(int(j)))
			}
		case *array.Int64:
			e.Format = IntList
			e.Ints = make([]int64, 0, end-start)
			for j := start; j < end; j++ {
				e.Ints = append(e.Ints, vals.Value(int(j)))
			}
		default:
			return e, fmt.Errorf("column %q: unsupported list type %s", name, vals.DataType())
		}
	default:
		return e, fmt.Errorf("column %q: unsupported type %s", name, col.DataType())
	}
	return e, nil
}

// NumRows returns the total row count.
func (t *ArrowTable) NumRows() (int, error) {
	n := 0
	for i := range t.r.NumRecords() {
		batch, err := t.r.Record(i)
		if err != nil {
			return 0, err
		}
		n += int(batch.NumRows())
	}
	return n, nil
}

func (t *ArrowTable) Close() error {
	return errors.Join(t.r.Close(), t.f.Close())
}
