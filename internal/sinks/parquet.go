package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/spf13/cast"

	"github.com/JonMunkholm/flattener/internal/core"
)

func init() {
	core.RegisterSink("parquet", func(_ context.Context, opts core.SinkOptions) (core.BatchSink, error) {
		return NewParquetSink(opts.OutputDir, opts.TablePrefix, opts.Logger)
	})
}

// ParquetSink writes each table as a directory of Parquet parts:
// <dir>/<prefix><table>/part-NNNNN.parquet. Column types are inferred from
// the values (boolean, int64, float64, otherwise string). A batch that adds
// columns or changes a column's type closes the current part and starts a
// new one with the widened schema.
type ParquetSink struct {
	dir    string
	prefix string
	logger *slog.Logger
	alloc  memory.Allocator
	tables map[string]*parquetTable
}

type parquetTable struct {
	dir     string
	columns []string
	types   map[string]arrow.DataType
	schema  *arrow.Schema

	part   int
	file   *os.File
	writer *pqarrow.FileWriter
	rows   int64
}

// NewParquetSink creates the output directory and returns the sink.
func NewParquetSink(dir, prefix string, logger *slog.Logger) (*ParquetSink, error) {
	if dir == "" {
		return nil, errors.New("output directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ParquetSink{
		dir:    dir,
		prefix: prefix,
		logger: logger.With("sink", "parquet"),
		alloc:  memory.NewGoAllocator(),
		tables: make(map[string]*parquetTable),
	}, nil
}

// Dir returns the directory holding a table's parts.
func (s *ParquetSink) Dir(table string) string {
	return filepath.Join(s.dir, s.prefix+table)
}

func (s *ParquetSink) AcceptBatch(ctx context.Context, table string, rows []*core.FlatRow, drifted bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, ok := s.tables[table]
	if !ok {
		t = &parquetTable{dir: s.Dir(table), types: make(map[string]arrow.DataType)}
		if err := os.MkdirAll(t.dir, 0o755); err != nil {
			return fmt.Errorf("create table directory: %w", err)
		}
		s.tables[table] = t
	}

	if t.merge(rows) || t.writer == nil {
		if t.writer != nil {
			s.logger.Info("schema changed, starting new part", "table", table, "drifted", drifted)
			if err := s.closePart(table, t); err != nil {
				return err
			}
		}
		if err := s.openPart(t); err != nil {
			return err
		}
	}

	rec, err := buildRecord(s.alloc, t.schema, rows)
	if err != nil {
		return fmt.Errorf("build %s batch: %w", table, err)
	}
	defer rec.Release()

	if err := t.writer.Write(rec); err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}
	t.rows += rec.NumRows()
	return nil
}

// merge widens the table schema with the batch's columns and types and
// reports whether it changed.
func (t *parquetTable) merge(rows []*core.FlatRow) bool {
	changed := false
	for _, c := range columnsOf(rows) {
		if _, ok := t.types[c]; !ok {
			t.columns = append(t.columns, c)
			t.types[c] = nil
			changed = true
		}
	}
	for _, r := range rows {
		r.Each(func(name string, v any) {
			prev := t.types[name]
			if next := mergeType(prev, inferType(v)); next != prev {
				t.types[name] = next
				changed = true
			}
		})
	}
	if changed || t.schema == nil {
		t.schema = t.buildSchema()
	}
	return changed
}

func (t *parquetTable) buildSchema() *arrow.Schema {
	fields := make([]arrow.Field, len(t.columns))
	for i, c := range t.columns {
		// Columns seen only as null are fixed as strings.
		if t.types[c] == nil {
			t.types[c] = arrow.BinaryTypes.String
		}
		fields[i] = arrow.Field{Name: c, Type: t.types[c], Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func (s *ParquetSink) openPart(t *parquetTable) error {
	path := filepath.Join(t.dir, fmt.Sprintf("part-%05d.parquet", t.part))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	props := parquet.NewWriterProperties(
		parquet.WithDictionaryDefault(true),
		parquet.WithCreatedBy("flattener"),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	w, err := pqarrow.NewFileWriter(t.schema, f, props, arrowProps)
	if err != nil {
		f.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}
	t.file, t.writer, t.rows = f, w, 0
	t.part++
	s.logger.Info("opened parquet part", "path", path, "columns", len(t.columns))
	return nil
}

func (s *ParquetSink) closePart(table string, t *parquetTable) error {
	// Closing the writer closes the file as well.
	err := t.writer.Close()
	s.logger.Info("closed parquet part", "table", table, "part", t.part-1, "rows", t.rows)
	t.writer, t.file = nil, nil
	if err != nil {
		return fmt.Errorf("close %s part: %w", table, err)
	}
	return nil
}

// Finalize closes every open part.
func (s *ParquetSink) Finalize(context.Context) error {
	var errs []error
	for table, t := range s.tables {
		if t.writer != nil {
			if err := s.closePart(table, t); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// inferType maps a cell to an Arrow type. Nil means unknown (null cell).
func inferType(v any) arrow.DataType {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return arrow.FixedWidthTypes.Boolean
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return arrow.PrimitiveTypes.Int64
	case float32, float64:
		return arrow.PrimitiveTypes.Float64
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return arrow.PrimitiveTypes.Int64
		}
		if _, err := t.Float64(); err == nil {
			return arrow.PrimitiveTypes.Float64
		}
	}
	return arrow.BinaryTypes.String
}

// mergeType returns the narrowest type that holds both a and b.
func mergeType(a, b arrow.DataType) arrow.DataType {
	switch {
	case a == nil:
		return b
	case b == nil || arrow.TypeEqual(a, b):
		return a
	}
	numeric := []arrow.Type{arrow.INT64, arrow.FLOAT64}
	if slices.Contains(numeric, a.ID()) && slices.Contains(numeric, b.ID()) {
		return arrow.PrimitiveTypes.Float64
	}
	return arrow.BinaryTypes.String
}

func buildRecord(mem memory.Allocator, schema *arrow.Schema, rows []*core.FlatRow) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for i, field := range schema.Fields() {
		fb := b.Field(i)
		for _, r := range rows {
			v, ok := r.Get(field.Name)
			if !ok || v == nil {
				fb.AppendNull()
				continue
			}
			if err := appendValue(fb, v); err != nil {
				return nil, fmt.Errorf("column %s: %w", field.Name, err)
			}
		}
	}
	return b.NewRecord(), nil
}

func appendValue(fb array.Builder, v any) error {
	switch fb := fb.(type) {
	case *array.BooleanBuilder:
		b, err := cast.ToBoolE(v)
		if err != nil {
			return err
		}
		fb.Append(b)
	case *array.Int64Builder:
		n, err := cast.ToInt64E(v)
		if err != nil {
			return err
		}
		fb.Append(n)
	case *array.Float64Builder:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return err
		}
		fb.Append(f)
	case *array.StringBuilder:
		s, _ := textValue(v)
		fb.Append(s)
	default:
		return fmt.Errorf("unsupported column builder %T", fb)
	}
	return nil
}
