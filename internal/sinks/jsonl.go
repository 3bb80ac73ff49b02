package sinks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/JonMunkholm/flattener/internal/core"
)

func init() {
	core.RegisterSink("jsonl", func(_ context.Context, opts core.SinkOptions) (core.BatchSink, error) {
		return NewJSONLSink(opts.OutputDir, opts.TablePrefix, opts.Logger)
	})
}

// JSONLSink writes one line-delimited JSON file per table:
// <dir>/<prefix><table>.jsonl. Each line is one row with metadata columns
// first. Files are created on first use and truncated if they exist.
type JSONLSink struct {
	dir    string
	prefix string
	logger *slog.Logger
	files  map[string]*jsonlFile
}

type jsonlFile struct {
	f    *os.File
	w    *bufio.Writer
	rows int64
}

// NewJSONLSink creates the output directory and returns the sink.
func NewJSONLSink(dir, prefix string, logger *slog.Logger) (*JSONLSink, error) {
	if dir == "" {
		return nil, errors.New("output directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONLSink{
		dir:    dir,
		prefix: prefix,
		logger: logger.With("sink", "jsonl"),
		files:  make(map[string]*jsonlFile),
	}, nil
}

// Path returns the file a table is written to.
func (s *JSONLSink) Path(table string) string {
	return filepath.Join(s.dir, s.prefix+table+".jsonl")
}

func (s *JSONLSink) AcceptBatch(ctx context.Context, table string, rows []*core.FlatRow, drifted bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out, err := s.open(table)
	if err != nil {
		return err
	}
	if drifted {
		s.logger.Debug("new columns", "table", table, "columns", columnsOf(rows))
	}

	for _, r := range rows {
		line, err := r.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encode row %s: %w", r.ID(), err)
		}
		if _, err := out.w.Write(line); err != nil {
			return fmt.Errorf("write %s: %w", s.Path(table), err)
		}
		if err := out.w.WriteByte('\n'); err != nil {
			return fmt.Errorf("write %s: %w", s.Path(table), err)
		}
	}
	out.rows += int64(len(rows))
	return nil
}

func (s *JSONLSink) open(table string) (*jsonlFile, error) {
	if out, ok := s.files[table]; ok {
		return out, nil
	}
	path := s.Path(table)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	out := &jsonlFile{f: f, w: bufio.NewWriterSize(f, 64*1024)}
	s.files[table] = out
	s.logger.Info("opened table file", "table", table, "path", path)
	return out, nil
}

// Finalize flushes and closes every file.
func (s *JSONLSink) Finalize(context.Context) error {
	var errs []error
	for table, out := range s.files {
		if err := out.w.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", table, err))
		}
		if err := out.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", table, err))
		}
		s.logger.Info("closed table file", "table", table, "rows", out.rows)
	}
	s.files = make(map[string]*jsonlFile)
	return errors.Join(errs...)
}
