package sinks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/JonMunkholm/flattener/internal/core"
)

func init() {
	core.RegisterSink("sqlite", func(ctx context.Context, opts core.SinkOptions) (core.BatchSink, error) {
		return NewSQLiteSink(ctx, opts.SQLitePath, opts.TablePrefix, opts.Logger)
	})
}

// SQLiteSink writes each table into a SQLite database file. Tables are
// created on first use with untyped columns so values keep their JSON type;
// columns that appear later are added with ALTER TABLE. Every batch is
// written in its own transaction.
type SQLiteSink struct {
	db      *sql.DB
	prefix  string
	logger  *slog.Logger
	columns map[string]map[string]bool // table -> known columns
}

// NewSQLiteSink opens (or creates) the database at path.
func NewSQLiteSink(ctx context.Context, path, prefix string, logger *slog.Logger) (*SQLiteSink, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteSink{
		db:      db,
		prefix:  prefix,
		logger:  logger.With("sink", "sqlite"),
		columns: make(map[string]map[string]bool),
	}, nil
}

// DB exposes the connection, mainly for inspection in tests.
func (s *SQLiteSink) DB() *sql.DB { return s.db }

func (s *SQLiteSink) AcceptBatch(ctx context.Context, table string, rows []*core.FlatRow, drifted bool) error {
	name := s.prefix + table
	cols := columnsOf(rows)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
			// Schema changes made in this transaction are gone too.
			delete(s.columns, name)
		}
	}()

	if err := s.ensureColumns(ctx, tx, name, cols); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, insertSQL(name, cols))
	if err != nil {
		return fmt.Errorf("prepare insert into %s: %w", name, err)
	}
	defer stmt.Close()

	args := make([]any, len(cols))
	for _, r := range rows {
		for i, c := range cols {
			v, _ := r.Get(c)
			args[i] = sqliteValue(v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert into %s (row %s): %w", name, r.ID(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	committed = true
	if drifted {
		s.logger.Debug("batch with new columns", "table", name, "rows", len(rows))
	}
	return nil
}

// ensureColumns creates the table or adds the columns it lacks.
func (s *SQLiteSink) ensureColumns(ctx context.Context, tx *sql.Tx, name string, cols []string) error {
	known, ok := s.columns[name]
	if !ok {
		var err error
		if known, err = tableColumns(ctx, tx, name); err != nil {
			return err
		}
		if len(known) == 0 {
			if _, err := tx.ExecContext(ctx, createTableSQL(name, cols)); err != nil {
				return fmt.Errorf("create table %s: %w", name, err)
			}
			for _, c := range cols {
				known[c] = true
			}
			s.logger.Info("created table", "table", name, "columns", len(cols))
		}
		s.columns[name] = known
	}

	for _, c := range missing(known, cols) {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quoteIdent(name), quoteIdent(c))); err != nil {
			return fmt.Errorf("add column %s.%s: %w", name, c, err)
		}
		known[c] = true
		s.logger.Info("added column", "table", name, "column", c)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func tableColumns(ctx context.Context, q queryer, name string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(name)))
	if err != nil {
		return nil, fmt.Errorf("inspect table %s: %w", name, err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			col     string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &col, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("inspect table %s: %w", name, err)
		}
		known[col] = true
	}
	return known, rows.Err()
}

// Finalize closes the database.
func (s *SQLiteSink) Finalize(context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func createTableSQL(name string, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(quoted, ", "))
}

func insertSQL(name string, cols []string) string {
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(name), strings.Join(quoted, ", "), strings.Join(marks, ", "))
}

// sqliteValue keeps numbers and booleans native and stores everything
// else as text.
func sqliteValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool, int, int32, int64, float32, float64:
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}
	s, _ := textValue(v)
	return s
}
