package sinks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/flattener/internal/core"
)

func init() {
	core.RegisterSink("postgres", func(ctx context.Context, opts core.SinkOptions) (core.BatchSink, error) {
		return NewPostgresSink(ctx, opts.DatabaseURL, opts.TablePrefix, opts.Logger)
	})
}

// PostgresSink loads each table into PostgreSQL with COPY. Columns are TEXT;
// tables and columns are created as they appear. Every batch runs in its own
// transaction so a rejected batch leaves nothing behind.
type PostgresSink struct {
	pool    *pgxpool.Pool
	prefix  string
	logger  *slog.Logger
	columns map[string]map[string]bool
}

// NewPostgresSink connects to the database and verifies the connection.
func NewPostgresSink(ctx context.Context, url, prefix string, logger *slog.Logger) (*PostgresSink, error) {
	if url == "" {
		return nil, errors.New("DATABASE_URL is required for the postgres sink")
	}
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", pgError(err))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSink{
		pool:    pool,
		prefix:  prefix,
		logger:  logger.With("sink", "postgres", "database", poolConfig.ConnConfig.Database),
		columns: make(map[string]map[string]bool),
	}, nil
}

func (s *PostgresSink) AcceptBatch(ctx context.Context, table string, rows []*core.FlatRow, drifted bool) error {
	name := s.prefix + table
	cols := columnsOf(rows)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", pgError(err))
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback(ctx)
			delete(s.columns, name)
		}
	}()

	known, ok := s.columns[name]
	if !ok {
		if _, err := tx.Exec(ctx, createTableSQLPostgres(name, cols)); err != nil {
			return fmt.Errorf("create table %s: %w", name, pgError(err))
		}
		known = make(map[string]bool, len(cols))
		s.columns[name] = known
	}
	// IF NOT EXISTS covers tables left by earlier runs.
	for _, c := range missing(known, cols) {
		if ok {
			s.logger.Info("adding column", "table", name, "column", c, "drifted", drifted)
		}
		if _, err := tx.Exec(ctx, addColumnSQLPostgres(name, c)); err != nil {
			return fmt.Errorf("add column %s.%s: %w", name, c, pgError(err))
		}
		known[c] = true
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{name}, cols, pgx.CopyFromRows(copyRows(rows, cols)))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", name, pgError(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", name, pgError(err))
	}
	committed = true

	s.logger.Debug("copied batch", "table", name, "rows", n)
	return nil
}

// Finalize closes the connection pool.
func (s *PostgresSink) Finalize(context.Context) error {
	s.pool.Close()
	return nil
}

func createTableSQLPostgres(name string, cols []string) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = pgx.Identifier{c}.Sanitize() + " TEXT"
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", pgx.Identifier{name}.Sanitize(), strings.Join(defs, ", "))
}

func addColumnSQLPostgres(name, col string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TEXT",
		pgx.Identifier{name}.Sanitize(), pgx.Identifier{col}.Sanitize())
}

// copyRows lays rows out in column order for COPY. Absent and null cells
// become NULL.
func copyRows(rows []*core.FlatRow, cols []string) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		vals := make([]any, len(cols))
		for j, c := range cols {
			v, _ := r.Get(c)
			vals[j] = toPgText(v)
		}
		out[i] = vals
	}
	return out
}

func toPgText(v any) pgtype.Text {
	s, ok := textValue(v)
	if !ok {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// pgError appends the server's detail line, which PgError.Error leaves out.
func pgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Detail != "" {
		return fmt.Errorf("%w: %s", err, pgErr.Detail)
	}
	return err
}
