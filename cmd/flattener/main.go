package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/flattener/internal/config"
	"github.com/JonMunkholm/flattener/internal/core"
	"github.com/JonMunkholm/flattener/internal/logging"
	"github.com/JonMunkholm/flattener/internal/metrics"
	_ "github.com/JonMunkholm/flattener/internal/sinks" // Register all sinks
)

const usage = `usage: flattener [file ...]

Flattens nested JSON records into relational tables. Each file is read as
line-delimited JSON when it ends in .ndjson or .jsonl, otherwise as a JSON
document (a top-level array of records or a sequence of objects). With no
files, or "-", line-delimited JSON is read from standard input.

Configuration comes from the environment and an optional .env file.`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Fprintln(os.Stderr, usage)
		return
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		logFailure("failed to load configuration", err)
		return 2
	}

	// Setup structured logging based on config
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	logger.Debug("configuration loaded", "config", cfg.String())

	pipelineCfg, err := cfg.ToCore()
	if err != nil {
		logFailure("invalid pipeline configuration", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Run.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Run.Timeout)
		defer cancel()
	}

	shards, closeInputs, err := openInputs(args)
	if err != nil {
		logFailure("failed to open input", err)
		return 2
	}
	defer closeInputs()

	sink, err := core.OpenSink(ctx, cfg.Sink.Type, cfg.SinkOptions(logger.With("sink", cfg.Sink.Type)))
	if err != nil {
		logFailure("failed to open sink", err, "sink", cfg.Sink.Type)
		return 2
	}
	shared := core.NewSharedSink(sink)

	collector := metrics.NewCollector()

	slog.Info("flattening",
		"inputs", len(shards),
		"sink", cfg.Sink.Type,
		"max_parallel", cfg.Run.MaxParallel,
		"error_strategy", pipelineCfg.ErrorStrategy,
	)

	results, runErr := core.RunShards(ctx, pipelineCfg, shards,
		func(core.Shard) (core.BatchSink, error) { return shared.View(), nil },
		cfg.Run.MaxParallel,
		core.WithObserver(collector),
		core.WithProgress(func(p core.Progress) {
			slog.Debug("progress",
				"records", p.Records,
				"rows", p.Rows,
				"errors", p.Errors,
				"bytes_read", p.BytesRead,
			)
		}),
	)

	// Shards share one sink, so it is finalized once here even when a shard
	// aborted; completed shards must not lose their buffered output.
	finalizeErr := shared.Finalize(context.WithoutCancel(ctx))

	if cfg.Metrics.Textfile != "" {
		if err := collector.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			slog.Warn("metrics not written", "error", err)
		}
	}

	exit := report(results)
	if runErr != nil {
		logFailure("run failed", runErr)
		exit = 1
	}
	if finalizeErr != nil {
		logFailure("sink finalize failed", finalizeErr)
		exit = 1
	}
	return exit
}

// openInputs builds one shard per input file.
func openInputs(args []string) ([]core.Shard, func(), error) {
	if len(args) == 0 {
		args = []string{"-"}
	}

	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	shards := make([]core.Shard, 0, len(args))
	for _, path := range args {
		if path == "-" {
			shards = append(shards, core.Shard{Name: "stdin", Source: core.NewNDJSONSource(os.Stdin, 0)})
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open %s: %w", path, err)
		}
		closers = append(closers, f)

		var size int64
		if info, err := f.Stat(); err == nil {
			size = info.Size()
		}

		var src core.RecordSource
		switch strings.ToLower(filepath.Ext(path)) {
		case ".ndjson", ".jsonl":
			src = core.NewNDJSONSource(f, size)
		default:
			src = core.NewJSONDocumentSource(f, size)
		}
		shards = append(shards, core.Shard{Name: filepath.Base(path), Source: src})
	}
	return shards, closeAll, nil
}

// report logs one line per shard and returns the exit code.
func report(results []core.ShardResult) int {
	exit := 0
	for _, r := range results {
		if r.Summary == nil {
			slog.Error("shard did not run", "shard", r.Name, "error", r.Err)
			exit = 1
			continue
		}

		s := r.Summary
		attrs := []any{
			"shard", r.Name,
			"run_id", s.RunID,
			"records", s.TotalRecords,
			"skipped", s.RecordsSkipped,
			"rows", s.TotalRows(),
			"errors", s.ErrorCount,
			"duration", s.Duration,
		}
		switch {
		case r.Err != nil && errors.Is(r.Err, context.Canceled):
			slog.Warn("shard cancelled", attrs...)
		case r.Err != nil:
			logFailure("shard aborted", r.Err, attrs...)
			exit = 1
		case s.Stopped:
			slog.Warn("shard stopped early", attrs...)
		case !s.Clean():
			slog.Warn("shard finished with recovered failures", attrs...)
		default:
			slog.Info("shard finished", attrs...)
		}
		for table, n := range s.RowsByTable {
			slog.Debug("table rows", "shard", r.Name, "table", table, "rows", n)
		}
	}
	return exit
}

// logFailure logs a fatal error. Errors with a reference code also carry the
// code and a one-line hint for the operator.
func logFailure(msg string, err error, attrs ...any) {
	attrs = append(attrs, "error", err)
	if core.IsUserFacing(err) {
		ue := core.NewUserError(err)
		attrs = append(attrs, "code", ue.User.Code, "hint", core.FormatUserError(ue))
	}
	slog.Error(msg, attrs...)
}
