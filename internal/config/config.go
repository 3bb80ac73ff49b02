// Package config provides centralized configuration management for the flattener.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables; per-table
// identifier strategies and recovery rules come from an optional YAML file.
type Config struct {
	Flatten FlattenConfig
	Sink    SinkConfig
	Logging LoggingConfig
	Metrics MetricsConfig
	Run     RunConfig

	// Rules is populated from Flatten.RulesFile by Load.
	Rules *Rules
}

// FlattenConfig holds the flattening engine settings.
type FlattenConfig struct {
	// Separator joins path segments into column and table names (default: _)
	Separator string `env:"FLATTEN_SEPARATOR" default:"_"`

	// ArrayMode is smart, separate, inline or skip (default: smart)
	ArrayMode string `env:"FLATTEN_ARRAY_MODE" default:"smart"`

	// IDStrategy is random, natural, hash or composite (default: random)
	IDStrategy string `env:"FLATTEN_ID_STRATEGY" default:"random"`

	// IDField is the source field for the natural strategy
	IDField string `env:"FLATTEN_ID_FIELD"`

	// IDFields are the source fields for the composite strategy
	IDFields []string `env:"FLATTEN_ID_FIELDS"`

	// IDSeparator joins composite key parts (default: |)
	IDSeparator string `env:"FLATTEN_ID_SEPARATOR" default:"|"`

	// IDHash turns composite keys into UUIDv5 digests (default: false)
	IDHash bool `env:"FLATTEN_ID_HASH" default:"false"`

	// IncludeNulls keeps null fields as columns (default: false)
	IncludeNulls bool `env:"FLATTEN_INCLUDE_NULLS" default:"false"`

	// SkipEmpty drops empty-string fields (default: false)
	SkipEmpty bool `env:"FLATTEN_SKIP_EMPTY" default:"false"`

	// MaxDepth is the deepest nesting accepted before a record fails (default: 100)
	MaxDepth int `env:"FLATTEN_MAX_DEPTH" default:"100"`

	// ChunkSize is the number of records per sink delivery (default: 1000)
	ChunkSize int `env:"FLATTEN_CHUNK_SIZE" default:"1000"`

	// ErrorStrategy is strict, skip_and_log or partial_recovery (default: strict)
	ErrorStrategy string `env:"FLATTEN_ERROR_STRATEGY" default:"strict"`

	// CollapseDepth shortens long names; 0 disables it (default: 4)
	CollapseDepth int `env:"FLATTEN_COLLAPSE_DEPTH" default:"4"`

	// RootTable names the table of top-level records (default: main)
	RootTable string `env:"FLATTEN_ROOT_TABLE" default:"main"`

	// AddTimestamp stamps every row with the run start time (default: false)
	AddTimestamp bool `env:"FLATTEN_ADD_TIMESTAMP" default:"false"`

	// RulesFile is an optional YAML file with per-table ids and recovery rules
	RulesFile string `env:"FLATTEN_RULES_FILE"`
}

// SinkConfig selects and configures the output.
type SinkConfig struct {
	// Type is a registered sink name: jsonl, sqlite, postgres, parquet or memory (default: jsonl)
	Type string `env:"SINK_TYPE" default:"jsonl"`

	// OutputDir is where file sinks write (default: output)
	OutputDir string `env:"SINK_OUTPUT_DIR" default:"output"`

	// SQLitePath is the database file for the sqlite sink (default: output/flattened.db)
	SQLitePath string `env:"SINK_SQLITE_PATH" default:"output/flattened.db"`

	// DatabaseURL is the PostgreSQL connection string, required for the postgres sink.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	DatabaseURL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// TablePrefix is prepended to every table name
	TablePrefix string `env:"SINK_TABLE_PREFIX"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// MetricsConfig holds metrics output settings.
type MetricsConfig struct {
	// Textfile is where Prometheus metrics are written at exit; empty disables it
	Textfile string `env:"METRICS_TEXTFILE"`
}

// RunConfig holds settings for a whole run.
type RunConfig struct {
	// MaxParallel is the number of input files processed at once (default: 4)
	MaxParallel int `env:"RUN_MAX_PARALLEL" default:"4"`

	// Timeout bounds the whole run; 0 means no limit (default: 0s)
	Timeout time.Duration `env:"RUN_TIMEOUT" default:"0s"`
}
