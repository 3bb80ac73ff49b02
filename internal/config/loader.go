package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cast"

	"github.com/JonMunkholm/flattener/internal/core"
)

// Load reads configuration from environment variables and, when
// FLATTEN_RULES_FILE is set, the YAML rules file it names.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

// lookupFunc reports the value of one environment variable.
type lookupFunc func(name string) (string, bool)

func load(lookup lookupFunc) (*Config, error) {
	cfg := &Config{}

	if err := bindEnv(reflect.ValueOf(cfg).Elem(), lookup); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if cfg.Flatten.RulesFile != "" {
		rules, err := LoadRules(cfg.Flatten.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		cfg.Rules = rules
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// bindEnv fills every tagged field of the struct v, descending into nested
// structs. Problems are collected so one run reports every bad variable.
//
// Tags:
//
//	env       primary variable name
//	envAlt    fallback variable name
//	default   value used when neither variable is set or both are empty
//	required  "true" if an empty result is an error
func bindEnv(v reflect.Value, lookup lookupFunc) error {
	var errs []error
	t := v.Type()

	for i := range t.NumField() {
		field := t.Field(i)
		fv := v.Field(i)
		if !fv.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			if err := bindEnv(fv, lookup); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		name := field.Tag.Get("env")
		if name == "" {
			continue
		}

		value := envValue(lookup, name, field.Tag.Get("envAlt"))
		if value == "" {
			if field.Tag.Get("required") == "true" {
				errs = append(errs, fmt.Errorf("required environment variable %s is not set", name))
				continue
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := assign(fv, value); err != nil {
			errs = append(errs, fmt.Errorf("invalid value for %s=%q: %w", name, value, err))
		}
	}

	return errors.Join(errs...)
}

func envValue(lookup lookupFunc, names ...string) string {
	for _, name := range names {
		if name == "" {
			continue
		}
		if v, ok := lookup(name); ok && v != "" {
			return v
		}
	}
	return ""
}

var durationType = reflect.TypeOf(time.Duration(0))

// assign converts value to the field's type and stores it.
func assign(fv reflect.Value, value string) error {
	switch {
	case fv.Type() == durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))

	case fv.Kind() == reflect.String:
		fv.SetString(value)

	case fv.Kind() == reflect.Int:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return errors.New("not an integer")
		}
		fv.SetInt(int64(n))

	case fv.Kind() == reflect.Bool:
		b, err := cast.ToBoolE(strings.TrimSpace(value))
		if err != nil {
			return errors.New("not a boolean")
		}
		fv.SetBool(b)

	case fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.String:
		// comma list; blanks dropped
		items := lo.Compact(lo.Map(strings.Split(value, ","), func(s string, _ int) string {
			return strings.TrimSpace(s)
		}))
		fv.Set(reflect.ValueOf(items))

	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Flatten validation
	if c.Flatten.Separator == "" {
		errs = append(errs, "FLATTEN_SEPARATOR must not be empty")
	}
	if _, err := core.ParseArrayMode(c.Flatten.ArrayMode); err != nil {
		errs = append(errs, fmt.Sprintf("FLATTEN_ARRAY_MODE: %v", err))
	}
	if _, err := core.ParseErrorStrategy(c.Flatten.ErrorStrategy); err != nil {
		errs = append(errs, fmt.Sprintf("FLATTEN_ERROR_STRATEGY: %v", err))
	}
	if strategy, err := core.ParseIDStrategy(c.Flatten.IDStrategy); err != nil {
		errs = append(errs, fmt.Sprintf("FLATTEN_ID_STRATEGY: %v", err))
	} else if err := c.defaultIDSpec(strategy).Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("FLATTEN_ID_STRATEGY: %v (set FLATTEN_ID_FIELD or FLATTEN_ID_FIELDS)", err))
	}
	if c.Flatten.MaxDepth <= 0 {
		errs = append(errs, "FLATTEN_MAX_DEPTH must be positive")
	}
	if c.Flatten.ChunkSize <= 0 {
		errs = append(errs, "FLATTEN_CHUNK_SIZE must be positive")
	}
	if c.Flatten.CollapseDepth < 0 {
		errs = append(errs, "FLATTEN_COLLAPSE_DEPTH must be non-negative")
	}
	if c.Flatten.RootTable == "" {
		errs = append(errs, "FLATTEN_ROOT_TABLE must not be empty")
	}

	// Sink validation
	if !core.HasSink(c.Sink.Type) {
		errs = append(errs, fmt.Sprintf("SINK_TYPE (%q) must be one of: %s", c.Sink.Type, strings.Join(core.SinkNames(), ", ")))
	}
	if c.Sink.Type == "postgres" && c.Sink.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required when SINK_TYPE is postgres")
	}
	if (c.Sink.Type == "jsonl" || c.Sink.Type == "parquet") && c.Sink.OutputDir == "" {
		errs = append(errs, "SINK_OUTPUT_DIR must not be empty for file sinks")
	}
	if c.Sink.Type == "sqlite" && c.Sink.SQLitePath == "" {
		errs = append(errs, "SINK_SQLITE_PATH must not be empty for the sqlite sink")
	}

	// Run validation
	if c.Run.MaxParallel <= 0 {
		errs = append(errs, "RUN_MAX_PARALLEL must be positive")
	}
	if c.Run.Timeout < 0 {
		errs = append(errs, "RUN_TIMEOUT must be non-negative")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	// Rules validation
	if c.Rules != nil {
		for _, err := range c.Rules.validate() {
			errs = append(errs, fmt.Sprintf("%s: %v", c.Flatten.RulesFile, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Sensitive values like database URLs are masked.
func (c *Config) String() string {
	dbURL := ""
	if c.Sink.DatabaseURL != "" {
		dbURL = "[MASKED]"
	}

	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Flatten: {ArrayMode: %q, IDStrategy: %q, ErrorStrategy: %q, MaxDepth: %d, ChunkSize: %d, RulesFile: %q}, ",
		c.Flatten.ArrayMode, c.Flatten.IDStrategy, c.Flatten.ErrorStrategy, c.Flatten.MaxDepth, c.Flatten.ChunkSize, c.Flatten.RulesFile))
	b.WriteString(fmt.Sprintf("Sink: {Type: %q, OutputDir: %q, SQLitePath: %q, DatabaseURL: %s, TablePrefix: %q}, ",
		c.Sink.Type, c.Sink.OutputDir, c.Sink.SQLitePath, dbURL, c.Sink.TablePrefix))
	b.WriteString(fmt.Sprintf("Run: {MaxParallel: %d, Timeout: %s}, ", c.Run.MaxParallel, c.Run.Timeout))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
