package config

import (
	"fmt"
	"log/slog"

	"github.com/JonMunkholm/flattener/internal/core"
)

// defaultIDSpec builds the identifier spec named by the FLATTEN_ID_* variables.
func (c *Config) defaultIDSpec(strategy core.IDStrategy) core.IdentifierSpec {
	return core.IdentifierSpec{
		Strategy:  strategy,
		Field:     c.Flatten.IDField,
		Fields:    c.Flatten.IDFields,
		Separator: c.Flatten.IDSeparator,
		Hash:      c.Flatten.IDHash,
	}
}

// ToCore converts the loaded settings into a pipeline configuration.
func (c *Config) ToCore() (core.Config, error) {
	cfg := core.DefaultConfig()

	mode, err := core.ParseArrayMode(c.Flatten.ArrayMode)
	if err != nil {
		return cfg, err
	}
	strategy, err := core.ParseErrorStrategy(c.Flatten.ErrorStrategy)
	if err != nil {
		return cfg, err
	}
	idStrategy, err := core.ParseIDStrategy(c.Flatten.IDStrategy)
	if err != nil {
		return cfg, err
	}

	var tableIDs map[string]core.IdentifierSpec
	if c.Rules != nil {
		tableIDs = c.Rules.TableIDs
		actions, defaults, err := c.Rules.recovery()
		if err != nil {
			return cfg, err
		}
		cfg.RecoveryActions = actions
		cfg.RecoveryDefaults = defaults
	}

	cfg.Separator = c.Flatten.Separator
	cfg.CollapseDepth = c.Flatten.CollapseDepth
	cfg.ArrayMode = mode
	cfg.IDs = core.NewIDResolver(c.defaultIDSpec(idStrategy), tableIDs)
	cfg.IncludeNulls = c.Flatten.IncludeNulls
	cfg.SkipEmpty = c.Flatten.SkipEmpty
	cfg.MaxDepth = c.Flatten.MaxDepth
	cfg.ChunkSize = c.Flatten.ChunkSize
	cfg.ErrorStrategy = strategy
	cfg.RootTable = c.Flatten.RootTable
	cfg.AddTimestamp = c.Flatten.AddTimestamp

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("pipeline configuration: %w", err)
	}
	return cfg, nil
}

// SinkOptions returns the options passed to the configured sink.
func (c *Config) SinkOptions(logger *slog.Logger) core.SinkOptions {
	return core.SinkOptions{
		OutputDir:   c.Sink.OutputDir,
		SQLitePath:  c.Sink.SQLitePath,
		DatabaseURL: c.Sink.DatabaseURL,
		TablePrefix: c.Sink.TablePrefix,
		Logger:      logger,
	}
}
