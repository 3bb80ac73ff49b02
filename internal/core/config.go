package core

import (
	"errors"
	"fmt"

	"github.com/spf13/cast"
)

// Config is everything one pipeline run needs to know.
type Config struct {
	Separator     string
	CollapseDepth int // <= 0 disables name collapsing
	ArrayMode     ArrayMode
	IDs           IDResolver
	IncludeNulls  bool
	SkipEmpty     bool
	MaxDepth      int
	ChunkSize     int

	ErrorStrategy    ErrorStrategy
	RecoveryActions  map[FailureKind]Decision
	RecoveryDefaults map[FailureKind]any

	RootTable    string
	Metadata     MetadataFields
	AddTimestamp bool
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Separator:     "_",
		CollapseDepth: 4,
		ArrayMode:     ArraySmart,
		IDs:           NewIDResolver(IdentifierSpec{Strategy: IDRandom}, nil),
		MaxDepth:      100,
		ChunkSize:     1000,
		ErrorStrategy: StrategyStrict,
		RootTable:     "main",
		Metadata:      DefaultMetadataFields(),
	}
}

// Validate checks the configuration and reports every problem at once.
func (c Config) Validate() error {
	var errs []error

	if c.Separator == "" {
		errs = append(errs, errors.New("separator must not be empty"))
	}
	if c.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("max depth must be at least 1, got %d", c.MaxDepth))
	}
	if c.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("chunk size must be at least 1, got %d", c.ChunkSize))
	}
	if c.RootTable == "" {
		errs = append(errs, errors.New("root table name must not be empty"))
	}
	if _, err := ParseArrayMode(string(c.ArrayMode)); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseErrorStrategy(string(c.ErrorStrategy)); err != nil {
		errs = append(errs, err)
	}
	if err := c.IDs.Validate(); err != nil {
		errs = append(errs, err)
	}

	m := c.Metadata
	if m.ID == "" || m.ParentID == "" || m.Timestamp == "" {
		errs = append(errs, errors.New("metadata field names must not be empty"))
	} else if len(m.Names()) != 3 {
		errs = append(errs, errors.New("metadata field names must be distinct"))
	}

	for kind, d := range c.RecoveryActions {
		if _, err := ParseFailureKind(string(kind)); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := ParseDecision(string(d)); err != nil {
			errs = append(errs, fmt.Errorf("recovery action for %s: %w", kind, err))
		}
		if kind == KindSinkRejected {
			errs = append(errs, errors.New("sink_rejected failures cannot be recovered"))
		}
	}

	if def, ok := c.RecoveryDefaults[KindMissingField]; ok {
		if id, err := cast.ToStringE(def); err != nil || id == "" {
			errs = append(errs, fmt.Errorf("default for missing_field replaces an identifier and must be a non-empty scalar, got %v", def))
		}
	}

	return errors.Join(errs...)
}
