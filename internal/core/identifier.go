package core

// identifier.go assigns row identifiers.
//
// Strategies:
//
//   - random:    a fresh UUIDv4, independent of the record.
//   - natural:   the string form of one record field.
//   - hash:      a UUIDv5 over the canonical (sorted-key) JSON of the record,
//                metadata fields excluded. Child rows also mix in the parent
//                id and array position so identical children of different
//                parents do not collide. Re-running on identical input
//                produces identical ids.
//   - composite: the string forms of several fields joined by a separator,
//                optionally hashed into a UUIDv5.
//
// Strategies never modify the record they read.

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// IDStrategy selects how identifiers are produced.
type IDStrategy string

const (
	IDRandom    IDStrategy = "random"
	IDNatural   IDStrategy = "natural"
	IDHash      IDStrategy = "hash"
	IDComposite IDStrategy = "composite"
)

// DefaultCompositeSeparator joins composite key parts when none is configured.
const DefaultCompositeSeparator = "|"

// idNamespace seeds every UUIDv5 produced by the hash and composite strategies.
var idNamespace = uuid.MustParse("6f1c3c52-8a0e-4f43-9d43-2b7d5c1f0a9e")

// ParseIDStrategy converts a configuration string to an IDStrategy.
func ParseIDStrategy(s string) (IDStrategy, error) {
	switch IDStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", IDRandom:
		return IDRandom, nil
	case IDNatural:
		return IDNatural, nil
	case IDHash:
		return IDHash, nil
	case IDComposite:
		return IDComposite, nil
	default:
		return "", fmt.Errorf("unknown id strategy %q (want random, natural, hash or composite)", s)
	}
}

// IdentifierSpec configures one identifier strategy.
type IdentifierSpec struct {
	Strategy  IDStrategy `yaml:"strategy"`
	Field     string     `yaml:"field"`     // natural
	Fields    []string   `yaml:"fields"`    // composite
	Separator string     `yaml:"separator"` // composite
	Hash      bool       `yaml:"hash"`      // composite
}

// Validate reports configuration errors for the strategy.
func (s IdentifierSpec) Validate() error {
	switch s.Strategy {
	case IDRandom, IDHash, "":
		return nil
	case IDNatural:
		if s.Field == "" {
			return fmt.Errorf("natural id strategy requires a field")
		}
	case IDComposite:
		if len(s.Fields) == 0 {
			return fmt.Errorf("composite id strategy requires at least one field")
		}
	default:
		return fmt.Errorf("unknown id strategy %q", s.Strategy)
	}
	return nil
}

// IDResolver maps table names to identifier specs. The root table is keyed
// by "" and every table without an explicit entry uses Default.
type IDResolver struct {
	Default IdentifierSpec
	root    *IdentifierSpec
	tables  map[string]IdentifierSpec
}

// NewIDResolver builds a resolver from a default spec and per-table overrides.
func NewIDResolver(def IdentifierSpec, overrides map[string]IdentifierSpec) IDResolver {
	r := IDResolver{Default: def, tables: make(map[string]IdentifierSpec, len(overrides))}
	for table, spec := range overrides {
		if table == "" {
			s := spec
			r.root = &s
			continue
		}
		r.tables[table] = spec
	}
	return r
}

// For returns the spec for table; pass "" for the root table.
func (r IDResolver) For(table string) IdentifierSpec {
	if table == "" {
		if r.root != nil {
			return *r.root
		}
		return r.Default
	}
	if spec, ok := r.tables[table]; ok {
		return spec
	}
	return r.Default
}

// Validate checks the default and every override.
func (r IDResolver) Validate() error {
	if err := r.Default.Validate(); err != nil {
		return fmt.Errorf("default id: %w", err)
	}
	if r.root != nil {
		if err := r.root.Validate(); err != nil {
			return fmt.Errorf("root table id: %w", err)
		}
	}
	for table, spec := range r.tables {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("table %q id: %w", table, err)
		}
	}
	return nil
}

// IDInput is everything a strategy may look at. A row is a child row when
// Path is non-empty.
type IDInput struct {
	Record   *Record
	Path     Path
	ParentID string
	Position int // position in the parent array; 0 for root rows
}

// AssignID computes an identifier for one row. Metadata fields named in
// exclude are ignored by the hash strategy.
func AssignID(in IDInput, spec IdentifierSpec, exclude map[string]bool) (string, error) {
	switch spec.Strategy {
	case IDRandom, "":
		return uuid.NewString(), nil
	case IDNatural:
		return naturalID(in, spec.Field)
	case IDHash:
		return hashID(in, exclude)
	case IDComposite:
		return compositeID(in, spec)
	default:
		return "", fmt.Errorf("unknown id strategy %q", spec.Strategy)
	}
}

func naturalID(in IDInput, field string) (string, error) {
	v, ok := in.Record.Get(field)
	if !ok || v == nil {
		f := missingField(field)
		f.Path = in.Path.Child(field).String()
		return "", f
	}
	s, err := idString(v)
	if err != nil {
		return "", typeMismatch(in.Path.Child(field), "", "scalar identifier", v)
	}
	if s == "" {
		return "", emptyID(in.Path, field)
	}
	return s, nil
}

func compositeID(in IDInput, spec IdentifierSpec) (string, error) {
	sep := spec.Separator
	if sep == "" {
		sep = DefaultCompositeSeparator
	}

	parts := make([]string, len(spec.Fields))
	for i, field := range spec.Fields {
		v, ok := in.Record.Get(field)
		if !ok || v == nil {
			f := missingField(field)
			f.Path = in.Path.Child(field).String()
			return "", f
		}
		s, err := idString(v)
		if err != nil {
			return "", typeMismatch(in.Path.Child(field), "", "scalar identifier", v)
		}
		parts[i] = s
	}

	joined := strings.Join(parts, sep)
	if joined == "" {
		return "", emptyID(in.Path, strings.Join(spec.Fields, sep))
	}
	if spec.Hash {
		return uuid.NewSHA1(idNamespace, []byte(joined)).String(), nil
	}
	return joined, nil
}

func hashID(in IDInput, exclude map[string]bool) (string, error) {
	data, err := json.Marshal(in.Record.Canonical(exclude))
	if err != nil {
		return "", fmt.Errorf("canonical form: %w", err)
	}
	if len(in.Path) > 0 {
		salt := in.ParentID + "\x00" + strconv.Itoa(in.Position) + "\x00"
		data = append([]byte(salt), data...)
	}
	return uuid.NewSHA1(idNamespace, data).String(), nil
}

// emptyID reports an identifier that resolved to the empty string. Child
// rows could not reference such a row, so it counts as a missing field.
func emptyID(path Path, field string) *Failure {
	f := missingField(field)
	f.Path = path.Child(field).String()
	f.Message = fmt.Sprintf("identifier field %q is empty", field)
	return f
}

// idString renders a scalar identifier value.
func idString(v any) (string, error) {
	switch classify(v) {
	case kindScalar:
		return cast.ToStringE(v)
	default:
		return "", fmt.Errorf("%w: %s is not a scalar", ErrTypeMismatch, describe(v))
	}
}
