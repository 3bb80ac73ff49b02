package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/flattener/internal/core"
)

// Rules is the optional YAML rules file:
//
//	table_ids:
//	  "":                            # root table
//	    strategy: natural
//	    field: order_id
//	  orders_lines:
//	    strategy: composite
//	    fields: [sku, line_no]
//	    hash: true
//	recovery_actions:
//	  missing_field: use_default
//	  type_mismatch: skip_field
//	recovery_defaults:
//	  missing_field: unknown
//
// Table keys are final table names as they appear in the output.
type Rules struct {
	TableIDs         map[string]core.IdentifierSpec `yaml:"table_ids"`
	RecoveryActions  map[string]string              `yaml:"recovery_actions"`
	RecoveryDefaults map[string]any                 `yaml:"recovery_defaults"`
}

// LoadRules reads and decodes a rules file. Unknown keys are rejected so
// typos do not silently fall back to defaults.
func LoadRules(path string) (*Rules, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rules file: %w", err)
	}
	defer f.Close()

	rules := &Rules{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(rules); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	for table, spec := range rules.TableIDs {
		if spec.Strategy != "" {
			s, err := core.ParseIDStrategy(string(spec.Strategy))
			if err == nil {
				spec.Strategy = s
				rules.TableIDs[table] = spec
			}
		}
	}
	return rules, nil
}

// validate returns every problem in the rules.
func (r *Rules) validate() []error {
	var errs []error
	for table, spec := range r.TableIDs {
		if err := spec.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("table_ids[%q]: %w", table, err))
		}
	}
	if _, _, err := r.recovery(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// recovery converts the recovery sections to typed maps.
func (r *Rules) recovery() (map[core.FailureKind]core.Decision, map[core.FailureKind]any, error) {
	var errs []error

	actions := make(map[core.FailureKind]core.Decision, len(r.RecoveryActions))
	for k, v := range r.RecoveryActions {
		kind, err := core.ParseFailureKind(k)
		if err != nil {
			errs = append(errs, fmt.Errorf("recovery_actions: %w", err))
			continue
		}
		d, err := core.ParseDecision(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("recovery_actions[%s]: %w", k, err))
			continue
		}
		actions[kind] = d
	}

	defaults := make(map[core.FailureKind]any, len(r.RecoveryDefaults))
	for k, v := range r.RecoveryDefaults {
		kind, err := core.ParseFailureKind(k)
		if err != nil {
			errs = append(errs, fmt.Errorf("recovery_defaults: %w", err))
			continue
		}
		defaults[kind] = v
	}

	return actions, defaults, errors.Join(errs...)
}
