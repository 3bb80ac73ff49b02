package core

// engine.go is the flattening engine.
//
// A record is processed with an explicit work-list instead of recursion. The
// queue holds one job per output row: the root record first, then every
// extracted child record in the order it was found. Within a row, nested
// objects are walked with a stack of ordered-map cursors so that field order
// follows the source.
//
// Depth counts object and array nesting from the record root (depth 0). Each
// nested object adds one level and each extracted child record adds one more.
// A record that goes deeper than MaxDepth fails as a whole.
//
// Rows are staged until the whole record succeeded. A record discarded by
// the recovery controller contributes no rows to any table.

import (
	"fmt"

	"github.com/spf13/cast"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type rowJob struct {
	rec      *Record
	table    Path // absolute path of the row's table; empty for the root
	parentID string
	position int
	depth    int
}

type frame struct {
	cursor *orderedmap.Pair[string, any]
	prefix Path // path relative to the row
	depth  int
}

// pendingChild is an array whose elements become rows of a child table.
type pendingChild struct {
	table    Path
	elements []any
	depth    int
}

// Engine flattens records for one pipeline run. It is not safe for
// concurrent use.
type Engine struct {
	cfg       Config
	namer     *Namer
	recovery  *Recovery
	reserved  map[string]bool
	timestamp string

	queue  []rowJob
	stack  []frame
	staged []*FlatRow

	// per-record state
	index  int
	rootID string
}

// NewEngine creates an engine. recovery receives every failure.
func NewEngine(cfg Config, recovery *Recovery) *Engine {
	return &Engine{
		cfg:      cfg,
		namer:    NewNamer(cfg.Separator, cfg.CollapseDepth),
		recovery: recovery,
		reserved: cfg.Metadata.Names(),
	}
}

// SetTimestamp sets the value written to the timestamp column. An empty
// string omits the column.
func (e *Engine) SetTimestamp(ts string) {
	e.timestamp = ts
}

// Flatten turns one record into rows for the root table and every child
// table. index is the record's position in the source. The returned slice is
// reused by the next call.
//
// When the record is discarded by a recovery decision the error wraps
// errRecordSkipped; any other error aborts the run.
func (e *Engine) Flatten(rec *Record, index int) ([]*FlatRow, error) {
	e.index = index
	e.rootID = ""
	clear(e.staged)
	e.staged = e.staged[:0]
	e.queue = append(e.queue[:0], rowJob{rec: rec})

	for i := 0; i < len(e.queue); i++ {
		job := e.queue[i]
		row, children, err := e.flattenRow(job)
		if err != nil {
			clear(e.staged)
			e.staged = e.staged[:0]
			return nil, err
		}
		e.staged = append(e.staged, row)
		if i == 0 {
			e.rootID = row.ID()
		}
		for _, c := range children {
			e.queue = append(e.queue, e.extract(c, row.ID())...)
		}
	}
	clear(e.queue)
	return e.staged, nil
}

// extract turns one pending child array into row jobs.
func (e *Engine) extract(c pendingChild, parentID string) []rowJob {
	jobs := make([]rowJob, len(c.elements))
	for i, el := range c.elements {
		jobs[i] = rowJob{
			rec:      childRecord(el),
			table:    c.table,
			parentID: parentID,
			position: i,
			depth:    c.depth,
		}
	}
	return jobs
}

// flattenRow produces the row for one job plus the arrays to extract from it.
func (e *Engine) flattenRow(job rowJob) (*FlatRow, []pendingChild, error) {
	if job.depth > e.cfg.MaxDepth {
		return nil, nil, e.recordFailure(depthExceeded(job.table, job.depth, e.cfg.MaxDepth))
	}

	table, key := e.cfg.RootTable, ""
	if len(job.table) > 0 {
		table = e.namer.Table(job.table, e.cfg.RootTable)
		key = table
	}

	id, err := e.assignID(job, key)
	if err != nil {
		return nil, nil, err
	}
	row := newFlatRow(table, e.cfg.Metadata, id, job.parentID, e.timestamp, len(job.table) > 0)

	var children []pendingChild
	e.stack = append(e.stack[:0], frame{cursor: job.rec.first(), depth: job.depth})
	defer func() { clear(e.stack) }()

	for len(e.stack) > 0 {
		top := &e.stack[len(e.stack)-1]
		pair := top.cursor
		if pair == nil {
			e.stack = e.stack[:len(e.stack)-1]
			continue
		}
		top.cursor = pair.Next()
		fieldPath := top.prefix.Child(pair.Key)
		depth := top.depth
		v := pair.Value

		switch classify(v) {
		case kindNull:
			if e.cfg.IncludeNulls {
				e.setField(row, fieldPath, nil)
			}

		case kindScalar:
			if s, ok := v.(string); ok && s == "" && e.cfg.SkipEmpty {
				continue
			}
			e.setField(row, fieldPath, v)

		case kindObject:
			if depth+1 > e.cfg.MaxDepth {
				return nil, nil, e.recordFailure(depthExceeded(job.table.Concat(fieldPath), depth+1, e.cfg.MaxDepth))
			}
			sub := asRecord(v)
			if sub.Len() > 0 {
				e.stack = append(e.stack, frame{cursor: sub.first(), prefix: fieldPath, depth: depth + 1})
			}

		case kindArray:
			plan := planArray(v.([]any), e.cfg.ArrayMode, e.cfg.IncludeNulls)
			if plan.bad != nil {
				f := typeMismatch(job.table.Concat(fieldPath), e.namer.Name(fieldPath), "array of JSON values", plan.bad)
				if err := e.fieldFailure(f, row, v); err != nil {
					return nil, nil, err
				}
				continue
			}
			switch plan.action {
			case arrayInlineValue:
				e.setField(row, fieldPath, plan.value)
			case arrayExtract:
				children = append(children, pendingChild{
					table:    job.table.Concat(fieldPath),
					elements: v.([]any),
					depth:    depth + 1,
				})
			}

		default:
			f := typeMismatch(job.table.Concat(fieldPath), e.namer.Name(fieldPath), "JSON value", v)
			if err := e.fieldFailure(f, row, v); err != nil {
				return nil, nil, err
			}
		}
	}

	return row, children, nil
}

// setField writes one data column. Source fields that collide with a
// metadata column name are dropped.
func (e *Engine) setField(row *FlatRow, fieldPath Path, v any) {
	name := e.namer.Name(fieldPath)
	if e.reserved[name] {
		return
	}
	row.set(name, v)
}

func (e *Engine) assignID(job rowJob, key string) (string, error) {
	spec := e.cfg.IDs.For(key)
	id, err := AssignID(IDInput{
		Record:   job.rec,
		Path:     job.table,
		ParentID: job.parentID,
		Position: job.position,
	}, spec, e.reserved)
	if err == nil {
		return id, nil
	}

	f := AsFailure(err)
	d, def, rerr := e.route(f)
	if rerr != nil {
		return "", rerr
	}
	switch d {
	case DecisionSkipField, DecisionAccept:
		return AssignID(IDInput{}, IdentifierSpec{Strategy: IDRandom}, nil)
	case DecisionUseDefault:
		if id, err := cast.ToStringE(def); err == nil && id != "" {
			return id, nil
		}
		return "", fmt.Errorf("%w: %v: default identifier %v is empty or not a scalar", errRecordSkipped, f, def)
	default:
		return "", fmt.Errorf("%w: %v", errRecordSkipped, f)
	}
}

// fieldFailure resolves a failure that concerns one field of row.
func (e *Engine) fieldFailure(f *Failure, row *FlatRow, v any) error {
	d, def, err := e.route(f)
	if err != nil {
		return err
	}
	switch d {
	case DecisionSkipField:
		return nil
	case DecisionAccept:
		row.set(f.Field, fmt.Sprint(v))
		return nil
	case DecisionUseDefault:
		row.set(f.Field, def)
		return nil
	default:
		return fmt.Errorf("%w: %v", errRecordSkipped, f)
	}
}

// recordFailure resolves a failure that always discards the whole record.
func (e *Engine) recordFailure(f *Failure) error {
	if _, _, err := e.route(f); err != nil {
		return err
	}
	return fmt.Errorf("%w: %v", errRecordSkipped, f)
}

func (e *Engine) route(f *Failure) (Decision, any, error) {
	f.RecordIndex = e.index
	if f.RecordID == "" {
		f.RecordID = e.rootID
	}
	return e.recovery.Resolve(f)
}
