package core

// path.go derives table and column names from traversal paths.
//
// Naming rule:
//
//  1. Every segment is NFKC-normalised and each rune that is not a letter,
//     digit, '_' or '-' is replaced with '_'. An empty segment becomes "_".
//  2. Segments are joined with the configured separator.
//  3. When the path has more than collapseDepth segments (collapseDepth > 0),
//     the first collapseDepth-1 segments are joined normally and all remaining
//     segments are concatenated with no separator into one final segment:
//
//     a.b.c.d.e.f with separator "_" and collapseDepth 4 -> "a_b_c_def"
//
//  4. Child table names never equal the root table name. When the path of an
//     extracted array, or any leading part of it, derives the root table's
//     name, the table is named as if the path started with the root table
//     name. With root table "main" and separator "_":
//
//     main       -> "main_main"
//     main.tags  -> "main_main_tags"
//
// The original boundaries inside the collapsed segment are not recoverable.
// Distinct paths may map to the same name after sanitising or collapsing;
// such collisions are not detected here.

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Path is the sequence of object keys from a record root to a node.
// Array positions are never part of a path.
type Path []string

// Child returns a new path with seg appended. The receiver is not modified.
func (p Path) Child(seg string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}

// Concat returns a new path made of p followed by q.
func (p Path) Concat(q Path) Path {
	out := make(Path, 0, len(p)+len(q))
	out = append(out, p...)
	return append(out, q...)
}

// String joins the raw segments with '.', for error messages only.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// NameFor derives a name from path. It is a pure function of its arguments.
func NameFor(path Path, separator string, collapseDepth int) string {
	if len(path) == 0 {
		return ""
	}

	segs := make([]string, len(path))
	for i, s := range path {
		segs[i] = SanitizeSegment(s)
	}

	if collapseDepth > 0 && len(segs) > collapseDepth {
		head := segs[:collapseDepth-1]
		tail := strings.Join(segs[collapseDepth-1:], "")
		segs = append(append(make([]string, 0, collapseDepth), head...), tail)
	}

	return strings.Join(segs, separator)
}

// SanitizeSegment makes one path segment safe for use in table and column
// names. Invalid runes are substituted, never dropped, so the segment keeps
// its length in runes.
func SanitizeSegment(s string) string {
	if s == "" {
		return "_"
	}
	s = norm.NFKC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Namer caches derived names for one pipeline run. It is not safe for
// concurrent use; each pipeline instance owns its own Namer.
type Namer struct {
	separator     string
	collapseDepth int

	cache  map[string]string
	tables map[string]string
	key    strings.Builder
}

// NewNamer creates a Namer for one separator/collapse configuration.
func NewNamer(separator string, collapseDepth int) *Namer {
	return &Namer{
		separator:     separator,
		collapseDepth: collapseDepth,
		cache:         make(map[string]string),
		tables:        make(map[string]string),
	}
}

// Name returns NameFor(path) using the Namer's configuration.
func (n *Namer) Name(path Path) string {
	k := n.cacheKey(path)
	if name, ok := n.cache[k]; ok {
		return name
	}
	name := NameFor(path, n.separator, n.collapseDepth)
	n.cache[k] = name
	return name
}

// Table returns the name of the child table extracted at path. The result
// never equals root. Results are cached by path, so root must be the same
// for every call on one Namer.
func (n *Namer) Table(path Path, root string) string {
	k := n.cacheKey(path)
	if name, ok := n.tables[k]; ok {
		return name
	}
	name := n.Name(path)
	for i := 1; i <= len(path); i++ {
		if NameFor(path[:i], n.separator, n.collapseDepth) == root {
			name = NameFor(Path{root}.Concat(path), n.separator, n.collapseDepth)
			break
		}
	}
	n.tables[k] = name
	return name
}

// cacheKey joins the raw segments with NUL so distinct paths never share a key.
func (n *Namer) cacheKey(path Path) string {
	n.key.Reset()
	for i, s := range path {
		if i > 0 {
			n.key.WriteByte(0)
		}
		n.key.WriteString(s)
	}
	return n.key.String()
}

// Size returns the number of cached names.
func (n *Namer) Size() int {
	return len(n.cache)
}
