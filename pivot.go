package zorm

import (
	"cmp"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
)

// Attributes are extra pivot column values keyed by column name.
type Attributes map[string]any

// Pivot is one pivot row as seen from a resolved related entity.
type Pivot struct {
	Table      string
	OwnerKey   any
	RelatedKey any
	Attributes Attributes

	// Exists is true once the row was loaded from or written to storage.
	Exists bool
}

// Get returns an attribute value with driver byte slices turned into strings.
func (p *Pivot) Get(name string) any {
	if p == nil {
		return nil
	}
	return normalizeValue(p.Attributes[name])
}

// Bool reads an attribute as a boolean. Integers and "1"/"true" strings are
// accepted since several engines store booleans that way.
func (p *Pivot) Bool(name string) bool {
	return boolOf(p.Get(name))
}

// Int reads an attribute as int64. ok is false when the value is not numeric.
func (p *Pivot) Int(name string) (int64, bool) {
	switch v := p.Get(name).(type) {
	case nil:
		return 0, false
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		rv := reflect.ValueOf(v)
		switch {
		case isInteger(rv.Kind()):
			return rv.Int(), true
		case isUint(rv.Kind()):
			return int64(rv.Uint()), true
		case isFloat(rv.Kind()):
			return int64(rv.Float()), true
		}
	}
	return 0, false
}

// String reads an attribute as text.
func (p *Pivot) String(name string) string {
	v := p.Get(name)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// GetAttributes returns a copy of all attributes.
func (p *Pivot) GetAttributes() Attributes {
	if p == nil {
		return nil
	}
	out := make(Attributes, len(p.Attributes))
	for k, v := range p.Attributes {
		out[k] = normalizeValue(v)
	}
	return out
}

// Related is a resolved entity with its pivot row. Pivot is nil unless the
// relation was defined with WithPivot.
type Related[R any] struct {
	Model *R
	Pivot *Pivot
}

// Collection is an ordered list of related entities.
type Collection[R any] []Related[R]

// Len returns the number of entities.
func (c Collection[R]) Len() int {
	return len(c)
}

// Models returns the entities without pivots.
func (c Collection[R]) Models() []*R {
	out := make([]*R, len(c))
	for i, r := range c {
		out[i] = r.Model
	}
	return out
}

// Keys returns the primary keys of the entities in order.
func (c Collection[R]) Keys() []any {
	info := ParseModel[R]()
	out := make([]any, len(c))
	for i, r := range c {
		out[i] = info.primaryValue(r.Model)
	}
	return out
}

// PivotValues returns attr from every pivot, nil where there is no pivot.
func (c Collection[R]) PivotValues(attr string) []any {
	out := make([]any, len(c))
	for i, r := range c {
		out[i] = r.Pivot.Get(attr)
	}
	return out
}

// SortByKey orders the collection by primary key ascending, in place.
func (c Collection[R]) SortByKey() Collection[R] {
	info := ParseModel[R]()
	slices.SortStableFunc(c, func(a, b Related[R]) int {
		return compareKeys(info.primaryValue(a.Model), info.primaryValue(b.Model))
	})
	return c
}

// compareKeys orders numeric keys numerically and everything else as text.
func compareKeys(a, b any) int {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return cmp.Compare(af, bf)
	}
	return cmp.Compare(keyString(a), keyString(b))
}

func asFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch {
	case !rv.IsValid():
		return 0, false
	case isInteger(rv.Kind()):
		return float64(rv.Int()), true
	case isUint(rv.Kind()):
		return float64(rv.Uint()), true
	case isFloat(rv.Kind()):
		return rv.Float(), true
	}
	return 0, false
}

// PivotRecords is the input to attach, sync and toggle: related keys in
// order, each with optional pivot attributes.
type PivotRecords struct {
	keys  []any
	attrs []Attributes
}

// IDs builds records for bare keys.
func IDs(ids ...any) PivotRecords {
	var p PivotRecords
	for _, id := range ids {
		p = p.Add(id, nil)
	}
	return p
}

// WithAttributes builds records from a key to attributes map, ordered by key.
func WithAttributes[K comparable](m map[K]Attributes) PivotRecords {
	keys := slices.Collect(maps.Keys(m))
	slices.SortFunc(keys, func(a, b K) int { return compareKeys(a, b) })

	var p PivotRecords
	for _, k := range keys {
		p = p.Add(k, m[k])
	}
	return p
}

// Add appends a key with attributes. The receiver is not modified.
func (p PivotRecords) Add(id any, attrs Attributes) PivotRecords {
	return PivotRecords{
		keys:  append(slices.Clip(p.keys), id),
		attrs: append(slices.Clip(p.attrs), attrs),
	}
}

// Len returns the number of records.
func (p PivotRecords) Len() int {
	return len(p.keys)
}

// Keys returns the related keys in insertion order.
func (p PivotRecords) Keys() []any {
	return slices.Clone(p.keys)
}

// distinct collapses repeated keys; the last attributes given for a key win
// and the first position is kept.
func (p PivotRecords) distinct() PivotRecords {
	index := make(map[string]int, len(p.keys))
	var out PivotRecords
	for i, k := range p.keys {
		ks := keyString(k)
		if j, ok := index[ks]; ok {
			if p.attrs[i] != nil {
				out.attrs[j] = p.attrs[i]
			}
			continue
		}
		index[ks] = len(out.keys)
		out.keys = append(out.keys, k)
		out.attrs = append(out.attrs, p.attrs[i])
	}
	return out
}

func (p PivotRecords) columns() []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, a := range p.attrs {
		for k := range a {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				cols = append(cols, k)
			}
		}
	}
	slices.Sort(cols)
	return cols
}

// Changes reports what a sync or toggle did, by related key.
type Changes struct {
	Attached []any
	Detached []any
	Updated  []any
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Attached) == 0 && len(c.Detached) == 0 && len(c.Updated) == 0
}
