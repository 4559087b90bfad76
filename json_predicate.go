package zorm

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"
)

// Expr is a SQL fragment using ? placeholders together with its arguments.
// Exprs compose with And, Or and Not and are rebound by the executing dialect.
type Expr struct {
	SQL  string
	Args []any
}

// Raw builds an Expr from a fragment and its arguments.
func Raw(sql string, args ...any) Expr {
	return Expr{SQL: sql, Args: args}
}

// IsZero reports whether e carries no SQL.
func (e Expr) IsZero() bool {
	return e.SQL == ""
}

// And joins e and o with AND. A zero side is dropped.
func (e Expr) And(o Expr) Expr {
	return e.join("AND", o)
}

// Or joins e and o with OR. A zero side is dropped.
func (e Expr) Or(o Expr) Expr {
	return e.join("OR", o)
}

// Not negates e.
func (e Expr) Not() Expr {
	if e.IsZero() {
		return e
	}
	return Expr{SQL: "NOT (" + e.SQL + ")", Args: e.Args}
}

func (e Expr) join(op string, o Expr) Expr {
	switch {
	case e.IsZero():
		return o
	case o.IsZero():
		return e
	}
	args := make([]any, 0, len(e.Args)+len(o.Args))
	args = append(args, e.Args...)
	args = append(args, o.Args...)
	return Expr{SQL: "(" + e.SQL + ") " + op + " (" + o.SQL + ")", Args: args}
}

// Column marks a containment operand as a column reference instead of a bound value.
type Column string

var pathSegmentPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// JSONPath is a key path inside a JSON document. The empty path addresses
// the whole document.
type JSONPath []string

// ParseJSONPath accepts "role.id", "$.role.id" and "role->id".
func ParseJSONPath(path string) (JSONPath, error) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return nil, nil
	}

	path = strings.ReplaceAll(path, "->", ".")
	segments := strings.Split(path, ".")
	for _, s := range segments {
		if !pathSegmentPattern.MatchString(s) {
			return nil, fmt.Errorf("%w: invalid JSON path segment %q", ErrInvalidConfig, s)
		}
	}
	return JSONPath(segments), nil
}

// String returns the dotted form.
func (p JSONPath) String() string {
	return strings.Join(p, ".")
}

func (p JSONPath) dollar() string {
	if len(p) == 0 {
		return "'$'"
	}
	return "'$." + strings.Join(p, ".") + "'"
}

func (p JSONPath) braces() string {
	return "'{" + strings.Join(p, ",") + "}'"
}

// JSONContains builds a predicate that holds when the JSON document in column
// contains value at path: membership for arrays, equality for scalars. value
// is either a scalar to bind or a Column to correlate against.
func JSONContains(d *Dialect, column string, path JSONPath, value any) (Expr, error) {
	if d == nil || !d.JSONContains {
		name := "unknown"
		if d != nil {
			name = d.Name
		}
		return Expr{}, fmt.Errorf("%w: JSON containment on %s", ErrUnsupportedFeature, name)
	}
	if err := ValidateColumnName(column); err != nil {
		return Expr{}, err
	}

	ref, isColumn := value.(Column)
	if isColumn {
		if err := ValidateColumnName(string(ref)); err != nil {
			return Expr{}, err
		}
	}

	switch d.Name {
	case "postgres":
		target := column + "::jsonb"
		if len(path) > 0 {
			target = "(" + target + " #> " + path.braces() + ")"
		}
		if isColumn {
			return Expr{SQL: target + " @> to_jsonb(" + string(ref) + ")"}, nil
		}
		arg, err := json.Marshal(value)
		if err != nil {
			return Expr{}, err
		}
		return Expr{SQL: target + " @> ?::jsonb", Args: []any{string(arg)}}, nil

	case "mysql":
		if isColumn {
			candidate := "JSON_EXTRACT(JSON_ARRAY(" + string(ref) + "), '$[0]')"
			return Expr{SQL: "JSON_CONTAINS(" + column + ", " + candidate + ", " + path.dollar() + ")"}, nil
		}
		arg, err := json.Marshal(value)
		if err != nil {
			return Expr{}, err
		}
		return Expr{SQL: "JSON_CONTAINS(" + column + ", ?, " + path.dollar() + ")", Args: []any{string(arg)}}, nil

	default:
		source := "json_each(" + column + ")"
		if len(path) > 0 {
			source = "json_each(" + column + ", " + path.dollar() + ")"
		}
		if isColumn {
			return Expr{SQL: "EXISTS (SELECT 1 FROM " + source + " AS je WHERE je.value = " + string(ref) + ")"}, nil
		}
		return Expr{SQL: "EXISTS (SELECT 1 FROM " + source + " AS je WHERE je.value = ?)", Args: []any{value}}, nil
	}
}

// JSONContainsAny ORs one containment check per value. No values yields a
// predicate that matches nothing.
func JSONContainsAny(d *Dialect, column string, path JSONPath, values []any) (Expr, error) {
	if len(values) == 0 {
		if d == nil || !d.JSONContains {
			return JSONContains(d, column, path, nil)
		}
		return Expr{SQL: "1=0"}, nil
	}

	var out Expr
	for _, v := range values {
		e, err := JSONContains(d, column, path, v)
		if err != nil {
			return Expr{}, err
		}
		out = out.Or(e)
	}
	return out, nil
}

// jsonDocument renders the document stored for one related key: the key
// nested under path, or the bare key when path is empty.
func jsonDocument(path JSONPath, key any) (string, error) {
	var doc any = key
	for i := len(path) - 1; i >= 0; i-- {
		doc = map[string]any{path[i]: doc}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// jsonKeys extracts the keys found at path inside raw. Arrays yield every
// element, scalars yield themselves, a missing path yields nothing.
func jsonKeys(raw any, path JSONPath) ([]any, error) {
	var text string
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		return []any{v}, nil
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode pivot document: %w", err)
	}

	for _, seg := range path {
		obj, ok := doc.(map[string]any)
		if !ok {
			return nil, nil
		}
		if doc, ok = obj[seg]; !ok {
			return nil, nil
		}
	}

	switch v := doc.(type) {
	case nil:
		return nil, nil
	case []any:
		keys := make([]any, 0, len(v))
		for _, k := range v {
			if k != nil {
				keys = append(keys, normalizeJSONKey(k))
			}
		}
		return keys, nil
	default:
		return []any{normalizeJSONKey(v)}, nil
	}
}

// normalizeJSONKey turns decoded numbers back into int64 or float64 so they
// bind like the keys callers pass in.
func normalizeJSONKey(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
