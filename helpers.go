package zorm

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidateColumnName reports whether name is a plain or table-qualified identifier.
// Every identifier interpolated into SQL goes through here.
func ValidateColumnName(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q is not a valid identifier", ErrInvalidConfig, name)
	}
	return nil
}

var stringBuilderPool = sync.Pool{
	New: func() any { return new(strings.Builder) },
}

// GetStringBuilder returns a reset builder from the pool.
func GetStringBuilder() *strings.Builder {
	sb := stringBuilderPool.Get().(*strings.Builder)
	sb.Reset()
	return sb
}

// PutStringBuilder returns sb to the pool.
func PutStringBuilder(sb *strings.Builder) {
	if sb.Cap() > 64*1024 {
		return
	}
	stringBuilderPool.Put(sb)
}

func writePlaceholders(sb *strings.Builder, n int) {
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('?')
	}
}

// keyString normalizes a key so that int, int64, json.Number and []byte
// representations of the same value land in the same map bucket.
func keyString(v any) string {
	switch k := v.(type) {
	case nil:
		return ""
	case string:
		return k
	case []byte:
		return string(k)
	case fmt.Stringer:
		return k.String()
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return ""
		}
		return keyString(rv.Elem().Interface())
	}
	if isFloat(rv.Kind()) {
		f := rv.Float()
		if f == float64(int64(f)) {
			return fmt.Sprintf("%d", int64(f))
		}
	}
	return fmt.Sprintf("%v", v)
}

// compareIDs compares two ID values, handling type conversions (int vs int64, etc.)
func compareIDs(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if t := reflect.TypeOf(a); t == reflect.TypeOf(b) && t.Comparable() && a == b {
		return true
	}

	aVal := reflect.ValueOf(a)
	bVal := reflect.ValueOf(b)

	if aVal.Kind() == reflect.Pointer {
		if aVal.IsNil() {
			return false
		}
		aVal = aVal.Elem()
	}
	if bVal.Kind() == reflect.Pointer {
		if bVal.IsNil() {
			return false
		}
		bVal = bVal.Elem()
	}

	aKind := aVal.Kind()
	bKind := bVal.Kind()

	switch {
	case isInteger(aKind) && isInteger(bKind):
		return aVal.Int() == bVal.Int()
	case isUint(aKind) && isUint(bKind):
		return aVal.Uint() == bVal.Uint()
	case isInteger(aKind) && isUint(bKind):
		return aVal.Int() >= 0 && uint64(aVal.Int()) == bVal.Uint()
	case isUint(aKind) && isInteger(bKind):
		return bVal.Int() >= 0 && aVal.Uint() == uint64(bVal.Int())
	case isFloat(aKind) && isFloat(bKind):
		return aVal.Float() == bVal.Float()
	case aKind == reflect.String && bKind == reflect.String:
		return aVal.String() == bVal.String()
	}

	return keyString(a) == keyString(b)
}

func isInteger(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uint64
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func isZero(v any) bool {
	if v == nil {
		return true
	}
	return reflect.ValueOf(v).IsZero()
}

// valuesEqual compares pivot attribute values as the database returns them
// against values supplied by callers: true == int64(1), []byte("a") == "a".
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.(bool); ok {
		return boolOf(b) == ab && isBoolish(b)
	}
	if bb, ok := b.(bool); ok {
		return boolOf(a) == bb && isBoolish(a)
	}
	return compareIDs(a, b)
}

func isBoolish(v any) bool {
	switch t := v.(type) {
	case bool:
		return true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case string:
		return t == "0" || t == "1" || t == "true" || t == "false"
	case []byte:
		return isBoolish(string(t))
	}
	return false
}

func boolOf(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1" || t == "true"
	case []byte:
		return boolOf(string(t))
	}
	rv := reflect.ValueOf(v)
	switch {
	case isInteger(rv.Kind()):
		return rv.Int() != 0
	case isUint(rv.Kind()):
		return rv.Uint() != 0
	case isFloat(rv.Kind()):
		return rv.Float() != 0
	}
	return false
}
