package zorm

import (
	"reflect"
	"strings"
	"sync"

	"github.com/gertd/go-pluralize"
	"github.com/iancoleman/strcase"
)

// ModelInfo holds the reflection data for a model struct.
type ModelInfo struct {
	Type       reflect.Type
	TableName  string
	PrimaryKey string
	Fields     map[string]*FieldInfo // StructFieldName -> FieldInfo
	Columns    map[string]*FieldInfo // DBColumnName -> FieldInfo
	ColumnList []string              // columns in declaration order
}

// FieldInfo holds data about a single field in the model.
type FieldInfo struct {
	Name      string // Struct field name
	Column    string // DB column name
	IsPrimary bool
	IsAuto    bool // Auto-increment or managed
	FieldType reflect.Type
	Index     []int
}

var (
	modelCache = make(map[reflect.Type]*ModelInfo)
	cacheMu    sync.RWMutex

	pluralizer    = pluralize.NewClient()
	relationsType = reflect.TypeOf(Relations{})
)

// ParseModel inspects the struct T and returns its metadata.
func ParseModel[T any]() *ModelInfo {
	var t T
	return ParseModelType(reflect.TypeOf(t))
}

// ParseModelType inspects the type and returns its metadata.
func ParseModelType(typ reflect.Type) *ModelInfo {
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		panic("zorm: model type must be a struct, got " + typ.String())
	}

	cacheMu.RLock()
	if info, ok := modelCache[typ]; ok {
		cacheMu.RUnlock()
		return info
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()

	if info, ok := modelCache[typ]; ok {
		return info
	}

	info := &ModelInfo{
		Type:    typ,
		Fields:  make(map[string]*FieldInfo),
		Columns: make(map[string]*FieldInfo),
	}

	ptrVal := reflect.New(typ)
	if tableNamer, ok := ptrVal.Interface().(interface{ TableName() string }); ok {
		info.TableName = tableNamer.TableName()
	} else {
		info.TableName = pluralizer.Plural(ToSnakeCase(typ.Name()))
	}

	if primaryKeyer, ok := ptrVal.Interface().(interface{ PrimaryKey() string }); ok {
		info.PrimaryKey = primaryKeyer.PrimaryKey()
	} else {
		info.PrimaryKey = "id"
	}

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)

		if field.PkgPath != "" {
			continue
		}
		if field.Anonymous && field.Type == relationsType {
			continue
		}

		tag := field.Tag.Get("zorm")
		if tag == "-" {
			continue
		}

		dbCol := ToSnakeCase(field.Name)
		isPrimary := false
		isAuto := false

		if tag != "" {
			for _, part := range strings.Split(tag, ";") {
				key, val, _ := strings.Cut(part, ":")
				switch strings.TrimSpace(key) {
				case "column":
					dbCol = strings.TrimSpace(val)
				case "primary":
					isPrimary = true
				case "auto":
					isAuto = true
				}
			}
		}

		if field.Name == "ID" || dbCol == info.PrimaryKey {
			isPrimary = true
		}
		if isPrimary {
			info.PrimaryKey = dbCol
			if isIntegerType(field.Type) {
				isAuto = true
			}
		}

		fInfo := &FieldInfo{
			Name:      field.Name,
			Column:    dbCol,
			IsPrimary: isPrimary,
			IsAuto:    isAuto,
			FieldType: field.Type,
			Index:     field.Index,
		}

		info.Fields[field.Name] = fInfo
		info.Columns[dbCol] = fInfo
		info.ColumnList = append(info.ColumnList, dbCol)
	}

	modelCache[typ] = info
	return info
}

// primaryValue reads the primary key of entity, dereferencing pointer fields.
func (mi *ModelInfo) primaryValue(entity any) any {
	return mi.columnValue(entity, mi.PrimaryKey)
}

func (mi *ModelInfo) columnValue(entity any, column string) any {
	val := reflect.ValueOf(entity)
	if val.Kind() == reflect.Pointer {
		if val.IsNil() {
			return nil
		}
		val = val.Elem()
	}

	field, ok := mi.Columns[column]
	if !ok {
		return nil
	}
	fVal := val.FieldByIndex(field.Index)
	if fVal.Kind() == reflect.Pointer {
		if fVal.IsNil() {
			return nil
		}
		return fVal.Elem().Interface()
	}
	return fVal.Interface()
}

func isIntegerType(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return isInteger(t.Kind()) || isUint(t.Kind())
}

// ToSnakeCase converts a string to snake_case ("UserID" -> "user_id").
func ToSnakeCase(s string) string {
	return strcase.ToSnake(s)
}

// singular returns the singular form of a table name ("roles" -> "role").
func singular(table string) string {
	return pluralizer.Singular(table)
}
