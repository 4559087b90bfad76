package zorm

import (
	"cmp"
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
)

// JSONPivot configures a many-to-many relation whose pivot rows reference the
// related entity through a key stored inside a JSON column.
type JSONPivot struct {
	// Table is the pivot table. Default: both singular table names, sorted and
	// joined with "_" ("role_user").
	Table string

	// ForeignKey is the pivot column holding the owner key. Default: singular
	// owner table + "_id".
	ForeignKey string

	// LocalKey is the owner column referenced by ForeignKey. Default: owner PK.
	LocalKey string

	// Column is the JSON column. Default: singular related table.
	Column string

	// Path locates the related key inside Column, as "a.b", "$.a.b" or "a->b".
	// Default: the related PK column. "$" addresses the whole document.
	Path string

	// Columns lists extra pivot columns read into Pivot.Attributes.
	Columns []string

	// WithPivot exposes a Pivot on every resolved entity.
	WithPivot bool

	// OrderColumn orders pivot rows of the same pair; the last one wins.
	OrderColumn string
}

// RelationInfo describes a registered relation.
type RelationInfo struct {
	Owner      string
	Name       string
	Related    string
	PivotTable string
	ForeignKey string
	LocalKey   string
	Column     string
	Path       string
	Columns    []string
	WithPivot  bool
	SelfJoin   bool

	relatedTable   string
	relatedColumns []string
}

// ownerRelation is the owner-typed view of a relation used by Model[T].
type ownerRelation[T any] interface {
	Info() RelationInfo
	eagerLoad(ctx context.Context, s session, owners []*T) error
	existenceFilter(d *Dialect, ownerTable string) (Expr, error)
}

type registeredRelation interface {
	Info() RelationInfo
}

var registry = struct {
	mu      sync.RWMutex
	byOwner map[reflect.Type]map[string]registeredRelation
}{byOwner: make(map[reflect.Type]map[string]registeredRelation)}

// JSONRelation is a registered JSON-keyed many-to-many relation from T to R.
type JSONRelation[T, R any] struct {
	name    string
	owner   *ModelInfo
	related *ModelInfo
	pivot   JSONPivot
	path    JSONPath
}

// DefineJSON validates cfg, fills in defaults and registers the relation under
// name for owner type T. Names are unique per owner type.
func DefineJSON[T, R any](name string, cfg JSONPivot) (*JSONRelation[T, R], error) {
	owner := ParseModel[T]()
	related := ParseModel[R]()

	rel := &JSONRelation[T, R]{name: name, owner: owner, related: related}
	if err := rel.configure(cfg); err != nil {
		return nil, WrapRelationError(name, owner.Type.Name(), err)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	byName := registry.byOwner[owner.Type]
	if byName == nil {
		byName = make(map[string]registeredRelation)
		registry.byOwner[owner.Type] = byName
	}
	if _, exists := byName[name]; exists {
		return nil, WrapRelationError(name, owner.Type.Name(),
			fmt.Errorf("%w: relation already defined", ErrInvalidConfig))
	}
	byName[name] = rel

	logger.Debug().
		Str("owner", owner.TableName).
		Str("relation", name).
		Str("pivot", rel.pivot.Table).
		Msg("relation defined")
	return rel, nil
}

// MustDefineJSON is DefineJSON that panics on error. Meant for package-level vars.
func MustDefineJSON[T, R any](name string, cfg JSONPivot) *JSONRelation[T, R] {
	rel, err := DefineJSON[T, R](name, cfg)
	if err != nil {
		panic(err)
	}
	return rel
}

// Lookup returns the relation registered under name for T with related type R.
func Lookup[T, R any](name string) (*JSONRelation[T, R], error) {
	rel, err := lookupOwnerRelation[T](name)
	if err != nil {
		return nil, err
	}
	typed, ok := rel.(*JSONRelation[T, R])
	if !ok {
		var r R
		return nil, WrapRelationError(name, ParseModel[T]().Type.Name(),
			fmt.Errorf("%w: related type is not %T", ErrRelationNotFound, r))
	}
	return typed, nil
}

func lookupOwnerRelation[T any](name string) (ownerRelation[T], error) {
	owner := ParseModel[T]()

	registry.mu.RLock()
	rel, ok := registry.byOwner[owner.Type][name]
	registry.mu.RUnlock()

	if !ok {
		return nil, WrapRelationError(name, owner.Type.Name(), ErrRelationNotFound)
	}
	typed, ok := rel.(ownerRelation[T])
	if !ok {
		return nil, WrapRelationError(name, owner.Type.Name(), ErrRelationNotFound)
	}
	return typed, nil
}

// RegisteredRelations lists every relation, sorted by owner then name.
func RegisteredRelations() []RelationInfo {
	registry.mu.RLock()
	var out []RelationInfo
	for _, byName := range registry.byOwner {
		for _, rel := range byName {
			out = append(out, rel.Info())
		}
	}
	registry.mu.RUnlock()

	slices.SortFunc(out, func(a, b RelationInfo) int {
		return cmp.Or(cmp.Compare(a.Owner, b.Owner), cmp.Compare(a.Name, b.Name))
	})
	return out
}

func (r *JSONRelation[T, R]) configure(cfg JSONPivot) error {
	ownerSingular := singular(r.owner.TableName)
	relatedSingular := singular(r.related.TableName)

	if cfg.Table == "" {
		names := []string{ownerSingular, relatedSingular}
		slices.Sort(names)
		cfg.Table = strings.Join(names, "_")
	}
	if cfg.ForeignKey == "" {
		cfg.ForeignKey = ownerSingular + "_id"
	}
	if cfg.LocalKey == "" {
		cfg.LocalKey = r.owner.PrimaryKey
	}
	if cfg.Column == "" {
		cfg.Column = relatedSingular
	}
	if cfg.Path == "" {
		cfg.Path = r.related.PrimaryKey
	}

	for _, ident := range append([]string{cfg.Table, cfg.ForeignKey, cfg.LocalKey, cfg.Column}, cfg.Columns...) {
		if err := ValidateColumnName(ident); err != nil {
			return err
		}
	}
	if cfg.OrderColumn != "" {
		if err := ValidateColumnName(cfg.OrderColumn); err != nil {
			return err
		}
	}
	if _, ok := r.owner.Columns[cfg.LocalKey]; !ok {
		return fmt.Errorf("%w: %s has no column %q", ErrInvalidConfig, r.owner.TableName, cfg.LocalKey)
	}
	if _, ok := r.related.Columns[r.related.PrimaryKey]; !ok {
		return fmt.Errorf("%w: %s has no primary key column", ErrInvalidConfig, r.related.TableName)
	}

	path, err := ParseJSONPath(cfg.Path)
	if err != nil {
		return err
	}

	cfg.Columns = slices.Clone(cfg.Columns)
	r.pivot = cfg
	r.path = path
	return nil
}

// Name returns the relation name.
func (r *JSONRelation[T, R]) Name() string {
	return r.name
}

// Pivot returns the effective pivot configuration with defaults applied.
func (r *JSONRelation[T, R]) Pivot() JSONPivot {
	p := r.pivot
	p.Columns = slices.Clone(p.Columns)
	return p
}

// Info describes the relation.
func (r *JSONRelation[T, R]) Info() RelationInfo {
	path := "$"
	if len(r.path) > 0 {
		path += "." + r.path.String()
	}
	return RelationInfo{
		Owner:      r.owner.Type.Name(),
		Name:       r.name,
		Related:    r.related.Type.Name(),
		PivotTable: r.pivot.Table,
		ForeignKey: r.pivot.ForeignKey,
		LocalKey:   r.pivot.LocalKey,
		Column:     r.pivot.Column,
		Path:       path,
		Columns:    slices.Clone(r.pivot.Columns),
		WithPivot:  r.pivot.WithPivot,
		SelfJoin:   r.selfJoin(),

		relatedTable:   r.related.TableName,
		relatedColumns: r.related.ColumnList,
	}
}

func (r *JSONRelation[T, R]) selfJoin() bool {
	return r.owner.TableName == r.related.TableName
}

// ownerKey returns the value of the owner's local key, or nil when unset.
func (r *JSONRelation[T, R]) ownerKey(owner *T) any {
	key := r.owner.columnValue(owner, r.pivot.LocalKey)
	if isZero(key) {
		return nil
	}
	return key
}

// Query returns a resolver over the relation bound to the default connection.
func (r *JSONRelation[T, R]) Query() *RelationQuery[T, R] {
	return &RelationQuery[T, R]{rel: r, session: session{forceReplica: -1}}
}

// RelationAccess bundles the read and write sides of a relation for one owner.
type RelationAccess[T, R any] struct {
	Query  *RelationQuery[T, R]
	Pivots *RelationSynchronizer[T, R]

	owner *T
}

// Of binds the relation to owner.
func (r *JSONRelation[T, R]) Of(owner *T) *RelationAccess[T, R] {
	return &RelationAccess[T, R]{
		Query:  r.Query(),
		Pivots: &RelationSynchronizer[T, R]{rel: r, owner: owner, session: session{forceReplica: -1}},
		owner:  owner,
	}
}

// Get resolves the relation for the bound owner.
func (a *RelationAccess[T, R]) Get(ctx context.Context) (Collection[R], error) {
	return a.Query.Resolve(ctx, a.owner)
}

// Get returns the owner's related collection, resolving it on first access
// and serving the cached value afterwards.
func (r *JSONRelation[T, R]) Get(ctx context.Context, owner *T) (Collection[R], error) {
	if owner == nil {
		return nil, ErrNilPointer
	}
	if cached, ok := r.Cached(owner); ok {
		return cached, nil
	}
	return r.Reload(ctx, owner)
}

// Reload resolves the relation again and overwrites the cached value.
func (r *JSONRelation[T, R]) Reload(ctx context.Context, owner *T) (Collection[R], error) {
	if owner == nil {
		return nil, ErrNilPointer
	}
	related, err := r.Query().Resolve(ctx, owner)
	if err != nil {
		return nil, err
	}
	if c := cacheOf(owner); c != nil {
		c.setRelation(r.name, related)
	}
	return related, nil
}

// Cached returns the cached collection without touching storage.
func (r *JSONRelation[T, R]) Cached(owner *T) (Collection[R], bool) {
	if owner == nil {
		return nil, false
	}
	c := cacheOf(owner)
	if c == nil {
		return nil, false
	}
	v, ok := c.loaded[r.name]
	if !ok {
		return nil, false
	}
	related, ok := v.(Collection[R])
	return related, ok
}

// Load eager loads the relation for owners with one query and caches the
// result on each owner that embeds Relations.
func (r *JSONRelation[T, R]) Load(ctx context.Context, owners ...*T) error {
	return r.eagerLoad(ctx, session{forceReplica: -1}, owners)
}

func (r *JSONRelation[T, R]) eagerLoad(ctx context.Context, s session, owners []*T) error {
	keys := make([]any, 0, len(owners))
	for _, o := range owners {
		if o == nil {
			continue
		}
		if key := r.ownerKey(o); key != nil {
			keys = append(keys, key)
		}
	}

	q := &RelationQuery[T, R]{rel: r, session: s}
	byOwner, err := q.resolveByKeyString(ctx, keys)
	if err != nil {
		return err
	}

	for _, o := range owners {
		if o == nil {
			continue
		}
		c := cacheOf(o)
		if c == nil {
			continue
		}
		related := byOwner[keyString(r.ownerKey(o))]
		if related == nil {
			related = Collection[R]{}
		}
		c.setRelation(r.name, related)
	}
	return nil
}

// Relations is embedded in entities to cache resolved relations per instance.
// It is not safe for concurrent use.
type Relations struct {
	loaded map[string]any
}

func (c *Relations) relationCache() *Relations {
	return c
}

// RelationLoaded reports whether name has been resolved for this instance.
func (c *Relations) RelationLoaded(name string) bool {
	_, ok := c.loaded[name]
	return ok
}

// UnsetRelation drops the cached value for name.
func (c *Relations) UnsetRelation(name string) {
	delete(c.loaded, name)
}

func (c *Relations) setRelation(name string, v any) {
	if c.loaded == nil {
		c.loaded = make(map[string]any)
	}
	c.loaded[name] = v
}

func cacheOf(owner any) *Relations {
	if holder, ok := owner.(interface{ relationCache() *Relations }); ok {
		return holder.relationCache()
	}
	return nil
}

// Load eager loads the named relations onto entity.
func (m *Model[T]) Load(ctx context.Context, entity *T, relations ...string) error {
	if entity == nil {
		return ErrNilPointer
	}
	return m.LoadSlice(ctx, []*T{entity}, relations...)
}

// LoadSlice eager loads the named relations onto entities, one query per relation.
func (m *Model[T]) LoadSlice(ctx context.Context, entities []*T, relations ...string) error {
	return m.loadRelations(ctx, entities, relations)
}

func (m *Model[T]) loadRelations(ctx context.Context, results []*T, relations []string) error {
	if len(results) == 0 {
		return nil
	}
	for _, name := range relations {
		rel, err := lookupOwnerRelation[T](name)
		if err != nil {
			return err
		}
		if err := rel.eagerLoad(ctx, m.session, results); err != nil {
			return WrapRelationError(name, m.modelInfo.Type.Name(), err)
		}
	}
	return nil
}
