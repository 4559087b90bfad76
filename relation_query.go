package zorm

import (
	"context"
	"database/sql"
	"slices"
	"strings"
)

const (
	pivotPrefix   = "zorm_pivot_"
	pivotOwnerCol = pivotPrefix + "owner_key"
)

// RelationQuery resolves a relation for one owner or many.
type RelationQuery[T, R any] struct {
	rel *JSONRelation[T, R]
	session
}

// SetDB runs the query against db.
func (q *RelationQuery[T, R]) SetDB(db *sql.DB) *RelationQuery[T, R] {
	q.db = db
	return q
}

// WithTx runs the query inside tx.
func (q *RelationQuery[T, R]) WithTx(tx *Tx) *RelationQuery[T, R] {
	q.tx = tx
	return q
}

// UsePrimary reads from the primary when a resolver is configured.
func (q *RelationQuery[T, R]) UsePrimary() *RelationQuery[T, R] {
	q.forcePrimary = true
	return q
}

// Resolve returns the entities related to owner, ascending by related key.
// An unsaved owner or one without pivot rows yields an empty collection.
func (q *RelationQuery[T, R]) Resolve(ctx context.Context, owner *T) (Collection[R], error) {
	if owner == nil {
		return nil, ErrNilPointer
	}
	key := q.rel.ownerKey(owner)
	if key == nil {
		return Collection[R]{}, nil
	}
	return q.ResolveKey(ctx, key)
}

// ResolveKey is Resolve by owner key.
func (q *RelationQuery[T, R]) ResolveKey(ctx context.Context, key any) (Collection[R], error) {
	byOwner, err := q.resolveByKeyString(ctx, []any{key})
	if err != nil {
		return nil, err
	}
	if related := byOwner[keyString(key)]; related != nil {
		return related, nil
	}
	return Collection[R]{}, nil
}

// ResolveMany resolves the relation for all keys with a single query. Every
// key is present in the result, mapped to an empty collection when nothing
// is related.
func (q *RelationQuery[T, R]) ResolveMany(ctx context.Context, keys []any) (map[any]Collection[R], error) {
	byOwner, err := q.resolveByKeyString(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make(map[any]Collection[R], len(keys))
	for _, k := range keys {
		related := byOwner[keyString(k)]
		if related == nil {
			related = Collection[R]{}
		}
		out[k] = related
	}
	return out, nil
}

// maxResolveKeys caps the owner keys bound in one resolve query. SQLite
// builds before 3.32 reject more than 999 parameters.
var maxResolveKeys = 900

// resolveByKeyString runs the batched join and partitions rows by the
// normalized owner key. Key sets larger than maxResolveKeys are split into
// one query per chunk.
func (q *RelationQuery[T, R]) resolveByKeyString(ctx context.Context, keys []any) (map[string]Collection[R], error) {
	out := make(map[string]Collection[R])
	if len(keys) == 0 {
		return out, nil
	}

	db, err := q.reader()
	if err != nil {
		return nil, q.wrap(err)
	}

	unique := distinctKeys(keys)
	var rows, queries int
	for chunk := range slices.Chunk(unique, maxResolveKeys) {
		n, err := q.resolveChunk(ctx, db, chunk, out)
		if err != nil {
			return nil, err
		}
		rows += n
		queries++
	}

	logger.Debug().
		Str("relation", q.rel.name).
		Int("owners", len(unique)).
		Int("queries", queries).
		Int("rows", rows).
		Msg("relation resolved")
	return out, nil
}

// resolveChunk resolves one chunk of distinct owner keys into out and
// returns the number of joined rows read.
func (q *RelationQuery[T, R]) resolveChunk(ctx context.Context, db queryer, keys []any, out map[string]Collection[R]) (int, error) {
	query, args, err := q.buildResolveQuery(keys)
	if err != nil {
		return 0, q.wrap(err)
	}

	rows, err := q.query(ctx, db, "SELECT", query, args)
	if err != nil {
		return 0, q.wrap(err)
	}
	defer rows.Close()

	models, extras, err := scanEntities[R](rows, q.rel.related, pivotPrefix)
	if err != nil {
		return 0, q.wrap(WrapQueryError("SCAN", query, args, err))
	}

	// position of each related key inside its owner's collection
	seen := make(map[string]map[string]int)
	for i, model := range models {
		row := extras[i]
		ownerKey := row["owner_key"]
		delete(row, "owner_key")

		ownerStr := keyString(ownerKey)
		relatedKey := q.rel.related.primaryValue(model)
		relatedStr := keyString(relatedKey)

		var pivot *Pivot
		if q.rel.pivot.WithPivot {
			pivot = &Pivot{
				Table:      q.rel.pivot.Table,
				OwnerKey:   ownerKey,
				RelatedKey: relatedKey,
				Attributes: Attributes(row),
				Exists:     true,
			}
		}

		if seen[ownerStr] == nil {
			seen[ownerStr] = make(map[string]int)
		}
		if pos, dup := seen[ownerStr][relatedStr]; dup {
			// later pivot rows for the same pair win
			if pivot != nil {
				out[ownerStr][pos].Pivot = pivot
			}
			continue
		}
		seen[ownerStr][relatedStr] = len(out[ownerStr])
		out[ownerStr] = append(out[ownerStr], Related[R]{Model: model, Pivot: pivot})
	}
	return len(models), nil
}

// distinctKeys drops repeated owner keys so each owner lands in one chunk.
func distinctKeys(keys []any) []any {
	seen := make(map[string]bool, len(keys))
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		ks := keyString(k)
		if seen[ks] {
			continue
		}
		seen[ks] = true
		out = append(out, k)
	}
	return out
}

// buildResolveQuery renders
//
//	SELECT related.cols, pivot.fk AS zorm_pivot_owner_key, pivot.x AS zorm_pivot_x
//	FROM related INNER JOIN pivot ON <pivot.column contains related.pk>
//	WHERE pivot.fk IN (...) ORDER BY related.pk
//
// Everything but the key list is cached per relation and dialect.
func (q *RelationQuery[T, R]) buildResolveQuery(keys []any) (string, []any, error) {
	d := q.dialect()
	key := templateKey(q.rel.owner.Type.String(), q.rel.name, d, "resolve")
	tmpl := getCachedResolveTemplate(key)
	if tmpl == nil {
		var err error
		if tmpl, err = q.rel.resolveTemplate(d); err != nil {
			return "", nil, err
		}
		setCachedResolveTemplate(key, tmpl)
	}

	sb := GetStringBuilder()
	defer PutStringBuilder(sb)
	sb.WriteString(tmpl.head)
	writePlaceholders(sb, len(keys))
	sb.WriteString(tmpl.tail)

	args := make([]any, 0, len(tmpl.args)+len(keys))
	args = append(args, tmpl.args...)
	args = append(args, keys...)
	return strings.Clone(sb.String()), args, nil
}

func (r *JSONRelation[T, R]) resolveTemplate(d *Dialect) (*resolveTemplate, error) {
	related := r.related.TableName
	pivot := r.pivot.Table

	on, err := JSONContains(d, pivot+"."+r.pivot.Column, r.path,
		Column(related+"."+r.related.PrimaryKey))
	if err != nil {
		return nil, err
	}

	sb := GetStringBuilder()
	defer PutStringBuilder(sb)

	sb.WriteString("SELECT ")
	for i, col := range r.related.ColumnList {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(related)
		sb.WriteByte('.')
		sb.WriteString(col)
	}
	sb.WriteString(", ")
	sb.WriteString(pivot + "." + r.pivot.ForeignKey + " AS " + pivotOwnerCol)
	for _, col := range r.pivot.Columns {
		sb.WriteString(", ")
		sb.WriteString(pivot + "." + col + " AS " + pivotPrefix + col)
	}

	sb.WriteString(" FROM ")
	sb.WriteString(related)
	sb.WriteString(" INNER JOIN ")
	sb.WriteString(pivot)
	sb.WriteString(" ON ")
	sb.WriteString(on.SQL)
	sb.WriteString(" WHERE ")
	sb.WriteString(pivot + "." + r.pivot.ForeignKey)
	sb.WriteString(" IN (")
	head := strings.Clone(sb.String())

	tail := ") ORDER BY " + related + "." + r.related.PrimaryKey + " ASC"
	if r.pivot.OrderColumn != "" {
		tail += ", " + pivot + "." + r.pivot.OrderColumn + " ASC"
	}
	return &resolveTemplate{head: head, tail: tail, args: on.Args}, nil
}

// ExistenceFilter returns a correlated EXISTS predicate for queries over
// ownerTable: it holds for owners with at least one pivot row whose key
// matches an existing related entity.
func (q *RelationQuery[T, R]) ExistenceFilter(ownerTable string) (Expr, error) {
	e, err := q.rel.existenceFilter(q.dialect(), ownerTable)
	if err != nil {
		return Expr{}, q.wrap(err)
	}
	return e, nil
}

// existenceFilter renders
//
//	EXISTS (SELECT 1 FROM pivot INNER JOIN related [AS alias] ON <contains>
//	        WHERE pivot.fk = owner.local)
//
// The related table is aliased when it is also the owner table.
func (r *JSONRelation[T, R]) existenceFilter(d *Dialect, ownerTable string) (Expr, error) {
	if err := ValidateColumnName(ownerTable); err != nil {
		return Expr{}, err
	}
	key := templateKey(r.owner.Type.String(), r.name, d, "exists:"+ownerTable)
	if e, ok := getCachedExistence(key); ok {
		return Expr{SQL: e.SQL, Args: slices.Clone(e.Args)}, nil
	}

	pivot := r.pivot.Table
	related := r.related.TableName
	relatedRef := related
	from := related
	if r.selfJoin() || related == ownerTable {
		relatedRef = "zorm_self_" + related
		from = related + " AS " + relatedRef
	}

	on, err := JSONContains(d, pivot+"."+r.pivot.Column, r.path, Column(relatedRef+"."+r.related.PrimaryKey))
	if err != nil {
		return Expr{}, err
	}

	sql := "EXISTS (SELECT 1 FROM " + pivot +
		" INNER JOIN " + from + " ON " + on.SQL +
		" WHERE " + pivot + "." + r.pivot.ForeignKey + " = " + ownerTable + "." + r.pivot.LocalKey + ")"
	e := Expr{SQL: sql, Args: on.Args}
	setCachedExistence(key, e)
	return Expr{SQL: sql, Args: slices.Clone(on.Args)}, nil
}

func (q *RelationQuery[T, R]) wrap(err error) error {
	return WrapRelationError(q.rel.name, q.rel.owner.Type.Name(), err)
}
