package zorm

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
)

// RelationSynchronizer writes the pivot rows of one owner. Every read that
// decides a write goes to the primary.
type RelationSynchronizer[T, R any] struct {
	rel   *JSONRelation[T, R]
	owner *T
	session
}

// SetDB runs the synchronizer against db.
func (s *RelationSynchronizer[T, R]) SetDB(db *sql.DB) *RelationSynchronizer[T, R] {
	s.db = db
	return s
}

// WithTx runs the synchronizer inside tx.
func (s *RelationSynchronizer[T, R]) WithTx(tx *Tx) *RelationSynchronizer[T, R] {
	s.tx = tx
	return s
}

// pivotRow is one stored pivot row: the related keys found at the path and
// the extra columns.
type pivotRow struct {
	keys  []any
	attrs Attributes
}

// pivotEntry is the current state of one related key.
type pivotEntry struct {
	key   any
	attrs Attributes
}

// Attach inserts one pivot row per record. Existing rows are not consulted,
// so attaching a key twice stores two rows.
func (s *RelationSynchronizer[T, R]) Attach(ctx context.Context, records PivotRecords) (*T, error) {
	ownerKey, err := s.ownerKey()
	if err != nil {
		return s.owner, err
	}
	if records.Len() == 0 {
		return s.owner, nil
	}

	db, err := s.writer()
	if err != nil {
		return s.owner, err
	}
	if err := s.insert(ctx, db, ownerKey, records); err != nil {
		return s.owner, s.wrap(err)
	}

	s.invalidate()
	logger.Debug().
		Str("relation", s.rel.name).
		Interface("owner_key", ownerKey).
		Int("attached", records.Len()).
		Msg("pivot attach")
	return s.owner, nil
}

// Detach removes ids from the owner's relation, or every pivot row of the
// owner when ids is empty. Other keys stored in a row with a detached key are
// written back as single-key rows with that row's attributes.
func (s *RelationSynchronizer[T, R]) Detach(ctx context.Context, ids ...any) (*T, error) {
	ownerKey, err := s.ownerKey()
	if err != nil {
		return s.owner, err
	}

	db, err := s.writer()
	if err != nil {
		return s.owner, err
	}

	var kept PivotRecords
	if len(ids) > 0 {
		rows, err := s.current(ctx, db, ownerKey)
		if err != nil {
			return s.owner, s.wrap(err)
		}
		kept = stranded(rows, ids)
	}

	n, err := s.delete(ctx, db, ownerKey, ids)
	if err != nil {
		return s.owner, s.wrap(err)
	}
	if kept.Len() > 0 {
		if err := s.insert(ctx, db, ownerKey, kept); err != nil {
			return s.owner, s.wrap(err)
		}
	}

	s.invalidate()
	logger.Debug().
		Str("relation", s.rel.name).
		Interface("owner_key", ownerKey).
		Int64("rows", n).
		Int("rewritten", kept.Len()).
		Msg("pivot detach")
	return s.owner, nil
}

// Sync makes the owner's related keys equal records: missing keys are
// attached, extra keys detached, and retained keys whose given attributes
// differ from storage are updated. A retained key that shares its row with
// other keys is moved to a row of its own before its attributes change.
func (s *RelationSynchronizer[T, R]) Sync(ctx context.Context, records PivotRecords) (Changes, error) {
	var changes Changes
	ownerKey, err := s.ownerKey()
	if err != nil {
		return changes, err
	}

	db, err := s.writer()
	if err != nil {
		return changes, err
	}

	rows, err := s.current(ctx, db, ownerKey)
	if err != nil {
		return changes, s.wrap(err)
	}
	current := entries(rows)

	desired := records.distinct()
	want := keySet(desired.keys)

	have := make(map[string]pivotEntry, len(current))
	for _, e := range current {
		have[keyString(e.key)] = e
		if !want[keyString(e.key)] {
			changes.Detached = append(changes.Detached, e.key)
		}
	}

	var (
		attach PivotRecords
		update PivotRecords
		split  []any
	)
	for i, k := range desired.keys {
		attrs := desired.attrs[i]
		cur, exists := have[keyString(k)]
		switch {
		case !exists:
			attach = attach.Add(k, attrs)
			changes.Attached = append(changes.Attached, k)
		case !attributesDiffer(cur.attrs, attrs):
		case sharesRow(rows, k):
			split = append(split, k)
			attach = attach.Add(k, mergeAttributes(cur.attrs, attrs))
			changes.Updated = append(changes.Updated, k)
		default:
			update = update.Add(k, attrs)
			changes.Updated = append(changes.Updated, k)
		}
	}

	removed := append(slices.Clone(changes.Detached), split...)
	kept := stranded(rows, removed)
	for i, k := range kept.keys {
		attach = attach.Add(k, kept.attrs[i])
	}

	if len(removed) > 0 {
		if _, err := s.delete(ctx, db, ownerKey, removed); err != nil {
			return changes, s.wrap(err)
		}
	}
	if attach.Len() > 0 {
		if err := s.insert(ctx, db, ownerKey, attach); err != nil {
			return changes, s.wrap(err)
		}
	}
	for i, k := range update.keys {
		if err := s.update(ctx, db, ownerKey, k, update.attrs[i]); err != nil {
			return changes, s.wrap(err)
		}
	}

	if !changes.Empty() {
		s.invalidate()
	}
	logger.Debug().
		Str("relation", s.rel.name).
		Interface("owner_key", ownerKey).
		Int("attached", len(changes.Attached)).
		Int("detached", len(changes.Detached)).
		Int("updated", len(changes.Updated)).
		Int("rewritten", kept.Len()).
		Msg("pivot sync")
	return changes, nil
}

// Toggle detaches every given key that is currently attached and attaches
// the others with their attributes. Keys not given are left alone.
func (s *RelationSynchronizer[T, R]) Toggle(ctx context.Context, records PivotRecords) (Changes, error) {
	var changes Changes
	ownerKey, err := s.ownerKey()
	if err != nil {
		return changes, err
	}

	db, err := s.writer()
	if err != nil {
		return changes, err
	}

	rows, err := s.current(ctx, db, ownerKey)
	if err != nil {
		return changes, s.wrap(err)
	}
	have := make(map[string]bool)
	for _, e := range entries(rows) {
		have[keyString(e.key)] = true
	}

	var attach PivotRecords
	given := records.distinct()
	for i, k := range given.keys {
		if have[keyString(k)] {
			changes.Detached = append(changes.Detached, k)
		} else {
			attach = attach.Add(k, given.attrs[i])
			changes.Attached = append(changes.Attached, k)
		}
	}
	kept := stranded(rows, changes.Detached)
	for i, k := range kept.keys {
		attach = attach.Add(k, kept.attrs[i])
	}

	if len(changes.Detached) > 0 {
		if _, err := s.delete(ctx, db, ownerKey, changes.Detached); err != nil {
			return changes, s.wrap(err)
		}
	}
	if attach.Len() > 0 {
		if err := s.insert(ctx, db, ownerKey, attach); err != nil {
			return changes, s.wrap(err)
		}
	}

	if !changes.Empty() {
		s.invalidate()
	}
	logger.Debug().
		Str("relation", s.rel.name).
		Interface("owner_key", ownerKey).
		Int("attached", len(changes.Attached)).
		Int("detached", len(changes.Detached)).
		Msg("pivot toggle")
	return changes, nil
}

// Current returns the owner's stored pivot rows, one per related key.
func (s *RelationSynchronizer[T, R]) Current(ctx context.Context) ([]Pivot, error) {
	ownerKey, err := s.ownerKey()
	if err != nil {
		return nil, err
	}
	db, err := s.writer()
	if err != nil {
		return nil, err
	}
	rows, err := s.current(ctx, db, ownerKey)
	if err != nil {
		return nil, s.wrap(err)
	}

	var out []Pivot
	for _, e := range entries(rows) {
		out = append(out, Pivot{
			Table:      s.rel.pivot.Table,
			OwnerKey:   ownerKey,
			RelatedKey: e.key,
			Attributes: e.attrs,
			Exists:     true,
		})
	}
	return out, nil
}

func (s *RelationSynchronizer[T, R]) ownerKey() (any, error) {
	if s.owner == nil {
		return nil, ErrNilPointer
	}
	key := s.rel.ownerKey(s.owner)
	if key == nil {
		return nil, s.wrap(fmt.Errorf("%w: owner has no %s", ErrInvalidState, s.rel.pivot.LocalKey))
	}
	return key, nil
}

func (s *RelationSynchronizer[T, R]) invalidate() {
	if c := cacheOf(s.owner); c != nil {
		c.UnsetRelation(s.rel.name)
	}
}

func (s *RelationSynchronizer[T, R]) wrap(err error) error {
	return WrapRelationError(s.rel.name, s.rel.owner.Type.Name(), err)
}

// current reads the owner's pivot rows in storage order.
func (s *RelationSynchronizer[T, R]) current(ctx context.Context, db queryer, ownerKey any) ([]pivotRow, error) {
	p := s.rel.pivot
	d := s.dialect()

	cols := append([]string{d.jsonText(p.Column)}, p.Columns...)
	query := "SELECT " + strings.Join(cols, ", ") + " FROM " + p.Table + " WHERE " + p.ForeignKey + " = ?"
	if p.OrderColumn != "" {
		query += " ORDER BY " + p.OrderColumn + " ASC"
	}
	args := []any{ownerKey}

	rows, err := s.query(ctx, db, "SELECT", query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pivotRow
	dest := make([]any, len(cols))
	values := make([]any, len(cols))
	for rows.Next() {
		for i := range values {
			values[i] = nil
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, WrapQueryError("SCAN", query, args, err)
		}

		keys, err := jsonKeys(values[0], s.rel.path)
		if err != nil {
			return nil, err
		}
		attrs := make(Attributes, len(p.Columns))
		for i, col := range p.Columns {
			attrs[col] = normalizeValue(values[i+1])
		}
		out = append(out, pivotRow{keys: keys, attrs: attrs})
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("SCAN", query, args, err)
	}
	return out, nil
}

// insert writes one row per record. Attribute columns missing from a record
// are written as NULL.
func (s *RelationSynchronizer[T, R]) insert(ctx context.Context, db queryer, ownerKey any, records PivotRecords) error {
	p := s.rel.pivot
	extra := records.columns()
	for _, col := range extra {
		if err := ValidateColumnName(col); err != nil {
			return err
		}
	}

	cols := append([]string{p.ForeignKey, p.Column}, extra...)

	sb := GetStringBuilder()
	defer PutStringBuilder(sb)
	sb.WriteString("INSERT INTO ")
	sb.WriteString(p.Table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, records.Len()*len(cols))
	for i, key := range records.keys {
		doc, err := jsonDocument(s.rel.path, key)
		if err != nil {
			return err
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		writePlaceholders(sb, len(cols))
		sb.WriteByte(')')

		args = append(args, ownerKey, doc)
		for _, col := range extra {
			args = append(args, records.attrs[i][col])
		}
	}

	_, err := s.exec(ctx, db, "INSERT", strings.Clone(sb.String()), args)
	return err
}

// delete removes the owner's rows holding any of ids, or all of them.
func (s *RelationSynchronizer[T, R]) delete(ctx context.Context, db queryer, ownerKey any, ids []any) (int64, error) {
	p := s.rel.pivot
	where := Raw(p.ForeignKey+" = ?", ownerKey)
	if len(ids) > 0 {
		match, err := JSONContainsAny(s.dialect(), p.Column, s.rel.path, ids)
		if err != nil {
			return 0, err
		}
		where = where.And(match)
	}

	res, err := s.exec(ctx, db, "DELETE", "DELETE FROM "+p.Table+" WHERE "+where.SQL, where.Args)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// update rewrites the attributes of the owner's rows holding key. Callers
// only pass keys that are alone in each of their rows.
func (s *RelationSynchronizer[T, R]) update(ctx context.Context, db queryer, ownerKey, key any, attrs Attributes) error {
	p := s.rel.pivot
	cols := attrs.sortedKeys()

	set := make([]string, len(cols))
	args := make([]any, 0, len(cols)+2)
	for i, col := range cols {
		if err := ValidateColumnName(col); err != nil {
			return err
		}
		set[i] = col + " = ?"
		args = append(args, attrs[col])
	}

	match, err := JSONContains(s.dialect(), p.Column, s.rel.path, key)
	if err != nil {
		return err
	}
	where := Raw(p.ForeignKey+" = ?", ownerKey).And(match)
	args = append(args, where.Args...)

	query := "UPDATE " + p.Table + " SET " + strings.Join(set, ", ") + " WHERE " + where.SQL
	_, err = s.exec(ctx, db, "UPDATE", query, args)
	return err
}

// entries flattens rows into one entry per related key in first-seen
// position. Later rows overwrite the attributes of earlier ones.
func entries(rows []pivotRow) []pivotEntry {
	index := make(map[string]int)
	var out []pivotEntry
	for _, row := range rows {
		for _, k := range row.keys {
			ks := keyString(k)
			if i, ok := index[ks]; ok {
				out[i].attrs = row.attrs
				continue
			}
			index[ks] = len(out)
			out = append(out, pivotEntry{key: k, attrs: row.attrs})
		}
	}
	return out
}

// stranded returns the keys that share a row with a removed key but are not
// removed themselves. Deleting such a row drops them too, so callers write
// them back as single-key rows. Keys still held by a row that survives the
// delete are left out.
func stranded(rows []pivotRow, removed []any) PivotRecords {
	var out PivotRecords
	if len(removed) == 0 {
		return out
	}
	gone := keySet(removed)
	surviving := make(map[string]bool)
	for _, row := range rows {
		if row.containsAny(gone) {
			continue
		}
		for _, k := range row.keys {
			surviving[keyString(k)] = true
		}
	}

	index := make(map[string]int)
	for _, row := range rows {
		if !row.containsAny(gone) {
			continue
		}
		for _, k := range row.keys {
			ks := keyString(k)
			if gone[ks] || surviving[ks] {
				continue
			}
			if i, ok := index[ks]; ok {
				out.attrs[i] = row.attrs
				continue
			}
			index[ks] = out.Len()
			out = out.Add(k, row.attrs)
		}
	}
	return out
}

// sharesRow reports whether key is stored in a row together with other keys.
func sharesRow(rows []pivotRow, key any) bool {
	ks := keyString(key)
	for _, row := range rows {
		if len(row.keys) > 1 && slices.ContainsFunc(row.keys, func(k any) bool { return keyString(k) == ks }) {
			return true
		}
	}
	return false
}

func (r pivotRow) containsAny(set map[string]bool) bool {
	return slices.ContainsFunc(r.keys, func(k any) bool { return set[keyString(k)] })
}

func keySet(keys []any) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[keyString(k)] = true
	}
	return set
}

// attributesDiffer reports whether any attribute in want differs from have.
// Attributes not named in want are ignored.
func attributesDiffer(have, want Attributes) bool {
	for k, v := range want {
		if !valuesEqual(have[k], v) {
			return true
		}
	}
	return false
}

func mergeAttributes(base, over Attributes) Attributes {
	out := make(Attributes, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func (a Attributes) sortedKeys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
