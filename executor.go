package zorm

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// queryer is the part of *sql.DB and *sql.Tx the executors need.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// session carries connection routing shared by models, relation queries and
// synchronizers. Precedence: transaction, explicit db, resolver, GlobalDB.
type session struct {
	db           *sql.DB
	tx           *Tx
	forcePrimary bool
	forceReplica int
	stmts        *StmtCache
}

func (s *session) primaryDB() *sql.DB {
	if s.db != nil {
		return s.db
	}
	if resolver := GetGlobalResolver(); resolver != nil && resolver.Primary() != nil {
		return resolver.Primary()
	}
	return GlobalDB
}

// reader returns the executor for plain reads, which may be a replica.
func (s *session) reader() (queryer, error) {
	if s.tx != nil {
		return s.tx.Tx, nil
	}
	if s.db != nil {
		return s.db, nil
	}
	if resolver := GetGlobalResolver(); resolver != nil {
		if db := s.resolveDB(resolver); db != nil {
			return db, nil
		}
	}
	if GlobalDB != nil {
		return GlobalDB, nil
	}
	return nil, fmt.Errorf("%w: no database configured", ErrInvalidConfig)
}

// writer returns the executor for writes and for reads that decide a write.
func (s *session) writer() (queryer, error) {
	if s.tx != nil {
		return s.tx.Tx, nil
	}
	if db := s.primaryDB(); db != nil {
		return db, nil
	}
	return nil, fmt.Errorf("%w: no database configured", ErrInvalidConfig)
}

func (s *session) resolveDB(resolver *DBResolver) *sql.DB {
	if s.forcePrimary {
		return resolver.Primary()
	}
	if s.forceReplica >= 0 {
		if db := resolver.ReplicaAt(s.forceReplica); db != nil {
			return db
		}
	}
	return resolver.Replica()
}

func (s *session) dialect() *Dialect {
	if s.tx != nil && s.tx.dialect != nil {
		return s.tx.dialect
	}
	return DialectFor(s.primaryDB())
}

func (s *session) statementCache() *StmtCache {
	if s.stmts != nil {
		return s.stmts
	}
	return currentStmtCache()
}

func (s *session) query(ctx context.Context, q queryer, op, query string, args []any) (*sql.Rows, error) {
	bound := s.dialect().Rebind(query)
	started := time.Now()
	rows, err := q.QueryContext(ctx, bound, args...)
	logQuery(op, bound, args, started, err)
	if err != nil {
		return nil, WrapQueryError(op, bound, args, err)
	}
	return rows, nil
}

func (s *session) queryRow(ctx context.Context, q queryer, op, query string, args []any, dest ...any) error {
	bound := s.dialect().Rebind(query)
	started := time.Now()
	err := q.QueryRowContext(ctx, bound, args...).Scan(dest...)
	logQuery(op, bound, args, started, err)
	return WrapQueryError(op, bound, args, err)
}

// exec runs a write. Statements on a plain *sql.DB go through the statement
// cache when one is configured.
func (s *session) exec(ctx context.Context, q queryer, op, query string, args []any) (sql.Result, error) {
	bound := s.dialect().Rebind(query)
	started := time.Now()

	var (
		res sql.Result
		err error
	)
	db, isDB := q.(*sql.DB)
	if cache := s.statementCache(); cache != nil && isDB {
		res, err = execCached(ctx, cache, db, bound, args)
	} else {
		res, err = q.ExecContext(ctx, bound, args...)
	}

	logQuery(op, bound, args, started, err)
	if err != nil {
		return nil, WrapQueryError(op, bound, args, err)
	}
	return res, nil
}

func execCached(ctx context.Context, cache *StmtCache, db *sql.DB, query string, args []any) (sql.Result, error) {
	key := fmt.Sprintf("%p:%s", db, query)
	stmt, release := cache.Get(key)
	if stmt == nil {
		prepared, err := db.PrepareContext(ctx, query)
		if err != nil {
			return nil, err
		}
		stmt, release = cache.PutAndGet(key, prepared)
	}
	defer release()
	return stmt.ExecContext(ctx, args...)
}

// Get executes the query and returns a slice of results.
func (m *Model[T]) Get(ctx context.Context) ([]*T, error) {
	if m.err != nil {
		return nil, m.err
	}
	q, err := m.reader()
	if err != nil {
		return nil, err
	}

	query, args := m.buildSelectQuery()
	rows, err := m.query(ctx, q, "SELECT", query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results, _, err := scanEntities[T](rows, m.modelInfo, "")
	if err != nil {
		return nil, WrapQueryError("SCAN", query, args, err)
	}
	// release the connection before eager loading reuses the pool
	rows.Close()

	if len(m.relations) > 0 {
		if err := m.loadRelations(ctx, results, m.relations); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// First executes the query and returns the first result.
func (m *Model[T]) First(ctx context.Context) (*T, error) {
	q := m.Clone()
	q.limit = 1
	results, err := q.Get(ctx)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrRecordNotFound
	}
	return results[0], nil
}

// Find finds a record by primary key.
func (m *Model[T]) Find(ctx context.Context, id any) (*T, error) {
	return m.Clone().Where(m.modelInfo.PrimaryKey, id).First(ctx)
}

// Pluck retrieves a single column's values from the result set.
func (m *Model[T]) Pluck(ctx context.Context, column string) ([]any, error) {
	if err := ValidateColumnName(column); err != nil {
		return nil, err
	}

	q := m.Clone()
	q.columns = []string{column}
	if q.err != nil {
		return nil, q.err
	}
	db, err := q.reader()
	if err != nil {
		return nil, err
	}

	query, args := q.buildSelectQuery()
	rows, err := q.query(ctx, db, "SELECT", query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []any
	for rows.Next() {
		var val any
		if err := rows.Scan(&val); err != nil {
			return nil, WrapQueryError("SCAN", query, args, err)
		}
		if b, ok := val.([]byte); ok {
			val = string(b)
		}
		results = append(results, val)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("SCAN", query, args, err)
	}
	return results, nil
}

// Count returns the number of records matching the query.
func (m *Model[T]) Count(ctx context.Context) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	db, err := m.reader()
	if err != nil {
		return 0, err
	}

	query := "SELECT COUNT(*) FROM " + m.TableName()
	where := m.whereExpr()
	if !where.IsZero() {
		query += " WHERE " + where.SQL
	}

	var count int64
	if err := m.queryRow(ctx, db, "COUNT", query, where.Args, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// Exists checks if any record matches the query conditions.
func (m *Model[T]) Exists(ctx context.Context) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	db, err := m.reader()
	if err != nil {
		return false, err
	}

	query := "SELECT 1 FROM " + m.TableName()
	where := m.whereExpr()
	if !where.IsZero() {
		query += " WHERE " + where.SQL
	}
	query += " LIMIT 1"

	var one int
	err = m.queryRow(ctx, db, "EXISTS", query, where.Args, &one)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create inserts entity and fills in an auto-generated primary key.
func (m *Model[T]) Create(ctx context.Context, entity *T) error {
	if entity == nil {
		return ErrNilPointer
	}
	if m.err != nil {
		return m.err
	}

	if hook, ok := any(entity).(interface{ BeforeCreate(context.Context) error }); ok {
		if err := hook.BeforeCreate(ctx); err != nil {
			return err
		}
	}

	db, err := m.writer()
	if err != nil {
		return err
	}

	val := reflect.ValueOf(entity).Elem()
	columns := make([]string, 0, len(m.modelInfo.ColumnList))
	values := make([]any, 0, len(m.modelInfo.ColumnList))
	for _, col := range m.modelInfo.ColumnList {
		field := m.modelInfo.Columns[col]
		fVal := val.FieldByIndex(field.Index)
		if field.IsPrimary && field.IsAuto && fVal.IsZero() {
			continue
		}
		columns = append(columns, col)
		values = append(values, fVal.Interface())
	}

	sb := GetStringBuilder()
	sb.WriteString("INSERT INTO ")
	sb.WriteString(m.modelInfo.TableName)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(") VALUES (")
	writePlaceholders(sb, len(columns))
	sb.WriteString(")")

	pkField, hasPK := m.modelInfo.Columns[m.modelInfo.PrimaryKey]
	needsKey := hasPK && pkField.IsAuto && val.FieldByIndex(pkField.Index).IsZero()
	d := m.dialect()
	if needsKey && d.Returning {
		sb.WriteString(" RETURNING ")
		sb.WriteString(m.modelInfo.PrimaryKey)
	}
	query := strings.Clone(sb.String())
	PutStringBuilder(sb)

	if !needsKey {
		_, err = m.exec(ctx, db, "INSERT", query, values)
		return err
	}

	pk := val.FieldByIndex(pkField.Index)
	if d.Returning {
		return m.queryRow(ctx, db, "INSERT", query, values, pk.Addr().Interface())
	}

	res, err := m.exec(ctx, db, "INSERT", query, values)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return WrapQueryError("INSERT", query, values, err)
	}
	switch {
	case pk.CanInt():
		pk.SetInt(id)
	case pk.CanUint():
		pk.SetUint(uint64(id))
	}
	return nil
}

// Delete deletes records matching the current query conditions.
// WARNING: Without WHERE conditions, this will delete ALL records in the table.
func (m *Model[T]) Delete(ctx context.Context) error {
	if m.err != nil {
		return m.err
	}
	db, err := m.writer()
	if err != nil {
		return err
	}

	query := "DELETE FROM " + m.TableName()
	where := m.whereExpr()
	if !where.IsZero() {
		query += " WHERE " + where.SQL
	}
	_, err = m.exec(ctx, db, "DELETE", query, where.Args)
	return err
}

// scanEntities scans rows into new instances of E. Columns starting with
// extraPrefix are collected per row instead of being mapped onto E; other
// unknown columns are ignored.
func scanEntities[E any](rows *sql.Rows, info *ModelInfo, extraPrefix string) ([]*E, []map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	fields := make([]*FieldInfo, len(columns))
	extras := make([]string, len(columns))
	hasExtras := false
	for i, col := range columns {
		if extraPrefix != "" && strings.HasPrefix(col, extraPrefix) {
			extras[i] = strings.TrimPrefix(col, extraPrefix)
			hasExtras = true
			continue
		}
		fields[i] = info.Columns[col]
	}

	var (
		results   []*E
		extraRows []map[string]any
	)
	dest := make([]any, len(columns))
	holders := make([]any, len(columns))

	for rows.Next() {
		entity := new(E)
		val := reflect.ValueOf(entity).Elem()

		for i, f := range fields {
			switch {
			case f != nil:
				dest[i] = val.FieldByIndex(f.Index).Addr().Interface()
			default:
				holders[i] = nil
				dest[i] = &holders[i]
			}
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, nil, err
		}
		results = append(results, entity)

		if hasExtras {
			row := make(map[string]any)
			for i, name := range extras {
				if name != "" {
					row[name] = normalizeValue(holders[i])
				}
			}
			extraRows = append(extraRows, row)
		}
	}
	return results, extraRows, rows.Err()
}

// normalizeValue turns driver byte slices into strings.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
