package zorm

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// GlobalDB is the connection used when neither a model nor a relation has one
// of its own and no resolver is configured.
var GlobalDB *sql.DB

// condition is one WHERE term joined to its predecessor by conj.
type condition struct {
	conj string
	expr Expr
}

// Model[T] builds and runs queries against the table of T.
type Model[T any] struct {
	ctx context.Context
	session
	modelInfo *ModelInfo

	columns   []string
	wheres    []condition
	orderBys  []string
	limit     int
	offset    int
	relations []string

	// err holds the first builder error; executors return it.
	err error
}

// New creates a new Model instance for type T.
func New[T any]() *Model[T] {
	return &Model[T]{
		ctx:       context.Background(),
		session:   session{forceReplica: -1},
		modelInfo: ParseModel[T](),
	}
}

// WithContext sets the context for the query.
func (m *Model[T]) WithContext(ctx context.Context) *Model[T] {
	m.ctx = ctx
	return m
}

// TableName returns the table name for the model.
func (m *Model[T]) TableName() string {
	return m.modelInfo.TableName
}

// SetDB sets a custom database connection for this model instance.
func (m *Model[T]) SetDB(db *sql.DB) *Model[T] {
	m.db = db
	return m
}

// WithTx runs the model's statements inside tx.
func (m *Model[T]) WithTx(tx *Tx) *Model[T] {
	m.tx = tx
	if tx != nil && tx.ctx != nil {
		m.ctx = tx.ctx
	}
	return m
}

// UsePrimary routes reads to the primary when a resolver is configured.
func (m *Model[T]) UsePrimary() *Model[T] {
	m.forcePrimary = true
	m.forceReplica = -1
	return m
}

// UseReplica routes reads to the replica at index.
func (m *Model[T]) UseReplica(index int) *Model[T] {
	m.forcePrimary = false
	m.forceReplica = index
	return m
}

// Select restricts the selected columns.
func (m *Model[T]) Select(columns ...string) *Model[T] {
	for _, c := range columns {
		if err := ValidateColumnName(c); err != nil {
			m.setErr(err)
			return m
		}
	}
	m.columns = append(m.columns, columns...)
	return m
}

// Where adds an AND condition. Accepted forms:
//
//	Where("name", "John")            name = ?
//	Where("age >", 18)               age > ?
//	Where("id = ? OR id = ?", 1, 2)  raw fragment
//	Where(map[string]any{...})       column equality, sorted by column
//	Where(Expr{...})                 prebuilt expression
//	Where(func(q *Model[T]) {...})   parenthesized group
func (m *Model[T]) Where(query any, args ...any) *Model[T] {
	return m.addWhere("AND", query, args)
}

// OrWhere adds an OR condition. It accepts the same forms as Where.
func (m *Model[T]) OrWhere(query any, args ...any) *Model[T] {
	return m.addWhere("OR", query, args)
}

// WhereExpr adds a prebuilt expression.
func (m *Model[T]) WhereExpr(e Expr) *Model[T] {
	if !e.IsZero() {
		m.wheres = append(m.wheres, condition{conj: "AND", expr: e})
	}
	return m
}

// WhereIn adds "column IN (...)". An empty list matches nothing.
func (m *Model[T]) WhereIn(column string, values []any) *Model[T] {
	if err := ValidateColumnName(column); err != nil {
		m.setErr(err)
		return m
	}
	if len(values) == 0 {
		return m.WhereExpr(Raw("1=0"))
	}

	sb := GetStringBuilder()
	defer PutStringBuilder(sb)
	sb.WriteString(column)
	sb.WriteString(" IN (")
	writePlaceholders(sb, len(values))
	sb.WriteByte(')')
	return m.WhereExpr(Raw(sb.String(), values...))
}

// WhereJSONContains matches rows whose JSON column holds value at path.
func (m *Model[T]) WhereJSONContains(column, path string, value any) *Model[T] {
	p, err := ParseJSONPath(path)
	if err != nil {
		m.setErr(err)
		return m
	}
	e, err := JSONContains(m.dialect(), column, p, value)
	if err != nil {
		m.setErr(err)
		return m
	}
	return m.WhereExpr(e)
}

// OrderBy adds an ORDER BY term. direction is ASC or DESC.
func (m *Model[T]) OrderBy(column, direction string) *Model[T] {
	if err := ValidateColumnName(column); err != nil {
		m.setErr(err)
		return m
	}
	direction = strings.ToUpper(strings.TrimSpace(direction))
	if direction != "DESC" {
		direction = "ASC"
	}
	m.orderBys = append(m.orderBys, column+" "+direction)
	return m
}

// Limit caps the number of rows.
func (m *Model[T]) Limit(n int) *Model[T] {
	m.limit = n
	return m
}

// Offset skips n rows.
func (m *Model[T]) Offset(n int) *Model[T] {
	m.offset = n
	return m
}

// With eager loads the named relations after Get.
func (m *Model[T]) With(relations ...string) *Model[T] {
	m.relations = append(m.relations, relations...)
	return m
}

// Has keeps only rows that have at least one related entity through the
// named relation.
func (m *Model[T]) Has(relation string) *Model[T] {
	return m.existence(relation, false)
}

// DoesntHave keeps only rows without related entities through the named relation.
func (m *Model[T]) DoesntHave(relation string) *Model[T] {
	return m.existence(relation, true)
}

func (m *Model[T]) existence(relation string, negate bool) *Model[T] {
	rel, err := lookupOwnerRelation[T](relation)
	if err != nil {
		m.setErr(err)
		return m
	}
	e, err := rel.existenceFilter(m.dialect(), m.TableName())
	if err != nil {
		m.setErr(WrapRelationError(relation, m.modelInfo.Type.Name(), err))
		return m
	}
	if negate {
		e = e.Not()
	}
	return m.WhereExpr(e)
}

// Clone returns an independent copy of the builder.
func (m *Model[T]) Clone() *Model[T] {
	c := *m
	c.columns = slices.Clone(m.columns)
	c.wheres = slices.Clone(m.wheres)
	c.orderBys = slices.Clone(m.orderBys)
	c.relations = slices.Clone(m.relations)
	return &c
}

// Print writes the SELECT statement and its arguments to stdout.
func (m *Model[T]) Print() *Model[T] {
	return m.Fprint(os.Stdout)
}

// Fprint writes the SELECT statement and its arguments to w.
func (m *Model[T]) Fprint(w io.Writer) *Model[T] {
	query, args := m.buildSelectQuery()
	fmt.Fprintf(w, "%s\n%s\n", m.dialect().Rebind(query), formatArgs(args))
	return m
}

func (m *Model[T]) setErr(err error) {
	if m.err == nil {
		m.err = err
	}
}

func (m *Model[T]) addWhere(conj string, query any, args []any) *Model[T] {
	switch q := query.(type) {
	case string:
		e, err := whereString(q, args)
		if err != nil {
			m.setErr(err)
			return m
		}
		m.wheres = append(m.wheres, condition{conj: conj, expr: e})

	case Expr:
		if !q.IsZero() {
			m.wheres = append(m.wheres, condition{conj: conj, expr: q})
		}

	case map[string]any:
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		var e Expr
		for _, k := range keys {
			if err := ValidateColumnName(k); err != nil {
				m.setErr(err)
				return m
			}
			e = e.And(Raw(k+" = ?", q[k]))
		}
		if !e.IsZero() {
			m.wheres = append(m.wheres, condition{conj: conj, expr: e})
		}

	case func(*Model[T]):
		sub := &Model[T]{session: m.session, modelInfo: m.modelInfo}
		q(sub)
		if sub.err != nil {
			m.setErr(sub.err)
			return m
		}
		if e := sub.whereExpr(); !e.IsZero() {
			m.wheres = append(m.wheres, condition{conj: conj, expr: e})
		}

	default:
		m.setErr(fmt.Errorf("%w: unsupported where clause %T", ErrInvalidConfig, query))
	}
	return m
}

var whereOperators = []string{"=", "!=", "<>", ">", ">=", "<", "<=", "LIKE", "NOT LIKE"}

// whereString handles "column", "column op" and raw fragments with ? placeholders.
func whereString(q string, args []any) (Expr, error) {
	if strings.Contains(q, "?") {
		return Raw(q, args...), nil
	}

	column, op, found := strings.Cut(strings.TrimSpace(q), " ")
	op = strings.ToUpper(strings.TrimSpace(op))
	if !found {
		op = "="
	}
	if err := ValidateColumnName(column); err != nil {
		return Expr{}, err
	}
	if !slices.Contains(whereOperators, op) {
		return Expr{}, fmt.Errorf("%w: unsupported operator %q", ErrInvalidConfig, op)
	}

	switch len(args) {
	case 0:
		if op == "=" {
			return Raw(column + " IS NULL"), nil
		}
		return Expr{}, fmt.Errorf("%w: missing value for %s", ErrInvalidConfig, q)
	case 1:
		if args[0] == nil && op == "=" {
			return Raw(column + " IS NULL"), nil
		}
		return Raw(column+" "+op+" ?", args[0]), nil
	}
	return Expr{}, fmt.Errorf("%w: %d values for %s", ErrInvalidConfig, len(args), q)
}

// whereExpr folds the conditions into one expression honouring AND/OR.
func (m *Model[T]) whereExpr() Expr {
	var e Expr
	for i, c := range m.wheres {
		switch {
		case i == 0:
			e = c.expr
		case c.conj == "OR":
			e = Expr{SQL: e.SQL + " OR " + wrap(c.expr.SQL), Args: append(slices.Clone(e.Args), c.expr.Args...)}
		default:
			e = Expr{SQL: e.SQL + " AND " + wrap(c.expr.SQL), Args: append(slices.Clone(e.Args), c.expr.Args...)}
		}
		if i == 0 {
			e.SQL = wrap(e.SQL)
		}
	}
	return e
}

func wrap(sql string) string {
	return "(" + sql + ")"
}

// buildSelectQuery renders the SELECT statement with ? placeholders.
func (m *Model[T]) buildSelectQuery() (string, []any) {
	sb := GetStringBuilder()
	defer PutStringBuilder(sb)

	sb.WriteString("SELECT ")
	if len(m.columns) > 0 {
		sb.WriteString(strings.Join(m.columns, ", "))
	} else {
		sb.WriteString("*")
	}
	sb.WriteString(" FROM ")
	sb.WriteString(m.TableName())

	where := m.whereExpr()
	if !where.IsZero() {
		sb.WriteString(" WHERE ")
		sb.WriteString(where.SQL)
	}

	if len(m.orderBys) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(m.orderBys, ", "))
	}
	if m.limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(m.limit))
	}
	if m.offset > 0 {
		if m.limit <= 0 && m.dialect().Name == "mysql" {
			sb.WriteString(" LIMIT 18446744073709551615")
		}
		sb.WriteString(" OFFSET ")
		sb.WriteString(strconv.Itoa(m.offset))
	}

	return strings.Clone(sb.String()), where.Args
}

// ConfigureConnectionPool applies pool limits to db. Zero values leave the
// driver defaults in place.
func ConfigureConnectionPool(db *sql.DB, maxOpen, maxIdle int, maxLifetime, idleTimeout time.Duration) {
	applyPool(db, DBConfig{
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: maxLifetime,
		ConnMaxIdleTime: idleTimeout,
	})
}
