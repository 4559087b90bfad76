package zorm

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// Dialect abstracts the SQL differences between the supported engines.
type Dialect struct {
	// Name is the driver family: "postgres", "mysql", "sqlite3" or "generic".
	Name string

	// NumberedPlaceholders rewrites ? into $1, $2, ...
	NumberedPlaceholders bool

	// Returning reports whether INSERT ... RETURNING is available.
	Returning bool

	// JSONContains reports whether the engine can evaluate JSON containment.
	JSONContains bool

	probeQuery string
}

// Dialects known to the ORM. Generic is used for drivers that are not
// recognised; it has no JSON support.
var Dialects = struct {
	PostgreSQL *Dialect
	MySQL      *Dialect
	SQLite3    *Dialect
	Generic    *Dialect
}{
	PostgreSQL: &Dialect{
		Name:                 "postgres",
		NumberedPlaceholders: true,
		Returning:            true,
		JSONContains:         true,
		probeQuery:           `SELECT CASE WHEN '[1,2]'::jsonb @> '2'::jsonb THEN 1 ELSE 0 END`,
	},
	MySQL: &Dialect{
		Name:         "mysql",
		JSONContains: true,
		probeQuery:   `SELECT JSON_CONTAINS('[1,2]', '2')`,
	},
	SQLite3: &Dialect{
		Name:         "sqlite3",
		Returning:    true,
		JSONContains: true,
		probeQuery:   `SELECT COUNT(*) FROM json_each('[1,2]') WHERE value = 2`,
	},
	Generic: &Dialect{
		Name: "generic",
	},
}

// DialectFor picks the dialect from the driver behind db.
func DialectFor(db *sql.DB) *Dialect {
	if db == nil {
		return Dialects.Generic
	}
	switch db.Driver().(type) {
	case *stdlib.Driver:
		return Dialects.PostgreSQL
	case *mysql.MySQLDriver:
		return Dialects.MySQL
	case *sqlite3.SQLiteDriver:
		return Dialects.SQLite3
	}
	return Dialects.Generic
}

// Rebind converts ? placeholders into the dialect's form. Question marks
// inside single-quoted literals are left alone.
func (d *Dialect) Rebind(query string) string {
	if !d.NumberedPlaceholders || !strings.Contains(query, "?") {
		return query
	}

	sb := GetStringBuilder()
	defer PutStringBuilder(sb)
	sb.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			sb.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
		default:
			sb.WriteByte(c)
		}
	}
	return strings.Clone(sb.String())
}

// jsonText renders column so that it scans as JSON text on every engine.
func (d *Dialect) jsonText(column string) string {
	switch d.Name {
	case "postgres":
		return column + "::text"
	case "mysql":
		return "CAST(" + column + " AS CHAR)"
	}
	return column
}

// ProbeJSONContains reports whether the engine behind db evaluates JSON
// containment predicates. A false result is not an error: callers skip the
// JSON relation features instead.
func ProbeJSONContains(ctx context.Context, db *sql.DB) (bool, error) {
	if db == nil {
		return false, ErrNilPointer
	}
	d := DialectFor(db)
	if !d.JSONContains {
		return false, nil
	}

	var n int
	if err := db.QueryRowContext(ctx, d.probeQuery).Scan(&n); err != nil {
		logger.Debug().Err(err).Str("dialect", d.Name).Msg("json containment probe failed")
		return false, nil
	}
	return n == 1, nil
}
