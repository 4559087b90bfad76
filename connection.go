package zorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/table"
)

// Connection is the set of pools opened by Open.
type Connection struct {
	Primary  *sql.DB
	Replicas []*sql.DB
	Dialect  *Dialect
}

// Close closes every pool.
func (c *Connection) Close() error {
	var errs []error
	if c.Primary != nil {
		errs = append(errs, c.Primary.Close())
	}
	for _, r := range c.Replicas {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}

// VerifyRelations checks that the pivot and related tables of every
// registered relation exist with the configured columns. It also probes JSON
// containment support and fails with ErrUnsupportedFeature when it is missing.
func (c *Connection) VerifyRelations(ctx context.Context) error {
	return VerifyRelations(ctx, c.Primary)
}

// VerifyRelations is Connection.VerifyRelations for a bare pool.
func VerifyRelations(ctx context.Context, db *sql.DB) error {
	ok, err := ProbeJSONContains(ctx, db)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: JSON containment on %s", ErrUnsupportedFeature, DialectFor(db).Name)
	}

	for _, info := range RegisteredRelations() {
		for _, query := range info.verifyQueries() {
			rows, err := db.QueryContext(ctx, query)
			if err != nil {
				return WrapRelationError(info.Name, info.Owner,
					fmt.Errorf("%w: %s: %w", ErrInvalidConfig, query, err))
			}
			_ = rows.Close()
		}
	}
	return nil
}

// verifyQueries returns statements that fail when a table or column the
// relation relies on is missing.
func (i RelationInfo) verifyQueries() []string {
	pivotCols := append([]string{i.ForeignKey, i.Column}, i.Columns...)
	return []string{
		"SELECT " + strings.Join(pivotCols, ", ") + " FROM " + i.PivotTable + " WHERE 1=0",
		"SELECT " + strings.Join(i.relatedColumns, ", ") + " FROM " + i.relatedTable + " WHERE 1=0",
	}
}

// PrintRelations writes every registered relation as a table.
func PrintRelations(w io.Writer) {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Owner", "Relation", "Related", "Pivot", "Foreign Key", "JSON Column", "Path", "Pivot Columns", "Object Pivot"})
	for _, info := range RegisteredRelations() {
		name := info.Name
		if info.SelfJoin {
			name += " (self)"
		}
		tw.AppendRow(table.Row{
			info.Owner,
			name,
			info.Related,
			info.PivotTable,
			info.ForeignKey + " -> " + info.LocalKey,
			info.Column,
			info.Path,
			strings.Join(info.Columns, ", "),
			info.WithPivot,
		})
	}
	fmt.Fprintln(w, tw.Render())
}
