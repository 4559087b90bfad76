package zorm

import (
	"context"
	"database/sql"
	"fmt"
)

// Tx wraps sql.Tx together with the dialect of the connection it runs on.
type Tx struct {
	Tx      *sql.Tx
	ctx     context.Context
	dialect *Dialect
}

// Transaction runs fn inside a transaction on the primary connection.
func Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	s := session{forceReplica: -1}
	db := s.primaryDB()
	if db == nil {
		return fmt.Errorf("%w: no database configured", ErrInvalidConfig)
	}
	return TransactionOn(ctx, db, fn)
}

// TransactionOn runs fn inside a transaction on db. The transaction commits
// when fn returns nil and rolls back on error or panic.
func TransactionOn(ctx context.Context, db *sql.DB, fn func(tx *Tx) error) error {
	if db == nil {
		return ErrNilPointer
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	zTx := &Tx{Tx: tx, ctx: ctx, dialect: DialectFor(db)}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(zTx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	return tx.Commit()
}
