package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/corefacility/corefacility/pkg/contextkeys"
)

// Execer is the query surface shared by *sql.DB and *sql.Tx
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx is a database transaction carried in a context. Hooks registered with
// OnCommit run after a successful commit, in registration order.
type Tx struct {
	*sql.Tx
	afterCommit []func()
}

// OnCommit registers fn to run once the transaction commits
func (t *Tx) OnCommit(fn func()) {
	t.afterCommit = append(t.afterCommit, fn)
}

// Commit commits the transaction and runs the commit hooks
func (t *Tx) Commit() error {
	if err := t.Tx.Commit(); err != nil {
		return err
	}
	hooks := t.afterCommit
	t.afterCommit = nil
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Rollback aborts the transaction and drops the commit hooks
func (t *Tx) Rollback() error {
	t.afterCommit = nil
	return t.Tx.Rollback()
}

// Begin opens a transaction and returns a context carrying it
func Begin(ctx context.Context, db *sql.DB) (context.Context, *Tx, error) {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{Tx: sqlTx}
	return contextkeys.WithTx(ctx, tx), tx, nil
}

// CurrentTx returns the transaction carried by ctx, if any
func CurrentTx(ctx context.Context) *Tx {
	tx, _ := contextkeys.Tx(ctx).(*Tx)
	return tx
}

// Querier returns the context transaction when there is one, db otherwise
func Querier(ctx context.Context, db *sql.DB) Execer {
	if tx := CurrentTx(ctx); tx != nil {
		return tx
	}
	return db
}

// InTx runs fn inside a transaction. When ctx already carries one, fn joins it
// and the outer scope decides whether to commit.
func InTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) (err error) {
	if CurrentTx(ctx) != nil {
		return fn(ctx)
	}

	txCtx, tx, err := Begin(ctx, db)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AfterCommit runs fn after the context transaction commits, or immediately
// when there is no transaction
func AfterCommit(ctx context.Context, fn func()) {
	if tx := CurrentTx(ctx); tx != nil {
		tx.OnCommit(fn)
		return
	}
	fn()
}
