package posix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/observability"
	"github.com/corefacility/corefacility/pkg/storage"
)

// Transactor combines a database transaction with the command queue
type Transactor struct {
	db       *sql.DB
	mode     config.PosixMode
	executor *Executor
	store    *CommandStore
}

// NewTransactor creates a transactor for the given POSIX mode
func NewTransactor(db *sql.DB, mode config.PosixMode, executor *Executor) *Transactor {
	if executor == nil {
		executor = NewExecutor(nil, nil)
	}
	return &Transactor{db: db, mode: mode, executor: executor, store: NewCommandStore(db)}
}

// Mode returns how queued commands are handled
func (t *Transactor) Mode() config.PosixMode { return t.mode }

// Store returns the deferred command store
func (t *Transactor) Store() *CommandStore { return t.store }

// Atomic runs fn inside a database transaction with an empty command queue.
//
// When fn fails the transaction is rolled back and the queue is discarded.
// Otherwise the queue is handled according to the mode before the commit:
// inline commands run in insertion order and a failing command rolls the
// transaction back; deferred commands are written as rows of the same
// transaction. Suggested commands are logged after the commit.
//
// A nested Atomic joins the outer scope and shares its queue.
func (t *Transactor) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if storage.CurrentTx(ctx) != nil && QueueFrom(ctx) != nil {
		return fn(ctx)
	}

	ctx, queue := WithQueue(ctx)
	var executed []Command
	err := storage.InTx(ctx, t.db, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		switch t.mode {
		case config.PosixInline:
			for _, cmd := range queue.Commands() {
				if err := t.executor.Execute(ctx, cmd); err != nil {
					return err
				}
				executed = append(executed, cmd)
			}
		case config.PosixDeferred:
			if err := t.store.Add(ctx, queue.Commands()...); err != nil {
				return err
			}
		}
		return nil
	})
	logger := observability.FromContext(ctx)
	if err != nil {
		queue.Clear()
		if len(executed) > 0 {
			t.reconcile(ctx, executed, err)
		}
		return err
	}

	if t.mode == config.PosixSuggest {
		for _, cmd := range queue.Commands() {
			steps, _ := Plan(cmd)
			for _, step := range steps {
				logger.WithField("command", cmd.String()).Warnf("run as root: %s", strings.Join(step, " "))
			}
		}
	}
	queue.Clear()
	return nil
}

// reconcile records commands that changed the OS while the database work
// they belong to was rolled back
func (t *Transactor) reconcile(ctx context.Context, executed []Command, cause error) {
	logger := observability.FromContext(ctx).WithError(cause)
	for _, cmd := range executed {
		logger.WithField("command", cmd.String()).Error("posix state needs reconciliation: command ran but the transaction was rolled back")
		note := fmt.Errorf("transaction rolled back after the command ran: %w", cause)
		if err := t.store.Record(context.WithoutCancel(ctx), cmd, note); err != nil {
			logger.WithError(errors.Join(cause, err)).Error("failed to record command for reconciliation")
		}
	}
}
