package posix

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corefacility/corefacility/pkg/contextkeys"
	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/storage"
)

// Status is the processing state of a deferred command
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusAnalyzed    Status = "analyzed"
	StatusConfirmed   Status = "confirmed"
)

// DeferredCommandSchema describes core_deferred_command rows
var DeferredCommandSchema = entity.NewSchema("deferred command", "core_deferred_command",
	entity.Field{Name: "action", Kind: entity.KindString, Required: true},
	entity.Field{Name: "action_args", Kind: entity.KindJSON, Required: true},
	entity.Field{Name: "method", Kind: entity.KindString, Required: true},
	entity.Field{Name: "method_args", Kind: entity.KindJSON, Required: true},
	entity.Field{Name: "status", Kind: entity.KindString, Required: true,
		Choices: []string{string(StatusInitialized), string(StatusAnalyzed), string(StatusConfirmed)}},
	entity.Field{Name: "log", Kind: entity.KindRef, Column: "log_id"},
	entity.Field{Name: "error", Kind: entity.KindString},
	entity.Field{Name: "created_at", Kind: entity.KindTime, Required: true, ReadOnly: true},
	entity.Field{Name: "updated_at", Kind: entity.KindTime, Required: true},
)

// DeferredCommand is a persisted command waiting for the daemon
type DeferredCommand struct {
	*entity.Entity
}

// Command decodes the stored command
func (d DeferredCommand) Command() (Command, error) {
	cmd := Command{Action: d.String("action"), Method: d.String("method")}
	if err := json.Unmarshal(d.JSON("action_args"), &cmd.ActionArgs); err != nil {
		return cmd, fmt.Errorf("failed to decode action args of command %d: %w", d.ID(), err)
	}
	if err := json.Unmarshal(d.JSON("method_args"), &cmd.MethodArgs); err != nil {
		return cmd, fmt.Errorf("failed to decode method args of command %d: %w", d.ID(), err)
	}
	return cmd, nil
}

// Status returns the processing state
func (d DeferredCommand) Status() Status { return Status(d.String("status")) }

// CommandStore persists deferred commands
type CommandStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewCommandStore creates a store over core_deferred_command
func NewCommandStore(db *sql.DB) *CommandStore {
	return &CommandStore{db: db, now: time.Now}
}

// Commands returns a reader over stored commands with "status" and "log" filters
func (s *CommandStore) Commands() *entity.Collection[DeferredCommand] {
	set := entity.NewSet(entity.SetConfig{
		DB:        s.db,
		Schema:    DeferredCommandSchema,
		Alias:     "dc",
		Providers: []entity.Provider{entity.NewSQLProvider(s.db)},
		Filters: map[string]entity.Filter{
			"status": entity.Equals("dc.status"),
			"log":    entity.Equals("dc.log_id"),
		},
		OrderBy: []string{"dc.created_at", "dc.id"},
	})
	return entity.NewCollection(set, func(e *entity.Entity) DeferredCommand { return DeferredCommand{e} })
}

// Add stores commands in status initialized, through the context
// transaction when there is one. The request log, if any, is referenced.
func (s *CommandStore) Add(ctx context.Context, cmds ...Command) error {
	now := s.now().UTC()
	for _, cmd := range cmds {
		e := entity.New(DeferredCommandSchema, entity.NewSQLProvider(s.db))
		values := map[string]interface{}{
			"action":      cmd.Action,
			"action_args": cmd.ActionArgs,
			"method":      cmd.Method,
			"method_args": cmd.MethodArgs,
			"status":      string(StatusInitialized),
			"updated_at":  now,
		}
		if log, ok := contextkeys.Log(ctx).(interface{ ID() int64 }); ok && log.ID() > 0 {
			values["log"] = log.ID()
		}
		for name, v := range values {
			if err := e.Set(name, v); err != nil {
				return err
			}
		}
		if err := e.SetInternal("created_at", now); err != nil {
			return err
		}
		if err := e.Create(ctx); err != nil {
			return fmt.Errorf("failed to defer %s: %w", cmd, err)
		}
	}
	return nil
}

// Record stores a command that already ran, with its outcome, so that
// failures stay visible for reconciliation
func (s *CommandStore) Record(ctx context.Context, cmd Command, runErr error) error {
	now := s.now().UTC()
	var msg interface{}
	if runErr != nil {
		msg = runErr.Error()
	}
	action, _ := json.Marshal(cmd.ActionArgs)
	method, _ := json.Marshal(cmd.MethodArgs)
	_, err := storage.Querier(ctx, s.db).ExecContext(ctx, `
		INSERT INTO core_deferred_command (action, action_args, method, method_args, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cmd.Action, string(action), cmd.Method, string(method), string(StatusConfirmed), msg, now, now)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", cmd, err)
	}
	return nil
}

// Claim moves the oldest initialized command to analyzed. Concurrent
// daemons cannot claim the same row.
func (s *CommandStore) Claim(ctx context.Context) (DeferredCommand, error) {
	for {
		pending, err := s.Commands().Where("status", string(StatusInitialized))
		if err != nil {
			return DeferredCommand{}, err
		}
		next, err := pending.Index(ctx, 0)
		if err != nil {
			return DeferredCommand{}, err
		}
		ok, err := s.transition(ctx, next.ID(), StatusInitialized, StatusAnalyzed, nil)
		if err != nil {
			return DeferredCommand{}, err
		}
		if ok {
			return s.Commands().Get(ctx, next.ID())
		}
	}
}

// Confirm marks an analyzed command as finished. runErr is stored when the
// command failed; confirmed commands are never retried.
func (s *CommandStore) Confirm(ctx context.Context, id int64, runErr error) error {
	var msg interface{}
	if runErr != nil {
		msg = runErr.Error()
	}
	ok, err := s.transition(ctx, id, StatusAnalyzed, StatusConfirmed, msg)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.NotPermitted("deferred command %d is not being analyzed", id)
	}
	return nil
}

func (s *CommandStore) transition(ctx context.Context, id int64, from, to Status, msg interface{}) (bool, error) {
	res, err := storage.Querier(ctx, s.db).ExecContext(ctx,
		`UPDATE core_deferred_command SET status = $1, error = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(to), msg, s.now().UTC(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to move deferred command %d to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Pending returns the number of commands not yet confirmed
func (s *CommandStore) Pending(ctx context.Context) (int, error) {
	var n int
	err := storage.Querier(ctx, s.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM core_deferred_command WHERE status <> $1`, string(StatusConfirmed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count deferred commands: %w", err)
	}
	return n, nil
}

// DeleteAbandoned removes initialized and analyzed commands created before
// cutoff and returns them
func (s *CommandStore) DeleteAbandoned(ctx context.Context, cutoff time.Time) ([]Command, error) {
	var abandoned []Command
	err := storage.InTx(ctx, s.db, func(ctx context.Context) error {
		rows, err := storage.Querier(ctx, s.db).QueryContext(ctx, `
			SELECT action, action_args, method, method_args FROM core_deferred_command
			WHERE status <> $1 AND created_at < $2 ORDER BY id`,
			string(StatusConfirmed), cutoff.UTC())
		if err != nil {
			return fmt.Errorf("failed to list abandoned commands: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var cmd Command
			var actionArgs, methodArgs string
			if err := rows.Scan(&cmd.Action, &actionArgs, &cmd.Method, &methodArgs); err != nil {
				return fmt.Errorf("failed to scan abandoned command: %w", err)
			}
			_ = json.Unmarshal([]byte(actionArgs), &cmd.ActionArgs)
			_ = json.Unmarshal([]byte(methodArgs), &cmd.MethodArgs)
			abandoned = append(abandoned, cmd)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		_, err = storage.Querier(ctx, s.db).ExecContext(ctx,
			`DELETE FROM core_deferred_command WHERE status <> $1 AND created_at < $2`,
			string(StatusConfirmed), cutoff.UTC())
		if err != nil {
			return fmt.Errorf("failed to delete abandoned commands: %w", err)
		}
		return nil
	})
	return abandoned, err
}
