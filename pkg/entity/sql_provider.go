package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/storage"
)

// SQLProvider maps the stored fields of an entity onto a table row
type SQLProvider struct {
	DB *sql.DB
}

// NewSQLProvider creates a relational provider
func NewSQLProvider(db *sql.DB) *SQLProvider {
	return &SQLProvider{DB: db}
}

// CreateEntity inserts the row and assigns the entity id
func (p *SQLProvider) CreateEntity(ctx context.Context, e *Entity) error {
	return p.insert(ctx, e, false)
}

func (p *SQLProvider) insert(ctx context.Context, e *Entity, withID bool) error {
	schema := e.Schema()
	var cols, marks []string
	var args []interface{}
	if withID {
		cols = append(cols, "id")
		args = append(args, e.ID())
		marks = append(marks, "$1")
	}
	for _, f := range schema.Stored() {
		v := e.values[f.Name]
		if v == nil {
			continue
		}
		cols = append(cols, f.column())
		args = append(args, dbValue(v))
		marks = append(marks, "$"+strconv.Itoa(len(args)))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		schema.Table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	if len(cols) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING id", schema.Table)
	}

	var id int64
	if err := storage.Querier(ctx, p.DB).QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return storage.MapError(fmt.Errorf("failed to insert %s: %w", schema.Name, err), schema.Name)
	}
	e.SetID(id)
	return nil
}

// UpdateEntity writes the changed stored fields
func (p *SQLProvider) UpdateEntity(ctx context.Context, e *Entity) error {
	var names []string
	for _, name := range e.Dirty() {
		if f, ok := e.Schema().Field(name); ok && !f.Transient {
			names = append(names, name)
		}
	}
	return p.write(ctx, e, names, e.values)
}

func (p *SQLProvider) write(ctx context.Context, e *Entity, names []string, values map[string]interface{}) error {
	if len(names) == 0 {
		return nil
	}
	schema := e.Schema()
	sets := make([]string, 0, len(names))
	args := make([]interface{}, 0, len(names)+1)
	for _, name := range names {
		f, _ := schema.Field(name)
		args = append(args, dbValue(values[name]))
		sets = append(sets, fmt.Sprintf("%s = $%d", f.column(), len(args)))
	}
	args = append(args, e.ID())
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", schema.Table, strings.Join(sets, ", "), len(args))

	res, err := storage.Querier(ctx, p.DB).ExecContext(ctx, query, args...)
	if err != nil {
		return storage.MapError(fmt.Errorf("failed to update %s: %w", schema.Name, err), schema.Name)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errdefs.NotFound("%s %d not found", schema.Name, e.ID())
	}
	return nil
}

// DeleteEntity removes the row
func (p *SQLProvider) DeleteEntity(ctx context.Context, e *Entity) error {
	schema := e.Schema()
	res, err := storage.Querier(ctx, p.DB).ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = $1", schema.Table), e.ID())
	if err != nil {
		return storage.MapError(fmt.Errorf("failed to delete %s: %w", schema.Name, err), schema.Name)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errdefs.NotFound("%s %d not found", schema.Name, e.ID())
	}
	return nil
}

// RevertCreate deletes the inserted row
func (p *SQLProvider) RevertCreate(ctx context.Context, e *Entity) error {
	if e.ID() == 0 {
		return nil
	}
	return p.DeleteEntity(ctx, e)
}

// RevertUpdate writes back the previous values of the changed fields
func (p *SQLProvider) RevertUpdate(ctx context.Context, e *Entity, previous map[string]interface{}) error {
	var names []string
	for _, name := range e.Dirty() {
		if f, ok := e.Schema().Field(name); ok && !f.Transient {
			names = append(names, name)
		}
	}
	return p.write(ctx, e, names, previous)
}

// RevertDelete inserts the row again under the same id
func (p *SQLProvider) RevertDelete(ctx context.Context, e *Entity) error {
	return p.insert(ctx, e, true)
}

// dbValue converts a field value into a driver argument. JSON travels as
// text so that lib/pq does not send it as bytea.
func dbValue(v interface{}) interface{} {
	switch x := v.(type) {
	case json.RawMessage:
		return string(x)
	case time.Time:
		return x.UTC()
	}
	return v
}
