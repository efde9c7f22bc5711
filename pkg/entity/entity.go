package entity

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/observability"
)

// State is a position in the entity lifecycle
type State int

const (
	StateCreating State = iota
	StateSaved
	StateLoaded
	StateChanged
	StateDeleted
)

func (s State) String() string {
	return [...]string{"creating", "saved", "loaded", "changed", "deleted"}[s]
}

// Entity is a domain object with typed fields, a lifecycle and an ordered
// provider list. Domain types embed *Entity.
type Entity struct {
	schema    *Schema
	providers []Provider
	state     State
	id        int64

	values   map[string]interface{}
	original map[string]interface{}
	dirty    map[string]bool
	files    map[string][]byte
	// blobs the running operation wrote under keys that were free before
	fresh map[string]bool
}

// New creates an entity in the creating state with field defaults applied
func New(schema *Schema, providers ...Provider) *Entity {
	e := &Entity{
		schema:    schema,
		providers: providers,
		state:     StateCreating,
		values:    make(map[string]interface{}),
		dirty:     make(map[string]bool),
	}
	for _, f := range schema.fields {
		if f.Default != nil {
			if v, err := f.coerce(f.Default); err == nil {
				e.values[f.Name] = v
			}
		}
	}
	return e
}

// Load wraps persisted values into an entity in the loaded state
func Load(schema *Schema, id int64, values map[string]interface{}, providers ...Provider) *Entity {
	e := &Entity{
		schema:    schema,
		providers: providers,
		state:     StateLoaded,
		id:        id,
		values:    make(map[string]interface{}, len(values)),
		dirty:     make(map[string]bool),
	}
	for name, v := range values {
		if f, ok := schema.Field(name); ok {
			if cv, err := f.coerce(v); err == nil {
				e.values[name] = cv
				continue
			}
		}
		e.values[name] = v
	}
	e.snapshot()
	return e
}

// ID returns the primary key, zero before create
func (e *Entity) ID() int64 { return e.id }

// SetID is used by the provider that assigns primary keys
func (e *Entity) SetID(id int64) { e.id = id }

// State returns the lifecycle state
func (e *Entity) State() State { return e.state }

// Schema returns the entity class description
func (e *Entity) Schema() *Schema { return e.schema }

// Providers returns the provider list
func (e *Entity) Providers() []Provider { return e.providers }

// Get reads a field. Reads fail once the entity is deleted.
func (e *Entity) Get(name string) (interface{}, error) {
	if e.state == StateDeleted {
		return nil, errdefs.NotPermitted("%s has been deleted", e.schema.Name)
	}
	if _, ok := e.schema.Field(name); !ok {
		return nil, errdefs.FieldInvalid(name, "unknown field of %s", e.schema.Name)
	}
	return e.values[name], nil
}

// Set assigns a writable field
func (e *Entity) Set(name string, value interface{}) error {
	f, ok := e.schema.Field(name)
	if !ok {
		return errdefs.FieldInvalid(name, "unknown field of %s", e.schema.Name)
	}
	if f.ReadOnly {
		return errdefs.FieldInvalid(name, "the field is read-only")
	}
	return e.assign(f, value)
}

// SetInternal assigns any field, read-only ones included. It is meant for
// providers and for domain code computing derived values.
func (e *Entity) SetInternal(name string, value interface{}) error {
	f, ok := e.schema.Field(name)
	if !ok {
		return errdefs.FieldInvalid(name, "unknown field of %s", e.schema.Name)
	}
	return e.assign(f, value)
}

func (e *Entity) assign(f Field, value interface{}) error {
	if e.state == StateDeleted {
		return errdefs.NotPermitted("%s has been deleted", e.schema.Name)
	}
	v, err := f.coerce(value)
	if err != nil {
		return err
	}
	e.values[f.Name] = v
	e.dirty[f.Name] = true
	if e.state == StateSaved || e.state == StateLoaded {
		e.state = StateChanged
	}
	return nil
}

// SetFile stages new content for a file-backed field. The FileProvider
// stores it on the next create or update.
func (e *Entity) SetFile(name string, content []byte) error {
	f, ok := e.schema.Field(name)
	if !ok || f.Kind != KindString {
		return errdefs.FieldInvalid(name, "not a file field of %s", e.schema.Name)
	}
	if e.state == StateDeleted {
		return errdefs.NotPermitted("%s has been deleted", e.schema.Name)
	}
	if e.files == nil {
		e.files = make(map[string][]byte)
	}
	e.files[name] = content
	e.dirty[name] = true
	if e.state == StateSaved || e.state == StateLoaded {
		e.state = StateChanged
	}
	return nil
}

// PendingFile returns content staged with SetFile
func (e *Entity) PendingFile(name string) ([]byte, bool) {
	content, ok := e.files[name]
	return content, ok
}

// IsDirty reports whether a field changed since the last save or load
func (e *Entity) IsDirty(name string) bool { return e.dirty[name] }

// Dirty returns the changed field names in lexical order
func (e *Entity) Dirty() []string {
	return sortedKeys(e.dirty)
}

// Original returns the value a field had after the last save or load
func (e *Entity) Original(name string) interface{} { return e.original[name] }

// Values returns a copy of all field values
func (e *Entity) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out
}

// Value returns a field value without the state check
func (e *Entity) Value(name string) interface{} { return e.values[name] }

// String returns a string field or ""
func (e *Entity) String(name string) string {
	s, _ := e.values[name].(string)
	return s
}

// Int returns an integer or reference field or 0
func (e *Entity) Int(name string) int64 {
	i, _ := e.values[name].(int64)
	return i
}

// Bool returns a boolean field or false
func (e *Entity) Bool(name string) bool {
	b, _ := e.values[name].(bool)
	return b
}

// Float returns a float field or 0
func (e *Entity) Float(name string) float64 {
	f, _ := e.values[name].(float64)
	return f
}

// Time returns a time field; ok is false when unset
func (e *Entity) Time(name string) (time.Time, bool) {
	t, ok := e.values[name].(time.Time)
	return t, ok
}

// JSON returns a JSON field or nil
func (e *Entity) JSON(name string) json.RawMessage {
	raw, _ := e.values[name].(json.RawMessage)
	return raw
}

// IsNull reports whether a field has no value
func (e *Entity) IsNull(name string) bool {
	return e.values[name] == nil
}

func (e *Entity) snapshot() {
	e.original = make(map[string]interface{}, len(e.values))
	for k, v := range e.values {
		e.original[k] = v
	}
	e.dirty = make(map[string]bool)
	e.files = nil
	e.fresh = nil
}

func (e *Entity) checkRequired() error {
	for _, f := range e.schema.fields {
		if !f.Required {
			continue
		}
		v := e.values[f.Name]
		if s, ok := v.(string); v == nil || (ok && s == "") {
			return errdefs.FieldInvalid(f.Name, "this field is required")
		}
	}
	return nil
}

func (e *Entity) span(ctx context.Context, op string) (context.Context, trace.Span) {
	return observability.Tracer().Start(ctx, "Entity."+op,
		trace.WithAttributes(
			attribute.String("entity.class", e.schema.Name),
			attribute.Int64("entity.id", e.id),
		),
	)
}

// Create persists a new entity through every provider
func (e *Entity) Create(ctx context.Context) (err error) {
	if e.state != StateCreating {
		return errdefs.NotPermitted("cannot create %s in state %s", e.schema.Name, e.state)
	}
	if err := e.checkRequired(); err != nil {
		return err
	}

	ctx, span := e.span(ctx, "Create")
	defer func() { endSpan(span, err) }()

	for i, p := range e.providers {
		if err := p.CreateEntity(ctx, e); err != nil {
			return e.rollback(ctx, i, opCreate, nil, err)
		}
	}
	e.state = StateSaved
	e.snapshot()
	return nil
}

// Update persists changed fields through every provider
func (e *Entity) Update(ctx context.Context) (err error) {
	if e.state != StateChanged {
		return errdefs.NotPermitted("cannot update %s in state %s", e.schema.Name, e.state)
	}
	if err := e.checkRequired(); err != nil {
		return err
	}

	ctx, span := e.span(ctx, "Update")
	defer func() { endSpan(span, err) }()

	previous := e.original
	for i, p := range e.providers {
		if err := p.UpdateEntity(ctx, e); err != nil {
			return e.rollback(ctx, i, opUpdate, previous, err)
		}
	}
	e.state = StateSaved
	e.snapshot()
	return nil
}

// Delete removes the entity through every provider
func (e *Entity) Delete(ctx context.Context) (err error) {
	if e.state == StateCreating || e.state == StateDeleted {
		return errdefs.NotPermitted("cannot delete %s in state %s", e.schema.Name, e.state)
	}

	ctx, span := e.span(ctx, "Delete")
	defer func() { endSpan(span, err) }()

	for i, p := range e.providers {
		if err := p.DeleteEntity(ctx, e); err != nil {
			return e.rollback(ctx, i, opDelete, nil, err)
		}
	}
	e.state = StateDeleted
	return nil
}

// Save creates a new entity, updates a changed one and does nothing otherwise
func (e *Entity) Save(ctx context.Context) error {
	switch e.state {
	case StateCreating:
		return e.Create(ctx)
	case StateChanged:
		return e.Update(ctx)
	case StateDeleted:
		return errdefs.NotPermitted("%s has been deleted", e.schema.Name)
	default:
		return nil
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type operation int

const (
	opCreate operation = iota
	opUpdate
	opDelete
)

// rollback compensates the providers applied before index failed, in
// reverse order
func (e *Entity) rollback(ctx context.Context, failed int, op operation, previous map[string]interface{}, cause error) error {
	for j := failed - 1; j >= 0; j-- {
		p := e.providers[j]
		r, ok := p.(Reverter)
		if !ok {
			if isIdempotent(p) {
				continue
			}
			return errdefs.Internal(cause, "%s: provider %d cannot be compensated", e.schema.Name, j)
		}

		var err error
		switch op {
		case opCreate:
			err = r.RevertCreate(ctx, e)
		case opUpdate:
			err = r.RevertUpdate(ctx, e, previous)
		case opDelete:
			err = r.RevertDelete(ctx, e)
		}
		if err != nil {
			return errdefs.Internal(errors.Join(cause, err), "%s: provider compensation failed", e.schema.Name)
		}
	}
	if op == opCreate {
		e.id = 0
	}
	return cause
}
