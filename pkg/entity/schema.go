package entity

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/validation"
)

// Kind is the semantic type of a field
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
	KindFloat
	KindTime
	KindJSON
	// KindRef holds the id of another entity
	KindRef
)

// Field describes one entity attribute
type Field struct {
	Name string
	Kind Kind
	// Column defaults to Name
	Column   string
	Required bool
	// ReadOnly fields can only be written through SetInternal
	ReadOnly bool
	// Rule is a validator tag expression checked on every assignment
	Rule    string
	Choices []string
	Default interface{}
	// Transient fields live in memory only
	Transient bool
}

func (f Field) column() string {
	if f.Column != "" {
		return f.Column
	}
	return f.Name
}

// Schema is the field list of an entity class
type Schema struct {
	Name   string
	Table  string
	fields []Field
	index  map[string]int
}

// NewSchema creates a schema. Name is used in error messages.
func NewSchema(name, table string, fields ...Field) *Schema {
	s := &Schema{Name: name, Table: table, fields: fields, index: make(map[string]int, len(fields))}
	for i, f := range fields {
		if _, dup := s.index[f.Name]; dup {
			panic(fmt.Sprintf("entity %s: duplicate field %s", name, f.Name))
		}
		s.index[f.Name] = i
	}
	return s
}

// Field returns the field with the given name
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Fields returns all fields in declaration order
func (s *Schema) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

// Stored returns the persisted fields in declaration order
func (s *Schema) Stored() []Field {
	out := make([]Field, 0, len(s.fields))
	for _, f := range s.fields {
		if !f.Transient {
			out = append(out, f)
		}
	}
	return out
}

// Columns returns the persisted column names prefixed by a table alias
func (s *Schema) Columns(alias string) []string {
	stored := s.Stored()
	cols := make([]string, 0, len(stored)+1)
	cols = append(cols, qualify(alias, "id"))
	for _, f := range stored {
		cols = append(cols, qualify(alias, f.column()))
	}
	return cols
}

func qualify(alias, column string) string {
	if alias == "" {
		return column
	}
	return alias + "." + column
}

// coerce converts v to the canonical Go type of the field and checks the
// field rules. nil is always accepted; Required is checked on create.
func (f Field) coerce(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}

	var out interface{}
	var err error
	switch f.Kind {
	case KindString:
		out, err = toString(v)
	case KindInt, KindRef:
		out, err = toInt(v)
	case KindBool:
		out, err = toBool(v)
	case KindFloat:
		out, err = toFloat(v)
	case KindTime:
		out, err = toTime(v)
	case KindJSON:
		out, err = toJSON(v)
	default:
		err = fmt.Errorf("unknown kind %d", f.Kind)
	}
	if err != nil {
		return nil, errdefs.FieldInvalid(f.Name, "%v", err)
	}

	if len(f.Choices) > 0 {
		s, _ := out.(string)
		if !contains(f.Choices, s) {
			return nil, errdefs.FieldInvalid(f.Name, "must be one of %v", f.Choices)
		}
	}
	if f.Rule != "" {
		if err := validation.Var(f.Name, out, f.Rule); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, c := range list {
		if c == s {
			return true
		}
	}
	return false
}

func toString(v interface{}) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return "", fmt.Errorf("expected a string, got %T", v)
}

// idHolder is satisfied by every domain entity
type idHolder interface {
	ID() int64
}

func toInt(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows", x)
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("expected an integer, got %v", x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case idHolder:
		return x.ID(), nil
	}
	return 0, fmt.Errorf("expected an integer, got %T", v)
}

func toBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	}
	return false, fmt.Errorf("expected a boolean, got %T", v)
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	}
	if i, err := toInt(v); err == nil {
		return float64(i), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

func toTime(v interface{}) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case *time.Time:
		if x == nil {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return x.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, fmt.Errorf("expected an RFC 3339 timestamp: %w", err)
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("expected a timestamp, got %T", v)
}

func toJSON(v interface{}) (json.RawMessage, error) {
	var raw []byte
	switch x := v.(type) {
	case json.RawMessage:
		raw = x
	case []byte:
		raw = x
	case string:
		raw = []byte(x)
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("value is not serializable: %w", err)
		}
		return data, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid JSON")
	}
	return append(json.RawMessage(nil), raw...), nil
}

// sortedKeys returns the keys of m in lexical order
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
