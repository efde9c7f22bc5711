package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/storage"
)

// Filter narrows a query for one filter value
type Filter func(q *Query, value interface{})

// Equals returns a filter comparing a column with the value
func Equals(column string) Filter {
	return func(q *Query, value interface{}) {
		if value == nil {
			q.Where(column + " IS NULL")
			return
		}
		q.Where(column+" = ?", value)
	}
}

// Search returns a case-insensitive substring filter over the columns
func Search(columns ...string) Filter {
	return func(q *Query, value interface{}) {
		pattern := fmt.Sprintf("%%%v%%", value)
		cond := ""
		args := make([]interface{}, 0, len(columns))
		for i, c := range columns {
			if i > 0 {
				cond += " OR "
			}
			cond += "LOWER(" + c + ") LIKE LOWER(?)"
			args = append(args, pattern)
		}
		q.Where(cond, args...)
	}
}

// SetConfig declares how a set reads one entity class
type SetConfig struct {
	DB        *sql.DB
	Schema    *Schema
	Alias     string
	Providers []Provider
	// Filters are the writable filter properties of the set
	Filters map[string]Filter
	OrderBy []string
	// AliasField is the field looked up by GetByAlias
	AliasField string
	// Base adds joins or fixed conditions to every query
	Base func(q *Query)
}

// Set reads entities of one class. Filter assignments accumulate and apply
// to every subsequent read; each read is a single query.
type Set struct {
	cfg     *SetConfig
	filters map[string]interface{}
}

// NewSet creates a set without filters
func NewSet(cfg SetConfig) *Set {
	if cfg.Alias == "" {
		cfg.Alias = "t"
	}
	return &Set{cfg: &cfg, filters: map[string]interface{}{}}
}

// Schema returns the entity class read by the set
func (s *Set) Schema() *Schema { return s.cfg.Schema }

// Clone returns a set with a copy of the current filters
func (s *Set) Clone() *Set {
	c := &Set{cfg: s.cfg, filters: make(map[string]interface{}, len(s.filters))}
	for k, v := range s.filters {
		c.filters[k] = v
	}
	return c
}

// Filter assigns a filter property
func (s *Set) Filter(name string, value interface{}) error {
	if _, ok := s.cfg.Filters[name]; !ok {
		return errdefs.FieldInvalid(name, "%s sets have no such filter", s.cfg.Schema.Name)
	}
	s.filters[name] = value
	return nil
}

// Unfilter removes a filter property
func (s *Set) Unfilter(name string) {
	delete(s.filters, name)
}

// Query returns the query for the current filters
func (s *Set) Query() *Query {
	q := NewQuery(s.cfg.Schema.Table, s.cfg.Alias).Select(s.cfg.Schema.Columns(s.cfg.Alias)...)
	if s.cfg.Base != nil {
		s.cfg.Base(q)
	}
	// sorted so that equal filter maps render identical SQL
	for _, name := range sortedKeys(s.filters) {
		s.cfg.Filters[name](q, s.filters[name])
	}
	if len(s.cfg.OrderBy) > 0 {
		q.OrderBy(s.cfg.OrderBy...)
	} else {
		q.OrderBy(qualify(s.cfg.Alias, "id"))
	}
	return q
}

// Count returns the number of entities matching the filters
func (s *Set) Count(ctx context.Context) (int, error) {
	query, args := s.Query().CountSQL()
	var n int
	if err := storage.Querier(ctx, s.cfg.DB).QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", s.cfg.Schema.Name, err)
	}
	return n, nil
}

// Get returns the entity with the given id
func (s *Set) Get(ctx context.Context, id int64) (*Entity, error) {
	q := s.Query().Where(qualify(s.cfg.Alias, "id")+" = ?", id)
	return s.one(ctx, q, fmt.Sprintf("%s %d not found", s.cfg.Schema.Name, id))
}

// GetByAlias returns the entity whose alias field equals alias
func (s *Set) GetByAlias(ctx context.Context, alias string) (*Entity, error) {
	if s.cfg.AliasField == "" {
		return nil, errdefs.NotFound("%s has no alias lookup", s.cfg.Schema.Name)
	}
	f, _ := s.cfg.Schema.Field(s.cfg.AliasField)
	q := s.Query().Where(qualify(s.cfg.Alias, f.column())+" = ?", alias)
	return s.one(ctx, q, fmt.Sprintf("%s %q not found", s.cfg.Schema.Name, alias))
}

// Index returns the i-th entity in set order
func (s *Set) Index(ctx context.Context, i int) (*Entity, error) {
	if i < 0 {
		return nil, errdefs.NegativeIndex(i)
	}
	q := s.Query().Limit(1).Offset(i)
	return s.one(ctx, q, fmt.Sprintf("%s index %d is out of range", s.cfg.Schema.Name, i))
}

// Slice returns entities [start:stop] in set order. Out of range bounds
// truncate; negative bounds and steps other than 1 are rejected.
func (s *Set) Slice(ctx context.Context, start, stop, step int) ([]*Entity, error) {
	if start < 0 {
		return nil, errdefs.NegativeIndex(start)
	}
	if stop < 0 {
		return nil, errdefs.NegativeIndex(stop)
	}
	if step != 1 {
		return nil, errdefs.Validation("slice step %d is not supported", step)
	}
	if stop <= start {
		return []*Entity{}, nil
	}
	return s.list(ctx, s.Query().Limit(stop-start).Offset(start))
}

// All returns every matching entity
func (s *Set) All(ctx context.Context) ([]*Entity, error) {
	return s.list(ctx, s.Query())
}

// Each calls fn for every matching entity, stopping at the first error
func (s *Set) Each(ctx context.Context, fn func(*Entity) error) error {
	query, args := s.Query().SQL()
	rows, err := storage.Querier(ctx, s.cfg.DB).QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", s.cfg.Schema.Name, err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e, err := s.scan(rows)
		if err != nil {
			return err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", s.cfg.Schema.Name, err)
	}
	// rows are drained first: fn may issue queries on the same connection
	rows.Close()
	for _, e := range entities {
		if err := fn(e); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Set) list(ctx context.Context, q *Query) ([]*Entity, error) {
	query, args := q.SQL()
	rows, err := storage.Querier(ctx, s.cfg.DB).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.cfg.Schema.Name, err)
	}
	defer rows.Close()

	entities := []*Entity{}
	for rows.Next() {
		e, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.cfg.Schema.Name, err)
	}
	return entities, nil
}

func (s *Set) one(ctx context.Context, q *Query, notFound string) (*Entity, error) {
	query, args := q.Limit(1).SQL()
	rows, err := storage.Querier(ctx, s.cfg.DB).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.cfg.Schema.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", s.cfg.Schema.Name, err)
		}
		return nil, errdefs.NotFound("%s", notFound)
	}
	return s.scan(rows)
}

func (s *Set) scan(rows *sql.Rows) (*Entity, error) {
	return ScanEntity(rows, s.cfg.Schema, s.cfg.Providers...)
}

// ScanEntity reads one row selected with Schema.Columns into a loaded entity
func ScanEntity(rows *sql.Rows, schema *Schema, providers ...Provider) (*Entity, error) {
	stored := schema.Stored()
	var id int64
	dest := make([]interface{}, 0, len(stored)+1)
	dest = append(dest, &id)
	holders := make([]interface{}, len(stored))
	for i, f := range stored {
		holders[i] = holderFor(f.Kind)
		dest = append(dest, holders[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", schema.Name, err)
	}

	values := make(map[string]interface{}, len(stored))
	for i, f := range stored {
		values[f.Name] = holderValue(holders[i])
	}
	return Load(schema, id, values, providers...), nil
}

func holderFor(k Kind) interface{} {
	switch k {
	case KindInt, KindRef:
		return &sql.NullInt64{}
	case KindBool:
		return &sql.NullBool{}
	case KindFloat:
		return &sql.NullFloat64{}
	case KindTime:
		return &sql.NullTime{}
	default:
		return &sql.NullString{}
	}
}

func holderValue(h interface{}) interface{} {
	switch x := h.(type) {
	case *sql.NullInt64:
		if x.Valid {
			return x.Int64
		}
	case *sql.NullBool:
		if x.Valid {
			return x.Bool
		}
	case *sql.NullFloat64:
		if x.Valid {
			return x.Float64
		}
	case *sql.NullTime:
		if x.Valid {
			return x.Time.UTC()
		}
	case *sql.NullString:
		if x.Valid {
			return x.String
		}
	}
	return nil
}

// ErrStop can be returned from an Each callback to end iteration early
var ErrStop = errors.New("stop iteration")
