package entity

import "context"

// Collection is a Set whose results are wrapped into a domain type
type Collection[T any] struct {
	*Set
	wrap func(*Entity) T
}

// NewCollection wraps a set
func NewCollection[T any](set *Set, wrap func(*Entity) T) *Collection[T] {
	return &Collection[T]{Set: set, wrap: wrap}
}

// Clone returns a collection with a copy of the current filters
func (c *Collection[T]) Clone() *Collection[T] {
	return &Collection[T]{Set: c.Set.Clone(), wrap: c.wrap}
}

// Where returns a clone with one more filter assigned
func (c *Collection[T]) Where(name string, value interface{}) (*Collection[T], error) {
	clone := c.Clone()
	if err := clone.Filter(name, value); err != nil {
		return nil, err
	}
	return clone, nil
}

// Get returns the entity with the given id
func (c *Collection[T]) Get(ctx context.Context, id int64) (T, error) {
	e, err := c.Set.Get(ctx, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.wrap(e), nil
}

// GetByAlias returns the entity with the given alias
func (c *Collection[T]) GetByAlias(ctx context.Context, alias string) (T, error) {
	e, err := c.Set.GetByAlias(ctx, alias)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.wrap(e), nil
}

// Index returns the i-th entity
func (c *Collection[T]) Index(ctx context.Context, i int) (T, error) {
	e, err := c.Set.Index(ctx, i)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.wrap(e), nil
}

// Slice returns entities [start:stop]
func (c *Collection[T]) Slice(ctx context.Context, start, stop, step int) ([]T, error) {
	entities, err := c.Set.Slice(ctx, start, stop, step)
	if err != nil {
		return nil, err
	}
	return c.wrapAll(entities), nil
}

// All returns every matching entity
func (c *Collection[T]) All(ctx context.Context) ([]T, error) {
	entities, err := c.Set.All(ctx)
	if err != nil {
		return nil, err
	}
	return c.wrapAll(entities), nil
}

// Each calls fn for every matching entity
func (c *Collection[T]) Each(ctx context.Context, fn func(T) error) error {
	return c.Set.Each(ctx, func(e *Entity) error { return fn(c.wrap(e)) })
}

func (c *Collection[T]) wrapAll(entities []*Entity) []T {
	out := make([]T, len(entities))
	for i, e := range entities {
		out[i] = c.wrap(e)
	}
	return out
}
