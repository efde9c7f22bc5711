package entity

import "context"

// Provider stores an entity in one backend. Providers run in list order;
// later providers see fields written by earlier ones.
type Provider interface {
	CreateEntity(ctx context.Context, e *Entity) error
	UpdateEntity(ctx context.Context, e *Entity) error
	DeleteEntity(ctx context.Context, e *Entity) error
}

// Reverter is implemented by providers that can undo their own work when a
// later provider fails
type Reverter interface {
	RevertCreate(ctx context.Context, e *Entity) error
	// RevertUpdate restores the values the entity had before the update
	RevertUpdate(ctx context.Context, e *Entity, previous map[string]interface{}) error
	RevertDelete(ctx context.Context, e *Entity) error
}

// idempotent is implemented by providers that need no compensation
type idempotent interface {
	Idempotent() bool
}

func isIdempotent(p Provider) bool {
	i, ok := p.(idempotent)
	return ok && i.Idempotent()
}

// ProviderFuncs adapts plain functions to Provider. Nil functions do nothing.
type ProviderFuncs struct {
	Create func(ctx context.Context, e *Entity) error
	Update func(ctx context.Context, e *Entity) error
	Delete func(ctx context.Context, e *Entity) error
	// NoCompensation marks the provider idempotent
	NoCompensation bool
}

func (p ProviderFuncs) CreateEntity(ctx context.Context, e *Entity) error {
	if p.Create == nil {
		return nil
	}
	return p.Create(ctx, e)
}

func (p ProviderFuncs) UpdateEntity(ctx context.Context, e *Entity) error {
	if p.Update == nil {
		return nil
	}
	return p.Update(ctx, e)
}

func (p ProviderFuncs) DeleteEntity(ctx context.Context, e *Entity) error {
	if p.Delete == nil {
		return nil
	}
	return p.Delete(ctx, e)
}

func (p ProviderFuncs) Idempotent() bool { return p.NoCompensation }
