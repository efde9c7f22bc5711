// Package entity is the persistence abstraction under every domain object.
//
// An Entity carries typed fields described by a Schema, a lifecycle state
// and an ordered list of Providers, one per backend:
//
//	creating --Create--> saved --Set--> changed --Update--> saved
//	loaded   --Set-->    changed
//	saved | loaded | changed --Delete--> deleted
//
// Any other transition fails with operation_not_permitted. Create, Update
// and Delete call the providers in order; when one fails the providers that
// already ran are compensated in reverse order through Reverter. A provider
// without compensation must come last or declare itself idempotent.
//
// Sets read entities of one class. Filter properties accumulate on the set
// and each read (Count, Get, GetByAlias, Index, Slice, All, Each) is a single
// query built by Query. Collection wraps the results into domain types:
//
//	users := entity.NewCollection(set, wrapUser)
//	_ = users.Filter("is_locked", false)
//	page, err := users.Slice(ctx, 0, 20, 1)
package entity
