package external

import (
	"context"
	"database/sql"

	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/storage"
)

// AccountSchema describes core_external_account rows
var AccountSchema = entity.NewSchema("external account", "core_external_account",
	entity.Field{Name: "module", Kind: entity.KindRef, Column: "module_id", Required: true, ReadOnly: true},
	entity.Field{Name: "external_id", Kind: entity.KindString, Required: true, Rule: "max=256"},
	entity.Field{Name: "user", Kind: entity.KindRef, Column: "user_id", Required: true, ReadOnly: true},
)

// Account binds an identity of an external provider to a user
type Account struct {
	*entity.Entity
}

func (a *Account) ModuleID() int64    { return a.Int("module") }
func (a *Account) ExternalID() string { return a.String("external_id") }
func (a *Account) UserID() int64      { return a.Int("user") }

// Accounts reads and binds external accounts
type Accounts struct {
	db *sql.DB
}

// NewAccounts creates an account store
func NewAccounts(db *sql.DB) *Accounts {
	return &Accounts{db: db}
}

func (a *Accounts) set() *entity.Set {
	return entity.NewSet(entity.SetConfig{
		DB:        a.db,
		Schema:    AccountSchema,
		Alias:     "ea",
		Providers: []entity.Provider{entity.NewSQLProvider(a.db)},
		Filters: map[string]entity.Filter{
			"module":      entity.Equals("ea.module_id"),
			"user":        entity.Equals("ea.user_id"),
			"external_id": entity.Equals("ea.external_id"),
		},
		OrderBy: []string{"ea.id"},
	})
}

func (a *Accounts) find(ctx context.Context, filters map[string]interface{}) (*Account, error) {
	set := a.set()
	for name, v := range filters {
		if err := set.Filter(name, v); err != nil {
			return nil, err
		}
	}
	e, err := set.Index(ctx, 0)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.NotFound("external account not found")
		}
		return nil, err
	}
	return &Account{e}, nil
}

// Find returns the account a provider identity is bound to
func (a *Accounts) Find(ctx context.Context, moduleID int64, externalID string) (*Account, error) {
	return a.find(ctx, map[string]interface{}{"module": moduleID, "external_id": externalID})
}

// ForUser returns the account of a user at a provider
func (a *Accounts) ForUser(ctx context.Context, moduleID, userID int64) (*Account, error) {
	return a.find(ctx, map[string]interface{}{"module": moduleID, "user": userID})
}

// ForModule lists the accounts bound at a provider
func (a *Accounts) ForModule(ctx context.Context, moduleID int64) ([]*Account, error) {
	set := a.set()
	if err := set.Filter("module", moduleID); err != nil {
		return nil, err
	}
	all, err := set.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Account, len(all))
	for i, e := range all {
		out[i] = &Account{e}
	}
	return out, nil
}

// Bind links externalID to the user, replacing the previous binding of the
// user at that provider. An identity already bound to another user is
// rejected as duplicated.
func (a *Accounts) Bind(ctx context.Context, moduleID, userID int64, externalID string) (*Account, error) {
	var acc *Account
	err := storage.InTx(ctx, a.db, func(ctx context.Context) error {
		existing, err := a.ForUser(ctx, moduleID, userID)
		switch {
		case err == nil:
			acc = existing
			if acc.ExternalID() == externalID {
				return nil
			}
			if err := acc.Set("external_id", externalID); err != nil {
				return err
			}
			return acc.Update(ctx)
		case errdefs.IsNotFound(err):
			acc = &Account{entity.New(AccountSchema, entity.NewSQLProvider(a.db))}
			if err := acc.SetInternal("module", moduleID); err != nil {
				return err
			}
			if err := acc.SetInternal("user", userID); err != nil {
				return err
			}
			if err := acc.Set("external_id", externalID); err != nil {
				return err
			}
			return acc.Create(ctx)
		default:
			return err
		}
	})
	if errdefs.IsDuplicated(err) {
		return nil, errdefs.Wrap(errdefs.Duplicated("%s is already bound to another user", externalID), err)
	}
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// Unbind removes the account of a user at a provider
func (a *Accounts) Unbind(ctx context.Context, moduleID, userID int64) error {
	acc, err := a.ForUser(ctx, moduleID, userID)
	if err != nil {
		return err
	}
	return acc.Delete(ctx)
}
