package db

import "errors"

// Provider hands out the database a store should query right now.
type Provider interface {
	Current() Database
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() Database

func (f ProviderFunc) Current() Database { return f() }

// Fixed is a Provider that always yields database.
func Fixed(database Database) Provider {
	return ProviderFunc(func() Database { return database })
}

var errNoDatabase = errors.New("database is not configured")

// CurrentDatabase resolves provider, failing when nothing is configured.
func CurrentDatabase(provider Provider) (Database, error) {
	if provider == nil {
		return nil, errNoDatabase
	}
	if database := provider.Current(); database != nil {
		return database, nil
	}
	return nil, errNoDatabase
}
