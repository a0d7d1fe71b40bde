// Package db implements the opening of database connections according to configuration.
package db

import (
	"fmt"

	"github.com/tarancss/chainwatch/lib/store"
	"github.com/tarancss/chainwatch/lib/store/mongo"
	"github.com/tarancss/chainwatch/lib/store/postgres"
	"github.com/tarancss/chainwatch/lib/store/sqlite"
)

const (
	SQLITE   string = "sqlite"
	POSTGRES string = "postgresql"
	MONGODB  string = "mongodb"
)

// New returns a new database connection according to the options (database type). Callers
// close it through the store.DB interface.
func New(options, connection string) (store.DB, error) {
	switch options {
	case SQLITE, "":
		return sqlite.New(connection)
	case POSTGRES:
		return postgres.New(connection)
	case MONGODB:
		return mongo.New(connection)
	}

	return nil, fmt.Errorf("unknown database type %q", options)
}
