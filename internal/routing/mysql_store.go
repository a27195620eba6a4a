package routing

import (
	"context"
	"database/sql"

	"mmproc/internal/common/db"
	appErr "mmproc/pkg/errors"
)

const routingTable = "challenge_routes"

const (
	routingColumns = "challenge_id, queue_identifier, active, display_name"
)

// MySQLStore reads routing records from the challenge_routes table.
type MySQLStore struct {
	dbProvider db.Provider
}

func NewMySQLStore(provider db.Provider) *MySQLStore {
	return &MySQLStore{dbProvider: provider}
}

func (s *MySQLStore) Get(ctx context.Context, key string) (Record, bool, error) {
	database, err := db.CurrentDatabase(s.dbProvider)
	if err != nil {
		return Record{}, false, appErr.Wrapf(err, appErr.DatabaseError, "database not configured")
	}
	query := "SELECT " + routingColumns + " FROM " + routingTable + " WHERE challenge_id = ? LIMIT 1"

	var (
		rec         Record
		displayName sql.NullString
	)
	if err := database.QueryRow(ctx, query, key).Scan(&rec.Key, &rec.QueueIdentifier, &rec.Active, &displayName); err != nil {
		if db.IsNoRows(err) {
			return Record{}, false, nil
		}
		return Record{}, false, appErr.Wrapf(err, appErr.RoutingLookupFailed, "lookup routing record %s", key)
	}
	rec.DisplayName = displayName.String
	return rec, true, nil
}

// Upsert writes a routing record. Used by provisioning tooling and tests.
func (s *MySQLStore) Upsert(ctx context.Context, rec Record) error {
	database, err := db.CurrentDatabase(s.dbProvider)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "database not configured")
	}
	query := "INSERT INTO " + routingTable + " (" + routingColumns + ") VALUES (?, ?, ?, ?) " +
		"ON DUPLICATE KEY UPDATE queue_identifier = VALUES(queue_identifier), active = VALUES(active), display_name = VALUES(display_name)"
	if _, err := database.Exec(ctx, query, rec.Key, rec.QueueIdentifier, rec.Active, rec.DisplayName); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "upsert routing record %s", rec.Key)
	}
	return nil
}
