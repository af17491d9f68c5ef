package storage

import (
	"context"

	_ "github.com/lib/pq"
)

const postgresInsertSQL = `INSERT INTO twin_updates (thing_id, feature_id, property_path, value, kind, sent_at) VALUES ($1, $2, $3, $4, $5, $6)`

// PostgreSQLStorage journals updates to PostgreSQL.
type PostgreSQLStorage struct {
	sqlJournal
}

// NewPostgreSQLStorage connects to dsn (URL or key=value form) and creates
// the journal table.
func NewPostgreSQLStorage(ctx context.Context, dsn string) (*PostgreSQLStorage, error) {
	db, err := openJournal(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}

	s := &PostgreSQLStorage{sqlJournal{
		db:   db,
		name: "PostgreSQL",
		createSQL: `
		CREATE TABLE IF NOT EXISTS twin_updates (
			id BIGSERIAL PRIMARY KEY,
			thing_id VARCHAR(255) NOT NULL,
			feature_id VARCHAR(255) NOT NULL,
			property_path VARCHAR(512) NOT NULL,
			value JSONB,
			kind VARCHAR(16) NOT NULL,
			sent_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_twin_updates_thing_property ON twin_updates(thing_id, property_path);
		CREATE INDEX IF NOT EXISTS idx_twin_updates_sent_at ON twin_updates(sent_at);
		`,
		insertSQL: postgresInsertSQL,
	}}

	if err := s.InitDatabase(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
