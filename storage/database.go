package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eddielth/vss-twin-bridge/logger"
)

// DatabaseType
type DatabaseType string

const (
	// MySQL
	MySQL DatabaseType = "mysql"
	// PostgreSQL
	PostgreSQL DatabaseType = "postgresql"
)

// DatabaseStorage is a SQL backed journal.
type DatabaseStorage interface {
	StorageBackend
	// InitDatabase creates the journal table if needed.
	InitDatabase(ctx context.Context) error
}

// NewDatabaseStorage opens the journal of the given type.
func NewDatabaseStorage(ctx context.Context, dbType string, dsn string) (DatabaseStorage, error) {
	switch DatabaseType(dbType) {
	case MySQL:
		return NewMySQLStorage(ctx, dsn)
	case PostgreSQL, "postgres":
		return NewPostgreSQLStorage(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// sqlJournal is the part shared by the SQL dialects: a single twin_updates
// table written with one INSERT per record.
type sqlJournal struct {
	db        *sql.DB
	name      string
	createSQL string
	insertSQL string
}

func openJournal(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func (j *sqlJournal) InitDatabase(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, j.createSQL); err != nil {
		return fmt.Errorf("create twin_updates table: %w", err)
	}
	logger.Info("%s journal table ready", j.name)
	return nil
}

// insertArgs returns the arguments of insertSQL for rec, in column order.
func insertArgs(rec Record) ([]interface{}, error) {
	value, err := json.Marshal(rec.Value)
	if err != nil {
		return nil, fmt.Errorf("serialize value: %w", err)
	}
	return []interface{}{rec.ThingID, rec.FeatureID, rec.PropertyPath, string(value), rec.Kind, rec.Timestamp.UTC()}, nil
}

func (j *sqlJournal) Store(ctx context.Context, rec Record) error {
	args, err := insertArgs(rec)
	if err != nil {
		return err
	}
	if _, err := j.db.ExecContext(ctx, j.insertSQL, args...); err != nil {
		return fmt.Errorf("insert into %s journal: %w", j.name, err)
	}
	logger.Debug("stored update %s to %s", rec.PropertyPath, j.name)
	return nil
}

func (j *sqlJournal) Close() error {
	if j.db == nil {
		return nil
	}
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close %s: %w", j.name, err)
	}
	logger.Info("%s connection closed", j.name)
	return nil
}
