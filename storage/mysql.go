package storage

import (
	"context"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

const mysqlInsertSQL = `INSERT INTO twin_updates (thing_id, feature_id, property_path, value, kind, sent_at) VALUES (?, ?, ?, ?, ?, ?)`

// MySQLStorage journals updates to MySQL.
type MySQLStorage struct {
	sqlJournal
}

// NewMySQLStorage connects to dsn (go-sql-driver format) and creates the
// journal table. parseTime is forced on.
func NewMySQLStorage(ctx context.Context, dsn string) (*MySQLStorage, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse MySQL DSN: %w", err)
	}
	if cfg.DBName == "" {
		return nil, fmt.Errorf("MySQL DSN has no database name")
	}
	cfg.ParseTime = true

	db, err := openJournal(ctx, "mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}

	s := &MySQLStorage{sqlJournal{
		db:   db,
		name: "MySQL",
		createSQL: `CREATE TABLE IF NOT EXISTS twin_updates (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			thing_id VARCHAR(255) NOT NULL,
			feature_id VARCHAR(255) NOT NULL,
			property_path VARCHAR(512) NOT NULL,
			value JSON,
			kind VARCHAR(16) NOT NULL,
			sent_at DATETIME(3) NOT NULL,
			INDEX idx_thing_property (thing_id, property_path(191)),
			INDEX idx_sent_at (sent_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		insertSQL: mysqlInsertSQL,
	}}

	if err := s.InitDatabase(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
