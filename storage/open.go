package storage

import (
	"context"
	"fmt"

	"github.com/eddielth/vss-twin-bridge/config"
)

// Open builds a Manager with every backend enabled in cfg. Backends opened
// before a failure are closed again.
func Open(ctx context.Context, cfg config.StorageConfig) (*Manager, error) {
	m := NewManager()

	if cfg.File.Enabled {
		fs, err := NewFileStorage(cfg.File.Path)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("file storage: %w", err)
		}
		m.AddBackend(fs)
	}

	if cfg.Database.Enabled {
		db, err := NewDatabaseStorage(ctx, cfg.Database.Type, cfg.Database.DSN)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("database storage: %w", err)
		}
		m.AddBackend(db)
	}

	if cfg.Redis.Enabled {
		rs, err := NewRedisStorage(ctx, cfg.Redis)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("redis storage: %w", err)
		}
		m.AddBackend(rs)
	}

	return m, nil
}
