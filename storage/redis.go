package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eddielth/vss-twin-bridge/config"
	"github.com/eddielth/vss-twin-bridge/logger"
)

// RedisStorage appends updates to a capped Redis stream.
type RedisStorage struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStorage connects to Redis and checks the connection.
func NewRedisStorage(ctx context.Context, cfg config.RedisStorageConfig) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	logger.Info("init redis stream storage: %s/%s", cfg.Addr, cfg.Stream)
	return &RedisStorage{client: client, stream: cfg.Stream, maxLen: cfg.MaxLen}, nil
}

// Store adds rec as a stream entry.
func (rs *RedisStorage) Store(ctx context.Context, rec Record) error {
	args, err := rs.xaddArgs(rec)
	if err != nil {
		return err
	}
	if err := rs.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", rs.stream, err)
	}
	return nil
}

func (rs *RedisStorage) xaddArgs(rec Record) (*redis.XAddArgs, error) {
	value, err := json.Marshal(rec.Value)
	if err != nil {
		return nil, fmt.Errorf("serialize value: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: rs.stream,
		Values: map[string]interface{}{
			"thing_id":      rec.ThingID,
			"feature_id":    rec.FeatureID,
			"property_path": rec.PropertyPath,
			"value":         string(value),
			"kind":          rec.Kind,
			"sent_at":       rec.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}
	if rs.maxLen > 0 {
		args.MaxLen = rs.maxLen
		args.Approx = true
	}
	return args, nil
}

// Close closes the client.
func (rs *RedisStorage) Close() error {
	return rs.client.Close()
}
