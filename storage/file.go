package storage

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/eddielth/vss-twin-bridge/logger"
)

// FileStorage writes each record to <base>/<thing>/<ulid>.json. ULIDs sort
// lexically in time order.
type FileStorage struct {
	basePath string

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewFileStorage creates the base directory and returns the backend.
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s: %w", basePath, err)
	}

	logger.Info("init file storage: %s", basePath)
	return &FileStorage{
		basePath: basePath,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// Store writes rec as indented JSON.
func (fs *FileStorage) Store(_ context.Context, rec Record) error {
	// Thing IDs are "namespace:name"; ':' is not portable in file names.
	thingDir := filepath.Join(fs.basePath, strings.ReplaceAll(rec.ThingID, ":", "_"))
	if err := os.MkdirAll(thingDir, 0755); err != nil {
		return fmt.Errorf("create dir %s: %w", thingDir, err)
	}

	fs.mu.Lock()
	id, err := ulid.New(ulid.Timestamp(rec.Timestamp), fs.entropy)
	fs.mu.Unlock()
	if err != nil {
		return fmt.Errorf("generate record id: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize record: %w", err)
	}

	filename := filepath.Join(thingDir, id.String()+".json")
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("write file %s: %w", filename, err)
	}

	logger.Debug("stored update to file: %s", filename)
	return nil
}

// Close implements StorageBackend.
func (fs *FileStorage) Close() error {
	return nil
}
