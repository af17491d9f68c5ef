package storage

import (
	"context"
	"sync"
	"time"

	"github.com/eddielth/vss-twin-bridge/logger"
)

// Record is one twin property update that was sent.
type Record struct {
	ThingID      string      `json:"thing_id"`
	FeatureID    string      `json:"feature_id"`
	PropertyPath string      `json:"property_path"`
	Value        interface{} `json:"value"`
	// Kind is "sync" for the initial tree sync, "delta" otherwise.
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// StorageBackend persists update records.
type StorageBackend interface {
	Store(ctx context.Context, rec Record) error
	Close() error
}

// Manager fans records out to every backend. A nil *Manager stores nothing.
type Manager struct {
	backends []StorageBackend
	mutex    sync.RWMutex
}

// NewManager creates a manager over backends.
func NewManager(backends ...StorageBackend) *Manager {
	return &Manager{backends: backends}
}

// Store writes rec to all backends. A failing backend is logged and does not
// keep the others from storing.
func (m *Manager) Store(ctx context.Context, rec Record) {
	if m == nil {
		return
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, backend := range m.backends {
		if err := backend.Store(ctx, rec); err != nil {
			logger.Error("failed to journal update %s/%s: %v", rec.ThingID, rec.PropertyPath, err)
		}
	}
}

// Len returns the number of backends.
func (m *Manager) Len() int {
	if m == nil {
		return 0
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.backends)
}

// Close closes every backend.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close storage backend: %v", err)
		}
	}
	m.backends = nil
}

// AddBackend adds a backend.
func (m *Manager) AddBackend(backend StorageBackend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}
