package gpu

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager handles backend selection and lifecycle
type Manager struct {
	backend Backend
	kind    string
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewManager creates a manager and initializes the requested backend
func NewManager(kind string, cfg SimConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		logger: logger.Named("gpu"),
	}

	if err := m.detectAndInitialize(kind, cfg); err != nil {
		return nil, err
	}

	return m, nil
}

// detectAndInitialize creates the backend and initializes it
func (m *Manager) detectAndInitialize(kind string, cfg SimConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	backend, err := NewBackend(kind, cfg, m.logger)
	if err != nil {
		return err
	}
	if !backend.IsAvailable() {
		return fmt.Errorf("backend %q is not available", kind)
	}
	if err := backend.Initialize(); err != nil {
		_ = backend.Cleanup()
		return fmt.Errorf("failed to initialize %s backend: %w", kind, err)
	}
	m.backend = backend
	m.kind = backend.GetDeviceInfo().Kind
	m.logger.Info("Backend initialized", zap.String("kind", m.kind))
	return nil
}

// GetBackend returns the current backend
func (m *Manager) GetBackend() Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend
}

// GetDeviceInfo returns device information from the current backend
func (m *Manager) GetDeviceInfo() DeviceInfo {
	backend := m.GetBackend()
	if backend == nil {
		return DeviceInfo{Name: "No backend available"}
	}
	return backend.GetDeviceInfo()
}

// GetBackendType returns a string describing the current backend type
func (m *Manager) GetBackendType() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.backend == nil {
		return "none"
	}
	return m.kind
}

// Cleanup releases resources held by the current backend
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend != nil {
		if err := m.backend.Cleanup(); err != nil {
			return err
		}
		m.backend = nil
	}
	return nil
}
