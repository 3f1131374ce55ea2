package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
)

// Settings is an in-memory export.Settings.
type Settings struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewSettings constructs an empty Settings store.
func NewSettings() *Settings {
	return &Settings{values: make(map[string]string)}
}

// GetSetting returns the value stored under key.
func (s *Settings) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", export.ErrNotFound
	}
	return v, nil
}

// SetSetting stores value under key.
func (s *Settings) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}
