package memory

import (
	"context"
	"sync"
)

// PreferencesRepository keeps the envelope in process memory. Used when no
// durable backend is configured and in tests.
type PreferencesRepository struct {
	mu      sync.RWMutex
	payload []byte
}

func NewPreferencesRepository() *PreferencesRepository {
	return &PreferencesRepository{}
}

func (r *PreferencesRepository) Load(_ context.Context) ([]byte, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.payload) == 0 {
		return nil, false, nil
	}
	return append([]byte(nil), r.payload...), true, nil
}

func (r *PreferencesRepository) Save(_ context.Context, payload []byte) error {
	r.mu.Lock()
	r.payload = append([]byte(nil), payload...)
	r.mu.Unlock()
	return nil
}

func (r *PreferencesRepository) Clear(_ context.Context) error {
	r.mu.Lock()
	r.payload = nil
	r.mu.Unlock()
	return nil
}
