// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"sync"

	"github.com/careersift/scraperd/internal/scrape"
)

// QuotaStore keeps quota state in process memory. It satisfies the persisted
// state contract for development runs and tests; production uses Postgres.
type QuotaStore struct {
	mu    sync.RWMutex
	state scrape.QuotaState
	found bool
	saves int
}

// NewQuotaStore constructs an empty QuotaStore.
func NewQuotaStore() *QuotaStore {
	return &QuotaStore{}
}

// Seed pre-populates the store, as if state had been persisted earlier.
func (s *QuotaStore) Seed(state scrape.QuotaState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.found = true
}

// Load returns the stored state, reporting found=false before the first save.
func (s *QuotaStore) Load(context.Context) (scrape.QuotaState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.found, nil
}

// Save replaces the stored state.
func (s *QuotaStore) Save(_ context.Context, state scrape.QuotaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.found = true
	s.saves++
	return nil
}

// Saves reports how many times Save has been called.
func (s *QuotaStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
