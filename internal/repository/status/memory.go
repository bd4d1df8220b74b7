package status

import (
	"sync"

	domain "github.com/oshokin/build-archive/internal/domain/archive"
)

// Store defines the operations the orchestrator needs on the status map.
type Store interface {
	// Get returns the status of a build and whether one is recorded.
	Get(buildID string) (domain.GenerationStatus, bool)
	// Set records the status of a build.
	Set(buildID string, status domain.GenerationStatus)
	// Delete forgets the status of a build.
	Delete(buildID string)
	// CompareAndDelete forgets the status only when it currently equals old.
	CompareAndDelete(buildID string, old domain.GenerationStatus) bool
	// Snapshot returns a copy of all recorded statuses.
	Snapshot() map[string]domain.GenerationStatus
}

// MemoryStore is a concurrency-safe in-memory Store.
type MemoryStore struct {
	// statuses maps build ids to their status.
	statuses map[string]domain.GenerationStatus
	// mu protects statuses.
	mu sync.RWMutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statuses: make(map[string]domain.GenerationStatus),
	}
}

// Get returns the status of a build.
func (s *MemoryStore) Get(buildID string) (domain.GenerationStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.statuses[buildID]

	return status, ok
}

// Set records the status of a build.
func (s *MemoryStore) Set(buildID string, status domain.GenerationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses[buildID] = status
}

// Delete forgets the status of a build.
func (s *MemoryStore) Delete(buildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.statuses, buildID)
}

// CompareAndDelete forgets the status only when it currently equals old.
func (s *MemoryStore) CompareAndDelete(buildID string, old domain.GenerationStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.statuses[buildID]; !ok || current != old {
		return false
	}

	delete(s.statuses, buildID)

	return true
}

// Snapshot returns a copy of all recorded statuses.
func (s *MemoryStore) Snapshot() map[string]domain.GenerationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.GenerationStatus, len(s.statuses))
	for buildID, status := range s.statuses {
		result[buildID] = status
	}

	return result
}
