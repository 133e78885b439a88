package store

import (
	"context"
	"sort"
	"sync"

	"ngalert/internal/models"
)

// MemoryStore keeps alert instances in process memory for single-instance mode.
// Params: in-memory map keyed by instance key.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[models.AlertInstanceKey]models.AlertInstance
}

// NewMemoryStore creates in-memory instance store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[models.AlertInstanceKey]models.AlertInstance)}
}

// SaveAlertInstance upserts instance row.
// Params: save command.
// Returns: key validation error.
func (s *MemoryStore) SaveAlertInstance(_ context.Context, cmd models.SaveAlertInstanceCommand) error {
	instance := cmd.Instance()
	if err := instance.AlertInstanceKey.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instance.AlertInstanceKey] = instance
	return nil
}

// GetAlertInstance returns one instance row.
// Params: instance key.
// Returns: stored instance copy or ErrNotFound.
func (s *MemoryStore) GetAlertInstance(_ context.Context, key models.AlertInstanceKey) (models.AlertInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instance, ok := s.instances[key]
	if !ok {
		return models.AlertInstance{}, ErrNotFound
	}
	instance.Labels = instance.Labels.Copy()
	return instance, nil
}

// ListAlertInstances lists instances matching query.
// Params: filter query, zero fields match everything.
// Returns: matching instances ordered by key.
func (s *MemoryStore) ListAlertInstances(_ context.Context, query models.ListAlertInstancesQuery) ([]models.AlertInstance, error) {
	s.mu.RLock()
	out := make([]models.AlertInstance, 0, len(s.instances))
	for _, instance := range s.instances {
		if !query.Matches(instance) {
			continue
		}
		instance.Labels = instance.Labels.Copy()
		out = append(out, instance)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].AlertInstanceKey.String() < out[j].AlertInstanceKey.String()
	})
	return out, nil
}

// DeleteAlertInstances removes instance rows; missing keys are ignored.
// Params: instance keys.
// Returns: nil (in-memory delete).
func (s *MemoryStore) DeleteAlertInstances(_ context.Context, keys ...models.AlertInstanceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.instances, key)
	}
	return nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
