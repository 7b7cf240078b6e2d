package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cloudforge/anvil/pkg/types"
)

type memoryKey struct {
	kind types.Kind
	id   string
}

// MemoryStore is an in-memory Store used by tests and examples. It
// implements the same version/atomicity semantics as the durable backends.
type MemoryStore struct {
	mu        sync.Mutex
	resources map[memoryKey]types.Resource
	history   map[memoryKey][]types.HistoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[memoryKey]types.Resource),
		history:   make(map[memoryKey][]types.HistoryEntry),
	}
}

func (s *MemoryStore) Create(_ context.Context, res *types.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{res.Kind, res.ID}
	if _, ok := s.resources[key]; ok {
		return fmt.Errorf("resource %s/%s already exists", res.Kind, res.ID)
	}
	stored := *res
	if stored.Version == 0 {
		stored.Version = 1
	}
	now := time.Now().UTC()
	if stored.StateEnteredAt.IsZero() {
		stored.StateEnteredAt = now
	}
	stored.UpdatedAt = now
	s.resources[key] = stored
	res.Version = stored.Version
	res.StateEnteredAt = stored.StateEnteredAt
	return nil
}

func (s *MemoryStore) Load(_ context.Context, kind types.Kind, id string) (*types.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[memoryKey{kind, id}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", types.ErrNotFound, kind, id)
	}
	copied := res
	return &copied, nil
}

func (s *MemoryStore) List(_ context.Context, kind types.Kind) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for key := range s.resources {
		if key.kind == kind {
			ids = append(ids, key.id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Persist(_ context.Context, kind types.Kind, id string, expectedVersion int64, newState types.State, entry types.HistoryEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{kind, id}
	res, ok := s.resources[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", types.ErrNotFound, kind, id)
	}
	if res.Version != expectedVersion {
		return 0, fmt.Errorf("%w: %s/%s expected v%d, stored v%d",
			types.ErrConflict, kind, id, expectedVersion, res.Version)
	}

	now := time.Now().UTC()
	res.State = newState
	res.StateEnteredAt = now
	res.Version++
	res.LastOutcome = entry.Outcome
	res.LastReason = entry.Reason
	res.UpdatedAt = now
	s.resources[key] = res

	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	s.history[key] = append(s.history[key], entry)
	return res.Version, nil
}

func (s *MemoryStore) UpdatePayload(_ context.Context, kind types.Kind, id string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{kind, id}
	res, ok := s.resources[key]
	if !ok {
		return fmt.Errorf("%w: %s/%s", types.ErrNotFound, kind, id)
	}
	res.Payload = payload
	res.UpdatedAt = time.Now().UTC()
	s.resources[key] = res
	return nil
}

func (s *MemoryStore) RecordOutcome(_ context.Context, kind types.Kind, id string, outcome types.OutcomeKind, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{kind, id}
	res, ok := s.resources[key]
	if !ok {
		return fmt.Errorf("%w: %s/%s", types.ErrNotFound, kind, id)
	}
	res.LastOutcome = outcome
	res.LastReason = reason
	res.UpdatedAt = time.Now().UTC()
	s.resources[key] = res
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, kind types.Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.resources, memoryKey{kind, id})
	return nil
}

func (s *MemoryStore) History(_ context.Context, kind types.Kind, id string) ([]types.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.history[memoryKey{kind, id}]
	out := make([]types.HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
