package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cloudforge/anvil/pkg/types"
)

type memEntry struct {
	notBefore time.Time
	owner     string
	startedAt time.Time
}

type memKey struct {
	kind types.Kind
	id   string
}

// MemoryQueue is an in-memory Queue with the same claim semantics as the
// durable backends. Tests and single-process dev mode use it.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[memKey]*memEntry
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[memKey]*memEntry)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, kind types.Kind, id string, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := memKey{kind, id}
	if e, ok := q.entries[key]; ok {
		if notBefore.Before(e.notBefore) {
			e.notBefore = notBefore
		}
		return nil
	}
	q.entries[key] = &memEntry{notBefore: notBefore}
	return nil
}

func (q *MemoryQueue) EnsureQueued(_ context.Context, kind types.Kind, id string, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := memKey{kind, id}
	if _, ok := q.entries[key]; ok {
		return nil
	}
	q.entries[key] = &memEntry{notBefore: notBefore}
	return nil
}

func (q *MemoryQueue) ClaimBatch(_ context.Context, kind types.Kind, owner string, limit int, staleAfter time.Duration) ([]types.Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	staleCutoff := now.Add(-staleAfter)

	// Deterministic claim order: earliest not_before first.
	type candidate struct {
		key memKey
		e   *memEntry
	}
	var due []candidate
	for key, e := range q.entries {
		if key.kind != kind || e.notBefore.After(now) {
			continue
		}
		if e.owner != "" && !e.startedAt.Before(staleCutoff) {
			continue
		}
		due = append(due, candidate{key, e})
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].e.notBefore.Equal(due[j].e.notBefore) {
			return due[i].e.notBefore.Before(due[j].e.notBefore)
		}
		return due[i].key.id < due[j].key.id
	})
	if len(due) > limit {
		due = due[:limit]
	}

	leases := make([]types.Lease, 0, len(due))
	for _, c := range due {
		reclaimed := c.e.owner != ""
		c.e.owner = owner
		c.e.startedAt = now
		leases = append(leases, types.Lease{
			ResourceID: c.key.id,
			Kind:       kind,
			Owner:      owner,
			StartedAt:  now,
			Reclaimed:  reclaimed,
		})
	}
	return leases, nil
}

func (q *MemoryQueue) held(lease types.Lease) (*memEntry, error) {
	e, ok := q.entries[memKey{lease.Kind, lease.ResourceID}]
	if !ok || e.owner != lease.Owner {
		return nil, fmt.Errorf("%w: %s/%s owner %s",
			types.ErrLeaseLost, lease.Kind, lease.ResourceID, lease.Owner)
	}
	return e, nil
}

func (q *MemoryQueue) Renew(_ context.Context, lease types.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.held(lease)
	if err != nil {
		return err
	}
	e.startedAt = time.Now().UTC()
	return nil
}

func (q *MemoryQueue) Release(_ context.Context, lease types.Lease, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.held(lease)
	if err != nil {
		return err
	}
	e.owner = ""
	e.startedAt = time.Time{}
	e.notBefore = notBefore
	return nil
}

func (q *MemoryQueue) Complete(_ context.Context, lease types.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.held(lease); err != nil {
		return err
	}
	delete(q.entries, memKey{lease.Kind, lease.ResourceID})
	return nil
}

func (q *MemoryQueue) Depth(_ context.Context, kind types.Kind) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for key := range q.entries {
		if key.kind == kind {
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) Close() error {
	return nil
}
