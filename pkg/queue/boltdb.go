package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cloudforge/anvil/pkg/types"
)

type boltEntry struct {
	NotBefore time.Time `json:"not_before"`
	Owner     string    `json:"processed_by,omitempty"`
	StartedAt time.Time `json:"processing_started_at,omitempty"`
}

// BoltQueue implements Queue on BoltDB for single-process deployments.
// Bolt's single-writer transactions make ClaimBatch trivially exclusive.
type BoltQueue struct {
	db *bolt.DB
}

func queueBucket(kind types.Kind) []byte {
	return []byte("queue_" + string(kind))
}

// NewBoltQueue opens (or creates) the queue file under dataDir.
func NewBoltQueue(dataDir string) (*BoltQueue, error) {
	dbPath := filepath.Join(dataDir, "anvil-queue.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	q := &BoltQueue{db: db}
	if err := q.ensureBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// NewBoltQueueFromDB wraps an already-open handle shared with the store.
func NewBoltQueueFromDB(db *bolt.DB) (*BoltQueue, error) {
	q := &BoltQueue{db: db}
	if err := q.ensureBuckets(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *BoltQueue) ensureBuckets() error {
	return q.db.Update(func(tx *bolt.Tx) error {
		for _, kind := range types.AllKinds() {
			if _, err := tx.CreateBucketIfNotExists(queueBucket(kind)); err != nil {
				return fmt.Errorf("failed to create queue bucket for %s: %w", kind, err)
			}
		}
		return nil
	})
}

func (q *BoltQueue) Enqueue(_ context.Context, kind types.Kind, id string, notBefore time.Time) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket(kind))
		var e boltEntry
		if data := b.Get([]byte(id)); data != nil {
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			if !notBefore.Before(e.NotBefore) {
				return nil
			}
			e.NotBefore = notBefore
		} else {
			e = boltEntry{NotBefore: notBefore}
		}
		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (q *BoltQueue) EnsureQueued(_ context.Context, kind types.Kind, id string, notBefore time.Time) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket(kind))
		if b.Get([]byte(id)) != nil {
			return nil
		}
		data, err := json.Marshal(&boltEntry{NotBefore: notBefore})
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (q *BoltQueue) ClaimBatch(_ context.Context, kind types.Kind, owner string, limit int, staleAfter time.Duration) ([]types.Lease, error) {
	now := time.Now().UTC()
	staleCutoff := now.Add(-staleAfter)

	var leases []types.Lease
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket(kind))

		type candidate struct {
			id string
			e  boltEntry
		}
		var due []candidate
		err := b.ForEach(func(k, v []byte) error {
			var e boltEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.NotBefore.After(now) {
				return nil
			}
			if e.Owner != "" && !e.StartedAt.Before(staleCutoff) {
				return nil
			}
			due = append(due, candidate{string(k), e})
			return nil
		})
		if err != nil {
			return err
		}

		sort.Slice(due, func(i, j int) bool {
			if !due[i].e.NotBefore.Equal(due[j].e.NotBefore) {
				return due[i].e.NotBefore.Before(due[j].e.NotBefore)
			}
			return due[i].id < due[j].id
		})
		if len(due) > limit {
			due = due[:limit]
		}

		for _, c := range due {
			reclaimed := c.e.Owner != ""
			c.e.Owner = owner
			c.e.StartedAt = now
			data, err := json.Marshal(&c.e)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(c.id), data); err != nil {
				return err
			}
			leases = append(leases, types.Lease{
				ResourceID: c.id,
				Kind:       kind,
				Owner:      owner,
				StartedAt:  now,
				Reclaimed:  reclaimed,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leases, nil
}

func (q *BoltQueue) withHeld(lease types.Lease, fn func(b *bolt.Bucket, e *boltEntry) error) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket(lease.Kind))
		data := b.Get([]byte(lease.ResourceID))
		if data == nil {
			return fmt.Errorf("%w: %s/%s owner %s",
				types.ErrLeaseLost, lease.Kind, lease.ResourceID, lease.Owner)
		}
		var e boltEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		if e.Owner != lease.Owner {
			return fmt.Errorf("%w: %s/%s owner %s",
				types.ErrLeaseLost, lease.Kind, lease.ResourceID, lease.Owner)
		}
		return fn(b, &e)
	})
}

func (q *BoltQueue) Renew(_ context.Context, lease types.Lease) error {
	return q.withHeld(lease, func(b *bolt.Bucket, e *boltEntry) error {
		e.StartedAt = time.Now().UTC()
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(lease.ResourceID), data)
	})
}

func (q *BoltQueue) Release(_ context.Context, lease types.Lease, notBefore time.Time) error {
	return q.withHeld(lease, func(b *bolt.Bucket, e *boltEntry) error {
		e.Owner = ""
		e.StartedAt = time.Time{}
		e.NotBefore = notBefore
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(lease.ResourceID), data)
	})
}

func (q *BoltQueue) Complete(_ context.Context, lease types.Lease) error {
	return q.withHeld(lease, func(b *bolt.Bucket, _ *boltEntry) error {
		return b.Delete([]byte(lease.ResourceID))
	})
}

func (q *BoltQueue) Depth(_ context.Context, kind types.Kind) (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(queueBucket(kind)).Stats().KeyN
		return nil
	})
	return n, err
}

func (q *BoltQueue) Close() error {
	return q.db.Close()
}
