package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cloudforge/anvil/pkg/types"
)

// BoltStore implements Store on BoltDB for single-process deployments
// (dev mode, small edge sites). Bolt serializes writers, which trivially
// gives the same atomicity guarantees the Postgres backend provides with
// transactions; it does not support multiple controller processes.
type BoltStore struct {
	db *bolt.DB
}

func resourceBucket(kind types.Kind) []byte {
	return []byte("resources_" + string(kind))
}

func historyBucket(kind types.Kind) []byte {
	return []byte("history_" + string(kind))
}

// NewBoltStore opens (or creates) the store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "anvil.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, kind := range types.AllKinds() {
			if _, err := tx.CreateBucketIfNotExists(resourceBucket(kind)); err != nil {
				return fmt.Errorf("failed to create bucket for %s: %w", kind, err)
			}
			if _, err := tx.CreateBucketIfNotExists(historyBucket(kind)); err != nil {
				return fmt.Errorf("failed to create history bucket for %s: %w", kind, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// NewBoltStoreFromDB wraps an already-open BoltDB handle so the store and
// queue backends can share one file.
func NewBoltStoreFromDB(db *bolt.DB) (*BoltStore, error) {
	s := &BoltStore{db: db}
	err := db.Update(func(tx *bolt.Tx) error {
		for _, kind := range types.AllKinds() {
			if _, err := tx.CreateBucketIfNotExists(resourceBucket(kind)); err != nil {
				return err
			}
			if _, err := tx.CreateBucketIfNotExists(historyBucket(kind)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) Create(_ context.Context, res *types.Resource) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(resourceBucket(res.Kind))
		if b.Get([]byte(res.ID)) != nil {
			return fmt.Errorf("resource %s/%s already exists", res.Kind, res.ID)
		}
		if res.Version == 0 {
			res.Version = 1
		}
		now := time.Now().UTC()
		if res.StateEnteredAt.IsZero() {
			res.StateEnteredAt = now
		}
		res.UpdatedAt = now
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		return b.Put([]byte(res.ID), data)
	})
}

func (s *BoltStore) Load(_ context.Context, kind types.Kind, id string) (*types.Resource, error) {
	var res types.Resource
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(resourceBucket(kind)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", types.ErrNotFound, kind, id)
		}
		return json.Unmarshal(data, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *BoltStore) List(_ context.Context, kind types.Kind) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(resourceBucket(kind)).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *BoltStore) Persist(_ context.Context, kind types.Kind, id string, expectedVersion int64, newState types.State, entry types.HistoryEntry) (int64, error) {
	var newVersion int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(resourceBucket(kind))
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", types.ErrNotFound, kind, id)
		}
		var res types.Resource
		if err := json.Unmarshal(data, &res); err != nil {
			return err
		}
		if res.Version != expectedVersion {
			return fmt.Errorf("%w: %s/%s expected v%d, stored v%d",
				types.ErrConflict, kind, id, expectedVersion, res.Version)
		}

		now := time.Now().UTC()
		res.State = newState
		res.StateEnteredAt = now
		res.Version++
		res.LastOutcome = entry.Outcome
		res.LastReason = entry.Reason
		res.UpdatedAt = now
		updated, err := json.Marshal(&res)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), updated); err != nil {
			return err
		}

		// History append rides the same transaction as the state write.
		hb := tx.Bucket(historyBucket(kind))
		seq, err := hb.NextSequence()
		if err != nil {
			return err
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now
		}
		entryData, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		key := make([]byte, 8+len(id))
		binary.BigEndian.PutUint64(key, seq)
		copy(key[8:], id)
		if err := hb.Put(key, entryData); err != nil {
			return err
		}

		newVersion = res.Version
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *BoltStore) UpdatePayload(_ context.Context, kind types.Kind, id string, payload json.RawMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(resourceBucket(kind))
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", types.ErrNotFound, kind, id)
		}
		var res types.Resource
		if err := json.Unmarshal(data, &res); err != nil {
			return err
		}
		res.Payload = payload
		res.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&res)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) RecordOutcome(_ context.Context, kind types.Kind, id string, outcome types.OutcomeKind, reason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(resourceBucket(kind))
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", types.ErrNotFound, kind, id)
		}
		var res types.Resource
		if err := json.Unmarshal(data, &res); err != nil {
			return err
		}
		res.LastOutcome = outcome
		res.LastReason = reason
		res.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&res)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) Delete(_ context.Context, kind types.Kind, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resourceBucket(kind)).Delete([]byte(id))
	})
}

func (s *BoltStore) History(_ context.Context, kind types.Kind, id string) ([]types.HistoryEntry, error) {
	var entries []types.HistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(historyBucket(kind)).ForEach(func(k, v []byte) error {
			if len(k) <= 8 || string(k[8:]) != id {
				return nil
			}
			var entry types.HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
