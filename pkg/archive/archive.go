// Package archive exports audit history to object storage. The state
// history tables are append-only and grow without bound; periodic
// snapshots to a bucket give auditors a durable, queryable trail without
// keeping the hot database as the system of record forever.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cloudforge/anvil/pkg/config"
	"github.com/cloudforge/anvil/pkg/log"
	"github.com/cloudforge/anvil/pkg/store"
	"github.com/cloudforge/anvil/pkg/types"
)

// objectStore is the slice of the MinIO client the archiver uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver periodically snapshots every resource's history to a bucket.
type Archiver struct {
	client   objectStore
	store    store.Store
	bucket   string
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New connects to the object store and ensures the bucket exists.
func New(cfg config.ArchiveConfig, s store.Store) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return newWithClient(client, cfg, s)
}

func newWithClient(client objectStore, cfg config.ArchiveConfig, s store.Store) (*Archiver, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Archiver{
		client:   client,
		store:    s,
		bucket:   cfg.Bucket,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start launches the periodic snapshot loop.
func (a *Archiver) Start() {
	go func() {
		defer close(a.doneCh)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				if err := a.ArchiveOnce(ctx); err != nil {
					logger := log.WithComponent("archive")
					logger.Error().Err(err).Msg("Snapshot failed")
				}
				cancel()
			case <-a.stopCh:
				return
			}
		}
	}()
}

// Stop shuts the loop down.
func (a *Archiver) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

// snapshot is the uploaded document: one kind, one capture time, all
// history entries for all resources of that kind.
type snapshot struct {
	Kind       types.Kind                     `json:"kind"`
	CapturedAt time.Time                      `json:"captured_at"`
	Histories  map[string][]types.HistoryEntry `json:"histories"`
}

// ArchiveOnce uploads one snapshot per kind. Object keys embed the
// capture timestamp so runs never overwrite each other.
func (a *Archiver) ArchiveOnce(ctx context.Context) error {
	now := time.Now().UTC()
	for _, kind := range types.AllKinds() {
		ids, err := a.store.List(ctx, kind)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", kind, err)
		}

		snap := snapshot{Kind: kind, CapturedAt: now, Histories: make(map[string][]types.HistoryEntry)}
		for _, id := range ids {
			entries, err := a.store.History(ctx, kind, id)
			if err != nil {
				return fmt.Errorf("failed to load history for %s/%s: %w", kind, id, err)
			}
			if len(entries) > 0 {
				snap.Histories[id] = entries
			}
		}
		if len(snap.Histories) == 0 {
			continue
		}

		data, err := json.Marshal(&snap)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("state-history/%s/%s.json", kind, now.Format("2006-01-02T15-04-05Z"))
		_, err = a.client.PutObject(ctx, a.bucket, key,
			bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: "application/json"})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		logger := log.WithKind(kind)
		logger.Debug().Str("object", key).Int("resources", len(snap.Histories)).Msg("History snapshot uploaded")
	}
	return nil
}
