package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudforge/anvil/pkg/config"
	"github.com/cloudforge/anvil/pkg/store"
	"github.com/cloudforge/anvil/pkg/types"
)

type fakeObjectStore struct {
	buckets map[string]bool
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		buckets: make(map[string]bool),
		objects: make(map[string][]byte),
	}
}

func (f *fakeObjectStore) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeObjectStore) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeObjectStore) PutObject(_ context.Context, bucket, objectName string, reader io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[bucket+"/"+objectName] = buf.Bytes()
	return minio.UploadInfo{Bucket: bucket, Key: objectName}, nil
}

func TestArchiveOnceUploadsHistorySnapshots(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	objects := newFakeObjectStore()

	res := &types.Resource{ID: "host-1", Kind: types.KindHost, State: types.NewState("discovered")}
	require.NoError(t, s.Create(ctx, res))
	_, err := s.Persist(ctx, types.KindHost, "host-1", 1,
		types.NewState("bmc_initializing"), types.HistoryEntry{
			ResourceID: "host-1",
			Kind:       types.KindHost,
			PriorState: types.NewState("discovered"),
			NewState:   types.NewState("bmc_initializing"),
			Outcome:    types.OutcomeTransition,
		})
	require.NoError(t, err)

	a, err := newWithClient(objects, config.ArchiveConfig{
		Bucket:   "anvil-audit",
		Interval: time.Hour,
	}, s)
	require.NoError(t, err)
	assert.True(t, objects.buckets["anvil-audit"], "missing bucket is created")

	require.NoError(t, a.ArchiveOnce(ctx))

	var found []byte
	for key, data := range objects.objects {
		if strings.Contains(key, "state-history/host/") {
			found = data
		}
	}
	require.NotNil(t, found, "host snapshot uploaded")

	var snap snapshot
	require.NoError(t, json.Unmarshal(found, &snap))
	assert.Equal(t, types.KindHost, snap.Kind)
	require.Len(t, snap.Histories["host-1"], 1)
	assert.Equal(t, "bmc_initializing", snap.Histories["host-1"][0].NewState.Name)
}

func TestArchiveOnceSkipsKindsWithoutHistory(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	objects := newFakeObjectStore()
	objects.buckets["anvil-audit"] = true

	// A resource with no transitions yet produces no object.
	require.NoError(t, s.Create(ctx, &types.Resource{
		ID: "rack-1", Kind: types.KindRack, State: types.NewState("provisioning"),
	}))

	a, err := newWithClient(objects, config.ArchiveConfig{Bucket: "anvil-audit"}, s)
	require.NoError(t, err)
	require.NoError(t, a.ArchiveOnce(ctx))

	assert.Empty(t, objects.objects)
}
