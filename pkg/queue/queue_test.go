package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudforge/anvil/pkg/types"
)

func queuesUnderTest(t *testing.T) map[string]Queue {
	t.Helper()

	boltQueue, err := NewBoltQueue(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { boltQueue.Close() })

	return map[string]Queue{
		"memory": NewMemoryQueue(),
		"bolt":   boltQueue,
	}
}

func past() time.Time {
	return time.Now().UTC().Add(-time.Second)
}

func future() time.Time {
	return time.Now().UTC().Add(time.Hour)
}

func TestClaimDueEntries(t *testing.T) {
	for name, q := range queuesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-1", past()))
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-2", past()))
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-3", future()))

			leases, err := q.ClaimBatch(ctx, types.KindHost, "ctrl-a", 10, time.Hour)
			require.NoError(t, err)
			require.Len(t, leases, 2, "future entries must not be claimable")

			ids := []string{leases[0].ResourceID, leases[1].ResourceID}
			assert.ElementsMatch(t, []string{"host-1", "host-2"}, ids)
			for _, l := range leases {
				assert.Equal(t, "ctrl-a", l.Owner)
				assert.Equal(t, types.KindHost, l.Kind)
			}
		})
	}
}

func TestClaimedEntryIsExclusive(t *testing.T) {
	for name, q := range queuesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-1", past()))

			leases, err := q.ClaimBatch(ctx, types.KindHost, "ctrl-a", 10, time.Hour)
			require.NoError(t, err)
			require.Len(t, leases, 1)

			leases, err = q.ClaimBatch(ctx, types.KindHost, "ctrl-b", 10, time.Hour)
			require.NoError(t, err)
			assert.Empty(t, leases, "a held lease must block other claimants")
		})
	}
}

func TestStaleLeaseIsReclaimable(t *testing.T) {
	for name, q := range queuesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-1", past()))

			first, err := q.ClaimBatch(ctx, types.KindHost, "ctrl-crashed", 10, time.Hour)
			require.NoError(t, err)
			require.Len(t, first, 1)

			time.Sleep(20 * time.Millisecond)

			second, err := q.ClaimBatch(ctx, types.KindHost, "ctrl-b", 10, 5*time.Millisecond)
			require.NoError(t, err)
			require.Len(t, second, 1, "stale lease must be claimable again")
			assert.Equal(t, "ctrl-b", second[0].Owner)
			assert.True(t, second[0].Reclaimed)
			assert.False(t, first[0].Reclaimed)

			// The crashed holder's lease is gone for good.
			err = q.Renew(ctx, first[0])
			assert.ErrorIs(t, err, types.ErrLeaseLost)
		})
	}
}

func TestEnqueueLowersNeverRaises(t *testing.T) {
	for name, q := range queuesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Lowering: a future entry pulled to now becomes due.
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-1", future()))
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-1", past()))
			leases, err := q.ClaimBatch(ctx, types.KindHost, "ctrl-a", 10, time.Hour)
			require.NoError(t, err)
			require.Len(t, leases, 1)
			require.NoError(t, q.Complete(ctx, leases[0]))

			// Never raising: a due entry cannot be pushed into the future.
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-2", past()))
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-2", future()))
			leases, err = q.ClaimBatch(ctx, types.KindHost, "ctrl-a", 10, time.Hour)
			require.NoError(t, err)
			assert.Len(t, leases, 1)
		})
	}
}

func TestEnsureQueuedDoesNotPreemptBackoff(t *testing.T) {
	for name, q := range queuesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// A deliberate backoff set by a Wait outcome.
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-1", future()))

			// The sweep runs and must not shorten it.
			require.NoError(t, q.EnsureQueued(ctx, types.KindHost, "host-1", past()))

			leases, err := q.ClaimBatch(ctx, types.KindHost, "ctrl-a", 10, time.Hour)
			require.NoError(t, err)
			assert.Empty(t, leases)

			// But it does insert genuinely missing entries.
			require.NoError(t, q.EnsureQueued(ctx, types.KindHost, "host-2", past()))
			leases, err = q.ClaimBatch(ctx, types.KindHost, "ctrl-a", 10, time.Hour)
			require.NoError(t, err)
			require.Len(t, leases, 1)
			assert.Equal(t, "host-2", leases[0].ResourceID)
		})
	}
}

func TestReleaseReschedules(t *testing.T) {
	for name, q := range queuesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-1", past()))

			leases, err := q.ClaimBatch(ctx, types.KindHost, "ctrl-a", 10, time.Hour)
			require.NoError(t, err)
			require.Len(t, leases, 1)

			// Released into the future: not claimable yet.
			require.NoError(t, q.Release(ctx, leases[0], future()))
			got, err := q.ClaimBatch(ctx, types.KindHost, "ctrl-a", 10, time.Hour)
			require.NoError(t, err)
			assert.Empty(t, got)

			// A fast-path enqueue pulls it due again.
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-1", past()))
			got, err = q.ClaimBatch(ctx, types.KindHost, "ctrl-a", 10, time.Hour)
			require.NoError(t, err)
			assert.Len(t, got, 1)
		})
	}
}

func TestOwnerGuardedOperationsFailClosed(t *testing.T) {
	for name, q := range queuesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-1", past()))

			leases, err := q.ClaimBatch(ctx, types.KindHost, "ctrl-a", 10, time.Hour)
			require.NoError(t, err)
			require.Len(t, leases, 1)

			stolen := leases[0]
			stolen.Owner = "ctrl-imposter"

			assert.ErrorIs(t, q.Renew(ctx, stolen), types.ErrLeaseLost)
			assert.ErrorIs(t, q.Release(ctx, stolen, past()), types.ErrLeaseLost)
			assert.ErrorIs(t, q.Complete(ctx, stolen), types.ErrLeaseLost)

			// The legitimate holder is unaffected.
			assert.NoError(t, q.Renew(ctx, leases[0]))
		})
	}
}

func TestCompleteRemovesEntry(t *testing.T) {
	for name, q := range queuesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-1", past()))

			leases, err := q.ClaimBatch(ctx, types.KindHost, "ctrl-a", 10, time.Hour)
			require.NoError(t, err)
			require.Len(t, leases, 1)
			require.NoError(t, q.Complete(ctx, leases[0]))

			depth, err := q.Depth(ctx, types.KindHost)
			require.NoError(t, err)
			assert.Zero(t, depth)
		})
	}
}

func TestClaimRespectsLimitAndOrder(t *testing.T) {
	for name, q := range queuesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Add(-time.Minute)
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-late", base.Add(30*time.Second)))
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-early", base))
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "host-mid", base.Add(10*time.Second)))

			leases, err := q.ClaimBatch(ctx, types.KindHost, "ctrl-a", 2, time.Hour)
			require.NoError(t, err)
			require.Len(t, leases, 2)
			assert.Equal(t, "host-early", leases[0].ResourceID)
			assert.Equal(t, "host-mid", leases[1].ResourceID)
		})
	}
}

func TestKindsAreIsolated(t *testing.T) {
	for name, q := range queuesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, q.Enqueue(ctx, types.KindHost, "res-1", past()))
			require.NoError(t, q.Enqueue(ctx, types.KindRack, "res-1", past()))

			leases, err := q.ClaimBatch(ctx, types.KindHost, "ctrl-a", 10, time.Hour)
			require.NoError(t, err)
			require.Len(t, leases, 1)

			leases, err = q.ClaimBatch(ctx, types.KindRack, "ctrl-a", 10, time.Hour)
			require.NoError(t, err)
			assert.Len(t, leases, 1, "same id under another kind is a separate entry")
		})
	}
}

func TestConcurrentClaimantsNeverShareAResource(t *testing.T) {
	for name, q := range queuesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const entries = 40
			for i := 0; i < entries; i++ {
				id := "host-" + string(rune('a'+i%26)) + "-" + string(rune('0'+i/26))
				require.NoError(t, q.Enqueue(ctx, types.KindHost, id, past()))
			}

			// Failures are collected and asserted after the goroutines
			// join; the claimants themselves never touch t.
			const claimants = 6
			var (
				mu        sync.Mutex
				seen      = make(map[string]string)
				dups      []string
				claimErrs []error
			)
			var wg sync.WaitGroup
			for i := 0; i < claimants; i++ {
				wg.Add(1)
				owner := "ctrl-" + string(rune('a'+i))
				go func() {
					defer wg.Done()
					for {
						leases, err := q.ClaimBatch(ctx, types.KindHost, owner, 3, time.Hour)
						if err != nil {
							mu.Lock()
							claimErrs = append(claimErrs, err)
							mu.Unlock()
							return
						}
						if len(leases) == 0 {
							return
						}
						mu.Lock()
						for _, l := range leases {
							if prev, dup := seen[l.ResourceID]; dup {
								dups = append(dups, fmt.Sprintf("%s claimed by both %s and %s", l.ResourceID, prev, owner))
							}
							seen[l.ResourceID] = owner
						}
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			for _, err := range claimErrs {
				require.NoError(t, err)
			}
			assert.Empty(t, dups)
			assert.Len(t, seen, entries, "every due entry is claimed exactly once")
		})
	}
}
