package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudforge/anvil/pkg/types"
)

// storeUnderTest runs the conformance suite against every backend that can
// be exercised without external infrastructure.
func storeUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	boltStore, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { boltStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   boltStore,
	}
}

func newHost(id string) *types.Resource {
	return &types.Resource{
		ID:      id,
		Kind:    types.KindHost,
		State:   types.NewState("discovered"),
		Payload: json.RawMessage(`{"bmc_endpoint":"10.0.0.1"}`),
	}
}

func entryFor(res *types.Resource, next types.State, outcome types.OutcomeKind, reason string) types.HistoryEntry {
	return types.HistoryEntry{
		ResourceID: res.ID,
		Kind:       res.Kind,
		PriorState: res.State,
		NewState:   next,
		Outcome:    outcome,
		Reason:     reason,
	}
}

func TestCreateAndLoad(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res := newHost("host-01")

			require.NoError(t, s.Create(ctx, res))
			assert.Equal(t, int64(1), res.Version)
			assert.False(t, res.StateEnteredAt.IsZero())

			loaded, err := s.Load(ctx, types.KindHost, "host-01")
			require.NoError(t, err)
			assert.Equal(t, "discovered", loaded.State.Name)
			assert.Equal(t, int64(1), loaded.Version)
			assert.JSONEq(t, `{"bmc_endpoint":"10.0.0.1"}`, string(loaded.Payload))

			err = s.Create(ctx, newHost("host-01"))
			assert.Error(t, err, "duplicate create must fail")
		})
	}
}

func TestLoadNotFound(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(context.Background(), types.KindHost, "nope")
			assert.ErrorIs(t, err, types.ErrNotFound)
		})
	}
}

func TestPersistTransitionsAndAppendsHistory(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res := newHost("host-02")
			require.NoError(t, s.Create(ctx, res))
			entered := res.StateEnteredAt

			next := types.NewState("bmc_initializing")
			v, err := s.Persist(ctx, types.KindHost, "host-02", 1, next,
				entryFor(res, next, types.OutcomeTransition, "bmc reachable"))
			require.NoError(t, err)
			assert.Equal(t, int64(2), v)

			loaded, err := s.Load(ctx, types.KindHost, "host-02")
			require.NoError(t, err)
			assert.Equal(t, "bmc_initializing", loaded.State.Name)
			assert.Equal(t, int64(2), loaded.Version)
			assert.Equal(t, types.OutcomeTransition, loaded.LastOutcome)
			assert.False(t, loaded.StateEnteredAt.Before(entered))

			history, err := s.History(ctx, types.KindHost, "host-02")
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, "discovered", history[0].PriorState.Name)
			assert.Equal(t, "bmc_initializing", history[0].NewState.Name)
			assert.Equal(t, types.OutcomeTransition, history[0].Outcome)
			assert.False(t, history[0].Timestamp.IsZero())
		})
	}
}

func TestPersistStaleVersionConflicts(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res := newHost("host-03")
			require.NoError(t, s.Create(ctx, res))

			next := types.NewState("bmc_initializing")
			_, err := s.Persist(ctx, types.KindHost, "host-03", 1, next,
				entryFor(res, next, types.OutcomeTransition, ""))
			require.NoError(t, err)

			// Second writer still holds v1.
			_, err = s.Persist(ctx, types.KindHost, "host-03", 1,
				types.NewState("provisioning"),
				entryFor(res, types.NewState("provisioning"), types.OutcomeTransition, ""))
			assert.ErrorIs(t, err, types.ErrConflict)

			// The losing write must leave no trace in state or history.
			loaded, err := s.Load(ctx, types.KindHost, "host-03")
			require.NoError(t, err)
			assert.Equal(t, "bmc_initializing", loaded.State.Name)
			assert.Equal(t, int64(2), loaded.Version)

			history, err := s.History(ctx, types.KindHost, "host-03")
			require.NoError(t, err)
			assert.Len(t, history, 1)
		})
	}
}

func TestPersistMissingResource(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Persist(context.Background(), types.KindHost, "ghost", 1,
				types.NewState("ready"), types.HistoryEntry{})
			assert.ErrorIs(t, err, types.ErrNotFound)
		})
	}
}

func TestRecordOutcomeDoesNotTouchStateOrHistory(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res := newHost("host-04")
			require.NoError(t, s.Create(ctx, res))

			err := s.RecordOutcome(ctx, types.KindHost, "host-04",
				types.OutcomeRetryableError, "bmc timeout")
			require.NoError(t, err)

			loaded, err := s.Load(ctx, types.KindHost, "host-04")
			require.NoError(t, err)
			assert.Equal(t, "discovered", loaded.State.Name)
			assert.Equal(t, int64(1), loaded.Version)
			assert.Equal(t, types.OutcomeRetryableError, loaded.LastOutcome)
			assert.Equal(t, "bmc timeout", loaded.LastReason)

			history, err := s.History(ctx, types.KindHost, "host-04")
			require.NoError(t, err)
			assert.Empty(t, history, "non-transition outcomes must not hit history")
		})
	}
}

func TestUpdatePayloadLeavesLifecycleAlone(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res := newHost("host-pl")
			require.NoError(t, s.Create(ctx, res))

			err := s.UpdatePayload(ctx, types.KindHost, "host-pl",
				json.RawMessage(`{"bmc_endpoint":"10.0.0.1","delete_requested":true}`))
			require.NoError(t, err)

			loaded, err := s.Load(ctx, types.KindHost, "host-pl")
			require.NoError(t, err)
			assert.JSONEq(t, `{"bmc_endpoint":"10.0.0.1","delete_requested":true}`, string(loaded.Payload))
			assert.Equal(t, "discovered", loaded.State.Name)
			assert.Equal(t, int64(1), loaded.Version)

			err = s.UpdatePayload(ctx, types.KindHost, "ghost", json.RawMessage(`{}`))
			assert.ErrorIs(t, err, types.ErrNotFound)
		})
	}
}

func TestDeleteRetainsHistory(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res := newHost("host-05")
			require.NoError(t, s.Create(ctx, res))

			next := types.NewState("deleted")
			_, err := s.Persist(ctx, types.KindHost, "host-05", 1, next,
				entryFor(res, next, types.OutcomeTransition, "decommissioned"))
			require.NoError(t, err)

			require.NoError(t, s.Delete(ctx, types.KindHost, "host-05"))

			_, err = s.Load(ctx, types.KindHost, "host-05")
			assert.ErrorIs(t, err, types.ErrNotFound)

			history, err := s.History(ctx, types.KindHost, "host-05")
			require.NoError(t, err)
			assert.Len(t, history, 1, "audit trail outlives the resource")
		})
	}
}

func TestListIsolatesKinds(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newHost("host-b")))
			require.NoError(t, s.Create(ctx, newHost("host-a")))
			require.NoError(t, s.Create(ctx, &types.Resource{
				ID:    "seg-1",
				Kind:  types.KindNetworkSegment,
				State: types.NewState("provisioning"),
			}))

			ids, err := s.List(ctx, types.KindHost)
			require.NoError(t, err)
			assert.Equal(t, []string{"host-a", "host-b"}, ids)

			ids, err = s.List(ctx, types.KindNetworkSegment)
			require.NoError(t, err)
			assert.Equal(t, []string{"seg-1"}, ids)
		})
	}
}

func TestStateDetailRoundTrips(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res := &types.Resource{
				ID:    "seg-drain",
				Kind:  types.KindNetworkSegment,
				State: types.NewState("ready"),
			}
			require.NoError(t, s.Create(ctx, res))

			draining := types.State{
				Name:   "deleting",
				Detail: json.RawMessage(`{"phase":"drain_allocated_ips","remaining":12}`),
			}
			_, err := s.Persist(ctx, types.KindNetworkSegment, "seg-drain", 1, draining,
				entryFor(res, draining, types.OutcomeTransition, "delete requested"))
			require.NoError(t, err)

			loaded, err := s.Load(ctx, types.KindNetworkSegment, "seg-drain")
			require.NoError(t, err)
			assert.Equal(t, "deleting", loaded.State.Name)
			assert.JSONEq(t, `{"phase":"drain_allocated_ips","remaining":12}`, string(loaded.State.Detail))
		})
	}
}

func TestConcurrentPersistExactlyOneWinner(t *testing.T) {
	for name, s := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res := newHost("host-race")
			require.NoError(t, s.Create(ctx, res))

			const writers = 8
			errs := make(chan error, writers)
			for i := 0; i < writers; i++ {
				go func() {
					next := types.NewState("bmc_initializing")
					_, err := s.Persist(ctx, types.KindHost, "host-race", 1, next,
						entryFor(res, next, types.OutcomeTransition, ""))
					errs <- err
				}()
			}

			var won, conflicted int
			for i := 0; i < writers; i++ {
				select {
				case err := <-errs:
					switch {
					case err == nil:
						won++
					case errors.Is(err, types.ErrConflict):
						conflicted++
					default:
						t.Fatalf("unexpected error: %v", err)
					}
				case <-time.After(5 * time.Second):
					t.Fatal("persist goroutines stalled")
				}
			}
			assert.Equal(t, 1, won)
			assert.Equal(t, writers-1, conflicted)

			history, err := s.History(ctx, types.KindHost, "host-race")
			require.NoError(t, err)
			assert.Len(t, history, 1)
		})
	}
}
