package store

import (
	"context"
	"encoding/json"

	"github.com/cloudforge/anvil/pkg/types"
)

// Store is the resource store adapter: transactional load/persist of a
// resource's lifecycle state together with its audit history.
//
// Persist is the only way lifecycle state changes. It is version-guarded:
// a call with a stale expectedVersion fails with types.ErrConflict and
// changes nothing. The state update and the history append are atomic:
// both happen or neither does.
type Store interface {
	// Create inserts a new resource in its initial state.
	Create(ctx context.Context, res *types.Resource) error

	// Load returns the current record, or types.ErrNotFound.
	Load(ctx context.Context, kind types.Kind, id string) (*types.Resource, error)

	// List returns the ids of every resource of a kind.
	List(ctx context.Context, kind types.Kind) ([]string, error)

	// Persist writes newState and appends entry atomically, returning the
	// new version. Fails with types.ErrConflict when expectedVersion is
	// stale and types.ErrNotFound when the resource is gone.
	Persist(ctx context.Context, kind types.Kind, id string, expectedVersion int64, newState types.State, entry types.HistoryEntry) (int64, error)

	// UpdatePayload replaces the resource payload without touching state,
	// version or history. Payload is owned by the resource's creator;
	// intent flags like a requested decommission travel through it.
	UpdatePayload(ctx context.Context, kind types.Kind, id string, payload json.RawMessage) error

	// RecordOutcome updates the most recent handler outcome without
	// touching state, version or history. Best-effort observability data.
	RecordOutcome(ctx context.Context, kind types.Kind, id string, outcome types.OutcomeKind, reason string) error

	// Delete removes a resource and its queue bookkeeping. History is
	// retained: the audit trail outlives the resource.
	Delete(ctx context.Context, kind types.Kind, id string) error

	// History returns the append-only state history, oldest first.
	History(ctx context.Context, kind types.Kind, id string) ([]types.HistoryEntry, error)

	Close() error
}
