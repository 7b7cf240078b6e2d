// Package queue implements the lease queue that drives reconciliation.
//
// Every resource kind has its own queue. An entry means "this resource
// needs attention no earlier than not_before". Claiming an entry takes an
// exclusive lease on it: while one controller instance holds the lease, no
// other instance can claim the same resource, which is what guarantees at
// most one reconciliation per resource at a time across the whole fleet.
//
// Leases are not held forever. A claimed entry whose lease is older than
// the stale cutoff is treated as abandoned (its holder crashed or lost
// connectivity) and becomes claimable again. Holders therefore renew
// before any write that depends on still owning the resource, and treat
// renewal failure as loss of ownership.
package queue

import (
	"context"
	"time"

	"github.com/cloudforge/anvil/pkg/types"
)

// Queue is the per-kind scheduling and mutual-exclusion surface.
//
// Enqueue and EnsureQueued are the two faces of the single re-enqueue
// primitive. Enqueue is used for explicit demand (fast-path re-evaluation,
// operator requests): it inserts the entry or pulls an existing entry's
// not_before earlier, never later, so a request for attention can only
// speed things up. EnsureQueued is used by the periodic sweep: it inserts
// missing entries and leaves existing ones untouched, so the sweep can
// never shorten a deliberately scheduled backoff.
type Queue interface {
	// Enqueue schedules the resource at notBefore, or earlier if it is
	// already scheduled earlier. Idempotent.
	Enqueue(ctx context.Context, kind types.Kind, id string, notBefore time.Time) error

	// EnsureQueued inserts the entry if and only if it is absent.
	EnsureQueued(ctx context.Context, kind types.Kind, id string, notBefore time.Time) error

	// ClaimBatch atomically claims up to limit due entries for owner and
	// returns the resulting leases. An entry is due when its not_before
	// has passed and it is either unclaimed or its lease went stale before
	// now.Add(-staleAfter). Two concurrent callers never receive the same
	// resource.
	ClaimBatch(ctx context.Context, kind types.Kind, owner string, limit int, staleAfter time.Duration) ([]types.Lease, error)

	// Renew refreshes the lease timestamp, proving the holder is alive.
	// Returns types.ErrLeaseLost when the lease is no longer held, which
	// the holder must treat as immediate loss of write authority.
	Renew(ctx context.Context, lease types.Lease) error

	// Release gives up the lease and reschedules the entry at notBefore.
	// Returns types.ErrLeaseLost when the lease was already taken over.
	Release(ctx context.Context, lease types.Lease, notBefore time.Time) error

	// Complete gives up the lease and removes the entry entirely. Used
	// when a resource reaches a terminal state and needs no further
	// reconciliation. Returns types.ErrLeaseLost on a stolen lease.
	Complete(ctx context.Context, lease types.Lease) error

	// Depth reports how many entries are queued for a kind, claimed or
	// not. Metrics only.
	Depth(ctx context.Context, kind types.Kind) (int, error)

	Close() error
}
