// Package enqueuer is the demand-side entry point to the lease queue. It
// is how anything outside a controller loop (the API, CLI tooling, other
// services reacting to hardware events) asks for a resource to be looked
// at now instead of at the next periodic sweep.
package enqueuer

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudforge/anvil/pkg/events"
	"github.com/cloudforge/anvil/pkg/log"
	"github.com/cloudforge/anvil/pkg/queue"
	"github.com/cloudforge/anvil/pkg/store"
	"github.com/cloudforge/anvil/pkg/types"
)

// Enqueuer validates reconciliation requests and lowers queue deadlines.
// Because Enqueue never raises not_before, a flood of requests for the
// same resource collapses into a single imminent queue entry.
type Enqueuer struct {
	store  store.Store
	queue  queue.Queue
	broker *events.Broker
}

// New creates an Enqueuer. The broker may be nil when no one listens.
func New(s store.Store, q queue.Queue, broker *events.Broker) *Enqueuer {
	return &Enqueuer{store: s, queue: q, broker: broker}
}

// RequestReconciliation asks for kindName/id to be reconciled as soon as a
// controller slot frees up. The resource must exist; requests for unknown
// kinds or ids are rejected rather than queued into the void.
func (e *Enqueuer) RequestReconciliation(ctx context.Context, kindName, id string) error {
	kind, err := types.ParseKind(kindName)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: empty id", types.ErrInvalidResourceID)
	}
	if _, err := e.store.Load(ctx, kind, id); err != nil {
		return err
	}

	if err := e.queue.Enqueue(ctx, kind, id, time.Now().UTC()); err != nil {
		return err
	}

	logger := log.WithResource(kind, id)
	logger.Debug().Msg("Reconciliation requested")
	if e.broker != nil {
		e.broker.Publish(&events.Event{
			Type:       events.EventReconcileRequested,
			Kind:       kind,
			ResourceID: id,
		})
	}
	return nil
}
