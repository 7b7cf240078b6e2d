package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudforge/anvil/pkg/handler"
	"github.com/cloudforge/anvil/pkg/statemachine"
	"github.com/cloudforge/anvil/pkg/types"
)

// InfiniBand partition lifecycle states.
const (
	PartitionProvisioning = "provisioning"
	PartitionReady        = "ready"
	PartitionDeleting     = "deleting"
	PartitionDeleted      = "deleted"
	PartitionFailed       = "failed"
)

// PartitionPayload describes an InfiniBand partition.
type PartitionPayload struct {
	PKey            int  `json:"pkey"`
	DeleteRequested bool `json:"delete_requested,omitempty"`
}

// IBPartitionDefinition is the InfiniBand partition state graph.
func IBPartitionDefinition() *statemachine.Definition {
	return statemachine.New(statemachine.Definition{
		Kind:    types.KindIBPartition,
		Initial: PartitionProvisioning,
		Fatal:   PartitionFailed,
		States: map[string]statemachine.StateSpec{
			PartitionProvisioning: {SLA: 5 * time.Minute, Next: []string{PartitionReady}},
			PartitionReady:        {Unbounded: true, Next: []string{PartitionDeleting}},
			PartitionDeleting:     {SLA: 5 * time.Minute, Next: []string{PartitionDeleted}},
			PartitionDeleted:      {Terminal: true, Unbounded: true},
			PartitionFailed:       {Terminal: true, Unbounded: true},
		},
	})
}

func handleIBPartition(ctx context.Context, res *types.Resource, hctx *handler.Context) types.Outcome {
	var p PartitionPayload
	if err := decodePayload(res, &p); err != nil {
		return types.Fatal(err)
	}

	switch res.State.Name {
	case PartitionProvisioning:
		if p.PKey <= 0 {
			return types.Fatal(fmt.Errorf("partition has no pkey"))
		}
		if _, err := hctx.Clients.Fabric.EnsurePartition(ctx, res.ID, p.PKey); err != nil {
			return types.RetryableError(fmt.Errorf("ensure partition: %w", err))
		}
		return types.Transition(types.NewState(PartitionReady), "partition programmed")

	case PartitionReady:
		if p.DeleteRequested {
			return types.Transition(types.NewState(PartitionDeleting), "delete requested")
		}
		return types.Wait("in service")

	case PartitionDeleting:
		if _, err := hctx.Clients.Fabric.RemovePartition(ctx, res.ID); err != nil {
			return types.RetryableError(fmt.Errorf("remove partition: %w", err))
		}
		return types.Transition(types.NewState(PartitionDeleted), "partition removed")

	default:
		return types.RetryableError(handler.Unhandled(res.State))
	}
}
