package lifecycle

import (
	"context"
	"time"

	"github.com/cloudforge/anvil/pkg/handler"
	"github.com/cloudforge/anvil/pkg/statemachine"
	"github.com/cloudforge/anvil/pkg/types"
)

// Rack lifecycle states.
const (
	RackProvisioning = "provisioning"
	RackReady        = "ready"
	RackDeleting     = "deleting"
	RackDeleted      = "deleted"
	RackFailed       = "failed"
)

// RackPayload is the rack's bookkeeping record. Racks aggregate other
// resources; they carry no hardware of their own to drive.
type RackPayload struct {
	Datacenter      string `json:"datacenter,omitempty"`
	Row             string `json:"row,omitempty"`
	DeleteRequested bool   `json:"delete_requested,omitempty"`
}

// RackDefinition is the rack state graph.
func RackDefinition() *statemachine.Definition {
	return statemachine.New(statemachine.Definition{
		Kind:    types.KindRack,
		Initial: RackProvisioning,
		Fatal:   RackFailed,
		States: map[string]statemachine.StateSpec{
			RackProvisioning: {SLA: 2 * time.Minute, Next: []string{RackReady}},
			RackReady:        {Unbounded: true, Next: []string{RackDeleting}},
			RackDeleting:     {SLA: 2 * time.Minute, Next: []string{RackDeleted}},
			RackDeleted:      {Terminal: true, Unbounded: true},
			RackFailed:       {Terminal: true, Unbounded: true},
		},
	})
}

func handleRack(_ context.Context, res *types.Resource, _ *handler.Context) types.Outcome {
	var p RackPayload
	if err := decodePayload(res, &p); err != nil {
		return types.Fatal(err)
	}

	switch res.State.Name {
	case RackProvisioning:
		return types.Transition(types.NewState(RackReady), "registered")

	case RackReady:
		if p.DeleteRequested {
			return types.Transition(types.NewState(RackDeleting), "delete requested")
		}
		return types.Wait("in service")

	case RackDeleting:
		return types.Transition(types.NewState(RackDeleted), "deregistered")

	default:
		return types.RetryableError(handler.Unhandled(res.State))
	}
}
