package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudforge/anvil/pkg/clients"
	"github.com/cloudforge/anvil/pkg/handler"
	"github.com/cloudforge/anvil/pkg/statemachine"
	"github.com/cloudforge/anvil/pkg/types"
)

// Power shelf lifecycle states.
const (
	ShelfInitializing = "initializing"
	ShelfFetchingData = "fetching_data"
	ShelfConfiguring  = "configuring"
	ShelfReady        = "ready"
	ShelfDeleting     = "deleting"
	ShelfDeleted      = "deleted"
	ShelfFailed       = "failed"
)

// PowerShelfPayload describes a rack power shelf and its controller.
type PowerShelfPayload struct {
	ControllerEndpoint string `json:"controller_endpoint"`
	DeleteRequested    bool   `json:"delete_requested,omitempty"`
}

// PowerShelfDefinition is the power shelf state graph: reach the shelf
// controller, read its inventory, bring the outlets up.
func PowerShelfDefinition() *statemachine.Definition {
	return statemachine.New(statemachine.Definition{
		Kind:    types.KindPowerShelf,
		Initial: ShelfInitializing,
		Fatal:   ShelfFailed,
		States: map[string]statemachine.StateSpec{
			ShelfInitializing: {SLA: 5 * time.Minute, Next: []string{ShelfFetchingData}},
			ShelfFetchingData: {SLA: 5 * time.Minute, Next: []string{ShelfConfiguring}},
			ShelfConfiguring:  {SLA: 5 * time.Minute, Next: []string{ShelfReady}},
			ShelfReady:        {Unbounded: true, Next: []string{ShelfDeleting}},
			ShelfDeleting:     {SLA: 5 * time.Minute, Next: []string{ShelfDeleted}},
			ShelfDeleted:      {Terminal: true, Unbounded: true},
			ShelfFailed:       {Terminal: true, Unbounded: true},
		},
	})
}

func handlePowerShelf(ctx context.Context, res *types.Resource, hctx *handler.Context) types.Outcome {
	var p PowerShelfPayload
	if err := decodePayload(res, &p); err != nil {
		return types.Fatal(err)
	}

	switch res.State.Name {
	case ShelfInitializing:
		if p.ControllerEndpoint == "" {
			return types.Fatal(fmt.Errorf("power shelf has no controller_endpoint"))
		}
		if _, err := hctx.Clients.BMC.PowerState(ctx, p.ControllerEndpoint); err != nil {
			return types.RetryableError(fmt.Errorf("shelf controller unreachable: %w", err))
		}
		return types.Transition(types.NewState(ShelfFetchingData), "controller reachable")

	case ShelfFetchingData:
		state, err := hctx.Clients.BMC.PowerState(ctx, p.ControllerEndpoint)
		if err != nil {
			return types.RetryableError(fmt.Errorf("read shelf data: %w", err))
		}
		if state == clients.PowerUnknown {
			return types.Wait("shelf inventory not ready")
		}
		return types.Transition(types.NewState(ShelfConfiguring), "inventory read")

	case ShelfConfiguring:
		if _, err := hctx.Clients.BMC.EnsurePowerOn(ctx, p.ControllerEndpoint); err != nil {
			return types.RetryableError(fmt.Errorf("enable outlets: %w", err))
		}
		return types.Transition(types.NewState(ShelfReady), "outlets enabled")

	case ShelfReady:
		if p.DeleteRequested {
			return types.Transition(types.NewState(ShelfDeleting), "delete requested")
		}
		return types.Wait("in service")

	case ShelfDeleting:
		if _, err := hctx.Clients.BMC.EnsurePowerOff(ctx, p.ControllerEndpoint); err != nil {
			return types.RetryableError(fmt.Errorf("disable outlets: %w", err))
		}
		return types.Transition(types.NewState(ShelfDeleted), "shelf retired")

	default:
		return types.RetryableError(handler.Unhandled(res.State))
	}
}
