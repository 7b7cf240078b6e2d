package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudforge/anvil/pkg/handler"
	"github.com/cloudforge/anvil/pkg/statemachine"
	"github.com/cloudforge/anvil/pkg/types"
)

// DPU interface lifecycle states.
const (
	DPUInitializing = "initializing"
	DPUConfiguring  = "configuring"
	DPUReady        = "ready"
	DPUDeleting     = "deleting"
	DPUDeleted      = "deleted"
	DPUFailed       = "failed"
)

// DPUInterfacePayload describes a DPU-hosted network interface.
type DPUInterfacePayload struct {
	MAC             string `json:"mac"`
	IP              string `json:"ip"`
	FQDN            string `json:"fqdn,omitempty"`
	DeleteRequested bool   `json:"delete_requested,omitempty"`
}

// DPUInterfaceDefinition is the DPU interface state graph: address and
// name assignment for the interface a DPU exposes to the host network.
func DPUInterfaceDefinition() *statemachine.Definition {
	return statemachine.New(statemachine.Definition{
		Kind:    types.KindDPUInterface,
		Initial: DPUInitializing,
		Fatal:   DPUFailed,
		States: map[string]statemachine.StateSpec{
			DPUInitializing: {SLA: 5 * time.Minute, Next: []string{DPUConfiguring}},
			DPUConfiguring:  {SLA: 5 * time.Minute, Next: []string{DPUReady}},
			DPUReady:        {Unbounded: true, Next: []string{DPUDeleting}},
			DPUDeleting:     {SLA: 5 * time.Minute, Next: []string{DPUDeleted}},
			DPUDeleted:      {Terminal: true, Unbounded: true},
			DPUFailed:       {Terminal: true, Unbounded: true},
		},
	})
}

func handleDPUInterface(ctx context.Context, res *types.Resource, hctx *handler.Context) types.Outcome {
	var p DPUInterfacePayload
	if err := decodePayload(res, &p); err != nil {
		return types.Fatal(err)
	}

	switch res.State.Name {
	case DPUInitializing:
		if p.MAC == "" || p.IP == "" {
			return types.Fatal(fmt.Errorf("dpu interface needs mac and ip"))
		}
		return types.Transition(types.NewState(DPUConfiguring), "inventory complete")

	case DPUConfiguring:
		if _, err := hctx.Clients.DHCP.EnsureReservation(ctx, p.MAC, p.IP); err != nil {
			return types.RetryableError(fmt.Errorf("dhcp reservation: %w", err))
		}
		if p.FQDN != "" {
			if _, err := hctx.Clients.DNS.EnsureRecord(ctx, p.FQDN, p.IP); err != nil {
				return types.RetryableError(fmt.Errorf("dns record: %w", err))
			}
		}
		return types.Transition(types.NewState(DPUReady), "interface configured")

	case DPUReady:
		if p.DeleteRequested {
			return types.Transition(types.NewState(DPUDeleting), "delete requested")
		}
		return types.Wait("in service")

	case DPUDeleting:
		if _, err := hctx.Clients.DHCP.ReleaseReservation(ctx, p.MAC); err != nil {
			return types.RetryableError(fmt.Errorf("release dhcp reservation: %w", err))
		}
		if p.FQDN != "" {
			if _, err := hctx.Clients.DNS.RemoveRecord(ctx, p.FQDN); err != nil {
				return types.RetryableError(fmt.Errorf("remove dns record: %w", err))
			}
		}
		return types.Transition(types.NewState(DPUDeleted), "interface released")

	default:
		return types.RetryableError(handler.Unhandled(res.State))
	}
}
