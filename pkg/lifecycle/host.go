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

// Host lifecycle states.
const (
	HostDiscovered      = "discovered"
	HostBMCInitializing = "bmc_initializing"
	HostProvisioning    = "provisioning"
	HostReady           = "ready"
	HostDecommissioning = "decommissioning"
	HostDeleted         = "deleted"
	HostFailed          = "failed"
)

// HostPayload is the inventory data a host is created with.
type HostPayload struct {
	BMCEndpoint     string `json:"bmc_endpoint"`
	MAC             string `json:"mac"`
	IP              string `json:"ip"`
	FQDN            string `json:"fqdn"`
	BootTarget      string `json:"boot_target,omitempty"`
	DeleteRequested bool   `json:"delete_requested,omitempty"`
}

// HostDefinition is the bare-metal host state graph: discovery through BMC
// bring-up and OS provisioning into steady state, then decommissioning.
func HostDefinition() *statemachine.Definition {
	return statemachine.New(statemachine.Definition{
		Kind:    types.KindHost,
		Initial: HostDiscovered,
		Fatal:   HostFailed,
		States: map[string]statemachine.StateSpec{
			HostDiscovered:      {SLA: 5 * time.Minute, Next: []string{HostBMCInitializing}},
			HostBMCInitializing: {SLA: 5 * time.Minute, Next: []string{HostProvisioning}},
			HostProvisioning:    {SLA: 10 * time.Minute, Next: []string{HostReady}},
			HostReady:           {Unbounded: true, Next: []string{HostDecommissioning}},
			HostDecommissioning: {SLA: 10 * time.Minute, Next: []string{HostDeleted}},
			HostDeleted:         {Terminal: true, Unbounded: true},
			HostFailed:          {Terminal: true, Unbounded: true},
		},
	})
}

func handleHost(ctx context.Context, res *types.Resource, hctx *handler.Context) types.Outcome {
	var p HostPayload
	if err := decodePayload(res, &p); err != nil {
		return types.Fatal(err)
	}

	switch res.State.Name {
	case HostDiscovered:
		if p.BMCEndpoint == "" {
			return types.Fatal(fmt.Errorf("host has no bmc_endpoint"))
		}
		// Discovery completes once the BMC answers at all.
		if _, err := hctx.Clients.BMC.PowerState(ctx, p.BMCEndpoint); err != nil {
			return types.RetryableError(fmt.Errorf("bmc unreachable: %w", err))
		}
		return types.Transition(types.NewState(HostBMCInitializing), "bmc reachable")

	case HostBMCInitializing:
		target := p.BootTarget
		if target == "" {
			target = "pxe"
		}
		if _, err := hctx.Clients.BMC.EnsureBootOrder(ctx, p.BMCEndpoint, target); err != nil {
			return types.RetryableError(fmt.Errorf("set boot order: %w", err))
		}
		if _, err := hctx.Clients.BMC.EnsurePowerOn(ctx, p.BMCEndpoint); err != nil {
			return types.RetryableError(fmt.Errorf("power on: %w", err))
		}
		return types.Transition(types.NewState(HostProvisioning), "boot order set, powered on")

	case HostProvisioning:
		state, err := hctx.Clients.BMC.PowerState(ctx, p.BMCEndpoint)
		if err != nil {
			return types.RetryableError(fmt.Errorf("bmc power state: %w", err))
		}
		if state != clients.PowerOn {
			return types.Wait("waiting for host to power on")
		}
		if p.MAC != "" && p.IP != "" {
			if _, err := hctx.Clients.DHCP.EnsureReservation(ctx, p.MAC, p.IP); err != nil {
				return types.RetryableError(fmt.Errorf("dhcp reservation: %w", err))
			}
		}
		if p.FQDN != "" && p.IP != "" {
			if _, err := hctx.Clients.DNS.EnsureRecord(ctx, p.FQDN, p.IP); err != nil {
				return types.RetryableError(fmt.Errorf("dns record: %w", err))
			}
		}
		return types.Transition(types.NewState(HostReady), "provisioned")

	case HostReady:
		if p.DeleteRequested {
			return types.Transition(types.NewState(HostDecommissioning), "decommission requested")
		}
		return types.Wait("in service")

	case HostDecommissioning:
		if p.MAC != "" {
			if _, err := hctx.Clients.DHCP.ReleaseReservation(ctx, p.MAC); err != nil {
				return types.RetryableError(fmt.Errorf("release dhcp reservation: %w", err))
			}
		}
		if p.FQDN != "" {
			if _, err := hctx.Clients.DNS.RemoveRecord(ctx, p.FQDN); err != nil {
				return types.RetryableError(fmt.Errorf("remove dns record: %w", err))
			}
		}
		if _, err := hctx.Clients.BMC.EnsurePowerOff(ctx, p.BMCEndpoint); err != nil {
			return types.RetryableError(fmt.Errorf("power off: %w", err))
		}
		return types.Transition(types.NewState(HostDeleted), "decommissioned")

	default:
		return types.RetryableError(handler.Unhandled(res.State))
	}
}
