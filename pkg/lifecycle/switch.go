package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudforge/anvil/pkg/handler"
	"github.com/cloudforge/anvil/pkg/statemachine"
	"github.com/cloudforge/anvil/pkg/types"
)

// Switch lifecycle states.
const (
	SwitchProvisioning    = "provisioning"
	SwitchReady           = "ready"
	SwitchDecommissioning = "decommissioning"
	SwitchDeleted         = "deleted"
	SwitchFailed          = "failed"
)

// SwitchPayload describes a fabric switch's management plane.
type SwitchPayload struct {
	MgmtIP          string `json:"mgmt_ip"`
	FQDN            string `json:"fqdn"`
	DeleteRequested bool   `json:"delete_requested,omitempty"`
}

// SwitchDefinition is the switch state graph. The engine only manages the
// switch's management-plane records; port and protocol config belongs to
// the fabric controller.
func SwitchDefinition() *statemachine.Definition {
	return statemachine.New(statemachine.Definition{
		Kind:    types.KindSwitch,
		Initial: SwitchProvisioning,
		Fatal:   SwitchFailed,
		States: map[string]statemachine.StateSpec{
			SwitchProvisioning:    {SLA: 5 * time.Minute, Next: []string{SwitchReady}},
			SwitchReady:           {Unbounded: true, Next: []string{SwitchDecommissioning}},
			SwitchDecommissioning: {SLA: 5 * time.Minute, Next: []string{SwitchDeleted}},
			SwitchDeleted:         {Terminal: true, Unbounded: true},
			SwitchFailed:          {Terminal: true, Unbounded: true},
		},
	})
}

func handleSwitch(ctx context.Context, res *types.Resource, hctx *handler.Context) types.Outcome {
	var p SwitchPayload
	if err := decodePayload(res, &p); err != nil {
		return types.Fatal(err)
	}

	switch res.State.Name {
	case SwitchProvisioning:
		if p.MgmtIP == "" {
			return types.Fatal(fmt.Errorf("switch has no mgmt_ip"))
		}
		if p.FQDN != "" {
			if _, err := hctx.Clients.DNS.EnsureRecord(ctx, p.FQDN, p.MgmtIP); err != nil {
				return types.RetryableError(fmt.Errorf("dns record: %w", err))
			}
		}
		return types.Transition(types.NewState(SwitchReady), "management records in place")

	case SwitchReady:
		if p.DeleteRequested {
			return types.Transition(types.NewState(SwitchDecommissioning), "decommission requested")
		}
		return types.Wait("in service")

	case SwitchDecommissioning:
		if p.FQDN != "" {
			if _, err := hctx.Clients.DNS.RemoveRecord(ctx, p.FQDN); err != nil {
				return types.RetryableError(fmt.Errorf("remove dns record: %w", err))
			}
		}
		return types.Transition(types.NewState(SwitchDeleted), "decommissioned")

	default:
		return types.RetryableError(handler.Unhandled(res.State))
	}
}
