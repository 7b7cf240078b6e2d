package lifecycle

import (
	"encoding/json"
	"fmt"

	"github.com/cloudforge/anvil/pkg/handler"
	"github.com/cloudforge/anvil/pkg/statemachine"
	"github.com/cloudforge/anvil/pkg/types"
)

// Definitions returns the state graph for every managed kind, keyed by
// kind. The set is closed: a controller instance runs exactly one loop per
// entry here.
func Definitions() map[types.Kind]*statemachine.Definition {
	return map[types.Kind]*statemachine.Definition{
		types.KindHost:           HostDefinition(),
		types.KindNetworkSegment: NetworkSegmentDefinition(),
		types.KindIBPartition:    IBPartitionDefinition(),
		types.KindDPUInterface:   DPUInterfaceDefinition(),
		types.KindPowerShelf:     PowerShelfDefinition(),
		types.KindSwitch:         SwitchDefinition(),
		types.KindRack:           RackDefinition(),
		types.KindAttestation:    AttestationDefinition(),
	}
}

// Handlers returns the decision function for every managed kind.
func Handlers() map[types.Kind]handler.Handler {
	return map[types.Kind]handler.Handler{
		types.KindHost:           handler.Func(handleHost),
		types.KindNetworkSegment: handler.Func(handleNetworkSegment),
		types.KindIBPartition:    handler.Func(handleIBPartition),
		types.KindDPUInterface:   handler.Func(handleDPUInterface),
		types.KindPowerShelf:     handler.Func(handlePowerShelf),
		types.KindSwitch:         handler.Func(handleSwitch),
		types.KindRack:           handler.Func(handleRack),
		types.KindAttestation:    handler.Func(handleAttestation),
	}
}

// decodePayload unmarshals a resource payload. A payload that does not
// parse is fatal: malformed data never becomes well formed by retrying.
func decodePayload[T any](res *types.Resource, out *T) error {
	if len(res.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Payload, out); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

// deleteRequested reports whether the payload carries the deletion intent
// flag, regardless of kind.
func deleteRequested(res *types.Resource) bool {
	var marker struct {
		DeleteRequested bool `json:"delete_requested"`
	}
	if len(res.Payload) == 0 {
		return false
	}
	if err := json.Unmarshal(res.Payload, &marker); err != nil {
		return false
	}
	return marker.DeleteRequested
}
