package lifecycle

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudforge/anvil/pkg/clients"
	"github.com/cloudforge/anvil/pkg/handler"
	"github.com/cloudforge/anvil/pkg/types"
)

// validPayloads is a well-formed payload per kind, rich enough to drive
// any state branch without hitting a fatal validation error.
var validPayloads = map[types.Kind]string{
	types.KindHost:           `{"bmc_endpoint":"10.0.0.9","mac":"aa:bb:cc:dd:ee:01","ip":"10.0.1.9","fqdn":"host-1.dc1.example.com"}`,
	types.KindNetworkSegment: `{"vni":4097}`,
	types.KindIBPartition:    `{"pkey":4096}`,
	types.KindDPUInterface:   `{"mac":"aa:bb:cc:dd:ee:02","ip":"10.0.2.9","fqdn":"dpu-1.dc1.example.com"}`,
	types.KindPowerShelf:     `{"controller_endpoint":"10.0.3.9"}`,
	types.KindSwitch:         `{"mgmt_ip":"10.0.4.9","fqdn":"sw-1.dc1.example.com"}`,
	types.KindRack:           `{"datacenter":"dc1","row":"r3"}`,
	types.KindAttestation:    `{"host_id":"host-1","quote":"cXVvdGU="}`,
}

func TestEveryKindHasDefinitionAndHandler(t *testing.T) {
	defs := Definitions()
	handlers := Handlers()

	for _, kind := range types.AllKinds() {
		assert.Contains(t, defs, kind, "missing definition")
		assert.Contains(t, handlers, kind, "missing handler")
	}
	assert.Len(t, defs, len(types.AllKinds()))
	assert.Len(t, handlers, len(types.AllKinds()))
}

func TestDefinitionsValidate(t *testing.T) {
	for kind, def := range Definitions() {
		assert.NoError(t, def.Validate(), "definition for %s", kind)
		assert.Equal(t, kind, def.Kind)
	}
}

// Every non-terminal state of every graph must have handler logic: a
// resource parked in a declared state with no branch would retry forever.
func TestHandlersCoverEveryNonTerminalState(t *testing.T) {
	defs := Definitions()
	handlers := Handlers()
	cl, _, _, _, _, _ := clients.MockSet()

	for kind, def := range defs {
		h := handlers[kind]
		for _, state := range def.StateNames() {
			if def.Terminal(state) {
				continue
			}
			t.Run(string(kind)+"/"+state, func(t *testing.T) {
				res := &types.Resource{
					ID:      "res-1",
					Kind:    kind,
					State:   types.NewState(state),
					Payload: json.RawMessage(validPayloads[kind]),
					Version: 1,
				}
				outcome := h.Handle(context.Background(), res, &handler.Context{Clients: cl})
				if outcome.Err != nil {
					assert.NotErrorIs(t, outcome.Err, handler.ErrUnhandledState,
						"state %s of %s has no handler branch", state, kind)
				}
			})
		}
	}
}

// A handler may only request edges its own graph declares.
func TestHandlersOnlyRequestDeclaredEdges(t *testing.T) {
	defs := Definitions()
	handlers := Handlers()
	cl, _, _, _, _, _ := clients.MockSet()

	for kind, def := range defs {
		h := handlers[kind]
		for _, state := range def.StateNames() {
			if def.Terminal(state) {
				continue
			}
			res := &types.Resource{
				ID:      "res-1",
				Kind:    kind,
				State:   types.NewState(state),
				Payload: json.RawMessage(validPayloads[kind]),
				Version: 1,
			}
			outcome := h.Handle(context.Background(), res, &handler.Context{Clients: cl})
			if outcome.Kind != types.OutcomeTransition || outcome.Next.Name == state {
				continue
			}
			assert.True(t, def.Allowed(state, outcome.Next.Name),
				"%s handler requested undeclared edge %s -> %s", kind, state, outcome.Next.Name)
		}
	}
}

func TestMalformedPayloadIsFatal(t *testing.T) {
	handlers := Handlers()
	cl, _, _, _, _, _ := clients.MockSet()

	for kind, def := range Definitions() {
		res := &types.Resource{
			ID:      "res-1",
			Kind:    kind,
			State:   types.NewState(def.Initial),
			Payload: json.RawMessage(`{broken`),
			Version: 1,
		}
		outcome := handlers[kind].Handle(context.Background(), res, &handler.Context{Clients: cl})
		assert.Equal(t, types.OutcomeFatal, outcome.Kind, "kind %s", kind)
	}
}

func TestDeleteRequestedStartsTeardownFromReady(t *testing.T) {
	handlers := Handlers()
	cl, _, _, _, _, _ := clients.MockSet()

	// Kinds with a steady ready state and a payload-driven teardown.
	readyStates := map[types.Kind]string{
		types.KindHost:           HostReady,
		types.KindNetworkSegment: SegmentReady,
		types.KindIBPartition:    PartitionReady,
		types.KindDPUInterface:   DPUReady,
		types.KindPowerShelf:     ShelfReady,
		types.KindSwitch:         SwitchReady,
		types.KindRack:           RackReady,
	}

	for kind, ready := range readyStates {
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(validPayloads[kind]), &payload))
		payload["delete_requested"] = true
		raw, err := json.Marshal(payload)
		require.NoError(t, err)

		res := &types.Resource{
			ID:      "res-1",
			Kind:    kind,
			State:   types.NewState(ready),
			Payload: raw,
			Version: 1,
		}
		outcome := handlers[kind].Handle(context.Background(), res, &handler.Context{Clients: cl})
		assert.Equal(t, types.OutcomeTransition, outcome.Kind, "kind %s", kind)
		assert.NotEqual(t, ready, outcome.Next.Name, "kind %s must leave ready", kind)
	}
}
