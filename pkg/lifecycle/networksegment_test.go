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

func segmentResource(state types.State) *types.Resource {
	return &types.Resource{
		ID:      "seg-1",
		Kind:    types.KindNetworkSegment,
		State:   state,
		Payload: json.RawMessage(validPayloads[types.KindNetworkSegment]),
		Version: 1,
	}
}

func TestSegmentDeletionDrainsBeforeTeardown(t *testing.T) {
	cl, _, fabric, _, _, _ := clients.MockSet()
	hctx := &handler.Context{Clients: cl}
	ctx := context.Background()

	deleting := segmentState(SegmentDeleting, segmentDetail{Phase: SegmentPhaseDrain})

	// Allocations outstanding: the segment must wait, not tear down.
	fabric.SetAllocatedIPs("seg-1", 12)
	out := handleNetworkSegment(ctx, segmentResource(deleting), hctx)
	require.Equal(t, types.OutcomeWait, out.Kind)
	assert.Contains(t, out.Reason, "12 allocations")
	assert.Zero(t, fabric.SegmentOps, "no fabric mutation while draining")

	// Drained: advance to the teardown phase within the same state.
	fabric.SetAllocatedIPs("seg-1", 0)
	out = handleNetworkSegment(ctx, segmentResource(deleting), hctx)
	require.Equal(t, types.OutcomeTransition, out.Kind)
	assert.Equal(t, SegmentDeleting, out.Next.Name)
	var detail segmentDetail
	require.NoError(t, json.Unmarshal(out.Next.Detail, &detail))
	assert.Equal(t, SegmentPhaseTeardown, detail.Phase)

	// Teardown phase removes the segment and finishes.
	out = handleNetworkSegment(ctx, segmentResource(out.Next), hctx)
	require.Equal(t, types.OutcomeTransition, out.Kind)
	assert.Equal(t, SegmentDeleted, out.Next.Name)
}

func TestSegmentProvisioningIsIdempotent(t *testing.T) {
	cl, _, fabric, _, _, _ := clients.MockSet()
	hctx := &handler.Context{Clients: cl}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out := handleNetworkSegment(ctx, segmentResource(types.NewState(SegmentProvisioning)), hctx)
		require.Equal(t, types.OutcomeTransition, out.Kind)
		assert.Equal(t, SegmentReady, out.Next.Name)
	}
	assert.Equal(t, 1, fabric.SegmentOps, "segment programmed once")
}

func TestSegmentWithoutVNIIsFatal(t *testing.T) {
	cl, _, _, _, _, _ := clients.MockSet()
	res := segmentResource(types.NewState(SegmentProvisioning))
	res.Payload = json.RawMessage(`{}`)

	out := handleNetworkSegment(context.Background(), res, &handler.Context{Clients: cl})
	assert.Equal(t, types.OutcomeFatal, out.Kind)
}
