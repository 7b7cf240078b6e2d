package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudforge/anvil/pkg/handler"
	"github.com/cloudforge/anvil/pkg/statemachine"
	"github.com/cloudforge/anvil/pkg/types"
)

// Network segment lifecycle states.
const (
	SegmentProvisioning = "provisioning"
	SegmentReady        = "ready"
	SegmentDeleting     = "deleting"
	SegmentDeleted      = "deleted"
	SegmentFailed       = "failed"
)

// Deletion phases carried in the deleting state's detail document. A
// segment must drain its address allocations before the fabric tears the
// VNI down.
const (
	SegmentPhaseDrain    = "drain_allocated_ips"
	SegmentPhaseTeardown = "teardown"
)

// SegmentPayload describes an Ethernet segment on the fabric.
type SegmentPayload struct {
	VNI             int  `json:"vni"`
	DeleteRequested bool `json:"delete_requested,omitempty"`
}

// segmentDetail is the deleting state's sub-state document.
type segmentDetail struct {
	Phase     string `json:"phase"`
	Remaining int    `json:"remaining,omitempty"`
}

// NetworkSegmentDefinition is the Ethernet segment state graph. Deletion
// has a generous SLA because draining allocations depends on tenants
// releasing addresses.
func NetworkSegmentDefinition() *statemachine.Definition {
	return statemachine.New(statemachine.Definition{
		Kind:    types.KindNetworkSegment,
		Initial: SegmentProvisioning,
		Fatal:   SegmentFailed,
		States: map[string]statemachine.StateSpec{
			SegmentProvisioning: {SLA: 5 * time.Minute, Next: []string{SegmentReady}},
			SegmentReady:        {Unbounded: true, Next: []string{SegmentDeleting}},
			SegmentDeleting:     {SLA: 30 * time.Minute, Next: []string{SegmentDeleted}},
			SegmentDeleted:      {Terminal: true, Unbounded: true},
			SegmentFailed:       {Terminal: true, Unbounded: true},
		},
	})
}

func handleNetworkSegment(ctx context.Context, res *types.Resource, hctx *handler.Context) types.Outcome {
	var p SegmentPayload
	if err := decodePayload(res, &p); err != nil {
		return types.Fatal(err)
	}

	switch res.State.Name {
	case SegmentProvisioning:
		if p.VNI <= 0 {
			return types.Fatal(fmt.Errorf("segment has no vni"))
		}
		if _, err := hctx.Clients.Fabric.EnsureSegment(ctx, res.ID, p.VNI); err != nil {
			return types.RetryableError(fmt.Errorf("ensure segment: %w", err))
		}
		return types.Transition(types.NewState(SegmentReady), "segment programmed")

	case SegmentReady:
		if p.DeleteRequested {
			return types.Transition(
				segmentState(SegmentDeleting, segmentDetail{Phase: SegmentPhaseDrain}),
				"delete requested")
		}
		return types.Wait("in service")

	case SegmentDeleting:
		var detail segmentDetail
		if len(res.State.Detail) > 0 {
			if err := json.Unmarshal(res.State.Detail, &detail); err != nil {
				return types.Fatal(fmt.Errorf("malformed deleting detail: %w", err))
			}
		}
		if detail.Phase == "" {
			detail.Phase = SegmentPhaseDrain
		}

		switch detail.Phase {
		case SegmentPhaseDrain:
			remaining, err := hctx.Clients.Fabric.AllocatedIPs(ctx, res.ID)
			if err != nil {
				return types.RetryableError(fmt.Errorf("count allocations: %w", err))
			}
			if remaining > 0 {
				return types.Wait(fmt.Sprintf("waiting for %d allocations to drain", remaining))
			}
			return types.Transition(
				segmentState(SegmentDeleting, segmentDetail{Phase: SegmentPhaseTeardown}),
				"allocations drained")
		case SegmentPhaseTeardown:
			if _, err := hctx.Clients.Fabric.RemoveSegment(ctx, res.ID); err != nil {
				return types.RetryableError(fmt.Errorf("remove segment: %w", err))
			}
			return types.Transition(types.NewState(SegmentDeleted), "segment removed")
		default:
			return types.Fatal(fmt.Errorf("unknown deletion phase %q", detail.Phase))
		}

	default:
		return types.RetryableError(handler.Unhandled(res.State))
	}
}

func segmentState(name string, detail segmentDetail) types.State {
	data, _ := json.Marshal(detail)
	return types.State{Name: name, Detail: data}
}
