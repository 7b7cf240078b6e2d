package lifecycle

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/cloudforge/anvil/pkg/handler"
	"github.com/cloudforge/anvil/pkg/statemachine"
	"github.com/cloudforge/anvil/pkg/types"
)

// Attestation lifecycle states. Rejection is a verdict, not an error:
// rejected is a regular terminal state reached through a declared edge.
const (
	AttestationPending   = "pending"
	AttestationVerifying = "verifying"
	AttestationAttested  = "attested"
	AttestationRejected  = "rejected"
	AttestationFailed    = "failed"
)

// AttestationPayload carries one measured-boot quote to verify.
type AttestationPayload struct {
	HostID string `json:"host_id"`
	Quote  string `json:"quote"` // base64
}

// AttestationDefinition is the attestation request state graph. All three
// end states are terminal, so attestation queues drain to empty.
func AttestationDefinition() *statemachine.Definition {
	return statemachine.New(statemachine.Definition{
		Kind:    types.KindAttestation,
		Initial: AttestationPending,
		Fatal:   AttestationFailed,
		States: map[string]statemachine.StateSpec{
			AttestationPending:   {SLA: time.Minute, Next: []string{AttestationVerifying}},
			AttestationVerifying: {SLA: 5 * time.Minute, Next: []string{AttestationAttested, AttestationRejected}},
			AttestationAttested:  {Terminal: true, Unbounded: true},
			AttestationRejected:  {Terminal: true, Unbounded: true},
			AttestationFailed:    {Terminal: true, Unbounded: true},
		},
	})
}

func handleAttestation(ctx context.Context, res *types.Resource, hctx *handler.Context) types.Outcome {
	var p AttestationPayload
	if err := decodePayload(res, &p); err != nil {
		return types.Fatal(err)
	}

	switch res.State.Name {
	case AttestationPending:
		if p.Quote == "" {
			return types.Fatal(fmt.Errorf("attestation request has no quote"))
		}
		return types.Transition(types.NewState(AttestationVerifying), "quote received")

	case AttestationVerifying:
		quote, err := base64.StdEncoding.DecodeString(p.Quote)
		if err != nil {
			return types.Fatal(fmt.Errorf("quote is not valid base64: %w", err))
		}
		ok, err := hctx.Clients.Attestation.Verify(ctx, quote)
		if err != nil {
			return types.RetryableError(fmt.Errorf("verify quote: %w", err))
		}
		if !ok {
			return types.Transition(types.NewState(AttestationRejected), "measurements do not match reference values")
		}
		return types.Transition(types.NewState(AttestationAttested), "measurements verified")

	default:
		return types.RetryableError(handler.Unhandled(res.State))
	}
}
