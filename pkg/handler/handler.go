package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cloudforge/anvil/pkg/clients"
	"github.com/cloudforge/anvil/pkg/types"
)

// ErrUnhandledState is returned by a handler's default branch when it is
// invoked for a state it has no logic for. The exhaustiveness tests drive
// every declared state through every handler and fail on this error; at
// runtime the controller treats it as a retryable handler error.
var ErrUnhandledState = errors.New("no handler logic for state")

// Unhandled wraps ErrUnhandledState with the offending state name.
func Unhandled(state types.State) error {
	return fmt.Errorf("%w: %s", ErrUnhandledState, state.Name)
}

// Context carries everything a handler may consult during one invocation:
// the injected external collaborators and a logger already scoped to the
// resource. Handlers must not keep references past the invocation.
type Context struct {
	Clients clients.Set
	Log     zerolog.Logger
}

// Handler is the per-resource-kind decision function. Given the resource
// as currently persisted, it returns exactly one outcome. The contract:
//
//   - Handlers never mutate persisted state themselves; they only decide.
//   - Handlers must be side-effect idempotent: re-running against the same
//     persisted state (e.g. after a crash between side effect and persist)
//     must not corrupt external systems or duplicate effects. External
//     calls are check-before-act (the clients.Set Ensure* operations).
//   - A Fatal outcome is a decision, not an exception: the controller
//     turns it into a transition to the kind's declared failed state.
type Handler interface {
	Handle(ctx context.Context, res *types.Resource, hctx *Context) types.Outcome
}

// Func adapts a plain function to the Handler interface.
type Func func(ctx context.Context, res *types.Resource, hctx *Context) types.Outcome

func (f Func) Handle(ctx context.Context, res *types.Resource, hctx *Context) types.Outcome {
	return f(ctx, res, hctx)
}
