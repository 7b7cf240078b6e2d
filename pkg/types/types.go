package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a class of managed resources. Every kind has its own
// state graph, its own handler and its own lease queue table.
type Kind string

const (
	KindHost           Kind = "host"
	KindNetworkSegment Kind = "network_segment"
	KindIBPartition    Kind = "ib_partition"
	KindDPUInterface   Kind = "dpu_interface"
	KindPowerShelf     Kind = "power_shelf"
	KindSwitch         Kind = "switch"
	KindRack           Kind = "rack"
	KindAttestation    Kind = "attestation"
)

// AllKinds lists every resource kind driven by a controller instance.
// Queue tables and controllers are created from this list, so a new kind
// only needs a constant here plus a lifecycle definition.
func AllKinds() []Kind {
	return []Kind{
		KindHost,
		KindNetworkSegment,
		KindIBPartition,
		KindDPUInterface,
		KindPowerShelf,
		KindSwitch,
		KindRack,
		KindAttestation,
	}
}

// ParseKind validates a kind string received from an external caller.
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// State is one node of a resource kind's lifecycle graph. Detail carries
// an optional kind-specific sub-state document (e.g. the drain phase of a
// deleting network segment); it is serialized verbatim into history.
type State struct {
	Name   string          `json:"name"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// NewState returns a state with no sub-state detail.
func NewState(name string) State {
	return State{Name: name}
}

// Equal reports whether two states are the same node with the same detail.
func (s State) Equal(o State) bool {
	return s.Name == o.Name && string(s.Detail) == string(o.Detail)
}

func (s State) String() string {
	if len(s.Detail) == 0 {
		return s.Name
	}
	return s.Name + ":" + string(s.Detail)
}

// Resource is the persisted view of a managed entity. The controller is
// the only writer of State, StateEnteredAt and Version; Payload is owned
// by whoever created the resource (API layer, import tooling).
type Resource struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	State          State           `json:"state"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	StateEnteredAt time.Time       `json:"state_entered_at"`
	Version        int64           `json:"version"`
	LastOutcome    OutcomeKind     `json:"last_outcome,omitempty"`
	LastReason     string          `json:"last_reason,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// HistoryEntry is an immutable audit record, appended atomically with
// every realized state change. Entries are never updated or deleted.
type HistoryEntry struct {
	ResourceID string      `json:"resource_id"`
	Kind       Kind        `json:"kind"`
	PriorState State       `json:"prior_state"`
	NewState   State       `json:"new_state"`
	Timestamp  time.Time   `json:"timestamp"`
	Outcome    OutcomeKind `json:"outcome"`
	Reason     string      `json:"reason,omitempty"`
}

// Lease is a claimed queue entry: the exclusive right of one controller
// instance to reconcile one resource until released or gone stale.
type Lease struct {
	ResourceID string
	Kind       Kind
	Owner      string
	StartedAt  time.Time
	// Reclaimed is set when this claim took over a stale lease from a
	// holder that stopped renewing.
	Reclaimed bool
}

// OutcomeKind classifies the result of one handler invocation.
type OutcomeKind string

const (
	// OutcomeTransition moves the resource to a new state and schedules
	// an immediate re-evaluation (fast path through short-lived states).
	OutcomeTransition OutcomeKind = "transition"
	// OutcomeWait leaves the state alone until the next periodic pass.
	OutcomeWait OutcomeKind = "wait"
	// OutcomeRetryableError records a transient failure; the state is
	// unchanged and the handler is re-invoked on the normal cadence.
	OutcomeRetryableError OutcomeKind = "retryable_error"
	// OutcomeFatal sends the resource to its kind's terminal failed state.
	OutcomeFatal OutcomeKind = "fatal"
)

// Outcome is what a state handler returns. Exactly one of the constructor
// functions below should be used; handlers never build this directly.
type Outcome struct {
	Kind   OutcomeKind
	Next   State
	Reason string
	Err    error
}

// Transition requests an immediate move to next.
func Transition(next State, reason string) Outcome {
	return Outcome{Kind: OutcomeTransition, Next: next, Reason: reason}
}

// Wait requests re-evaluation on the normal periodic cadence.
func Wait(reason string) Outcome {
	return Outcome{Kind: OutcomeWait, Reason: reason}
}

// RetryableError reports a transient failure. Re-invoking the handler from
// the same state must be safe; repetition is the only recovery mechanism.
func RetryableError(err error) Outcome {
	return Outcome{Kind: OutcomeRetryableError, Reason: err.Error(), Err: err}
}

// Fatal reports an unrecoverable condition. The controller converts it
// into a normal transition to the kind's declared failed state.
func Fatal(err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Reason: err.Error(), Err: err}
}
