package statemachine

import (
	"fmt"
	"time"

	"github.com/cloudforge/anvil/pkg/types"
)

// StateSpec describes one node of a kind's lifecycle graph.
//
// Every state either carries an SLA (the expected maximum dwell time) or
// is explicitly marked Unbounded; there is no implicit "no SLA". Terminal
// states have no outgoing transitions and must be unbounded.
type StateSpec struct {
	// SLA is the expected maximum time a resource dwells in this state.
	// Ignored when Unbounded is set.
	SLA time.Duration

	// Unbounded marks steady states (ready, terminal) that a resource may
	// occupy indefinitely without being considered stuck.
	Unbounded bool

	// Terminal marks states with no outgoing transitions.
	Terminal bool

	// Next lists the state names a handler may transition to from here.
	Next []string
}

// Definition is the closed state graph of one resource kind: the states,
// their SLAs and the allowed transition edges. Definitions are pure data;
// they perform no I/O and are validated once at construction.
type Definition struct {
	Kind    types.Kind
	Initial string
	// Fatal is the terminal error state that Fatal outcomes resolve to.
	Fatal  string
	States map[string]StateSpec
}

// Validate checks the structural invariants of the graph. It is called by
// New and again by the exhaustiveness tests; a definition that does not
// validate must never reach a running controller.
func (d *Definition) Validate() error {
	if d.Kind == "" {
		return fmt.Errorf("definition has no kind")
	}
	if len(d.States) == 0 {
		return fmt.Errorf("%s: definition has no states", d.Kind)
	}
	if _, ok := d.States[d.Initial]; !ok {
		return fmt.Errorf("%s: initial state %q is not declared", d.Kind, d.Initial)
	}
	fatal, ok := d.States[d.Fatal]
	if !ok {
		return fmt.Errorf("%s: fatal state %q is not declared", d.Kind, d.Fatal)
	}
	if !fatal.Terminal {
		return fmt.Errorf("%s: fatal state %q must be terminal", d.Kind, d.Fatal)
	}
	for name, spec := range d.States {
		if spec.Terminal && len(spec.Next) > 0 {
			return fmt.Errorf("%s: terminal state %q declares transitions", d.Kind, name)
		}
		if spec.Terminal && !spec.Unbounded {
			return fmt.Errorf("%s: terminal state %q must be unbounded", d.Kind, name)
		}
		if !spec.Unbounded && spec.SLA <= 0 {
			return fmt.Errorf("%s: state %q has neither an SLA nor the unbounded flag", d.Kind, name)
		}
		for _, next := range spec.Next {
			if _, ok := d.States[next]; !ok {
				return fmt.Errorf("%s: state %q transitions to undeclared state %q", d.Kind, name, next)
			}
		}
	}
	return nil
}

// New validates and returns the definition. It panics on an invalid graph:
// definitions are static program data, and a broken one is a programming
// error that must fail at startup, not during reconciliation.
func New(d Definition) *Definition {
	if err := d.Validate(); err != nil {
		panic(err)
	}
	return &d
}

// Spec returns the spec for a state name.
func (d *Definition) Spec(name string) (StateSpec, bool) {
	s, ok := d.States[name]
	return s, ok
}

// Allowed reports whether the graph contains the edge from -> to.
func (d *Definition) Allowed(from, to string) bool {
	spec, ok := d.States[from]
	if !ok {
		return false
	}
	for _, next := range spec.Next {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state name is terminal. Unknown states are
// not terminal; the controller treats them as handler errors.
func (d *Definition) Terminal(name string) bool {
	spec, ok := d.States[name]
	return ok && spec.Terminal
}

// StateNames returns every declared state name in unspecified order.
func (d *Definition) StateNames() []string {
	names := make([]string, 0, len(d.States))
	for name := range d.States {
		names = append(names, name)
	}
	return names
}

// SLAVerdict is the SLA evaluation of a resource's current dwell time,
// computed at read/metrics time against the static table.
type SLAVerdict struct {
	// SLA is zero when the state is unbounded.
	SLA time.Duration `json:"sla,omitempty"`
	// AboveSLA is true when the dwell time exceeded a bounded SLA.
	AboveSLA bool `json:"above_sla"`
}

// EvaluateSLA compares the time a resource has spent in a state against
// the state's SLA. Unknown states are always above SLA: a resource parked
// in a state the graph no longer declares is by definition stuck.
func (d *Definition) EvaluateSLA(stateName string, timeInState time.Duration) SLAVerdict {
	spec, ok := d.States[stateName]
	if !ok {
		return SLAVerdict{AboveSLA: true}
	}
	if spec.Unbounded {
		return SLAVerdict{}
	}
	return SLAVerdict{SLA: spec.SLA, AboveSLA: timeInState > spec.SLA}
}
