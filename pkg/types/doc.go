/*
Package types defines the shared data model of the Anvil control plane.

The central concepts are:

Resource: any entity with a controller-managed lifecycle (host, network
segment, InfiniBand partition, DPU interface, power shelf, switch, rack,
attestation record). Each resource carries exactly one authoritative
lifecycle state and a monotonically increasing version; transitions for a
single resource are totally ordered.

Outcome: the closed result taxonomy of a state handler invocation:
Transition, Wait, RetryableError, Fatal. Every failure mode of the system
maps into this taxonomy; handlers never crash the controller.

HistoryEntry: the append-only audit trail. One entry per realized state
change, written atomically with the change itself.

Lease: a time-bounded exclusive claim on the right to reconcile one
resource, the mechanism behind "at most one reconciliation per resource at
a time" across a horizontally scaled controller fleet.
*/
package types
