// Package events provides an in-process publish/subscribe broker for
// resource lifecycle events.
//
// The controller publishes an event for every realized transition, every
// fatal outcome and every stale lease takeover; the API layer subscribes
// to stream them to operators. Delivery is best effort: a slow subscriber
// whose buffer is full misses events rather than stalling reconciliation.
package events
