// Package lifecycle declares the state graph and decision function for
// every managed resource kind.
//
// Each kind contributes two things: a statemachine.Definition (states,
// SLAs, allowed edges, the terminal failure state) and a handler that maps
// the currently persisted state to exactly one outcome. Handlers follow a
// common shape: a switch over the state name, external effects through the
// injected clients using check-before-act calls only, and a default branch
// that reports the state as unhandled so the exhaustiveness tests catch a
// graph/handler mismatch.
//
// Deletion intent travels in the payload as a delete_requested flag set by
// the API; the ready-state branch of each handler turns it into the
// transition onto the kind's teardown path.
package lifecycle
