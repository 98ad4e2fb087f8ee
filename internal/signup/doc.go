// Package signup owns device identity registration and the hub command session.
//
// Ownership boundary:
// - idempotent registration (create, or fetch when already present)
// - the single active session per helper
// - the receive loop: pull -> dispatch -> acknowledge|reject
// - handler subscription
//
// Lifecycle order:
// - resolve identity -> register -> open session -> receive
//
// - the receive loop stops on the first pull or finalize failure; rebuilding
// the session is the caller's job (see package agent).
//
// Payload interpretation is out of scope; handlers receive opaque hub.Message values.
package signup
