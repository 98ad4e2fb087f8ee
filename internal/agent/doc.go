// Package agent owns the device process runtime.
//
// Ownership boundary:
// - signup.Helper lifecycle and reconnect supervision
// - hub client selection by connection string scheme
// - status and metrics HTTP surface
//
// Message semantics belong to handlers registered through signup options.
package agent
