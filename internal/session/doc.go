// Package session owns hub session reliability settings.
//
// Ownership boundary:
// - pull wait and operation timeouts
// - reconnect backoff primitives
//
// Session lifecycle itself belongs to package signup.
package session
