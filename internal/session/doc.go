// Package session tracks in-flight turn handles and cached resume tokens.
//
// The registry guarantees at most one active turn per conversation:
// BeginTurn atomically swaps in the new handle and returns the superseded
// one so the caller can cancel and drain it. Resume tokens are cached with a
// TTL (25 days by default) matching provider-side session expiry.
package session
