// Package permission gates risky tool invocations behind operator approval.
//
// Ask registers a pending request, notifies connected clients, and blocks
// until one of three things happens: the operator resolves it, the timeout
// elapses (auto-deny, reason "timed out"), or the turn is cancelled. A
// cancelled request resolves with outcome "cancelled", observably distinct
// from an operator denial.
//
// Resolve accepts only operator-producible outcomes (approved, denied) and
// fails for unknown request IDs, so a late resolution after timeout is a
// no-op rather than an error path the caller must guard.
package permission
