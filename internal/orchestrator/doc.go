// Package orchestrator drives one conversational turn end to end.
//
// # Turn Lifecycle
//
// StartTurn registers a turn handle in the session registry, persists the
// operator's message, and launches the turn:
//
//  1. Resolve the conversation's backend adapter
//  2. Supersede any in-flight turn: cancel pending approvals, interrupt the
//     backend, and wait for the old turn's stop record to land before
//     persisting the new user message
//  3. Provision the working directory (worktree binder, when enabled)
//  4. Invoke the adapter with the prompt, resume token, and history
//  5. Normalize the adapter's event stream into stored messages and UI events
//  6. On completion: derive a title, auto-commit worktree changes, publish
//     the terminal ready status
//
// Every failure path releases the turn handle and returns the conversation
// to ready; a conversation can never be left stuck busy.
//
// # Event Normalization
//
// The normalizer maps provider events onto the message taxonomy: assistant
// text (folded into one message per turn, stamped with the result envelope's
// usage accounting), tool_use/tool_result pairs sharing call IDs, research
// progress and result records, terminal system records, and error records.
// Permission events block on the gate and relay the operator's decision back
// to the adapter. Failures surface as an error status before the terminal
// ready.
//
// # Session Continuity
//
// Resume tokens announced by backends are cached in the registry and
// persisted on the conversation. GetResumeToken checks the cache first, then
// falls back to the store, discarding tokens older than the configured TTL.
package orchestrator
