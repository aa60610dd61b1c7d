// Package store provides persistent storage for loom using SQLite.
//
// # Architecture
//
// The Store interface covers conversations and their append-only message
// logs. SQLiteStore is the durable implementation (pure-Go modernc driver,
// WAL mode); MockStore is an in-memory implementation for tests.
//
// # Data Models
//
//   - Conversation: links an operator-facing conversation to an agent
//     backend, with resume token, worktree binding, and per-conversation
//     settings
//   - Message: one entry in a conversation's log, tagged with a Kind from
//     the message taxonomy (user, assistant, system, tool_use, tool_result,
//     error, research_progress, research_result) and variant fields
//
// # Append-Only Log
//
// SaveMessage never overwrites. History reads return chronological order
// with insertion order breaking timestamp ties, so messages persisted in the
// same millisecond keep their causal order. ListMessages with a limit
// returns the most recent N messages, still oldest-first.
//
// # Partial Updates
//
// UpdateConversation applies a ConversationUpdate patch: nil fields are left
// untouched, and ClearResumeToken nulls the token and its timestamp
// atomically. The store is the source of truth; callers do not cache
// conversations authoritatively.
package store
