// Package gateway wires the loom server components and exposes the HTTP API.
//
// # Overview
//
// The gateway package is the central coordinator of the loom server. It owns
// the store, the session registry, the permission gate, the backend adapters,
// the worktree binder, the UI broadcaster, and the turn controller, and serves
// them over a single HTTP server.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /api/conversations - Create a conversation
//   - GET /api/conversations - List conversations
//   - GET /api/conversations/{id} - Get one conversation
//   - GET /api/conversations/{id}/messages - Message history
//   - POST /api/conversations/{id}/messages - Start a turn (SSE streaming response)
//   - POST /api/conversations/{id}/stop - Interrupt the in-flight turn
//   - GET /api/conversations/{id}/events - Subscribe to UI events (SSE)
//   - GET /api/conversations/{id}/session - Resume token status
//   - DELETE /api/conversations/{id}/session - Drop session continuity
//   - POST /api/permissions/resolve - Approve or deny a pending tool call
//   - GET /api/events - Event firehose across all conversations (SSE)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// # SSE Streaming
//
// Turn progress and UI events are streamed as Server-Sent Events:
//
//	event: started
//	data: {"conversation_id": "...", "turn_id": "..."}
//
//	event: message
//	data: {"kind": "assistant", "message": {...}}
//
//	event: status
//	data: {"status": {"status": "ready"}}
//
// Event types mirror the UI event kinds: status, message, delta,
// permission_request, session, file_changed, todo.
//
// # Authentication
//
// When auth.jwt_secret is configured, all /api routes require a bearer token
// verified by internal/auth. Health endpoints are always open.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx cancels
//
// Run performs a graceful shutdown when the context is canceled; Shutdown can
// also be driven directly with its own deadline.
package gateway
