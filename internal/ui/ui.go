// ABOUTME: UI delivery channel types for status, deltas, and permission notices
// ABOUTME: Fire-and-forget events pushed toward connected operator clients

package ui

import (
	"time"

	"github.com/2389/loom/internal/store"
)

// Event kinds delivered to operator clients.
const (
	KindStatus            = "status"
	KindMessage           = "message"
	KindDelta             = "delta"
	KindPermissionRequest = "permission_request"
	KindSession           = "session"
	KindFileChanged       = "file_changed"
	KindTodo              = "todo"
)

// Conversation status values surfaced to clients.
const (
	StatusReady    = "ready"
	StatusWorking  = "working"
	StatusWaiting  = "waiting_permission"
	StatusStopping = "stopping"
	StatusError    = "error"
)

// Event is a single UI notification scoped to a conversation.
// Exactly one payload field is set, matching Kind.
type Event struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Kind           string    `json:"kind"`
	CreatedAt      time.Time `json:"created_at"`

	Status     *StatusPayload     `json:"status,omitempty"`
	Message    *store.Message     `json:"message,omitempty"`
	Delta      *DeltaPayload      `json:"delta,omitempty"`
	Permission *PermissionPayload `json:"permission,omitempty"`
	Session    *SessionPayload    `json:"session,omitempty"`
	File       *FilePayload       `json:"file,omitempty"`
	Todo       *TodoPayload       `json:"todo,omitempty"`
}

// StatusPayload reflects the conversation's turn state.
type StatusPayload struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// DeltaPayload carries an incremental chunk of assistant text.
type DeltaPayload struct {
	Text string `json:"text"`
}

// PermissionPayload asks the operator to approve or deny a tool call.
type PermissionPayload struct {
	RequestID string `json:"request_id"`
	ToolName  string `json:"tool_name"`
	InputJSON string `json:"input_json"`
	ExpiresAt string `json:"expires_at"`
}

// SessionPayload announces backend session identity changes.
type SessionPayload struct {
	ResumeToken string `json:"resume_token"`
}

// FilePayload reports a file the agent touched during the turn.
type FilePayload struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
}

// TodoPayload carries the agent's current task list snapshot.
type TodoPayload struct {
	ItemsJSON string `json:"items_json"`
}
