// ABOUTME: Backend adapter contract and the provider-neutral event taxonomy
// ABOUTME: Adapters translate provider streams into Events consumed by the turn loop

package backend

import (
	"context"

	"github.com/2389/loom/internal/permission"
	"github.com/2389/loom/internal/store"
)

// EventKind classifies a normalized backend event.
type EventKind string

const (
	// EventSessionStarted carries the backend's resume token for this session.
	EventSessionStarted EventKind = "session_started"
	// EventAssistantText is a complete assistant text block.
	EventAssistantText EventKind = "assistant_text"
	// EventAssistantDelta is an incremental chunk of assistant text.
	EventAssistantDelta EventKind = "assistant_delta"
	// EventToolUse reports the agent invoking a tool.
	EventToolUse EventKind = "tool_use"
	// EventToolResult reports a tool's output.
	EventToolResult EventKind = "tool_result"
	// EventPermission asks the operator to approve a tool call.
	EventPermission EventKind = "permission"
	// EventResearchProgress reports a phase change in a research run.
	EventResearchProgress EventKind = "research_progress"
	// EventResearchResult is the final research report.
	EventResearchResult EventKind = "research_result"
	// EventResult closes the turn with usage and cost accounting.
	EventResult EventKind = "result"
	// EventError reports a provider failure mid-turn.
	EventError EventKind = "error"
)

// Event is one normalized occurrence on a backend stream. Exactly the payload
// matching Kind is set.
type Event struct {
	Kind EventKind

	Session    *SessionStarted
	Text       *AssistantText
	Delta      *AssistantDelta
	ToolUse    *ToolUse
	ToolResult *ToolResult
	Permission *PermissionRequest
	Research   *ResearchUpdate
	Result     *Result
	Err        *TurnError
}

// SessionStarted announces the backend session identity.
type SessionStarted struct {
	ResumeToken string
	Model       string
}

// AssistantText is a finished block of assistant prose.
type AssistantText struct {
	Text string
}

// AssistantDelta is a streaming text fragment.
type AssistantDelta struct {
	Text string
}

// ToolUse describes a tool invocation the agent has issued.
type ToolUse struct {
	CallID    string
	Name      string
	InputJSON string
}

// ToolResult carries a tool's output back.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// PermissionRequest pauses the stream until a Decision arrives on Respond.
// The channel is buffered; the consumer must send exactly one Decision.
type PermissionRequest struct {
	ToolName  string
	InputJSON string
	Respond   chan<- permission.Decision
}

// ResearchUpdate reports research phase transitions and, at the end, findings.
type ResearchUpdate struct {
	Phase       string
	Detail      string
	SearchCount int64
	SourcesJSON string
	Final       bool
}

// Result is the turn's terminal accounting event.
type Result struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	DurationMs   int64
	NumTurns     int64
	IsError      bool
	ErrorText    string
}

// TurnError is a mid-turn provider failure. Fatal errors end the stream.
type TurnError struct {
	Message string
	Fatal   bool
}

// TurnRequest is everything an adapter needs to run one turn. History holds
// prior turns only: the current prompt travels in Prompt, never both.
type TurnRequest struct {
	ConversationID string
	Prompt         string
	ResumeToken    string
	WorkingDir     string
	Settings       store.Settings
	History        []*store.Message
}

// Adapter runs turns against one provider. Invoke streams Events on the
// returned channel and closes it when the turn is over; the error covers
// failures to start at all. Interrupt asks a running turn to stop gracefully.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, req TurnRequest) (<-chan Event, error)
	Interrupt(conversationID string) error
}
