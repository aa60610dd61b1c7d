// ABOUTME: Store interface and data types for loom persistence
// ABOUTME: Defines Conversation, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when trying to create a conversation that already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// Agent backend types routable by the orchestrator.
const (
	AgentTypeClaude   = "claude"
	AgentTypeResearch = "research"
)

// MessageKind constants for the message taxonomy
const (
	KindUser             = "user"
	KindAssistant        = "assistant"
	KindSystem           = "system"
	KindToolUse          = "tool_use"
	KindToolResult       = "tool_result"
	KindError            = "error"
	KindResearchProgress = "research_progress"
	KindResearchResult   = "research_result"
)

// Settings holds per-conversation agent settings.
type Settings struct {
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"` // "approve", "acceptEdits", "bypass"
	AllowedTools   []string `json:"allowed_tools,omitempty"`
}

// Conversation links an operator-facing conversation to an agent backend
// and carries its session continuity state. The store owns persistence;
// the orchestrator reads and patches but never caches authoritatively.
type Conversation struct {
	ID            string
	AgentID       string
	RepoPath      string
	AgentType     string // "claude" or "research"
	Title         string
	ResumeToken   *string
	ResumeTokenAt *time.Time
	BranchName    *string
	WorktreePath  *string
	Settings      Settings
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message is a single append-only entry in a conversation's log.
// Variant fields are populated according to Kind; everything else is zero.
type Message struct {
	ID             string
	ConversationID string
	Kind           string
	Content        string
	CreatedAt      time.Time

	// tool_use / tool_result
	ToolName      string
	ToolInputJSON string
	ToolCallID    string
	IsError       bool

	// assistant / terminal system
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	DurationMs   int64
	NumTurns     int64

	// research_progress / research_result
	ResearchPhase string
	SearchCount   int64
	SourcesJSON   string
}

// ConversationUpdate is a partial patch applied to a conversation.
// Nil fields are left untouched. ClearResumeToken nulls out the token
// and its timestamp regardless of the pointer fields.
type ConversationUpdate struct {
	Title            *string
	ResumeToken      *string
	ResumeTokenAt    *time.Time
	BranchName       *string
	WorktreePath     *string
	Settings         *Settings
	ClearResumeToken bool
}

// Store defines the interface for conversation and message persistence.
// Messages are append-only: SaveMessage never overwrites, and callers must
// not mutate a message after a successful save.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id string, update ConversationUpdate) error
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)

	// Messages (append-only log)
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
