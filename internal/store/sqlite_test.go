// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers conversation CRUD, partial updates, and message ordering/limiting

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func testConversation(id string) *Conversation {
	now := time.Now().UTC().Truncate(time.Second)
	return &Conversation{
		ID:        id,
		AgentID:   "agent-001",
		RepoPath:  "/tmp/repo",
		AgentType: AgentTypeClaude,
		Title:     "",
		Settings:  Settings{Model: "claude-sonnet-4-5", PermissionMode: "default"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist in nested directory")
}

func TestStore_CreateAndGetConversation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-123")
	require.NoError(t, store.CreateConversation(ctx, conv))

	got, err := store.GetConversation(ctx, "conv-123")
	require.NoError(t, err)
	assert.Equal(t, "conv-123", got.ID)
	assert.Equal(t, "agent-001", got.AgentID)
	assert.Equal(t, "/tmp/repo", got.RepoPath)
	assert.Equal(t, AgentTypeClaude, got.AgentType)
	assert.Equal(t, "claude-sonnet-4-5", got.Settings.Model)
	assert.Nil(t, got.ResumeToken)
	assert.Nil(t, got.BranchName)
}

func TestStore_CreateConversation_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-dup")
	require.NoError(t, store.CreateConversation(ctx, conv))

	err := store.CreateConversation(ctx, conv)
	assert.ErrorIs(t, err, ErrDuplicateConversation)
}

func TestStore_GetConversation_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateConversation_Partial(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-upd")
	require.NoError(t, store.CreateConversation(ctx, conv))

	title := "fix flaky websocket test"
	token := "sess_abc123"
	tokenAt := time.Now().UTC().Truncate(time.Second)
	err := store.UpdateConversation(ctx, "conv-upd", ConversationUpdate{
		Title:         &title,
		ResumeToken:   &token,
		ResumeTokenAt: &tokenAt,
	})
	require.NoError(t, err)

	got, err := store.GetConversation(ctx, "conv-upd")
	require.NoError(t, err)
	assert.Equal(t, "fix flaky websocket test", got.Title)
	require.NotNil(t, got.ResumeToken)
	assert.Equal(t, "sess_abc123", *got.ResumeToken)
	require.NotNil(t, got.ResumeTokenAt)
	assert.True(t, got.ResumeTokenAt.Equal(tokenAt))
	// Fields not named in the update are untouched
	assert.Equal(t, "agent-001", got.AgentID)
	assert.Nil(t, got.BranchName)
}

func TestStore_UpdateConversation_ClearResumeToken(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-clear")
	require.NoError(t, store.CreateConversation(ctx, conv))

	token := "sess_expired"
	tokenAt := time.Now().UTC()
	require.NoError(t, store.UpdateConversation(ctx, "conv-clear", ConversationUpdate{
		ResumeToken:   &token,
		ResumeTokenAt: &tokenAt,
	}))

	require.NoError(t, store.UpdateConversation(ctx, "conv-clear", ConversationUpdate{
		ClearResumeToken: true,
	}))

	got, err := store.GetConversation(ctx, "conv-clear")
	require.NoError(t, err)
	assert.Nil(t, got.ResumeToken)
	assert.Nil(t, got.ResumeTokenAt)
}

func TestStore_UpdateConversation_Worktree(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-wt")
	require.NoError(t, store.CreateConversation(ctx, conv))

	branch := "loom/conv-wt"
	path := "/tmp/worktrees/conv-wt"
	require.NoError(t, store.UpdateConversation(ctx, "conv-wt", ConversationUpdate{
		BranchName:   &branch,
		WorktreePath: &path,
	}))

	got, err := store.GetConversation(ctx, "conv-wt")
	require.NoError(t, err)
	require.NotNil(t, got.BranchName)
	assert.Equal(t, "loom/conv-wt", *got.BranchName)
	require.NotNil(t, got.WorktreePath)
	assert.Equal(t, "/tmp/worktrees/conv-wt", *got.WorktreePath)
}

func TestStore_UpdateConversation_NotFound(t *testing.T) {
	store := setupTestStore(t)

	title := "nope"
	err := store.UpdateConversation(context.Background(), "missing", ConversationUpdate{Title: &title})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListConversations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		conv := testConversation(fmt.Sprintf("conv-%d", i))
		conv.UpdatedAt = conv.UpdatedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreateConversation(ctx, conv))
	}

	convs, err := store.ListConversations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, convs, 3)
	// Most recently updated first
	assert.Equal(t, "conv-2", convs[0].ID)
	assert.Equal(t, "conv-0", convs[2].ID)

	limited, err := store.ListConversations(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStore_SaveAndListMessages_AppendOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-msgs")
	require.NoError(t, store.CreateConversation(ctx, conv))

	// Same timestamp for all: order must fall back to insertion order.
	at := time.Now().UTC().Truncate(time.Second)
	kinds := []string{KindUser, KindAssistant, KindToolUse, KindToolResult, KindAssistant}
	for i, kind := range kinds {
		msg := &Message{
			ID:             fmt.Sprintf("msg-%d", i),
			ConversationID: "conv-msgs",
			Kind:           kind,
			Content:        fmt.Sprintf("content %d", i),
			CreatedAt:      at,
		}
		require.NoError(t, store.SaveMessage(ctx, msg))
	}

	msgs, err := store.ListMessages(ctx, "conv-msgs", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), msg.ID, "messages must come back in append order")
		assert.Equal(t, kinds[i], msg.Kind)
	}
}

func TestStore_SaveMessage_ToolFields(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-tool")
	require.NoError(t, store.CreateConversation(ctx, conv))

	use := &Message{
		ID:             "msg-use",
		ConversationID: "conv-tool",
		Kind:           KindToolUse,
		ToolName:       "Bash",
		ToolInputJSON:  `{"command":"go test ./..."}`,
		ToolCallID:     "toolu_01",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.SaveMessage(ctx, use))

	result := &Message{
		ID:             "msg-result",
		ConversationID: "conv-tool",
		Kind:           KindToolResult,
		Content:        "ok: 12 passed",
		ToolCallID:     "toolu_01",
		IsError:        false,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.SaveMessage(ctx, result))

	msgs, err := store.ListMessages(ctx, "conv-tool", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Bash", msgs[0].ToolName)
	assert.Equal(t, `{"command":"go test ./..."}`, msgs[0].ToolInputJSON)
	assert.Equal(t, "toolu_01", msgs[1].ToolCallID)
	assert.False(t, msgs[1].IsError)
}

func TestStore_SaveMessage_UsageFields(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-usage")
	require.NoError(t, store.CreateConversation(ctx, conv))

	msg := &Message{
		ID:             "msg-sys",
		ConversationID: "conv-usage",
		Kind:           KindSystem,
		Content:        "turn complete",
		InputTokens:    1024,
		OutputTokens:   256,
		CostUSD:        0.0153,
		DurationMs:     4210,
		NumTurns:       3,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.SaveMessage(ctx, msg))

	msgs, err := store.ListMessages(ctx, "conv-usage", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1024), msgs[0].InputTokens)
	assert.Equal(t, int64(256), msgs[0].OutputTokens)
	assert.InDelta(t, 0.0153, msgs[0].CostUSD, 1e-9)
	assert.Equal(t, int64(4210), msgs[0].DurationMs)
	assert.Equal(t, int64(3), msgs[0].NumTurns)
}

func TestStore_SaveMessage_ResearchFields(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-research")
	conv.AgentType = AgentTypeResearch
	require.NoError(t, store.CreateConversation(ctx, conv))

	msg := &Message{
		ID:             "msg-research",
		ConversationID: "conv-research",
		Kind:           KindResearchResult,
		Content:        "summary of findings",
		ResearchPhase:  "complete",
		SearchCount:    4,
		SourcesJSON:    `[{"url":"https://example.com","title":"Example"}]`,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.SaveMessage(ctx, msg))

	msgs, err := store.ListMessages(ctx, "conv-research", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "complete", msgs[0].ResearchPhase)
	assert.Equal(t, int64(4), msgs[0].SearchCount)
	assert.Contains(t, msgs[0].SourcesJSON, "example.com")
}

func TestStore_ListMessages_Limit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-limit")
	require.NoError(t, store.CreateConversation(ctx, conv))

	for i := 0; i < 10; i++ {
		msg := &Message{
			ID:             fmt.Sprintf("msg-%d", i),
			ConversationID: "conv-limit",
			Kind:           KindUser,
			Content:        fmt.Sprintf("m%d", i),
			CreatedAt:      time.Now().UTC(),
		}
		require.NoError(t, store.SaveMessage(ctx, msg))
	}

	msgs, err := store.ListMessages(ctx, "conv-limit", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	// Limit keeps the most recent messages, still in append order
	assert.Equal(t, "msg-7", msgs[0].ID)
	assert.Equal(t, "msg-9", msgs[2].ID)
}

func TestStore_SettingsRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-settings")
	conv.Settings = Settings{
		Model:          "claude-opus-4-5",
		PermissionMode: "acceptEdits",
		AllowedTools:   []string{"Read", "Grep", "Glob"},
	}
	require.NoError(t, store.CreateConversation(ctx, conv))

	got, err := store.GetConversation(ctx, "conv-settings")
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-5", got.Settings.Model)
	assert.Equal(t, "acceptEdits", got.Settings.PermissionMode)
	assert.Equal(t, []string{"Read", "Grep", "Glob"}, got.Settings.AllowedTools)

	updated := Settings{Model: "claude-haiku-4-5", PermissionMode: "default"}
	require.NoError(t, store.UpdateConversation(ctx, "conv-settings", ConversationUpdate{
		Settings: &updated,
	}))

	got, err = store.GetConversation(ctx, "conv-settings")
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", got.Settings.Model)
	assert.Empty(t, got.Settings.AllowedTools)
}
