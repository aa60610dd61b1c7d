// ABOUTME: Tests for the SDK adapter's history replay and interrupt plumbing
// ABOUTME: API-facing paths are exercised via parameter construction, not live calls

package agentsdk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom/internal/store"
)

func TestBuildHistory_ReplaysUserAndAssistantOnly(t *testing.T) {
	history := []*store.Message{
		{Kind: store.KindUser, Content: "fix the flaky test"},
		{Kind: store.KindAssistant, Content: "Looking at it now."},
		{Kind: store.KindToolUse, ToolName: "bash", Content: ""},
		{Kind: store.KindToolResult, Content: "ok"},
		{Kind: store.KindSystem, Content: "turn complete"},
		{Kind: store.KindError, Content: "transient failure"},
		{Kind: store.KindUser, Content: "try again"},
	}

	messages := buildHistory(history)
	require.Len(t, messages, 3)
	assert.Equal(t, "user", string(messages[0].Role))
	assert.Equal(t, "assistant", string(messages[1].Role))
	assert.Equal(t, "user", string(messages[2].Role))
}

func TestBuildHistory_SkipsEmptyContent(t *testing.T) {
	history := []*store.Message{
		{Kind: store.KindUser, Content: ""},
		{Kind: store.KindAssistant, Content: ""},
	}
	assert.Empty(t, buildHistory(history))
}

func TestAdapter_Defaults(t *testing.T) {
	a := New(Options{}, nil)
	assert.Equal(t, "claude-sonnet-4-5", a.opts.Model)
	assert.Equal(t, 8192, a.opts.MaxTokens)
	assert.Equal(t, "agent-sdk", a.Name())
}

func TestAdapter_InterruptUnknownConversation(t *testing.T) {
	a := New(Options{}, nil)
	assert.NoError(t, a.Interrupt("never-started"))
}
