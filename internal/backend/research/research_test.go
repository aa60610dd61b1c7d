// ABOUTME: Tests for the research adapter's report and source extraction
// ABOUTME: Builds messages from API-shaped JSON rather than live calls

package research

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageFromJSON(t *testing.T, raw string) *anthropic.Message {
	t.Helper()
	var msg anthropic.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return &msg
}

func TestCollectText(t *testing.T) {
	msg := messageFromJSON(t, `{
		"content": [
			{"type":"text","text":"First finding."},
			{"type":"server_tool_use","id":"srvtoolu_1","name":"web_search","input":{"query":"go sqlite wal"}},
			{"type":"text","text":"Second finding."}
		]
	}`)

	assert.Equal(t, "First finding.\nSecond finding.", collectText(msg))
}

func TestCollectSources(t *testing.T) {
	msg := messageFromJSON(t, `{
		"content": [
			{"type":"web_search_tool_result","tool_use_id":"srvtoolu_1","content":[
				{"type":"web_search_result","url":"https://example.com/a","title":"A"},
				{"type":"web_search_result","url":"https://example.com/b","title":"B"}
			]},
			{"type":"web_search_tool_result","tool_use_id":"srvtoolu_2","content":[
				{"type":"web_search_result","url":"https://example.com/a","title":"A again"}
			]},
			{"type":"text","text":"report"}
		]
	}`)

	sources := collectSources(msg)
	require.Len(t, sources, 2, "duplicate URLs should be collapsed")
	assert.Equal(t, "https://example.com/a", sources[0].URL)
	assert.Equal(t, "A", sources[0].Title)
	assert.Equal(t, "https://example.com/b", sources[1].URL)
}

func TestCollectSources_NoResults(t *testing.T) {
	msg := messageFromJSON(t, `{"content":[{"type":"text","text":"nothing searched"}]}`)
	assert.Empty(t, collectSources(msg))
}

func TestAdapter_Defaults(t *testing.T) {
	a := New(Options{}, nil)
	assert.Equal(t, "claude-sonnet-4-5", a.opts.Model)
	assert.Equal(t, 8, a.opts.MaxSearches)
	assert.Equal(t, "research", a.Name())
}

func TestAdapter_InterruptUnknownConversation(t *testing.T) {
	a := New(Options{}, nil)
	assert.NoError(t, a.Interrupt("never-started"))
}
