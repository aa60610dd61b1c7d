// ABOUTME: Parses the CLI's stream-json output lines into backend events
// ABOUTME: Handles init, assistant blocks, deltas, tool results, control requests, and results

package claudecli

import (
	"encoding/json"
	"strings"

	"github.com/2389/loom/internal/backend"
)

// streamLine is the top-level shape of one stream-json output line.
type streamLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Model     string          `json:"model"`
	Message   json.RawMessage `json:"message"`
	Event     json.RawMessage `json:"event"`

	// result fields
	Result     string       `json:"result"`
	IsError    bool         `json:"is_error"`
	TotalCost  float64      `json:"total_cost_usd"`
	DurationMs int64        `json:"duration_ms"`
	NumTurns   int64        `json:"num_turns"`
	Usage      *streamUsage `json:"usage"`

	// control_request fields
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

type streamUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type streamMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// controlRequest is the payload of a control_request line.
type controlRequest struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input"`
}

// pendingControl surfaces a can_use_tool request the runner must answer
// on the subprocess's stdin.
type pendingControl struct {
	RequestID string
	ToolName  string
	InputJSON string
}

// parseLine turns one subprocess output line into zero or more backend events
// and, when the line is a can_use_tool control request, the request the runner
// must answer. Lines that are not JSON are treated as raw assistant text.
func parseLine(line string) ([]backend.Event, *pendingControl) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	var sl streamLine
	if err := json.Unmarshal([]byte(line), &sl); err != nil {
		return []backend.Event{{
			Kind: backend.EventAssistantText,
			Text: &backend.AssistantText{Text: line},
		}}, nil
	}

	switch sl.Type {
	case "system":
		if sl.Subtype == "init" && sl.SessionID != "" {
			return []backend.Event{{
				Kind:    backend.EventSessionStarted,
				Session: &backend.SessionStarted{ResumeToken: sl.SessionID, Model: sl.Model},
			}}, nil
		}
		return nil, nil

	case "assistant":
		return parseAssistant(sl.Message), nil

	case "user":
		return parseToolResults(sl.Message), nil

	case "stream_event":
		var ev streamEvent
		if err := json.Unmarshal(sl.Event, &ev); err != nil {
			return nil, nil
		}
		if ev.Type == "content_block_delta" && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			return []backend.Event{{
				Kind:  backend.EventAssistantDelta,
				Delta: &backend.AssistantDelta{Text: ev.Delta.Text},
			}}, nil
		}
		return nil, nil

	case "result":
		result := backend.Result{
			CostUSD:    sl.TotalCost,
			DurationMs: sl.DurationMs,
			NumTurns:   sl.NumTurns,
			IsError:    sl.IsError,
		}
		if sl.Usage != nil {
			result.InputTokens = sl.Usage.InputTokens
			result.OutputTokens = sl.Usage.OutputTokens
		}
		if sl.IsError {
			result.ErrorText = sl.Result
		}
		events := []backend.Event{{Kind: backend.EventResult, Result: &result}}
		if sl.SessionID != "" {
			events = append([]backend.Event{{
				Kind:    backend.EventSessionStarted,
				Session: &backend.SessionStarted{ResumeToken: sl.SessionID},
			}}, events...)
		}
		return events, nil

	case "control_request":
		var req controlRequest
		if err := json.Unmarshal(sl.Request, &req); err != nil || req.Subtype != "can_use_tool" {
			return nil, nil
		}
		return nil, &pendingControl{
			RequestID: sl.RequestID,
			ToolName:  req.ToolName,
			InputJSON: string(req.Input),
		}

	case "control_response":
		// Acknowledgement of our own stdin writes; nothing to surface.
		return nil, nil

	default:
		return []backend.Event{{
			Kind: backend.EventAssistantText,
			Text: &backend.AssistantText{Text: line},
		}}, nil
	}
}

// parseAssistant expands assistant message content blocks: text blocks become
// assistant text events, tool_use blocks become tool use events.
func parseAssistant(raw json.RawMessage) []backend.Event {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	var events []backend.Event
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if strings.TrimSpace(block.Text) == "" {
				continue
			}
			events = append(events, backend.Event{
				Kind: backend.EventAssistantText,
				Text: &backend.AssistantText{Text: block.Text},
			})
		case "tool_use":
			events = append(events, backend.Event{
				Kind: backend.EventToolUse,
				ToolUse: &backend.ToolUse{
					CallID:    block.ID,
					Name:      block.Name,
					InputJSON: string(block.Input),
				},
			})
		}
	}
	return events
}

// parseToolResults extracts tool_result blocks from the CLI's user-role echo
// lines. Plain user text is skipped: the orchestrator already persisted it.
func parseToolResults(raw json.RawMessage) []backend.Event {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	var events []backend.Event
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		events = append(events, backend.Event{
			Kind: backend.EventToolResult,
			ToolResult: &backend.ToolResult{
				CallID:  block.ToolUseID,
				Content: flattenToolContent(block.Content),
				IsError: block.IsError,
			},
		})
	}
	return events
}

// flattenToolContent renders a tool_result content field, which is either a
// plain string or a list of text blocks.
func flattenToolContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
