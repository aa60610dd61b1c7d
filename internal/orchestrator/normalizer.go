// ABOUTME: Event normalizer: folds backend events into the stored message taxonomy
// ABOUTME: One instance lives per turn and tracks what the stream produced

package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom/internal/backend"
	"github.com/2389/loom/internal/store"
	"github.com/2389/loom/internal/ui"
)

// todoWriteTool is broadcast as a task-list snapshot instead of a plain tool call.
const todoWriteTool = "TodoWrite"

// normalizer consumes one turn's backend events, persisting messages and
// publishing UI notifications as the taxonomy dictates. Assistant text and
// the result envelope are held back until the stream closes so the turn's
// single assistant message can carry the usage accounting.
type normalizer struct {
	controller *Controller
	conv       *store.Conversation
	userPrompt string

	assistantText string
	result        *backend.Result
}

func (n *normalizer) handle(ctx context.Context, ev backend.Event) {
	switch ev.Kind {
	case backend.EventSessionStarted:
		n.onSessionStarted(ctx, ev.Session)
	case backend.EventAssistantDelta:
		n.controller.broadcaster.Publish(&ui.Event{
			ConversationID: n.conv.ID,
			Kind:           ui.KindDelta,
			Delta:          &ui.DeltaPayload{Text: ev.Delta.Text},
		})
	case backend.EventAssistantText:
		if n.assistantText != "" {
			n.assistantText += "\n\n"
		}
		n.assistantText += ev.Text.Text
	case backend.EventToolUse:
		n.onToolUse(ev.ToolUse)
	case backend.EventToolResult:
		n.persist(&store.Message{
			Kind:       store.KindToolResult,
			Content:    ev.ToolResult.Content,
			ToolCallID: ev.ToolResult.CallID,
			IsError:    ev.ToolResult.IsError,
		})
	case backend.EventPermission:
		n.onPermission(ctx, ev.Permission)
	case backend.EventResearchProgress:
		n.persist(&store.Message{
			Kind:          store.KindResearchProgress,
			Content:       ev.Research.Detail,
			ResearchPhase: ev.Research.Phase,
		})
	case backend.EventResearchResult:
		n.persist(&store.Message{
			Kind:          store.KindResearchResult,
			Content:       ev.Research.Detail,
			ResearchPhase: ev.Research.Phase,
			SearchCount:   ev.Research.SearchCount,
			SourcesJSON:   ev.Research.SourcesJSON,
		})
	case backend.EventResult:
		n.onResult(ev.Result)
	case backend.EventError:
		n.persist(&store.Message{
			Kind:    store.KindError,
			Content: ev.Err.Message,
			IsError: true,
		})
		n.controller.publishStatus(n.conv.ID, ui.StatusError, ev.Err.Message)
	}
}

// onSessionStarted records the backend's session identity. A token that
// disagrees with the stored one is logged and adopted: the backend is the
// authority on its own sessions.
func (n *normalizer) onSessionStarted(ctx context.Context, s *backend.SessionStarted) {
	if s.ResumeToken == "" {
		return
	}
	if n.conv.ResumeToken != nil && *n.conv.ResumeToken != "" && *n.conv.ResumeToken != s.ResumeToken {
		n.controller.logger.Info("backend session diverged from stored token, adopting new one",
			"conversation_id", n.conv.ID,
			"stored", *n.conv.ResumeToken,
			"received", s.ResumeToken)
	}

	n.controller.registry.StoreResumeToken(n.conv.ID, s.ResumeToken)

	now := time.Now().UTC()
	token := s.ResumeToken
	if err := n.controller.store.UpdateConversation(ctx, n.conv.ID, store.ConversationUpdate{
		ResumeToken:   &token,
		ResumeTokenAt: &now,
	}); err != nil {
		n.controller.logger.Warn("persisting resume token", "conversation_id", n.conv.ID, "error", err)
	}
	n.conv.ResumeToken = &token
	n.conv.ResumeTokenAt = &now

	n.controller.broadcaster.Publish(&ui.Event{
		ConversationID: n.conv.ID,
		Kind:           ui.KindSession,
		Session:        &ui.SessionPayload{ResumeToken: s.ResumeToken},
	})
}

func (n *normalizer) onToolUse(use *backend.ToolUse) {
	n.persist(&store.Message{
		Kind:          store.KindToolUse,
		ToolName:      use.Name,
		ToolInputJSON: use.InputJSON,
		ToolCallID:    use.CallID,
	})

	switch use.Name {
	case todoWriteTool:
		n.controller.broadcaster.Publish(&ui.Event{
			ConversationID: n.conv.ID,
			Kind:           ui.KindTodo,
			Todo:           &ui.TodoPayload{ItemsJSON: use.InputJSON},
		})
	case "Write", "Edit", "MultiEdit", "NotebookEdit":
		if path := extractFilePath(use.InputJSON); path != "" {
			n.controller.broadcaster.Publish(&ui.Event{
				ConversationID: n.conv.ID,
				Kind:           ui.KindFileChanged,
				File:           &ui.FilePayload{Path: path, Operation: use.Name},
			})
		}
	}
}

// onPermission blocks the turn on the gate and relays the decision back to
// the adapter. The status flip makes clients render the waiting state.
func (n *normalizer) onPermission(ctx context.Context, req *backend.PermissionRequest) {
	n.controller.publishStatus(n.conv.ID, ui.StatusWaiting, req.ToolName)
	decision := n.controller.gate.Ask(ctx, n.conv.ID, req.ToolName, req.InputJSON)
	n.controller.publishStatus(n.conv.ID, ui.StatusWorking, "")
	req.Respond <- decision
}

// onResult records the result envelope; finish persists it so the assistant
// message lands first.
func (n *normalizer) onResult(result *backend.Result) {
	n.result = result
}

// finish runs after the event stream closes. Accumulated assistant text is
// persisted as one message stamped with the result envelope's accounting,
// then the closing system record. A cancelled turn gets its stop record
// here, before the registry releases the handle, so a superseding turn's
// user message always lands after it.
func (n *normalizer) finish(ctx context.Context) {
	if n.assistantText != "" {
		msg := &store.Message{
			Kind:    store.KindAssistant,
			Content: n.assistantText,
		}
		if n.result != nil {
			msg.InputTokens = n.result.InputTokens
			msg.OutputTokens = n.result.OutputTokens
			msg.CostUSD = n.result.CostUSD
			msg.DurationMs = n.result.DurationMs
		}
		n.persist(msg)
	}

	switch {
	case n.result != nil:
		n.persistResult(n.result)
	case ctx.Err() != nil:
		n.persist(&store.Message{
			Kind:    store.KindSystem,
			Content: "turn stopped",
		})
	}
}

// persistResult writes the turn's closing record with usage accounting.
func (n *normalizer) persistResult(result *backend.Result) {
	content := "turn complete"
	kind := store.KindSystem
	if result.IsError {
		kind = store.KindError
		content = result.ErrorText
		if content == "" {
			content = "turn failed"
		}
	}

	n.persist(&store.Message{
		Kind:         kind,
		Content:      content,
		IsError:      result.IsError,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		CostUSD:      result.CostUSD,
		DurationMs:   result.DurationMs,
		NumTurns:     result.NumTurns,
	})

	if result.IsError {
		n.controller.publishStatus(n.conv.ID, ui.StatusError, content)
	}
}

// persist saves a message, filling in identity and timestamps, and mirrors it
// to the UI channel. Store failures are logged; the turn keeps going.
func (n *normalizer) persist(msg *store.Message) {
	msg.ID = uuid.New().String()
	msg.ConversationID = n.conv.ID
	msg.CreatedAt = time.Now().UTC()

	if err := n.controller.store.SaveMessage(context.Background(), msg); err != nil {
		n.controller.logger.Error("persisting message",
			"conversation_id", n.conv.ID,
			"kind", msg.Kind,
			"error", err)
		return
	}
	n.controller.publishMessage(msg)
}

// extractFilePath pulls the file path out of an editing tool's input.
func extractFilePath(inputJSON string) string {
	var input struct {
		FilePath     string `json:"file_path"`
		Path         string `json:"path"`
		NotebookPath string `json:"notebook_path"`
	}
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return ""
	}
	switch {
	case input.FilePath != "":
		return input.FilePath
	case input.Path != "":
		return input.Path
	default:
		return input.NotebookPath
	}
}
