// ABOUTME: HTTP API handlers for conversations, turns, and permission resolution
// ABOUTME: Streams turn progress and UI events to clients via SSE

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom/internal/orchestrator"
	"github.com/2389/loom/internal/store"
	"github.com/2389/loom/internal/ui"
)

// heartbeatInterval is how often SSE streams emit a comment to detect dead
// connections.
const heartbeatInterval = 30 * time.Second

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	ID        string          `json:"id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	RepoPath  string          `json:"repo_path,omitempty"`
	AgentType string          `json:"agent_type,omitempty"`
	Title     string          `json:"title,omitempty"`
	Settings  *store.Settings `json:"settings,omitempty"`
}

// ConversationResponse is the JSON shape for a conversation.
type ConversationResponse struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id,omitempty"`
	RepoPath     string          `json:"repo_path,omitempty"`
	AgentType    string          `json:"agent_type"`
	Title        string          `json:"title,omitempty"`
	BranchName   string          `json:"branch_name,omitempty"`
	WorktreePath string          `json:"worktree_path,omitempty"`
	HasSession   bool            `json:"has_session"`
	Settings     *store.Settings `json:"settings,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

// MessageResponse is the JSON shape for one message in a conversation's log.
type MessageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	Content        string `json:"content,omitempty"`
	CreatedAt      string `json:"created_at"`

	ToolName      string `json:"tool_name,omitempty"`
	ToolInputJSON string `json:"tool_input_json,omitempty"`
	ToolCallID    string `json:"tool_call_id,omitempty"`
	IsError       bool   `json:"is_error,omitempty"`

	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
	NumTurns     int64   `json:"num_turns,omitempty"`

	ResearchPhase string `json:"research_phase,omitempty"`
	SearchCount   int64  `json:"search_count,omitempty"`
	SourcesJSON   string `json:"sources_json,omitempty"`
}

// HistoryResponse is the JSON response for GET /api/conversations/{id}/messages.
type HistoryResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageResponse `json:"messages"`
}

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// ResolvePermissionRequest is the JSON request body for POST /api/permissions/resolve.
type ResolvePermissionRequest struct {
	RequestID         string `json:"request_id"`
	Approve           bool   `json:"approve"`
	Reason            string `json:"reason,omitempty"`
	ModifiedInputJSON string `json:"modified_input_json,omitempty"`
}

// SessionResponse is the JSON response for GET /api/conversations/{id}/session.
type SessionResponse struct {
	ConversationID string `json:"conversation_id"`
	ResumeToken    string `json:"resume_token,omitempty"`
	Active         bool   `json:"active"`
}

// handleConversations routes collection-level conversation requests.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListConversations(w, r)
	case http.MethodPost:
		g.handleCreateConversation(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleConversationRoutes dispatches /api/conversations/{id}[/...] requests.
func (g *Gateway) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.SplitN(rest, "/", 2)
	convID := parts[0]
	if convID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		g.handleGetConversation(w, r, convID)
	case "messages":
		switch r.Method {
		case http.MethodGet:
			g.handleHistory(w, r, convID)
		case http.MethodPost:
			g.handleSendMessage(w, r, convID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "stop":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		g.handleStop(w, r, convID)
	case "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		g.streamEvents(w, r, convID)
	case "session":
		switch r.Method {
		case http.MethodGet:
			g.handleGetSession(w, r, convID)
		case http.MethodDelete:
			g.handleClearSession(w, r, convID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	default:
		g.sendJSONError(w, http.StatusNotFound, "unknown resource")
	}
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	agentType := req.AgentType
	if agentType == "" {
		agentType = store.AgentTypeClaude
	}
	if _, err := g.backends.Resolve(agentType); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown agent_type %q", agentType))
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:        id,
		AgentID:   req.AgentID,
		RepoPath:  req.RepoPath,
		AgentType: agentType,
		Title:     req.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Settings != nil {
		conv.Settings = *req.Settings
	}

	if err := g.store.CreateConversation(r.Context(), conv); err != nil {
		if errors.Is(err, store.ErrDuplicateConversation) {
			g.sendJSONError(w, http.StatusConflict, "conversation already exists")
			return
		}
		g.logger.Error("failed to create conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(conversationResponse(conv))
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 50, 500)
	if !ok {
		return
	}

	convs, err := g.store.ListConversations(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := ListConversationsResponse{
		Conversations: make([]ConversationResponse, len(convs)),
	}
	for i, conv := range convs {
		response.Conversations[i] = conversationResponse(conv)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request, convID string) {
	conv, err := g.store.GetConversation(r.Context(), convID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(conversationResponse(conv))
}

// handleHistory handles GET /api/conversations/{id}/messages.
// Returns the message log in chronological order, optionally limited to the
// most recent ?limit=N entries.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request, convID string) {
	limit, ok := parseLimit(w, r, 50, 1000)
	if !ok {
		return
	}

	if _, err := g.store.GetConversation(r.Context(), convID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		g.logger.Error("failed to get conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	messages, err := g.store.ListMessages(r.Context(), convID, limit)
	if err != nil {
		g.logger.Error("failed to list messages", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := HistoryResponse{
		ConversationID: convID,
		Messages:       make([]MessageResponse, len(messages)),
	}
	for i, msg := range messages {
		response.Messages[i] = messageResponse(msg)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
// It starts a turn and streams its progress via SSE. With ?stream=false the
// turn still starts but the response is a single JSON acknowledgment; clients
// can follow along on the events stream instead.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request, convID string) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	streaming := r.URL.Query().Get("stream") != "false"

	// Check streaming support before starting the turn (fail fast).
	flusher, ok := w.(http.Flusher)
	if streaming && !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before starting so no turn event is missed. The turn itself
	// is not bound to the request context: it keeps running if the client
	// disconnects, and the log stays the source of truth.
	var events <-chan *ui.Event
	var subID string
	if streaming {
		events, subID = g.broadcaster.Subscribe(r.Context(), convID)
		defer g.broadcaster.Unsubscribe(convID, subID)
	}

	turnID, err := g.controller.StartTurn(r.Context(), convID, req.Content)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		g.logger.Error("failed to start turn", "error", err, "conversation_id", convID)
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !streaming {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"conversation_id": convID,
			"turn_id":         turnID,
		})
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "started", map[string]string{
		"conversation_id": convID,
		"turn_id":         turnID,
	})
	flusher.Flush()

	g.streamTurn(r, w, flusher, events)
}

// streamTurn relays UI events as SSE until the turn's terminal ready status.
// A superseded turn's trailing ready event may still be queued from before
// this turn started, so ready only terminates the stream once this turn's
// working status has been seen.
func (g *Gateway) streamTurn(r *http.Request, w http.ResponseWriter, flusher http.Flusher, events <-chan *ui.Event) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	sawWorking := false
	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case event, ok := <-events:
			if !ok {
				return
			}

			g.writeSSEEvent(w, event.Kind, event)
			flusher.Flush()

			if event.Kind == ui.KindStatus && event.Status != nil {
				switch event.Status.Status {
				case ui.StatusWorking:
					sawWorking = true
				case ui.StatusReady:
					if sawWorking {
						return
					}
				}
			}
		}
	}
}

// handleStop handles POST /api/conversations/{id}/stop.
func (g *Gateway) handleStop(w http.ResponseWriter, r *http.Request, convID string) {
	err := g.controller.Stop(r.Context(), convID)
	if errors.Is(err, orchestrator.ErrNoActiveTurn) {
		g.sendJSONError(w, http.StatusConflict, "no active turn for conversation")
		return
	}
	if err != nil {
		g.logger.Error("failed to stop turn", "error", err, "conversation_id", convID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "stopping"})
}

// handleResolvePermission handles POST /api/permissions/resolve.
func (g *Gateway) handleResolvePermission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req ResolvePermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RequestID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	if err := g.controller.ResolvePermission(req.RequestID, req.Approve, req.Reason, req.ModifiedInputJSON); err != nil {
		g.sendJSONError(w, http.StatusNotFound, "no pending permission request")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "resolved"})
}

// handleGetSession handles GET /api/conversations/{id}/session.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request, convID string) {
	token, err := g.controller.GetResumeToken(r.Context(), convID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get resume token", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SessionResponse{
		ConversationID: convID,
		ResumeToken:    token,
		Active:         token != "",
	})
}

// handleClearSession handles DELETE /api/conversations/{id}/session.
// The next turn starts a fresh backend session.
func (g *Gateway) handleClearSession(w http.ResponseWriter, r *http.Request, convID string) {
	if err := g.controller.ClearSession(r.Context(), convID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		g.logger.Error("failed to clear session", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleAllEvents handles GET /api/events, the firehose across all
// conversations. Per-conversation subscriptions use
// GET /api/conversations/{id}/events.
func (g *Gateway) handleAllEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g.streamEvents(w, r, "*")
}

// streamEvents streams UI events for one conversation (or all, with "*") as
// SSE until the client disconnects.
func (g *Gateway) streamEvents(w http.ResponseWriter, r *http.Request, convID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, subID := g.broadcaster.Subscribe(r.Context(), convID)
	defer g.broadcaster.Unsubscribe(convID, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "connected", map[string]string{"conversation_id": convID})
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case event, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, event.Kind, event)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseLimit reads the optional ?limit query parameter, writing a 400 and
// returning ok=false when it is not a positive integer.
func parseLimit(w http.ResponseWriter, r *http.Request, def, max int) (int, bool) {
	limit := def
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "limit must be a positive integer"})
			return 0, false
		}
		limit = parsed
		if limit > max {
			limit = max
		}
	}
	return limit, true
}

// conversationResponse converts a stored conversation to its JSON shape.
func conversationResponse(conv *store.Conversation) ConversationResponse {
	resp := ConversationResponse{
		ID:         conv.ID,
		AgentID:    conv.AgentID,
		RepoPath:   conv.RepoPath,
		AgentType:  conv.AgentType,
		Title:      conv.Title,
		HasSession: conv.ResumeToken != nil && *conv.ResumeToken != "",
		CreatedAt:  conv.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  conv.UpdatedAt.Format(time.RFC3339),
	}
	if conv.BranchName != nil {
		resp.BranchName = *conv.BranchName
	}
	if conv.WorktreePath != nil {
		resp.WorktreePath = *conv.WorktreePath
	}
	if conv.Settings.Model != "" || conv.Settings.PermissionMode != "" || len(conv.Settings.AllowedTools) > 0 {
		settings := conv.Settings
		resp.Settings = &settings
	}
	return resp
}

// messageResponse converts a stored message to its JSON shape.
func messageResponse(msg *store.Message) MessageResponse {
	return MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Kind:           msg.Kind,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt.Format(time.RFC3339),
		ToolName:       msg.ToolName,
		ToolInputJSON:  msg.ToolInputJSON,
		ToolCallID:     msg.ToolCallID,
		IsError:        msg.IsError,
		InputTokens:    msg.InputTokens,
		OutputTokens:   msg.OutputTokens,
		CostUSD:        msg.CostUSD,
		DurationMs:     msg.DurationMs,
		NumTurns:       msg.NumTurns,
		ResearchPhase:  msg.ResearchPhase,
		SearchCount:    msg.SearchCount,
		SourcesJSON:    msg.SourcesJSON,
	}
}
