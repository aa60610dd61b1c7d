// ABOUTME: Turn controller: drives one conversational turn end to end
// ABOUTME: Owns start/stop/permission/resume operations and the ready-state guarantee

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom/internal/backend"
	"github.com/2389/loom/internal/permission"
	"github.com/2389/loom/internal/session"
	"github.com/2389/loom/internal/settings"
	"github.com/2389/loom/internal/store"
	"github.com/2389/loom/internal/ui"
	"github.com/2389/loom/internal/worktree"
)

var (
	// ErrNoActiveTurn is returned by Stop when nothing is running.
	ErrNoActiveTurn = errors.New("no active turn for conversation")
)

const (
	// supersedeWait bounds how long StartTurn waits for a superseded turn to
	// finish cleanup before persisting the new user message.
	supersedeWait = 10 * time.Second

	// titleMaxLen caps auto-derived conversation titles.
	titleMaxLen = 80
)

// Options configures the controller.
type Options struct {
	// ResumeTokenTTL invalidates stored resume tokens older than this.
	ResumeTokenTTL time.Duration
}

// Controller coordinates conversations, the session registry, the permission
// gate, backend adapters, and the message store. Every failure path returns
// the conversation to ready.
type Controller struct {
	store       store.Store
	registry    *session.Registry
	gate        *permission.Gate
	router      *backend.Router
	binder      *worktree.Binder
	broadcaster *ui.Broadcaster
	logger      *slog.Logger
	ttl         time.Duration
}

// NewController wires the controller. All collaborators are required except
// the binder, which may be disabled.
func NewController(st store.Store, registry *session.Registry, gate *permission.Gate, router *backend.Router, binder *worktree.Binder, broadcaster *ui.Broadcaster, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.ResumeTokenTTL
	if ttl <= 0 {
		ttl = session.ResumeTokenTTL
	}
	return &Controller{
		store:       st,
		registry:    registry,
		gate:        gate,
		router:      router,
		binder:      binder,
		broadcaster: broadcaster,
		logger:      logger.With("component", "orchestrator"),
		ttl:         ttl,
	}
}

// StartTurn begins a new turn for the conversation, superseding any turn
// already in flight. The superseded turn's stop record is persisted before
// the new user message, so history reads in order. Returns the turn ID.
func (c *Controller) StartTurn(ctx context.Context, conversationID, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt must not be empty")
	}

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}

	adapter, err := c.router.Resolve(conv.AgentType)
	if err != nil {
		return "", err
	}

	turnID := uuid.New().String()
	handle, prev := c.registry.BeginTurn(context.Background(), conversationID, turnID)

	if prev != nil {
		// Cancel-then-start: unblock any pending approvals, interrupt the
		// backend, and wait (bounded) for the old turn's cleanup so its stop
		// record lands before our user message.
		c.gate.CancelConversation(conversationID)
		if err := adapter.Interrupt(conversationID); err != nil {
			c.logger.Warn("interrupting superseded turn", "error", err)
		}
		select {
		case <-prev.Done():
		case <-time.After(supersedeWait):
			c.logger.Warn("superseded turn did not finish cleanup in time",
				"conversation_id", conversationID,
				"old_turn", prev.TurnID)
		}
	}

	userMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Kind:           store.KindUser,
		Content:        prompt,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.store.SaveMessage(ctx, userMsg); err != nil {
		c.registry.EndTurn(handle)
		return "", fmt.Errorf("persisting user message: %w", err)
	}
	c.publishMessage(userMsg)
	c.publishStatus(conversationID, ui.StatusWorking, "")

	go c.runTurn(handle, conv, adapter, prompt, userMsg.ID)

	return turnID, nil
}

// Stop interrupts the conversation's in-flight turn. The turn's own cleanup
// persists the stop record and returns the conversation to ready.
func (c *Controller) Stop(ctx context.Context, conversationID string) error {
	handle := c.registry.Lookup(conversationID)
	if handle == nil {
		return ErrNoActiveTurn
	}

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	adapter, err := c.router.Resolve(conv.AgentType)
	if err != nil {
		return err
	}

	c.publishStatus(conversationID, ui.StatusStopping, "")
	c.gate.CancelConversation(conversationID)
	if err := adapter.Interrupt(conversationID); err != nil {
		c.logger.Warn("interrupt failed, cancelling context", "error", err)
	}
	handle.Cancel()
	return nil
}

// ResolvePermission relays the operator's verdict on a pending request.
func (c *Controller) ResolvePermission(requestID string, approve bool, reason, modifiedInputJSON string) error {
	decision := permission.Decision{Outcome: permission.OutcomeDenied, Reason: reason}
	if approve {
		decision = permission.Decision{Outcome: permission.OutcomeApproved, ModifiedInputJSON: modifiedInputJSON}
	}
	return c.gate.Resolve(requestID, decision)
}

// GetResumeToken returns the conversation's usable resume token, or "" when
// none exists or the stored one has expired. Expired tokens are cleared.
func (c *Controller) GetResumeToken(ctx context.Context, conversationID string) (string, error) {
	if token := c.registry.ResumeToken(conversationID); token != "" {
		return token, nil
	}

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if conv.ResumeToken == nil || *conv.ResumeToken == "" {
		return "", nil
	}
	if conv.ResumeTokenAt != nil && time.Since(*conv.ResumeTokenAt) > c.ttl {
		if err := c.store.UpdateConversation(ctx, conversationID, store.ConversationUpdate{ClearResumeToken: true}); err != nil {
			c.logger.Warn("clearing expired resume token", "error", err)
		}
		return "", nil
	}

	token := *conv.ResumeToken
	c.registry.StoreResumeToken(conversationID, token)
	return token, nil
}

// ClearSession forgets the conversation's backend session so the next turn
// starts fresh.
func (c *Controller) ClearSession(ctx context.Context, conversationID string) error {
	c.registry.ClearSession(conversationID)
	return c.store.UpdateConversation(ctx, conversationID, store.ConversationUpdate{ClearResumeToken: true})
}

// runTurn owns one turn from invocation to cleanup. Whatever happens inside,
// the deferred cleanup ends the registration and announces ready.
func (c *Controller) runTurn(handle *session.Handle, conv *store.Conversation, adapter backend.Adapter, prompt, userMsgID string) {
	conversationID := conv.ID
	defer func() {
		c.gate.CancelConversation(conversationID)
		c.publishStatus(conversationID, ui.StatusReady, "")
		c.registry.EndTurn(handle)
	}()

	ctx := handle.Context()

	repoSettings, err := settings.Load(conv.RepoPath)
	if err != nil {
		c.logger.Warn("loading repo settings", "conversation_id", conversationID, "error", err)
		repoSettings = &settings.RepoSettings{}
	}
	turnSettings := repoSettings.Apply(conv.Settings)

	workingDir, err := c.ensureWorkspace(ctx, conv, repoSettings)
	if err != nil {
		c.persistError(conversationID, fmt.Sprintf("preparing workspace: %v", err))
		return
	}

	resumeToken, err := c.GetResumeToken(ctx, conversationID)
	if err != nil {
		c.logger.Warn("looking up resume token", "conversation_id", conversationID, "error", err)
	}

	history, err := c.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		c.persistError(conversationID, fmt.Sprintf("loading history: %v", err))
		return
	}
	// This turn's prompt travels separately; replaying its user message in
	// the history would send the operator's text twice.
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ID == userMsgID {
			history = append(history[:i], history[i+1:]...)
			break
		}
	}

	events, err := adapter.Invoke(ctx, backend.TurnRequest{
		ConversationID: conversationID,
		Prompt:         prompt,
		ResumeToken:    resumeToken,
		WorkingDir:     workingDir,
		Settings:       turnSettings,
		History:        history,
	})
	if err != nil {
		c.persistError(conversationID, fmt.Sprintf("starting backend: %v", err))
		return
	}

	n := &normalizer{controller: c, conv: conv, userPrompt: prompt}
	for ev := range events {
		n.handle(ctx, ev)
	}
	n.finish(ctx)

	c.finalizeTurn(conv, repoSettings, workingDir, n)
}

// ensureWorkspace provisions (or reuses) the conversation's worktree and
// records the binding on the conversation.
func (c *Controller) ensureWorkspace(ctx context.Context, conv *store.Conversation, repoSettings *settings.RepoSettings) (string, error) {
	if c.binder == nil {
		return conv.RepoPath, nil
	}

	workingDir, binding, err := c.binder.EnsureWorkingDirectory(ctx, conv.ID, conv.RepoPath, repoSettings.Prefix())
	if err != nil {
		return "", err
	}

	if binding != nil && (conv.WorktreePath == nil || *conv.WorktreePath != binding.Path) {
		update := store.ConversationUpdate{
			BranchName:   &binding.Branch,
			WorktreePath: &binding.Path,
		}
		if err := c.store.UpdateConversation(ctx, conv.ID, update); err != nil {
			c.logger.Warn("recording worktree binding", "conversation_id", conv.ID, "error", err)
		}
		conv.BranchName = &binding.Branch
		conv.WorktreePath = &binding.Path
	}
	return workingDir, nil
}

// finalizeTurn handles post-stream work: title derivation and auto-commit.
// Neither may fail the turn.
func (c *Controller) finalizeTurn(conv *store.Conversation, repoSettings *settings.RepoSettings, workingDir string, n *normalizer) {
	ctx := context.Background()

	if conv.Title == "" {
		title := deriveTitle(n.userPrompt)
		if title != "" {
			if err := c.store.UpdateConversation(ctx, conv.ID, store.ConversationUpdate{Title: &title}); err != nil {
				c.logger.Warn("setting conversation title", "conversation_id", conv.ID, "error", err)
			} else {
				conv.Title = title
			}
		}
	}

	if c.binder != nil && c.binder.Enabled() && conv.WorktreePath != nil && repoSettings.AutoCommitEnabled() {
		message := conv.Title
		if message == "" {
			message = "agent changes"
		}
		if hash, err := c.binder.CommitChanges(ctx, workingDir, message); err != nil {
			c.logger.Warn("auto-commit failed", "conversation_id", conv.ID, "error", err)
		} else if hash != "" {
			c.broadcaster.Publish(&ui.Event{
				ConversationID: conv.ID,
				Kind:           ui.KindFileChanged,
				File:           &ui.FilePayload{Path: workingDir, Operation: "commit " + hash[:8]},
			})
		}
	}
}

// persistError records a turn-fatal failure as an error message. The deferred
// cleanup in runTurn still returns the conversation to ready.
func (c *Controller) persistError(conversationID, text string) {
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Kind:           store.KindError,
		Content:        text,
		IsError:        true,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.store.SaveMessage(context.Background(), msg); err != nil {
		c.logger.Error("persisting error message", "conversation_id", conversationID, "error", err)
		return
	}
	c.publishMessage(msg)
	c.publishStatus(conversationID, ui.StatusError, text)
}

func (c *Controller) publishStatus(conversationID, status, detail string) {
	c.broadcaster.Publish(&ui.Event{
		ConversationID: conversationID,
		Kind:           ui.KindStatus,
		Status:         &ui.StatusPayload{Status: status, Detail: detail},
	})
}

func (c *Controller) publishMessage(msg *store.Message) {
	c.broadcaster.Publish(&ui.Event{
		ConversationID: msg.ConversationID,
		Kind:           ui.KindMessage,
		Message:        msg,
	})
}

// deriveTitle builds a short conversation title from the user's prompt.
func deriveTitle(prompt string) string {
	source := strings.TrimSpace(prompt)
	if source == "" {
		return ""
	}

	// First line only, squeezed to single spaces.
	if idx := strings.IndexByte(source, '\n'); idx >= 0 {
		source = source[:idx]
	}
	source = strings.Join(strings.Fields(source), " ")

	if len(source) > titleMaxLen {
		cut := strings.LastIndexByte(source[:titleMaxLen], ' ')
		if cut <= 0 {
			cut = titleMaxLen
		}
		source = source[:cut] + "…"
	}
	return source
}
