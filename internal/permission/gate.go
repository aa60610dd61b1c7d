// ABOUTME: Approval gate for risky tool calls, pausing turns until the operator decides
// ABOUTME: Each request resolves exactly once: approved, denied, timed out, or cancelled

package permission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal state of a permission request.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeDenied    Outcome = "denied"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// DefaultTimeout bounds how long a request may wait for the operator.
const DefaultTimeout = 5 * time.Minute

// Decision is the operator's (or the gate's) verdict on a request.
type Decision struct {
	Outcome Outcome
	// Reason is relayed to the agent on denial.
	Reason string
	// ModifiedInputJSON optionally replaces the tool input on approval.
	ModifiedInputJSON string
}

// Request describes a pending tool call awaiting approval.
type Request struct {
	ID             string
	ConversationID string
	ToolName       string
	InputJSON      string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Notifier is told about new pending requests so clients can render prompts.
type Notifier func(req *Request)

type pending struct {
	req      *Request
	decision chan Decision // buffered, capacity 1
}

// Gate tracks in-flight permission requests. Ask blocks the calling turn
// goroutine until the operator resolves the request, the timeout elapses, or
// the turn context is cancelled. Every path yields exactly one Decision.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pending // request ID -> pending
	timeout time.Duration
	notify  Notifier
	logger  *slog.Logger
}

// NewGate creates a gate. A zero timeout uses DefaultTimeout. The notifier may
// be nil when no UI delivery is wired (tests).
func NewGate(timeout time.Duration, notify Notifier, logger *slog.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		pending: make(map[string]*pending),
		timeout: timeout,
		notify:  notify,
		logger:  logger.With("component", "permission-gate"),
	}
}

// Ask registers a request and blocks until it resolves. The request ID is
// prefixed with the conversation ID so CancelConversation can find it.
// Context cancellation resolves as OutcomeCancelled, a timer as OutcomeTimedOut.
func (g *Gate) Ask(ctx context.Context, conversationID, toolName, inputJSON string) Decision {
	now := time.Now().UTC()
	req := &Request{
		ID:             conversationID + ":" + uuid.New().String(),
		ConversationID: conversationID,
		ToolName:       toolName,
		InputJSON:      inputJSON,
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.timeout),
	}

	p := &pending{
		req:      req,
		decision: make(chan Decision, 1),
	}

	g.mu.Lock()
	g.pending[req.ID] = p
	g.mu.Unlock()

	g.logger.Info("permission requested",
		"request_id", req.ID,
		"conversation_id", conversationID,
		"tool", toolName)

	if g.notify != nil {
		g.notify(req)
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	var decision Decision
	select {
	case decision = <-p.decision:
	case <-timer.C:
		decision = Decision{Outcome: OutcomeTimedOut, Reason: "operator did not respond in time"}
	case <-ctx.Done():
		decision = Decision{Outcome: OutcomeCancelled, Reason: "turn was stopped"}
	}

	g.mu.Lock()
	delete(g.pending, req.ID)
	g.mu.Unlock()

	g.logger.Info("permission resolved",
		"request_id", req.ID,
		"outcome", decision.Outcome)

	return decision
}

// Resolve delivers the operator's verdict for a pending request. Returns an
// error if the request is unknown (already resolved, timed out, or never
// existed). Late resolutions are therefore harmless no-ops for the turn.
func (g *Gate) Resolve(requestID string, decision Decision) error {
	if decision.Outcome != OutcomeApproved && decision.Outcome != OutcomeDenied {
		return fmt.Errorf("operator outcome must be approved or denied, got %q", decision.Outcome)
	}

	g.mu.Lock()
	p, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
	}
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending permission request %q", requestID)
	}

	p.decision <- decision
	return nil
}

// CancelConversation resolves every pending request for a conversation as
// cancelled. Used when a turn is stopped or superseded.
func (g *Gate) CancelConversation(conversationID string) int {
	prefix := conversationID + ":"

	g.mu.Lock()
	var cancelled []*pending
	for id, p := range g.pending {
		if strings.HasPrefix(id, prefix) {
			cancelled = append(cancelled, p)
			delete(g.pending, id)
		}
	}
	g.mu.Unlock()

	for _, p := range cancelled {
		p.decision <- Decision{Outcome: OutcomeCancelled, Reason: "turn was stopped"}
	}

	if len(cancelled) > 0 {
		g.logger.Info("cancelled pending permissions",
			"conversation_id", conversationID,
			"count", len(cancelled))
	}
	return len(cancelled)
}

// Pending returns a snapshot of requests awaiting a decision for a conversation.
func (g *Gate) Pending(conversationID string) []*Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*Request
	for _, p := range g.pending {
		if p.req.ConversationID == conversationID {
			cp := *p.req
			out = append(out, &cp)
		}
	}
	return out
}
