// ABOUTME: Session registry enforcing one in-flight turn per conversation
// ABOUTME: Also caches backend resume tokens with an expiry window

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ResumeTokenTTL is how long a resume token stays usable. Backends reject
// tokens older than this, so the registry forgets them first.
const ResumeTokenTTL = 25 * 24 * time.Hour

// Handle represents one in-flight turn. Cancelling the context tells the
// backend adapter to wind down; Done closes once the turn's goroutine has
// fully finished cleanup.
type Handle struct {
	ConversationID string
	TurnID         string
	StartedAt      time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Context is the turn's lifetime context.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancel requests the turn stop. Safe to call multiple times.
func (h *Handle) Cancel() { h.cancel() }

// Done closes when the turn has completely finished, including cleanup.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Finish marks the turn complete. Idempotent.
func (h *Handle) Finish() {
	h.once.Do(func() {
		h.cancel()
		close(h.done)
	})
}

type resumeEntry struct {
	token    string
	storedAt time.Time
}

// Registry tracks which conversations have a turn in flight and remembers
// backend resume tokens. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	active  map[string]*Handle     // conversation ID -> in-flight turn
	resumes map[string]resumeEntry // conversation ID -> cached resume token
	ttl     time.Duration
	logger  *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewRegistry creates a registry. A zero ttl uses ResumeTokenTTL.
func NewRegistry(ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = ResumeTokenTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		active:  make(map[string]*Handle),
		resumes: make(map[string]resumeEntry),
		ttl:     ttl,
		logger:  logger.With("component", "session-registry"),
		now:     time.Now,
	}
}

// BeginTurn registers a new turn for the conversation, cancelling any turn
// already in flight. The swap is atomic: at no point do two turns hold the
// registration. The superseded handle (if any) is returned so the caller can
// wait for its cleanup before acting on the new turn.
func (r *Registry) BeginTurn(parent context.Context, conversationID, turnID string) (*Handle, *Handle) {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{
		ConversationID: conversationID,
		TurnID:         turnID,
		StartedAt:      r.now().UTC(),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	r.mu.Lock()
	prev := r.active[conversationID]
	r.active[conversationID] = h
	r.mu.Unlock()

	if prev != nil {
		prev.Cancel()
		r.logger.Info("superseding in-flight turn",
			"conversation_id", conversationID,
			"old_turn", prev.TurnID,
			"new_turn", turnID)
	}

	return h, prev
}

// EndTurn releases the registration if the handle still owns it, and marks
// the handle finished. A superseded handle calling EndTurn does not evict
// its successor.
func (r *Registry) EndTurn(h *Handle) {
	r.mu.Lock()
	if r.active[h.ConversationID] == h {
		delete(r.active, h.ConversationID)
	}
	r.mu.Unlock()

	h.Finish()
}

// Lookup returns the in-flight turn for a conversation, or nil.
func (r *Registry) Lookup(conversationID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[conversationID]
}

// StoreResumeToken caches a backend resume token for the conversation.
func (r *Registry) StoreResumeToken(conversationID, token string) {
	if token == "" {
		return
	}
	r.mu.Lock()
	r.resumes[conversationID] = resumeEntry{token: token, storedAt: r.now().UTC()}
	r.mu.Unlock()
}

// ResumeToken returns the cached token for a conversation, or "" when none is
// cached or the cached one has aged past the TTL. Expired tokens are evicted.
func (r *Registry) ResumeToken(conversationID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.resumes[conversationID]
	if !ok {
		return ""
	}
	if r.now().Sub(entry.storedAt) > r.ttl {
		delete(r.resumes, conversationID)
		r.logger.Debug("resume token expired",
			"conversation_id", conversationID)
		return ""
	}
	return entry.token
}

// ClearSession drops any cached resume token so the next turn starts a fresh
// backend session.
func (r *Registry) ClearSession(conversationID string) {
	r.mu.Lock()
	delete(r.resumes, conversationID)
	r.mu.Unlock()

	r.logger.Info("session cleared", "conversation_id", conversationID)
}
