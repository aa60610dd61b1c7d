// ABOUTME: In-memory fan-out broadcaster for UI events
// ABOUTME: Publishes conversation-scoped events to all subscribers without blocking turns

package ui

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// allConversations subscribes a client to every conversation's events.
	allConversations = "*"
)

// Broadcaster provides in-memory pub/sub for UI events. Subscribers register
// for a conversation ID (or "*" for all) and receive events as turns progress.
// Publishing never blocks: slow subscribers lose events rather than stalling
// the turn that produced them.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // conversationID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "ui-broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given conversation ID.
// Pass "*" to receive events for every conversation. Returns a channel that
// receives events and a subscription ID for later unsubscription. The
// subscription is automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan *Event)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the event's conversation, plus
// wildcard subscribers. Non-blocking: events are dropped for subscribers whose
// channels are full.
func (b *Broadcaster) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// out from under a send. Sends never block, so holding it is cheap.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range []string{event.ConversationID, allConversations} {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- event:
				// Sent
			default:
				// Subscriber channel full — drop event for this subscriber
				b.logger.Debug("dropped event for slow subscriber",
					"conversation_id", event.ConversationID,
					"event_kind", event.Kind)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}

	b.logger.Debug("broadcaster closed")
}
