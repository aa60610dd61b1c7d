// ABOUTME: Tests for the turn controller
// ABOUTME: Covers turn lifecycle, supersede ordering, stop, permissions, and resume tokens

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom/internal/backend"
	"github.com/2389/loom/internal/permission"
	"github.com/2389/loom/internal/session"
	"github.com/2389/loom/internal/store"
	"github.com/2389/loom/internal/ui"
)

// scriptFunc feeds one fake turn's events. It should return when ctx ends.
type scriptFunc func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event)

type fakeAdapter struct {
	mu      sync.Mutex
	script  scriptFunc
	cancels map[string]context.CancelFunc
	invokes int
}

func newFakeAdapter(script scriptFunc) *fakeAdapter {
	return &fakeAdapter{script: script, cancels: make(map[string]context.CancelFunc)}
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Invoke(ctx context.Context, req backend.TurnRequest) (<-chan backend.Event, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancels[req.ConversationID] = cancel
	f.invokes++
	script := f.script
	f.mu.Unlock()

	events := make(chan backend.Event, 16)
	go func() {
		defer close(events)
		defer cancel()
		script(turnCtx, req, events)
	}()
	return events, nil
}

func (f *fakeAdapter) Interrupt(conversationID string) error {
	f.mu.Lock()
	cancel := f.cancels[conversationID]
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

type fixture struct {
	controller  *Controller
	store       *store.MockStore
	registry    *session.Registry
	gate        *permission.Gate
	adapter     *fakeAdapter
	broadcaster *ui.Broadcaster
}

func newFixture(t *testing.T, script scriptFunc) *fixture {
	t.Helper()

	st := store.NewMockStore()
	registry := session.NewRegistry(0, nil)
	broadcaster := ui.NewBroadcaster(nil)
	t.Cleanup(broadcaster.Close)
	gate := permission.NewGate(time.Minute, func(req *permission.Request) {
		broadcaster.Publish(&ui.Event{
			ConversationID: req.ConversationID,
			Kind:           ui.KindPermissionRequest,
			Permission: &ui.PermissionPayload{
				RequestID: req.ID,
				ToolName:  req.ToolName,
				InputJSON: req.InputJSON,
			},
		})
	}, nil)

	adapter := newFakeAdapter(script)
	router := backend.NewRouter()
	router.Register(store.AgentTypeClaude, adapter)

	controller := NewController(st, registry, gate, router, nil, broadcaster, Options{}, nil)

	conv := &store.Conversation{
		ID:        "conv-1",
		AgentID:   "agent-1",
		RepoPath:  t.TempDir(),
		AgentType: store.AgentTypeClaude,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateConversation(context.Background(), conv))

	return &fixture{controller: controller, store: st, registry: registry, gate: gate, adapter: adapter, broadcaster: broadcaster}
}

// waitIdle blocks until the conversation has no in-flight turn.
func (f *fixture) waitIdle(t *testing.T, conversationID string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for f.registry.Lookup(conversationID) != nil {
		select {
		case <-deadline:
			t.Fatal("turn did not finish")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *fixture) messages(t *testing.T, conversationID string) []*store.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), conversationID, 0)
	require.NoError(t, err)
	return msgs
}

func TestController_SuccessfulTurn(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {
		events <- backend.Event{Kind: backend.EventSessionStarted, Session: &backend.SessionStarted{ResumeToken: "sess_1"}}
		events <- backend.Event{Kind: backend.EventAssistantText, Text: &backend.AssistantText{Text: "All tests pass now."}}
		events <- backend.Event{Kind: backend.EventResult, Result: &backend.Result{InputTokens: 10, OutputTokens: 5, NumTurns: 1}}
	})

	turnID, err := f.controller.StartTurn(context.Background(), "conv-1", "fix the test")
	require.NoError(t, err)
	assert.NotEmpty(t, turnID)

	f.waitIdle(t, "conv-1")

	msgs := f.messages(t, "conv-1")
	require.Len(t, msgs, 3)
	assert.Equal(t, store.KindUser, msgs[0].Kind)
	assert.Equal(t, "fix the test", msgs[0].Content)
	assert.Equal(t, store.KindAssistant, msgs[1].Kind)
	assert.Equal(t, store.KindSystem, msgs[2].Kind)
	assert.Equal(t, int64(10), msgs[2].InputTokens)

	// Resume token was adopted
	token, err := f.controller.GetResumeToken(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "sess_1", token)

	// Title derived from the user's prompt on the first turn
	conv, err := f.store.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "fix the test", conv.Title)
}

func TestController_StartTurnEmptyPrompt(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {})

	_, err := f.controller.StartTurn(context.Background(), "conv-1", "   ")
	assert.Error(t, err)
}

func TestController_StartTurnUnknownConversation(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {})

	_, err := f.controller.StartTurn(context.Background(), "missing", "hello")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestController_SupersedeOrdersStopBeforeNewUserMessage(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {
		if req.Prompt == "first" {
			// Hang until interrupted.
			<-ctx.Done()
			return
		}
		events <- backend.Event{Kind: backend.EventAssistantText, Text: &backend.AssistantText{Text: "second answer"}}
		events <- backend.Event{Kind: backend.EventResult, Result: &backend.Result{NumTurns: 1}}
	})

	_, err := f.controller.StartTurn(context.Background(), "conv-1", "first")
	require.NoError(t, err)

	// Let the first turn get going.
	time.Sleep(20 * time.Millisecond)

	_, err = f.controller.StartTurn(context.Background(), "conv-1", "second")
	require.NoError(t, err)

	f.waitIdle(t, "conv-1")

	msgs := f.messages(t, "conv-1")
	require.Len(t, msgs, 5)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, store.KindSystem, msgs[1].Kind)
	assert.Equal(t, "turn stopped", msgs[1].Content)
	assert.Equal(t, "second", msgs[2].Content)
	assert.Equal(t, store.KindAssistant, msgs[3].Kind)
	assert.Equal(t, store.KindSystem, msgs[4].Kind)
	assert.Equal(t, "turn complete", msgs[4].Content)
}

func TestController_StopIdleConversation(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {})

	err := f.controller.Stop(context.Background(), "conv-1")
	assert.ErrorIs(t, err, ErrNoActiveTurn)
}

func TestController_StopRunningTurn(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {
		close(started)
		<-ctx.Done()
	})

	_, err := f.controller.StartTurn(context.Background(), "conv-1", "long task")
	require.NoError(t, err)
	<-started

	require.NoError(t, f.controller.Stop(context.Background(), "conv-1"))
	f.waitIdle(t, "conv-1")

	msgs := f.messages(t, "conv-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, store.KindUser, msgs[0].Kind)
	assert.Equal(t, "turn stopped", msgs[1].Content)

	// Conversation is ready for the next turn.
	assert.Nil(t, f.registry.Lookup("conv-1"))
}

func TestController_PermissionApproval(t *testing.T) {
	decided := make(chan permission.Decision, 1)
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {
		respond := make(chan permission.Decision, 1)
		events <- backend.Event{
			Kind: backend.EventPermission,
			Permission: &backend.PermissionRequest{
				ToolName:  "Bash",
				InputJSON: `{"command":"make deploy"}`,
				Respond:   respond,
			},
		}
		decided <- <-respond
		events <- backend.Event{Kind: backend.EventResult, Result: &backend.Result{NumTurns: 1}}
	})

	_, err := f.controller.StartTurn(context.Background(), "conv-1", "deploy it")
	require.NoError(t, err)

	// Wait for the gate to hold the request, then approve it.
	var reqID string
	deadline := time.After(5 * time.Second)
	for reqID == "" {
		if pending := f.gate.Pending("conv-1"); len(pending) > 0 {
			reqID = pending[0].ID
			break
		}
		select {
		case <-deadline:
			t.Fatal("no pending permission request")
		case <-time.After(5 * time.Millisecond):
		}
	}

	require.NoError(t, f.controller.ResolvePermission(reqID, true, "", ""))

	select {
	case d := <-decided:
		assert.Equal(t, permission.OutcomeApproved, d.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("adapter never received the decision")
	}
	f.waitIdle(t, "conv-1")
}

func TestController_StopCancelsPendingPermission(t *testing.T) {
	decided := make(chan permission.Decision, 1)
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {
		respond := make(chan permission.Decision, 1)
		events <- backend.Event{
			Kind: backend.EventPermission,
			Permission: &backend.PermissionRequest{
				ToolName:  "Bash",
				InputJSON: `{}`,
				Respond:   respond,
			},
		}
		decided <- <-respond
	})

	_, err := f.controller.StartTurn(context.Background(), "conv-1", "do a risky thing")
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for len(f.gate.Pending("conv-1")) == 0 {
		select {
		case <-deadline:
			t.Fatal("no pending permission request")
		case <-time.After(5 * time.Millisecond):
		}
	}

	require.NoError(t, f.controller.Stop(context.Background(), "conv-1"))

	select {
	case d := <-decided:
		assert.Equal(t, permission.OutcomeCancelled, d.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("adapter never received the cancellation")
	}
	f.waitIdle(t, "conv-1")
}

func TestController_PermissionDenialWithReason(t *testing.T) {
	decided := make(chan permission.Decision, 1)
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {
		respond := make(chan permission.Decision, 1)
		events <- backend.Event{
			Kind: backend.EventPermission,
			Permission: &backend.PermissionRequest{
				ToolName:  "Bash",
				InputJSON: `{}`,
				Respond:   respond,
			},
		}
		decided <- <-respond
		events <- backend.Event{Kind: backend.EventResult, Result: &backend.Result{NumTurns: 1}}
	})

	_, err := f.controller.StartTurn(context.Background(), "conv-1", "try it")
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	var reqID string
	for reqID == "" {
		if pending := f.gate.Pending("conv-1"); len(pending) > 0 {
			reqID = pending[0].ID
		}
		select {
		case <-deadline:
			t.Fatal("no pending permission request")
		case <-time.After(5 * time.Millisecond):
		}
	}

	require.NoError(t, f.controller.ResolvePermission(reqID, false, "not in production", ""))

	d := <-decided
	assert.Equal(t, permission.OutcomeDenied, d.Outcome)
	assert.Equal(t, "not in production", d.Reason)
	f.waitIdle(t, "conv-1")
}

func TestController_ErrorEventPersisted(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {
		events <- backend.Event{Kind: backend.EventError, Err: &backend.TurnError{Message: "provider exploded", Fatal: true}}
	})

	_, err := f.controller.StartTurn(context.Background(), "conv-1", "hi")
	require.NoError(t, err)
	f.waitIdle(t, "conv-1")

	msgs := f.messages(t, "conv-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, store.KindError, msgs[1].Kind)
	assert.True(t, msgs[1].IsError)
	assert.Equal(t, "provider exploded", msgs[1].Content)

	// Failure still returns the conversation to ready.
	assert.Nil(t, f.registry.Lookup("conv-1"))
}

func TestController_FailureEmitsErrorStatus(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {
		events <- backend.Event{Kind: backend.EventError, Err: &backend.TurnError{Message: "provider exploded", Fatal: true}}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := f.broadcaster.Subscribe(ctx, "conv-1")

	_, err := f.controller.StartTurn(context.Background(), "conv-1", "hi")
	require.NoError(t, err)
	f.waitIdle(t, "conv-1")

	var statuses []string
	var errDetail string
	deadline := time.After(5 * time.Second)
collect:
	for {
		select {
		case ev := <-events:
			if ev.Kind != ui.KindStatus {
				continue
			}
			statuses = append(statuses, ev.Status.Status)
			if ev.Status.Status == ui.StatusError {
				errDetail = ev.Status.Detail
			}
			if ev.Status.Status == ui.StatusReady {
				break collect
			}
		case <-deadline:
			t.Fatal("never saw the terminal ready status")
		}
	}

	require.Contains(t, statuses, ui.StatusError)
	assert.Equal(t, "provider exploded", errDetail)
	// The failure leaves the conversation usable: error precedes ready.
	assert.Equal(t, ui.StatusReady, statuses[len(statuses)-1])
}

func TestController_AssistantMessageCarriesUsage(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {
		events <- backend.Event{Kind: backend.EventAssistantText, Text: &backend.AssistantText{Text: "patched it"}}
		events <- backend.Event{Kind: backend.EventAssistantText, Text: &backend.AssistantText{Text: "all done"}}
		events <- backend.Event{Kind: backend.EventResult, Result: &backend.Result{
			InputTokens:  10,
			OutputTokens: 5,
			CostUSD:      0.42,
			DurationMs:   1200,
			NumTurns:     1,
		}}
	})

	_, err := f.controller.StartTurn(context.Background(), "conv-1", "patch it")
	require.NoError(t, err)
	f.waitIdle(t, "conv-1")

	msgs := f.messages(t, "conv-1")
	require.Len(t, msgs, 3, "text blocks fold into one assistant message")

	assistant := msgs[1]
	require.Equal(t, store.KindAssistant, assistant.Kind)
	assert.Equal(t, "patched it\n\nall done", assistant.Content)
	assert.Equal(t, int64(10), assistant.InputTokens)
	assert.Equal(t, int64(5), assistant.OutputTokens)
	assert.Equal(t, 0.42, assistant.CostUSD)
	assert.Equal(t, int64(1200), assistant.DurationMs)
}

func TestController_HistoryExcludesInFlightPrompt(t *testing.T) {
	histories := make(chan []*store.Message, 2)
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {
		histories <- req.History
		events <- backend.Event{Kind: backend.EventAssistantText, Text: &backend.AssistantText{Text: "answer to " + req.Prompt}}
		events <- backend.Event{Kind: backend.EventResult, Result: &backend.Result{NumTurns: 1}}
	})

	_, err := f.controller.StartTurn(context.Background(), "conv-1", "first question")
	require.NoError(t, err)
	f.waitIdle(t, "conv-1")
	assert.Empty(t, <-histories, "a fresh conversation has no history to replay")

	_, err = f.controller.StartTurn(context.Background(), "conv-1", "second question")
	require.NoError(t, err)
	f.waitIdle(t, "conv-1")

	second := <-histories
	contents := make([]string, 0, len(second))
	for _, msg := range second {
		contents = append(contents, msg.Content)
	}
	assert.Contains(t, contents, "first question")
	assert.Contains(t, contents, "answer to first question")
	assert.NotContains(t, contents, "second question",
		"the prompt travels separately from the replayed history")
}

func TestController_ConcurrentStartTurnsKeepOneHandle(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {
		<-ctx.Done()
	})

	const turns = 8
	ids := make(chan string, turns)
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id, err := f.controller.StartTurn(context.Background(), "conv-1", fmt.Sprintf("task %d", n))
			assert.NoError(t, err)
			ids <- id
		}(i)
	}
	wg.Wait()
	close(ids)

	// Exactly one turn survives the pile-up, and it is one we started.
	handle := f.registry.Lookup("conv-1")
	require.NotNil(t, handle)
	var found bool
	for id := range ids {
		if id == handle.TurnID {
			found = true
		}
	}
	assert.True(t, found)

	require.NoError(t, f.controller.Stop(context.Background(), "conv-1"))
	f.waitIdle(t, "conv-1")

	var users, stops int
	for _, msg := range f.messages(t, "conv-1") {
		switch {
		case msg.Kind == store.KindUser:
			users++
		case msg.Kind == store.KindSystem && msg.Content == "turn stopped":
			stops++
		}
	}
	assert.Equal(t, turns, users)
	assert.Equal(t, turns, stops, "every superseded turn and the final stop leave a record")
}

func TestController_ResumeTokenPassedToAdapter(t *testing.T) {
	var gotResume string
	var mu sync.Mutex
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {
		mu.Lock()
		gotResume = req.ResumeToken
		mu.Unlock()
		events <- backend.Event{Kind: backend.EventResult, Result: &backend.Result{NumTurns: 1}}
	})

	f.registry.StoreResumeToken("conv-1", "sess_cached")

	_, err := f.controller.StartTurn(context.Background(), "conv-1", "continue")
	require.NoError(t, err)
	f.waitIdle(t, "conv-1")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "sess_cached", gotResume)
}

func TestController_GetResumeTokenExpiredInStore(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {})
	ctx := context.Background()

	token := "sess_old"
	staleAt := time.Now().Add(-26 * 24 * time.Hour).UTC()
	require.NoError(t, f.store.UpdateConversation(ctx, "conv-1", store.ConversationUpdate{
		ResumeToken:   &token,
		ResumeTokenAt: &staleAt,
	}))

	got, err := f.controller.GetResumeToken(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, got, "tokens older than the TTL are unusable")

	conv, err := f.store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, conv.ResumeToken, "expired token should be cleared from the store")
}

func TestController_ClearSession(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {})
	ctx := context.Background()

	token := "sess_live"
	now := time.Now().UTC()
	require.NoError(t, f.store.UpdateConversation(ctx, "conv-1", store.ConversationUpdate{
		ResumeToken:   &token,
		ResumeTokenAt: &now,
	}))
	f.registry.StoreResumeToken("conv-1", token)

	require.NoError(t, f.controller.ClearSession(ctx, "conv-1"))

	got, err := f.controller.GetResumeToken(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "Fix the race in the watcher",
		deriveTitle("Fix the race in the watcher\nIt fires twice on startup."))

	assert.Equal(t, "fix the watcher", deriveTitle("fix the watcher"))

	assert.Empty(t, deriveTitle("   "))

	long := "word " // 5 chars, repeated well past the cap
	for len(long) < 200 {
		long += "word "
	}
	title := deriveTitle(long)
	assert.LessOrEqual(t, len(title), titleMaxLen+len("…"))
	assert.Contains(t, title, "…")
}

func TestExtractFilePath(t *testing.T) {
	assert.Equal(t, "/src/main.go", extractFilePath(`{"file_path":"/src/main.go","content":"..."}`))
	assert.Equal(t, "notes.md", extractFilePath(`{"path":"notes.md"}`))
	assert.Equal(t, "nb.ipynb", extractFilePath(`{"notebook_path":"nb.ipynb"}`))
	assert.Empty(t, extractFilePath(`not json`))
	assert.Empty(t, extractFilePath(`{}`))
}
