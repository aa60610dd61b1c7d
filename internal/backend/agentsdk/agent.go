// ABOUTME: Backend adapter over the Anthropic Messages streaming API
// ABOUTME: Runs a bounded agent loop with locally executed, permission-gated tools

package agentsdk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/2389/loom/internal/backend"
	"github.com/2389/loom/internal/permission"
	"github.com/2389/loom/internal/store"
)

const (
	// maxIterations bounds the tool-use loop within one turn.
	maxIterations = 16

	eventBufferSize = 64
)

// Options configures the SDK adapter.
type Options struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// Adapter drives turns directly against the Messages API. Unlike the CLI
// adapter there is no subprocess: history is replayed from the store on each
// turn, and tools run in-process.
type Adapter struct {
	client anthropic.Client
	opts   Options
	tools  *toolbox
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // conversation ID -> active turn cancel
}

// New creates an SDK adapter.
func New(opts Options, logger *slog.Logger) *Adapter {
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-5"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 8192
	}
	if logger == nil {
		logger = slog.Default()
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	return &Adapter{
		client:  anthropic.NewClient(clientOpts...),
		opts:    opts,
		tools:   newToolbox(),
		logger:  logger.With("component", "agentsdk"),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Name identifies the adapter.
func (a *Adapter) Name() string { return "agent-sdk" }

// Invoke runs one turn. The returned channel closes when the loop finishes.
func (a *Adapter) Invoke(ctx context.Context, req backend.TurnRequest) (<-chan backend.Event, error) {
	turnCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.cancels[req.ConversationID] = cancel
	a.mu.Unlock()

	events := make(chan backend.Event, eventBufferSize)
	go func() {
		defer close(events)
		defer cancel()
		defer func() {
			a.mu.Lock()
			delete(a.cancels, req.ConversationID)
			a.mu.Unlock()
		}()
		a.run(turnCtx, req, events)
	}()

	return events, nil
}

// Interrupt cancels the conversation's running turn, if any.
func (a *Adapter) Interrupt(conversationID string) error {
	a.mu.Lock()
	cancel := a.cancels[conversationID]
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// run is the agent loop: stream a response, surface its blocks as events,
// execute requested tools, feed results back, repeat until the model stops
// asking for tools or the iteration cap is hit.
func (a *Adapter) run(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {
	messages := buildHistory(req.History)
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	model := req.Settings.Model
	if model == "" {
		model = a.opts.Model
	}

	var totalIn, totalOut int64
	var numTurns int64

	for iteration := 0; iteration < maxIterations; iteration++ {
		message, err := a.streamOnce(ctx, model, messages, events)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			emit(ctx, events, backend.Event{
				Kind: backend.EventError,
				Err:  &backend.TurnError{Message: err.Error(), Fatal: true},
			})
			return
		}

		numTurns++
		totalIn += message.Usage.InputTokens
		totalOut += message.Usage.OutputTokens

		toolUses := a.surfaceBlocks(ctx, message, events)
		if len(toolUses) == 0 || string(message.StopReason) != "tool_use" {
			emit(ctx, events, backend.Event{
				Kind: backend.EventResult,
				Result: &backend.Result{
					InputTokens:  totalIn,
					OutputTokens: totalOut,
					NumTurns:     numTurns,
				},
			})
			return
		}

		messages = append(messages, message.ToParam())

		results := make([]anthropic.ContentBlockParamUnion, 0, len(toolUses))
		for _, use := range toolUses {
			if ctx.Err() != nil {
				return
			}
			content, isErr := a.execute(ctx, req, use, events)
			emit(ctx, events, backend.Event{
				Kind: backend.EventToolResult,
				ToolResult: &backend.ToolResult{
					CallID:  use.CallID,
					Content: content,
					IsError: isErr,
				},
			})
			results = append(results, anthropic.NewToolResultBlock(use.CallID, content, isErr))
		}
		messages = append(messages, anthropic.NewUserMessage(results...))
	}

	emit(ctx, events, backend.Event{
		Kind: backend.EventError,
		Err:  &backend.TurnError{Message: fmt.Sprintf("turn exceeded %d tool iterations", maxIterations), Fatal: true},
	})
}

// streamOnce issues one streaming Messages call, emitting text deltas as they
// arrive, and returns the accumulated message.
func (a *Adapter) streamOnce(ctx context.Context, model string, messages []anthropic.MessageParam, events chan<- backend.Event) (*anthropic.Message, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(a.opts.MaxTokens),
		Messages:  messages,
		Tools:     a.tools.definitions(),
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulating stream event: %w", err)
		}

		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if deltaVariant.Text != "" {
					emit(ctx, events, backend.Event{
						Kind:  backend.EventAssistantDelta,
						Delta: &backend.AssistantDelta{Text: deltaVariant.Text},
					})
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("streaming messages: %w", err)
	}
	return &message, nil
}

// surfaceBlocks emits the accumulated message's blocks as events and returns
// the tool uses that need executing.
func (a *Adapter) surfaceBlocks(ctx context.Context, message *anthropic.Message, events chan<- backend.Event) []backend.ToolUse {
	var toolUses []backend.ToolUse
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if variant.Text == "" {
				continue
			}
			emit(ctx, events, backend.Event{
				Kind: backend.EventAssistantText,
				Text: &backend.AssistantText{Text: variant.Text},
			})
		case anthropic.ToolUseBlock:
			use := backend.ToolUse{
				CallID:    variant.ID,
				Name:      variant.Name,
				InputJSON: string(variant.Input),
			}
			emit(ctx, events, backend.Event{Kind: backend.EventToolUse, ToolUse: &use})
			toolUses = append(toolUses, use)
		}
	}
	return toolUses
}

// execute runs one tool call, asking for permission first when the tool is
// gated. Denials become error results the model can react to.
func (a *Adapter) execute(ctx context.Context, req backend.TurnRequest, use backend.ToolUse, events chan<- backend.Event) (string, bool) {
	input := use.InputJSON

	if a.tools.gated(use.Name) {
		respond := make(chan permission.Decision, 1)
		if !emit(ctx, events, backend.Event{
			Kind: backend.EventPermission,
			Permission: &backend.PermissionRequest{
				ToolName:  use.Name,
				InputJSON: use.InputJSON,
				Respond:   respond,
			},
		}) {
			return "turn was stopped", true
		}

		var decision permission.Decision
		select {
		case decision = <-respond:
		case <-ctx.Done():
			return "turn was stopped", true
		}

		switch decision.Outcome {
		case permission.OutcomeApproved:
			if decision.ModifiedInputJSON != "" {
				input = decision.ModifiedInputJSON
			}
		case permission.OutcomeTimedOut:
			return "permission request timed out waiting for the operator", true
		case permission.OutcomeCancelled:
			return "turn was stopped before the operator responded", true
		default:
			reason := decision.Reason
			if reason == "" {
				reason = "the operator denied this tool call"
			}
			return reason, true
		}
	}

	content, err := a.tools.run(ctx, use.Name, input, req.WorkingDir)
	if err != nil {
		return err.Error(), true
	}
	return content, false
}

// emit sends an event unless the turn is cancelled. Reports whether the send
// happened.
func emit(ctx context.Context, events chan<- backend.Event, ev backend.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// buildHistory replays stored conversation messages as API messages. Tool
// traffic is skipped: replaying dangling tool_use blocks without their
// results makes the API reject the request.
func buildHistory(history []*store.Message) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, msg := range history {
		if msg.Content == "" {
			continue
		}
		switch msg.Kind {
		case store.KindUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case store.KindAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return messages
}
