// ABOUTME: Research backend built on the Anthropic server-side web_search tool
// ABOUTME: Emits phase progress while searching and a final report with sources

package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/2389/loom/internal/backend"
)

// Research phases surfaced as progress events.
const (
	PhaseStarting  = "starting"
	PhaseSearching = "searching"
	PhaseWriting   = "writing"
	PhaseComplete  = "complete"
)

const eventBufferSize = 64

// systemPrompt frames the model as a research agent.
const systemPrompt = "You are a research assistant. Investigate the question using web search, " +
	"cross-check findings across sources, and produce a concise report that cites the sources you used."

// Options configures the research adapter.
type Options struct {
	APIKey      string
	Model       string
	MaxSearches int
}

// Source is one citation extracted from web search results.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Adapter answers research prompts with the web_search server tool. Searches
// run on Anthropic's side; a turn is a single streaming call.
type Adapter struct {
	client anthropic.Client
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a research adapter.
func New(opts Options, logger *slog.Logger) *Adapter {
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-5"
	}
	if opts.MaxSearches <= 0 {
		opts.MaxSearches = 8
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
		logger:  logger.With("component", "research"),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Name identifies the adapter.
func (a *Adapter) Name() string { return "research" }

// Invoke runs one research turn.
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

// Interrupt cancels the conversation's running research turn, if any.
func (a *Adapter) Interrupt(conversationID string) error {
	a.mu.Lock()
	cancel := a.cancels[conversationID]
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *Adapter) run(ctx context.Context, req backend.TurnRequest, events chan<- backend.Event) {
	emit(ctx, events, backend.Event{
		Kind:     backend.EventResearchProgress,
		Research: &backend.ResearchUpdate{Phase: PhaseStarting},
	})

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.opts.Model),
		MaxTokens: 8192,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Tools: []anthropic.ToolUnionParam{{
			OfWebSearchTool20250305: &anthropic.WebSearchTool20250305Param{
				MaxUses: anthropic.Int(int64(a.opts.MaxSearches)),
			},
		}},
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	searching := false

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			emit(ctx, events, backend.Event{
				Kind: backend.EventError,
				Err:  &backend.TurnError{Message: fmt.Sprintf("accumulating stream event: %v", err), Fatal: true},
			})
			return
		}

		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			switch eventVariant.ContentBlock.Type {
			case "server_tool_use":
				if !searching {
					searching = true
					emit(ctx, events, backend.Event{
						Kind:     backend.EventResearchProgress,
						Research: &backend.ResearchUpdate{Phase: PhaseSearching},
					})
				}
			case "text":
				if searching {
					searching = false
					emit(ctx, events, backend.Event{
						Kind:     backend.EventResearchProgress,
						Research: &backend.ResearchUpdate{Phase: PhaseWriting},
					})
				}
			}
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
		if ctx.Err() != nil {
			return
		}
		emit(ctx, events, backend.Event{
			Kind: backend.EventError,
			Err:  &backend.TurnError{Message: fmt.Sprintf("streaming research: %v", err), Fatal: true},
		})
		return
	}

	report := collectText(&message)
	sources := collectSources(&message)
	searchCount := message.Usage.ServerToolUse.WebSearchRequests

	sourcesJSON := "[]"
	if data, err := json.Marshal(sources); err == nil {
		sourcesJSON = string(data)
	}

	emit(ctx, events, backend.Event{
		Kind: backend.EventResearchResult,
		Research: &backend.ResearchUpdate{
			Phase:       PhaseComplete,
			Detail:      report,
			SearchCount: searchCount,
			SourcesJSON: sourcesJSON,
			Final:       true,
		},
	})

	emit(ctx, events, backend.Event{
		Kind: backend.EventResult,
		Result: &backend.Result{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
			NumTurns:     1,
		},
	})
}

// collectText joins the final message's text blocks into the report body.
func collectText(message *anthropic.Message) string {
	var parts []string
	for _, block := range message.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok && variant.Text != "" {
			parts = append(parts, variant.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// webSearchResultBlock is the subset of a web_search_tool_result block we
// extract citations from.
type webSearchResultBlock struct {
	Type    string `json:"type"`
	Content []struct {
		Type  string `json:"type"`
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"content"`
}

// collectSources pulls unique URLs out of web_search_tool_result blocks.
func collectSources(message *anthropic.Message) []Source {
	seen := make(map[string]bool)
	sources := make([]Source, 0, 8)

	for _, block := range message.Content {
		if block.Type != "web_search_tool_result" {
			continue
		}
		var result webSearchResultBlock
		if err := json.Unmarshal([]byte(block.RawJSON()), &result); err != nil {
			continue
		}
		for _, entry := range result.Content {
			if entry.URL == "" || seen[entry.URL] {
				continue
			}
			seen[entry.URL] = true
			sources = append(sources, Source{URL: entry.URL, Title: entry.Title})
		}
	}
	return sources
}

// emit sends an event unless the turn is cancelled.
func emit(ctx context.Context, events chan<- backend.Event, ev backend.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
