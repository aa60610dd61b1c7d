// ABOUTME: Backend adapter that drives a spawned CLI agent in stream-json mode
// ABOUTME: Writes prompts and control responses to stdin, parses NDJSON from stdout

package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom/internal/backend"
	"github.com/2389/loom/internal/permission"
)

const (
	// eventBufferSize is the channel buffer between the reader goroutine and
	// the turn loop.
	eventBufferSize = 64

	// interruptGrace is how long Interrupt waits for the subprocess to exit
	// after SIGINT before escalating to Kill.
	interruptGrace = 5 * time.Second

	// maxLineBytes bounds one stream-json line. Tool results can be large.
	maxLineBytes = 10 * 1024 * 1024
)

// Options configures the CLI adapter.
type Options struct {
	Binary         string
	Model          string
	PermissionMode string
	AllowedTools   []string
}

// Adapter spawns one CLI subprocess per turn and tracks them by conversation
// so Interrupt can find the right process.
type Adapter struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd // conversation ID -> live subprocess
}

// New creates a CLI adapter.
func New(opts Options, logger *slog.Logger) *Adapter {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		opts:    opts,
		logger:  logger.With("component", "claudecli"),
		running: make(map[string]*exec.Cmd),
	}
}

// Name identifies the adapter.
func (a *Adapter) Name() string { return "claude-cli" }

// userInput is the stream-json stdin message carrying the operator's prompt.
type userInput struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// controlResponse answers a can_use_tool control request on stdin.
type controlResponse struct {
	Type     string `json:"type"`
	Response struct {
		RequestID string          `json:"request_id"`
		Subtype   string          `json:"subtype"`
		Behavior  string          `json:"behavior,omitempty"`
		Message   string          `json:"message,omitempty"`
		Input     json.RawMessage `json:"updatedInput,omitempty"`
	} `json:"response"`
}

// Invoke spawns the CLI and streams its events. The returned channel closes
// when the subprocess exits. Permission control requests surface as
// EventPermission; the decision sent on Respond is relayed to stdin.
func (a *Adapter) Invoke(ctx context.Context, req backend.TurnRequest) (<-chan backend.Event, error) {
	args := a.buildArgs(req)

	cmd := exec.CommandContext(ctx, a.opts.Binary, args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	// Deliver SIGINT ourselves; CommandContext's default kill is too blunt
	// for a subprocess that flushes a result line on interrupt.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = interruptGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", a.opts.Binary, err)
	}

	a.mu.Lock()
	a.running[req.ConversationID] = cmd
	a.mu.Unlock()

	a.logger.Info("subprocess started",
		"conversation_id", req.ConversationID,
		"pid", cmd.Process.Pid,
		"resuming", req.ResumeToken != "")

	// Send the prompt, then leave stdin open for control responses.
	if err := writeUserInput(stdin, req.Prompt); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		a.forget(req.ConversationID, cmd)
		return nil, fmt.Errorf("writing prompt: %w", err)
	}

	events := make(chan backend.Event, eventBufferSize)
	go a.pump(ctx, req.ConversationID, cmd, stdin, stdout, events)

	return events, nil
}

// pump reads stdout lines, emits events, and answers control requests until
// the subprocess exits.
func (a *Adapter) pump(ctx context.Context, conversationID string, cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, events chan<- backend.Event) {
	defer close(events)
	defer a.forget(conversationID, cmd)
	defer stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		parsed, control := parseLine(scanner.Text())

		for _, ev := range parsed {
			if ctx.Err() != nil {
				// Turn cancelled: keep draining stdout so Wait can
				// finish, but forward nothing further.
				break
			}
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}

		if control != nil {
			a.handleControl(ctx, conversationID, control, stdin, events)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		events <- backend.Event{
			Kind: backend.EventError,
			Err:  &backend.TurnError{Message: fmt.Sprintf("reading subprocess output: %v", err), Fatal: true},
		}
	}

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		a.logger.Warn("subprocess exited with error",
			"conversation_id", conversationID,
			"error", err)
		events <- backend.Event{
			Kind: backend.EventError,
			Err:  &backend.TurnError{Message: fmt.Sprintf("subprocess exited: %v", err), Fatal: true},
		}
	}
}

// handleControl surfaces a can_use_tool request as an EventPermission, waits
// for the decision, and writes the matching control_response to stdin.
func (a *Adapter) handleControl(ctx context.Context, conversationID string, control *pendingControl, stdin io.Writer, events chan<- backend.Event) {
	respond := make(chan permission.Decision, 1)

	select {
	case events <- backend.Event{
		Kind: backend.EventPermission,
		Permission: &backend.PermissionRequest{
			ToolName:  control.ToolName,
			InputJSON: control.InputJSON,
			Respond:   respond,
		},
	}:
	case <-ctx.Done():
		a.writeControlResponse(stdin, control, permission.Decision{
			Outcome: permission.OutcomeCancelled,
			Reason:  "turn was stopped",
		})
		return
	}

	var decision permission.Decision
	select {
	case decision = <-respond:
	case <-ctx.Done():
		decision = permission.Decision{Outcome: permission.OutcomeCancelled, Reason: "turn was stopped"}
	}

	a.writeControlResponse(stdin, control, decision)
}

func (a *Adapter) writeControlResponse(stdin io.Writer, control *pendingControl, decision permission.Decision) {
	var resp controlResponse
	resp.Type = "control_response"
	resp.Response.RequestID = control.RequestID
	resp.Response.Subtype = "success"

	if decision.Outcome == permission.OutcomeApproved {
		resp.Response.Behavior = "allow"
		input := decision.ModifiedInputJSON
		if input == "" {
			input = control.InputJSON
		}
		if input != "" {
			resp.Response.Input = json.RawMessage(input)
		}
	} else {
		resp.Response.Behavior = "deny"
		resp.Response.Message = denialMessage(decision)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		a.logger.Error("marshaling control response", "error", err)
		return
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		a.logger.Warn("writing control response", "error", err)
	}
}

// denialMessage renders the reason the agent sees for a non-approval.
func denialMessage(decision permission.Decision) string {
	switch decision.Outcome {
	case permission.OutcomeTimedOut:
		return "permission request timed out waiting for the operator"
	case permission.OutcomeCancelled:
		return "turn was stopped before the operator responded"
	default:
		if decision.Reason != "" {
			return decision.Reason
		}
		return "the operator denied this tool call"
	}
}

// Interrupt sends SIGINT to the conversation's subprocess so it can flush a
// final result line before exiting.
func (a *Adapter) Interrupt(conversationID string) error {
	a.mu.Lock()
	cmd := a.running[conversationID]
	a.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	a.logger.Info("interrupting subprocess",
		"conversation_id", conversationID,
		"pid", cmd.Process.Pid)
	return cmd.Process.Signal(syscall.SIGINT)
}

// forget drops the subprocess registration, but only if it is still ours: a
// superseding turn may have registered a new subprocess under the same
// conversation before the old pump's cleanup ran.
func (a *Adapter) forget(conversationID string, cmd *exec.Cmd) {
	a.mu.Lock()
	if a.running[conversationID] == cmd {
		delete(a.running, conversationID)
	}
	a.mu.Unlock()
}

func (a *Adapter) buildArgs(req backend.TurnRequest) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
		"--print",
	}

	model := req.Settings.Model
	if model == "" {
		model = a.opts.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	mode := req.Settings.PermissionMode
	if mode == "" {
		mode = a.opts.PermissionMode
	}
	if mode != "" {
		args = append(args, "--permission-mode", mode)
	}

	tools := req.Settings.AllowedTools
	if len(tools) == 0 {
		tools = a.opts.AllowedTools
	}
	for _, tool := range tools {
		args = append(args, "--allowedTools", tool)
	}

	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	} else {
		args = append(args, "--session-id", uuid.New().String())
	}

	return args
}

func writeUserInput(w io.Writer, prompt string) error {
	var msg userInput
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = prompt

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
