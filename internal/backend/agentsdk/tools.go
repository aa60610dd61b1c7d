// ABOUTME: Local tools the SDK agent can call: shell commands and file reads
// ABOUTME: Shell execution is permission-gated; reads are not

package agentsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

const (
	toolBash     = "bash"
	toolReadFile = "read_file"

	// commandTimeout bounds one shell command.
	commandTimeout = 2 * time.Minute

	// maxOutputBytes truncates tool output fed back to the model.
	maxOutputBytes = 64 * 1024
)

// toolbox holds the local tool definitions and knows which ones are gated.
type toolbox struct {
	defs []anthropic.ToolUnionParam
}

func newToolbox() *toolbox {
	bashSchema := anthropic.ToolInputSchemaParam{
		Properties: map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to run in the working directory",
			},
		},
		Required: []string{"command"},
	}

	readSchema := anthropic.ToolInputSchemaParam{
		Properties: map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path, relative to the working directory",
			},
		},
		Required: []string{"path"},
	}

	return &toolbox{
		defs: []anthropic.ToolUnionParam{
			anthropic.ToolUnionParamOfTool(bashSchema, toolBash),
			anthropic.ToolUnionParamOfTool(readSchema, toolReadFile),
		},
	}
}

func (tb *toolbox) definitions() []anthropic.ToolUnionParam {
	return tb.defs
}

// gated reports whether a tool needs operator approval before running.
func (tb *toolbox) gated(name string) bool {
	return name == toolBash
}

// run executes a tool and returns its output.
func (tb *toolbox) run(ctx context.Context, name, inputJSON, workingDir string) (string, error) {
	switch name {
	case toolBash:
		return runBash(ctx, inputJSON, workingDir)
	case toolReadFile:
		return runReadFile(inputJSON, workingDir)
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

func runBash(ctx context.Context, inputJSON, workingDir string) (string, error) {
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return "", fmt.Errorf("invalid bash input: %w", err)
	}
	if strings.TrimSpace(input.Command) == "" {
		return "", fmt.Errorf("bash requires a non-empty command")
	}

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", input.Command)
	if workingDir != "" {
		cmd.Dir = workingDir
	}

	out, err := cmd.CombinedOutput()
	output := truncate(string(out))
	if err != nil {
		if output == "" {
			return "", fmt.Errorf("command failed: %w", err)
		}
		return "", fmt.Errorf("command failed: %w\n%s", err, output)
	}
	return output, nil
}

func runReadFile(inputJSON, workingDir string) (string, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return "", fmt.Errorf("invalid read_file input: %w", err)
	}
	if input.Path == "" {
		return "", fmt.Errorf("read_file requires a path")
	}

	path := input.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(workingDir, path)
	}

	// Keep reads inside the working directory when one is set.
	if workingDir != "" {
		absDir, err := filepath.Abs(workingDir)
		if err != nil {
			return "", fmt.Errorf("resolving working directory: %w", err)
		}
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("resolving path: %w", err)
		}
		rel, err := filepath.Rel(absDir, absPath)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("path %q is outside the working directory", input.Path)
		}
		path = absPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return truncate(string(data)), nil
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n[output truncated]"
}
