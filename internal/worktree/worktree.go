// ABOUTME: Binds conversations to isolated git worktrees and branches
// ABOUTME: Provisions worktrees on demand and auto-commits produced changes

package worktree

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Info describes one entry from `git worktree list --porcelain`.
type Info struct {
	Path     string
	Branch   string
	Head     string
	Detached bool
}

// Binding is a conversation's provisioned worktree.
type Binding struct {
	Path   string
	Branch string
}

// Binder provisions one worktree + branch per conversation under a shared
// directory. Disabled binders make EnsureWorkingDirectory a pass-through so
// callers never branch on configuration.
type Binder struct {
	enabled bool
	dir     string
	logger  *slog.Logger
}

// NewBinder creates a binder rooted at dir. When enabled is false, turns run
// directly in the conversation's repository.
func NewBinder(enabled bool, dir string, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		enabled: enabled,
		dir:     dir,
		logger:  logger.With("component", "worktree"),
	}
}

// Enabled reports whether worktree isolation is on.
func (b *Binder) Enabled() bool { return b.enabled }

// EnsureWorkingDirectory returns the directory a conversation's turns should
// run in, provisioning a worktree and branch on first use. With the binder
// disabled (or a non-git repo path), the repo path itself is returned with a
// nil binding.
func (b *Binder) EnsureWorkingDirectory(ctx context.Context, conversationID, repoPath, branchPrefix string) (string, *Binding, error) {
	if !b.enabled {
		return repoPath, nil, nil
	}
	if !isGitRepo(ctx, repoPath) {
		b.logger.Debug("not a git repository, skipping worktree",
			"conversation_id", conversationID,
			"repo_path", repoPath)
		return repoPath, nil, nil
	}

	if branchPrefix == "" {
		branchPrefix = "loom/"
	}
	branch := branchPrefix + conversationID
	path := filepath.Join(b.dir, conversationID)

	// Reuse an existing worktree for this conversation.
	existing, err := b.List(ctx, repoPath)
	if err != nil {
		return "", nil, err
	}
	for _, wt := range existing {
		if wt.Path == path {
			return path, &Binding{Path: path, Branch: wt.Branch}, nil
		}
	}

	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return "", nil, fmt.Errorf("creating worktree dir: %w", err)
	}

	out, err := git(ctx, repoPath, "worktree", "add", "-b", branch, path)
	if err != nil {
		return "", nil, fmt.Errorf("git worktree add failed: %s", out)
	}

	b.logger.Info("worktree provisioned",
		"conversation_id", conversationID,
		"path", path,
		"branch", branch)
	return path, &Binding{Path: path, Branch: branch}, nil
}

// CommitChanges stages and commits everything in the worktree. Returns the
// commit hash, or "" when the tree is clean. Failures are returned to the
// caller but must never fail the turn that produced them.
func (b *Binder) CommitChanges(ctx context.Context, workingDir, message string) (string, error) {
	status, err := git(ctx, workingDir, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("git status failed: %s", status)
	}
	if strings.TrimSpace(status) == "" {
		return "", nil
	}

	if out, err := git(ctx, workingDir, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add failed: %s", out)
	}

	if out, err := git(ctx, workingDir, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("git commit failed: %s", out)
	}

	hash, err := git(ctx, workingDir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %s", hash)
	}

	hash = strings.TrimSpace(hash)
	b.logger.Info("changes committed", "working_dir", workingDir, "commit", hash)
	return hash, nil
}

// Remove deletes a conversation's worktree. The branch is kept: the operator
// may still want its commits.
func (b *Binder) Remove(ctx context.Context, repoPath, path string) error {
	out, err := git(ctx, repoPath, "worktree", "remove", "--force", path)
	if err != nil {
		return fmt.Errorf("git worktree remove failed: %s", out)
	}
	return nil
}

// List parses `git worktree list --porcelain` for the repository.
func (b *Binder) List(ctx context.Context, repoPath string) ([]*Info, error) {
	out, err := git(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git worktree list failed: %s", out)
	}
	return parseWorktreeList(out), nil
}

func isGitRepo(ctx context.Context, path string) bool {
	out, err := git(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(output)), err
}

func parseWorktreeList(output string) []*Info {
	var out []*Info
	scanner := bufio.NewScanner(strings.NewReader(output))
	var current *Info
	flush := func() {
		if current != nil && strings.TrimSpace(current.Path) != "" {
			out = append(out, current)
		}
		current = nil
	}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, "worktree ") {
			flush()
			current = &Info{Path: strings.TrimSpace(strings.TrimPrefix(line, "worktree "))}
			continue
		}
		if current == nil {
			continue
		}
		switch {
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimSpace(strings.TrimPrefix(line, "branch "))
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimSpace(strings.TrimPrefix(line, "HEAD "))
		case line == "detached":
			current.Detached = true
		}
	}
	flush()
	return out
}
