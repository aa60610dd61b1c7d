// ABOUTME: Per-repository settings loaded from a loom.toml file at the repo root
// ABOUTME: Overrides conversation defaults for model, permission mode, and tool allowlist

package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/2389/loom/internal/store"
)

// FileName is the per-repository settings file, looked up at the repo root.
const FileName = "loom.toml"

// RepoSettings is the on-disk shape of loom.toml.
type RepoSettings struct {
	Model          string   `toml:"model"`
	PermissionMode string   `toml:"permission_mode"`
	AllowedTools   []string `toml:"allowed_tools"`
	AutoCommit     *bool    `toml:"auto_commit"`
	BranchPrefix   string   `toml:"branch_prefix"`
}

// Load reads loom.toml from the given repository root. A missing file is not
// an error: it returns an empty RepoSettings so callers can apply it blindly.
func Load(repoPath string) (*RepoSettings, error) {
	path := filepath.Join(repoPath, FileName)

	var rs RepoSettings
	if _, err := toml.DecodeFile(path, &rs); err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return &RepoSettings{}, nil
		}
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	return &rs, nil
}

// Apply overlays the repo settings onto a conversation's settings.
// Only fields the file sets are overridden.
func (rs *RepoSettings) Apply(s store.Settings) store.Settings {
	if rs.Model != "" {
		s.Model = rs.Model
	}
	if rs.PermissionMode != "" {
		s.PermissionMode = rs.PermissionMode
	}
	if len(rs.AllowedTools) > 0 {
		s.AllowedTools = append([]string(nil), rs.AllowedTools...)
	}
	return s
}

// AutoCommitEnabled reports whether auto-commit is on for this repo.
// Defaults to true when loom.toml does not say otherwise.
func (rs *RepoSettings) AutoCommitEnabled() bool {
	if rs.AutoCommit == nil {
		return true
	}
	return *rs.AutoCommit
}

// Prefix returns the branch name prefix for conversation branches.
func (rs *RepoSettings) Prefix() string {
	if rs.BranchPrefix == "" {
		return "loom/"
	}
	return rs.BranchPrefix
}
