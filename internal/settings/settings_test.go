// ABOUTME: Tests for per-repository loom.toml settings
// ABOUTME: Covers missing files, overrides, and auto-commit defaults

package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom/internal/store"
)

func TestLoad_MissingFile(t *testing.T) {
	rs, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, rs.Model)
	assert.True(t, rs.AutoCommitEnabled())
	assert.Equal(t, "loom/", rs.Prefix())
}

func TestLoad_FullFile(t *testing.T) {
	repo := t.TempDir()
	content := `
model = "claude-opus-4-5"
permission_mode = "acceptEdits"
allowed_tools = ["Read", "Grep", "Bash"]
auto_commit = false
branch_prefix = "agent/"
`
	require.NoError(t, os.WriteFile(filepath.Join(repo, FileName), []byte(content), 0644))

	rs, err := Load(repo)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-5", rs.Model)
	assert.Equal(t, "acceptEdits", rs.PermissionMode)
	assert.Equal(t, []string{"Read", "Grep", "Bash"}, rs.AllowedTools)
	assert.False(t, rs.AutoCommitEnabled())
	assert.Equal(t, "agent/", rs.Prefix())
}

func TestLoad_InvalidTOML(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, FileName), []byte("model = [unclosed"), 0644))

	_, err := Load(repo)
	assert.Error(t, err)
}

func TestApply_OverridesOnlySetFields(t *testing.T) {
	base := store.Settings{
		Model:          "claude-sonnet-4-5",
		PermissionMode: "default",
		AllowedTools:   []string{"Read"},
	}

	rs := &RepoSettings{Model: "claude-haiku-4-5"}
	got := rs.Apply(base)

	assert.Equal(t, "claude-haiku-4-5", got.Model)
	assert.Equal(t, "default", got.PermissionMode)
	assert.Equal(t, []string{"Read"}, got.AllowedTools)
}

func TestApply_EmptyFileKeepsBase(t *testing.T) {
	base := store.Settings{Model: "claude-sonnet-4-5", PermissionMode: "plan"}

	got := (&RepoSettings{}).Apply(base)
	assert.Equal(t, base, got)
}
