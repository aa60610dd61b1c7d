// Package worktree provisions isolated git worktrees per conversation and
// auto-commits the changes a turn produces. All operations shell out to git;
// when disabled or outside a repository, conversations fall back to the
// repository path itself.
package worktree
